package sip

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ai-voice-connector/pkg/errors"
	"ai-voice-connector/pkg/events"
	"ai-voice-connector/pkg/util"

	"github.com/sirupsen/logrus"
)

// DefaultMaxMessageSize bounds a single framed message, headers plus body.
const DefaultMaxMessageSize = 65535

// ServerConfig configures the TCP transport.
type ServerConfig struct {
	MaxMessageSize int
	// ReadTimeout closes a connection that sends nothing for this long. Zero
	// disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server accepts SIP over TCP and runs one connection actor per socket.
type Server struct {
	logger  *logrus.Logger
	machine *StateMachine
	codec   *Codec
	config  ServerConfig
	panics  *util.PanicHandler

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*connection]struct{}
	wg        sync.WaitGroup

	shuttingDown atomic.Bool
}

// NewServer creates a SIP server that dispatches requests to machine.
func NewServer(logger *logrus.Logger, machine *StateMachine, config ServerConfig) *Server {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		logger:    logger,
		machine:   machine,
		codec:     NewCodec(),
		config:    config,
		panics:    util.NewPanicHandler(logger),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*connection]struct{}),
	}
}

// ListenAndServe listens on the TCP address and serves until ctx is done or
// Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "listen on "+address)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil after ctx is cancelled or
// Shutdown is called, and the accept error otherwise.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		ln.Close()
		return nil
	}
	defer s.untrackListener(ln)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	s.logger.WithField("address", ln.Addr().String()).Info("SIP server listening on TCP")

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown.Load() || ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff *= 2
				}
				if backoff > time.Second {
					backoff = time.Second
				}
				s.logger.WithError(err).WithField("retry_in", backoff).Warn("Accept failed, retrying")
				time.Sleep(backoff)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		backoff = 0

		c := newConnection(s, conn)
		if !s.trackConnection(c) {
			conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			c.serve(ctx)
		}()
	}
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) trackConnection(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) removeConnection(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, closes every connection, waits for the actors to
// exit and then terminates all remaining dialogs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down SIP server")

	s.mu.Lock()
	s.shuttingDown.Store(true)
	for ln := range s.listeners {
		ln.Close()
	}
	for c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(errors.ErrTimeout, "waiting for SIP connections to close")
	}

	terminated := s.machine.TerminateAll(context.WithoutCancel(ctx), events.ReasonShutdown)
	s.logger.WithField("dialogs_terminated", terminated).Info("SIP server shutdown completed")
	return err
}
