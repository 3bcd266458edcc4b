package sip

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"ai-voice-connector/pkg/errors"
	"ai-voice-connector/pkg/metrics"

	"github.com/sirupsen/logrus"
)

var crlf = []byte("\r\n")

// connection is the actor that owns one accepted TCP socket. It reads one
// framed message at a time and writes every response before reading again.
type connection struct {
	server     *Server
	conn       net.Conn
	reader     *bufio.Reader
	remoteAddr string
	logger     *logrus.Entry

	writeMu sync.Mutex
	done    chan struct{}
}

func newConnection(s *Server, conn net.Conn) *connection {
	bufSize := s.config.MaxMessageSize
	if bufSize < 4096 {
		bufSize = 4096
	}
	remote := conn.RemoteAddr().String()
	return &connection{
		server:     s,
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, bufSize),
		remoteAddr: remote,
		logger:     s.logger.WithField("remote_addr", remote),
		done:       make(chan struct{}),
	}
}

func (c *connection) serve(ctx context.Context) {
	untrack := metrics.TrackConnection()
	defer func() {
		close(c.done)
		c.conn.Close()
		c.server.removeConnection(c)
		untrack()
		c.logger.Debug("SIP connection closed")
	}()

	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-c.done:
		}
	}()

	c.logger.Debug("SIP connection accepted")

	for {
		if ctx.Err() != nil {
			return
		}
		if c.server.config.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.server.config.ReadTimeout))
		}

		raw, err := c.readMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		msg, err := c.server.codec.Decode(raw)
		if err != nil {
			metrics.RecordDecodeError("header")
			c.logger.WithError(err).Warn("Closing connection after undecodable message")
			return
		}

		if !msg.IsRequest() {
			c.logger.WithFields(logrus.Fields{
				"call_id": msg.CallID,
				"status":  msg.StatusCode,
			}).Debug("Ignoring SIP response")
			continue
		}

		if err := c.dispatch(ctx, msg); err != nil {
			return
		}
	}
}

// dispatch hands a request to the state machine. A panic is logged and the
// connection keeps serving.
func (c *connection) dispatch(ctx context.Context, msg *Message) (err error) {
	defer c.server.panics.Recover("sip-dispatch")
	return c.server.machine.Handle(ctx, msg, c, c.remoteAddr)
}

// WriteResponse writes a complete response to the socket.
func (c *connection) WriteResponse(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.server.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
	}
	_, err := c.conn.Write(b)
	return err
}

// readMessage returns the next message with CRLF line endings in its header
// block and exactly Content-Length body bytes. A double CRLF received between
// messages is a keepalive ping and is answered with a single CRLF.
func (c *connection) readMessage() ([]byte, error) {
	limit := c.server.config.MaxMessageSize

	var header bytes.Buffer
	blank := 0
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			blank++
			if blank == 2 {
				blank = 0
				if err := c.WriteResponse(crlf); err != nil {
					return nil, err
				}
			}
			continue
		}
		header.Write(line)
		header.Write(crlf)
		break
	}

	for {
		line, err := c.readLine()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if len(line) == 0 {
			break
		}
		if header.Len()+len(line)+2 > limit {
			return nil, errors.Wrap(errors.ErrMessageTooLarge, "header block")
		}
		header.Write(line)
		header.Write(crlf)
	}

	length, err := declaredContentLength(header.Bytes())
	if err != nil {
		return nil, err
	}
	if header.Len()+len(crlf)+length > limit {
		return nil, errors.Wrap(errors.ErrMessageTooLarge, "body of "+strconv.Itoa(length)+" bytes")
	}

	raw := make([]byte, header.Len()+len(crlf)+length)
	n := copy(raw, header.Bytes())
	n += copy(raw[n:], crlf)
	if _, err := io.ReadFull(c.reader, raw[n:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return raw, nil
}

// readLine returns one line without its terminator. Lines longer than the
// read buffer exceed the message size limit.
func (c *connection) readLine() ([]byte, error) {
	line, err := c.reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, errors.Wrap(errors.ErrMessageTooLarge, "header line")
	}
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	return append([]byte(nil), line...), nil
}

// declaredContentLength finds Content-Length (or its compact form l) in a
// header block. A missing header means no body.
func declaredContentLength(header []byte) (int, error) {
	lines := strings.Split(string(header), "\r\n")
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || CanonicalHeaderName(name) != "content-length" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, errors.NewDecode("invalid Content-Length " + strconv.Quote(strings.TrimSpace(value)))
		}
		return n, nil
	}
	return 0, nil
}

func (c *connection) logReadError(err error) {
	switch {
	case err == io.EOF, errors.IsErrorType(err, net.ErrClosed):
		c.logger.Debug("Peer closed SIP connection")
	case errors.IsErrorType(err, errors.ErrMessageTooLarge), errors.IsErrorType(err, errors.ErrDecode):
		metrics.RecordDecodeError("framing")
		c.logger.WithError(err).Warn("Closing connection after malformed framing")
	default:
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.logger.Info("Closing idle SIP connection")
			return
		}
		c.logger.WithError(err).Warn("SIP connection read failed")
	}
}
