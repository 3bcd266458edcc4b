package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"ai-voice-connector/pkg/errors"
	"ai-voice-connector/pkg/metrics"
	"ai-voice-connector/pkg/sip"
	"ai-voice-connector/pkg/version"

	"github.com/sirupsen/logrus"
)

// DialogLister exposes the live dialogs of the signaling core
type DialogLister interface {
	Dialogs() []sip.DialogInfo
	DialogCount() int
}

// Server is the admin HTTP server: health, status, dialogs, metrics and the
// live event websocket.
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	dialogs    DialogLister
	hub        *EventHub
	checks     *healthChecks
	startTime  time.Time
}

// NewServer creates the admin server. hub may be nil.
func NewServer(logger *logrus.Logger, config *Config, dialogs DialogLister, hub *EventHub) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		config:    config,
		logger:    logger,
		mux:       http.NewServeMux(),
		dialogs:   dialogs,
		hub:       hub,
		checks:    newHealthChecks(),
		startTime: time.Now(),
	}

	s.mux.HandleFunc("GET /health", s.withServerHeader(s.HealthHandler))
	s.mux.HandleFunc("GET /health/live", s.withServerHeader(s.LivenessHandler))
	s.mux.HandleFunc("GET /health/ready", s.withServerHeader(s.ReadinessHandler))
	s.mux.HandleFunc("GET /status", s.withServerHeader(s.statusHandler))
	s.mux.HandleFunc("GET /dialogs", s.withServerHeader(s.dialogsHandler))
	s.mux.HandleFunc("GET /dialogs/{callID}", s.withServerHeader(s.dialogHandler))

	if config.EnableMetrics && metrics.IsMetricsEnabled() {
		metrics.RegisterHandler(s.mux)
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	}

	if hub != nil {
		s.mux.HandleFunc("/ws/events", hub.ServeWs)
		s.AddCheck("websocket", func() CheckResult {
			return CheckResult{
				Status:  StatusHealthy,
				Message: fmt.Sprintf("%d event subscribers", hub.ClientCount()),
			}
		})
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) withServerHeader(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.ServerHeader())
		next(w, r)
	}
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on the configured port in a goroutine. The returned error
// reports a failure to bind.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "admin HTTP listen")
	}
	s.logger.WithField("port", s.config.Port).Info("Admin HTTP server listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Admin HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":     "ok",
		"service":    version.Name,
		"version":    version.Version,
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"started_at": s.startTime.UTC().Format(time.RFC3339),
	}
	if s.dialogs != nil {
		status["active_dialogs"] = s.dialogs.DialogCount()
	}
	if s.hub != nil {
		status["event_subscribers"] = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) dialogsHandler(w http.ResponseWriter, r *http.Request) {
	dialogs := []sip.DialogInfo{}
	if s.dialogs != nil {
		if list := s.dialogs.Dialogs(); list != nil {
			dialogs = list
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(dialogs),
		"dialogs": dialogs,
	})
}

func (s *Server) dialogHandler(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")
	if s.dialogs != nil {
		for _, d := range s.dialogs.Dialogs() {
			if d.CallID == callID {
				writeJSON(w, http.StatusOK, d)
				return
			}
		}
	}
	s.ErrorResponse(w, errors.NewDialogNotFound(callID))
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Debug("HTTP error response sent")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
