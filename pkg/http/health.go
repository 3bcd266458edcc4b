package http

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"ai-voice-connector/pkg/version"

	"github.com/sirupsen/logrus"
)

// Check statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines    int    `json:"goroutines"`
	MemoryMB      uint64 `json:"memory_mb"`
	CPUCount      int    `json:"cpu_count"`
	ActiveDialogs int    `json:"active_dialogs"`
}

// HealthCheck reports the health of one component
type HealthCheck func() CheckResult

type healthChecks struct {
	mu     sync.RWMutex
	checks map[string]HealthCheck
}

func newHealthChecks() *healthChecks {
	return &healthChecks{checks: make(map[string]HealthCheck)}
}

// AddCheck registers a named component check used by /health and /health/ready.
func (s *Server) AddCheck(name string, check HealthCheck) {
	s.checks.mu.Lock()
	s.checks.checks[name] = check
	s.checks.mu.Unlock()
}

// run evaluates every check. A panicking check counts as unhealthy.
func (h *healthChecks) run() map[string]CheckResult {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]CheckResult, len(names))
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()
		results[name] = runCheck(check)
	}
	return results
}

func runCheck(check HealthCheck) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{Status: StatusUnhealthy, Message: "health check panicked"}
		}
	}()
	return check()
}

// overallStatus is unhealthy if any check is, else degraded if any check is.
func overallStatus(results map[string]CheckResult) string {
	status := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	checks := s.checks.run()
	health := HealthStatus{
		Status:    overallStatus(checks),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    checks,
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	health.System.GoRoutines = runtime.NumGoroutine()
	health.System.MemoryMB = m.Alloc / 1024 / 1024
	health.System.CPUCount = runtime.NumCPU()
	if s.dialogs != nil {
		health.System.ActiveDialogs = s.dialogs.DialogCount()
	}

	if r.URL.Query().Get("detailed") == "true" {
		s.logger.WithFields(logrus.Fields{
			"status":   health.Status,
			"checks":   health.Checks,
			"duration": time.Since(startTime),
		}).Debug("Health check performed")
	}

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// LivenessHandler reports that the process is up
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ReadinessHandler reports whether every registered check passes
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := s.checks.run()

	var failing []string
	for name, result := range checks {
		if result.Status == StatusUnhealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not_ready",
			"failing": failing,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
