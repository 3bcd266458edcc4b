package http

import "time"

// Config holds the admin HTTP server configuration
type Config struct {
	// Port is the HTTP server port
	Port int `json:"port"`

	// Enabled determines if the HTTP server should be started
	Enabled bool `json:"enabled"`

	// EnableMetrics exposes /metrics
	EnableMetrics bool `json:"enable_metrics"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `json:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response
	WriteTimeout time.Duration `json:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// DefaultConfig returns the default admin HTTP configuration
func DefaultConfig() *Config {
	return &Config{
		Port:          9090,
		Enabled:       true,
		EnableMetrics: true,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}
