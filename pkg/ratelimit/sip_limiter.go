package ratelimit

import (
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the SIP admission limits
type Config struct {
	// Enabled determines if INVITE admission control is active
	Enabled bool

	// InvitesPerSecond is the sustained rate of new dialogs per source IP
	InvitesPerSecond float64

	// InviteBurst is the number of INVITEs a source may send at once
	InviteBurst int

	// BlockDuration blocks a source that exceeded its burst. Zero only
	// rejects the excess INVITEs.
	BlockDuration time.Duration

	// WhitelistedIPs are IPs or CIDRs that bypass admission control
	WhitelistedIPs []string
}

// DefaultConfig returns the default admission limits
func DefaultConfig() *Config {
	return &Config{
		Enabled:          false,
		InvitesPerSecond: 10,
		InviteBurst:      50,
		BlockDuration:    0,
		WhitelistedIPs:   []string{"127.0.0.1", "::1"},
	}
}

// SIPLimiter rate limits initial INVITEs per source IP
type SIPLimiter struct {
	limiter         *Limiter
	config          *Config
	enabled         atomic.Bool
	logger          *logrus.Logger
	whitelistedIPs  map[string]bool
	whitelistedNets []*net.IPNet

	// onReject is called with the reason for every refused INVITE
	onReject func(reason string)
}

// NewSIPLimiter creates a SIP admission limiter. Invalid whitelist entries
// are logged and skipped.
func NewSIPLimiter(config *Config, logger *logrus.Logger) *SIPLimiter {
	if config == nil {
		config = DefaultConfig()
	}

	s := &SIPLimiter{
		limiter:        NewLimiter(config.InvitesPerSecond, config.InviteBurst, logger),
		config:         config,
		logger:         logger,
		whitelistedIPs: make(map[string]bool),
		onReject:       func(string) {},
	}
	s.enabled.Store(config.Enabled)

	for _, ip := range config.WhitelistedIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			_, ipNet, err := net.ParseCIDR(ip)
			if err != nil {
				logger.WithError(err).WithField("entry", ip).Warn("Ignoring invalid whitelist CIDR")
				continue
			}
			s.whitelistedNets = append(s.whitelistedNets, ipNet)
		} else {
			s.whitelistedIPs[ip] = true
		}
	}

	logger.WithFields(logrus.Fields{
		"enabled":      config.Enabled,
		"invite_rps":   config.InvitesPerSecond,
		"invite_burst": config.InviteBurst,
		"whitelisted":  len(s.whitelistedIPs) + len(s.whitelistedNets),
	}).Info("SIP admission limiter initialized")

	return s
}

// OnReject sets the callback invoked for refused INVITEs
func (s *SIPLimiter) OnReject(fn func(reason string)) {
	s.onReject = fn
}

// SetEnabled switches admission control on or off at runtime
func (s *SIPLimiter) SetEnabled(enabled bool) {
	if s.enabled.Swap(enabled) != enabled {
		s.logger.WithField("enabled", enabled).Info("SIP admission limiter toggled")
	}
}

// AllowInvite reports whether a new dialog from remoteAddr (host:port or a
// bare host) may be created.
func (s *SIPLimiter) AllowInvite(remoteAddr string) bool {
	if !s.enabled.Load() {
		return true
	}

	clientIP := hostOf(remoteAddr)
	if s.isWhitelisted(clientIP) {
		return true
	}

	if s.limiter.IsBlocked(clientIP) {
		s.onReject("blocked")
		return false
	}

	if s.limiter.Allow(clientIP) {
		return true
	}

	s.logger.WithField("client_ip", clientIP).Warn("SIP INVITE rate limit exceeded")
	if s.config.BlockDuration > 0 {
		s.limiter.Block(clientIP, s.config.BlockDuration)
	}
	s.onReject("rate_limited")
	return false
}

// GetStats returns current limiter statistics
func (s *SIPLimiter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"enabled":        s.enabled.Load(),
		"invite_clients": s.limiter.GetClientCount(),
		"invite_rps":     s.config.InvitesPerSecond,
		"invite_burst":   s.config.InviteBurst,
	}
}

// Close stops the underlying limiter
func (s *SIPLimiter) Close() {
	s.limiter.Close()
}

func (s *SIPLimiter) isWhitelisted(ip string) bool {
	if s.whitelistedIPs[ip] {
		return true
	}

	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, ipNet := range s.whitelistedNets {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}

	return false
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
