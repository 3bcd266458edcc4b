package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Limiter implements a token bucket rate limiter with per-key tracking
type Limiter struct {
	rate       float64 // tokens per second
	burst      int     // maximum burst size
	clients    map[string]*bucket
	mu         sync.RWMutex
	logger     *logrus.Logger
	cleanupTTL time.Duration // how long to keep inactive clients
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// bucket represents a token bucket for a single client
type bucket struct {
	tokens     float64
	lastUpdate time.Time
	blocked    bool
	blockUntil time.Time
}

// NewLimiter creates a rate limiter and starts its cleanup goroutine. Call
// Close to stop it.
func NewLimiter(rate float64, burst int, logger *logrus.Logger) *Limiter {
	l := &Limiter{
		rate:       rate,
		burst:      burst,
		clients:    make(map[string]*bucket),
		logger:     logger,
		cleanupTTL: 10 * time.Minute,
		now:        time.Now,
		stop:       make(chan struct{}),
	}

	go l.cleanup()

	return l
}

// Allow checks if a request from the given key should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(key, now)

	if b.blocked && now.Before(b.blockUntil) {
		return false
	}
	b.blocked = false

	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}

	return false
}

func (l *Limiter) bucketLocked(key string, now time.Time) *bucket {
	b, exists := l.clients[key]
	if !exists {
		// New client starts with a full bucket
		b = &bucket{
			tokens:     float64(l.burst),
			lastUpdate: now,
		}
		l.clients[key] = b
	}
	return b
}

// Block temporarily blocks a client
func (l *Limiter) Block(key string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(key, now)
	b.blocked = true
	b.blockUntil = now.Add(duration)
	b.tokens = 0
	b.lastUpdate = now

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"key":         key,
			"block_until": b.blockUntil,
		}).Warn("Client blocked due to rate limit violation")
	}
}

// IsBlocked checks if a client is currently blocked
func (l *Limiter) IsBlocked(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, exists := l.clients[key]
	if !exists {
		return false
	}

	return b.blocked && l.now().Before(b.blockUntil)
}

// GetClientCount returns the number of tracked clients
func (l *Limiter) GetClientCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}

// Reset removes all tracked clients
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients = make(map[string]*bucket)
}

// Close stops the cleanup goroutine
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// cleanup periodically removes stale client entries
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cleanupTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.clients {
		// Remove clients that haven't been seen and aren't blocked
		if now.Sub(b.lastUpdate) > l.cleanupTTL && (!b.blocked || now.After(b.blockUntil)) {
			delete(l.clients, key)
		}
	}
}
