package sip

import (
	"context"
	"time"

	"ai-voice-connector/pkg/errors"

	"github.com/sirupsen/logrus"
)

// Operations bounded by the timeout handler
const (
	OperationCallCreate = "call_create"
	OperationAck        = "ack"
)

// TimeoutConfig holds dialog timer settings
type TimeoutConfig struct {
	CallCreateTimeout time.Duration // bound on creating the media call for an INVITE
	AckTimeout        time.Duration // RFC 3261 Timer H equivalent for the 2xx
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		CallCreateTimeout: 10 * time.Second,
		AckTimeout:        32 * time.Second, // 64*T1
	}
}

// TimeoutHandler bounds blocking collaborator calls
type TimeoutHandler struct {
	config *TimeoutConfig
	logger *logrus.Logger
}

// NewTimeoutHandler creates a new timeout handler
func NewTimeoutHandler(config *TimeoutConfig, logger *logrus.Logger) *TimeoutHandler {
	defaults := DefaultTimeoutConfig()
	if config == nil {
		config = defaults
	}
	if config.CallCreateTimeout <= 0 {
		config.CallCreateTimeout = defaults.CallCreateTimeout
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = defaults.AckTimeout
	}

	return &TimeoutHandler{
		config: config,
		logger: logger,
	}
}

// Timeout returns the bound for an operation
func (th *TimeoutHandler) Timeout(operation string) time.Duration {
	switch operation {
	case OperationAck:
		return th.config.AckTimeout
	default:
		return th.config.CallCreateTimeout
	}
}

// WithTimeout runs fn with a deadline. When the deadline passes first, fn keeps
// running with a cancelled context and WithTimeout returns a *TimeoutError.
func (th *TimeoutHandler) WithTimeout(ctx context.Context, operation string, fn func(context.Context) error) error {
	timeout := th.Timeout(operation)

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				th.logger.WithFields(logrus.Fields{
					"panic":     r,
					"operation": operation,
				}).Error("Panic in timeout handler")
				done <- &TimeoutPanicError{Operation: operation, Panic: r}
			}
		}()

		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return errors.Wrap(errors.ErrCanceled, operation)
		}
		th.logger.WithFields(logrus.Fields{
			"operation": operation,
			"timeout":   timeout,
		}).Warn("Operation timed out")
		return &TimeoutError{Operation: operation, Timeout: timeout}
	}
}

// TimeoutError represents a timeout error
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return "timeout for " + e.Operation + " after " + e.Timeout.String()
}

// Is lets errors.Is(err, errors.ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == errors.ErrTimeout
}

// TimeoutPanicError represents a panic inside a bounded operation
type TimeoutPanicError struct {
	Operation string
	Panic     interface{}
}

func (e *TimeoutPanicError) Error() string {
	return "panic during " + e.Operation + " operation"
}
