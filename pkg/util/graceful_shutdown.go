package util

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown manages graceful shutdown of multiple resources
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
	panics    *PanicHandler
}

// ShutdownResource represents a resource that needs graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
		panics:  NewPanicHandler(logger),
	}
}

// Register adds a resource to be shut down
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	gs.resources = append(gs.resources, resource)
	gs.mu.Unlock()

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterFunc registers a shutdown function that needs no context
func (gs *GracefulShutdown) RegisterFunc(name string, priority int, fn func()) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error {
			fn()
			return nil
		},
	})
}

// Shutdown stops resources one priority group at a time. Resources sharing a
// priority stop concurrently; the next group starts when the previous one has
// finished or timed out. All groups share one deadline.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	sort.SliceStable(resources, func(i, j int) bool {
		return resources[i].Priority < resources[j].Priority
	})

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var shutdownErrors []error
	for start := 0; start < len(resources); {
		end := start
		for end < len(resources) && resources[end].Priority == resources[start].Priority {
			end++
		}
		shutdownErrors = append(shutdownErrors, gs.shutdownGroup(shutdownCtx, resources[start:end])...)
		start = end
	}

	if len(shutdownErrors) > 0 {
		return &MultiShutdownError{Errors: shutdownErrors}
	}

	gs.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (gs *GracefulShutdown) shutdownGroup(ctx context.Context, group []ShutdownResource) []error {
	errChan := make(chan error, len(group))

	for _, resource := range group {
		gs.logger.WithField("resource", resource.Name).Debug("Shutting down resource")

		go func(res ShutdownResource) {
			done := make(chan error, 1)
			go func() {
				defer gs.panics.RecoverWithCallback("shutdown:"+res.Name, func(r interface{}) {
					done <- &ShutdownPanicError{Resource: res.Name, Panic: r}
				})
				done <- res.Shutdown(ctx)
			}()

			select {
			case err := <-done:
				if err != nil {
					gs.logger.WithError(err).WithField("resource", res.Name).Error("Error shutting down resource")
					errChan <- &ShutdownError{Resource: res.Name, Err: err}
					return
				}
				gs.logger.WithField("resource", res.Name).Debug("Resource shut down successfully")
				errChan <- nil
			case <-ctx.Done():
				gs.logger.WithField("resource", res.Name).Warn("Shutdown timeout for resource")
				errChan <- &ShutdownTimeoutError{Resource: res.Name}
			}
		}(resource)
	}

	var errs []error
	for range group {
		if err := <-errChan; err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ShutdownError wraps a resource's shutdown failure
type ShutdownError struct {
	Resource string
	Err      error
}

func (e *ShutdownError) Error() string {
	return "shutdown error for " + e.Resource + ": " + e.Err.Error()
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}

// ShutdownTimeoutError reports a resource that did not stop before the deadline
type ShutdownTimeoutError struct {
	Resource string
}

func (e *ShutdownTimeoutError) Error() string {
	return "shutdown timeout for " + e.Resource
}

// ShutdownPanicError reports a resource whose shutdown panicked
type ShutdownPanicError struct {
	Resource string
	Panic    interface{}
}

func (e *ShutdownPanicError) Error() string {
	return "panic during shutdown of " + e.Resource
}

// MultiShutdownError collects every failure of one Shutdown call
type MultiShutdownError struct {
	Errors []error
}

func (e *MultiShutdownError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "shutdown failed: " + strings.Join(msgs, "; ")
}

func (e *MultiShutdownError) Unwrap() []error {
	return e.Errors
}
