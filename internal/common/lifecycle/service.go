// Package lifecycle runs the long-lived components of a binary with
// ordered startup and reverse-ordered shutdown. Each component (queue
// manager, HTTP servers, outbox processor) implements Service and is
// handed to Run.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Service is a startable component supervised by Run.
type Service interface {
	// Name identifies the service in logs.
	Name() string

	// Start runs the service and blocks until ctx is cancelled. An
	// error within the startup grace period aborts the whole binary.
	Start(ctx context.Context) error

	// Stop shuts the service down within ctx's deadline.
	Stop(ctx context.Context) error

	// Health reports nil while the service is operational.
	Health() error
}

// ServiceFunc builds a Service from plain functions, for goroutines
// that need no state of their own.
type ServiceFunc struct {
	name   string
	start  func(ctx context.Context) error
	stop   func(ctx context.Context) error
	health func() error
}

func NewServiceFunc(name string, start, stop func(ctx context.Context) error) *ServiceFunc {
	return &ServiceFunc{
		name:  name,
		start: start,
		stop:  stop,
	}
}

// WithHealth attaches a health probe; without one the service always
// reports healthy.
func (s *ServiceFunc) WithHealth(fn func() error) *ServiceFunc {
	s.health = fn
	return s
}

func (s *ServiceFunc) Name() string { return s.name }

func (s *ServiceFunc) Start(ctx context.Context) error { return s.start(ctx) }

func (s *ServiceFunc) Stop(ctx context.Context) error { return s.stop(ctx) }

func (s *ServiceFunc) Health() error {
	if s.health == nil {
		return nil
	}
	return s.health()
}

// HTTPService runs an http.Server under the lifecycle contract.
type HTTPService struct {
	name   string
	server *http.Server
}

func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{name: name, server: server}
}

func (s *HTTPService) Name() string { return s.name }

func (s *HTTPService) Start(ctx context.Context) error {
	slog.Info("Starting HTTP server", "name", s.name, "addr", s.server.Addr)

	failed := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	// Surface bind errors instead of blocking on a dead listener.
	select {
	case err := <-failed:
		return err
	case <-time.After(startupGrace):
	case <-ctx.Done():
		return nil
	}

	select {
	case err := <-failed:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *HTTPService) Stop(ctx context.Context) error {
	slog.Info("Stopping HTTP server", "name", s.name)
	return s.server.Shutdown(ctx)
}

func (s *HTTPService) Health() error {
	return nil
}
