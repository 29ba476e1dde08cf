package manager

import (
	"context"
	"fmt"

	"log/slog"
)

// RouterService adapts the QueueManager to the lifecycle.Service
// interface and exposes pause/resume for the standby gate.
type RouterService struct {
	qm     *QueueManager
	stopCh chan struct{}
}

// NewRouterService wraps a QueueManager.
func NewRouterService(qm *QueueManager) *RouterService {
	return &RouterService{
		qm:     qm,
		stopCh: make(chan struct{}),
	}
}

// Name implements lifecycle.Service.
func (s *RouterService) Name() string { return "message-router" }

// Start launches the manager and blocks until stopped.
func (s *RouterService) Start(ctx context.Context) error {
	s.qm.Start()

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	return nil
}

// Stop shuts the manager down within the given context.
func (s *RouterService) Stop(ctx context.Context) error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	return s.qm.Shutdown(ctx)
}

// Health reports consumer health.
func (s *RouterService) Health() error {
	if !s.qm.Healthy() {
		return fmt.Errorf("one or more consumers unhealthy")
	}
	return nil
}

// Pause stops message dispatch (standby role).
func (s *RouterService) Pause() {
	slog.Info("Router paused")
	s.qm.Pause()
}

// Resume restarts message dispatch (leader role).
func (s *RouterService) Resume() {
	slog.Info("Router resumed")
	s.qm.Resume()
}

// Manager exposes the underlying QueueManager for the monitoring API.
func (s *RouterService) Manager() *QueueManager { return s.qm }
