package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"
)

const (
	// startupGrace is how long Start may run before the service is
	// considered up. Errors inside the window abort the binary.
	startupGrace = 100 * time.Millisecond

	// stopTimeout bounds each service's Stop during shutdown.
	stopTimeout = 30 * time.Second
)

// Run starts services in order and blocks until SIGINT/SIGTERM, ctx
// cancellation or a service failure, then stops them in reverse order.
// This is the main loop of every FlowCatalyst binary.
func Run(ctx context.Context, services ...Service) error {
	ctx, unhook := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer unhook()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// failures carries the first Start error past the grace window;
	// any such error tears the binary down.
	failures := make(chan error, len(services))

	var started []Service
	for _, svc := range services {
		slog.Info("Starting service", "service", svc.Name())

		startErr := make(chan error, 1)
		go func(svc Service) {
			err := svc.Start(runCtx)
			startErr <- err
			if err != nil {
				failures <- fmt.Errorf("service %s: %w", svc.Name(), err)
			}
		}(svc)

		select {
		case err := <-startErr:
			if err != nil {
				stopAll(started)
				return fmt.Errorf("service %s failed to start: %w", svc.Name(), err)
			}
		case <-time.After(startupGrace):
		}

		started = append(started, svc)
		slog.Info("Service started", "service", svc.Name())
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown requested")
	case runErr = <-failures:
		slog.Error("Service failed", "error", runErr)
	}

	cancel()
	stopAll(started)
	return runErr
}

// stopAll shuts services down in reverse start order so dependents go
// before their dependencies.
func stopAll(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		slog.Info("Stopping service", "service", svc.Name())

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := svc.Stop(ctx); err != nil {
			slog.Error("Service stop failed", "service", svc.Name(), "error", err)
		} else {
			slog.Info("Service stopped", "service", svc.Name())
		}
		cancel()
	}
}
