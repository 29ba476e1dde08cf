// Package configsync periodically fetches the routing configuration
// from the control plane and applies it to the queue manager.
package configsync

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/router/internal/router/model"
	"go.flowcatalyst.tech/router/internal/router/warning"
)

const (
	// DefaultSyncInterval is how often the configuration is re-fetched.
	DefaultSyncInterval = 5 * time.Minute

	// Initial sync retries before giving up on startup.
	initialSyncAttempts = 12
	initialSyncBackoff  = 5 * time.Second

	fetchTimeout    = 30 * time.Second
	maxResponseSize = 4 * 1024 * 1024
)

// ConfigApplier receives each successfully fetched configuration.
// Implemented by the queue manager.
type ConfigApplier interface {
	ReloadConfig(cfg *model.RouterConfig) error
}

// Config holds sync settings.
type Config struct {
	// URL of the control plane configuration endpoint.
	URL string

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	Interval time.Duration

	// FailOnInitialError aborts startup when the first sync cannot be
	// completed. When false the router starts with whatever pools were
	// seeded and keeps retrying in the background.
	FailOnInitialError bool
}

// Service drives the sync loop.
type Service struct {
	cfg      Config
	client   *http.Client
	applier  ConfigApplier
	warnings warning.Service

	mu           sync.RWMutex
	lastSyncAt   time.Time
	lastError    string
	currentHash  string
	syncCount    int64
	failureCount int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a config sync service.
func New(cfg Config, applier ConfigApplier, warnings warning.Service) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncInterval
	}
	return &Service{
		cfg:      cfg,
		client:   &http.Client{Timeout: fetchTimeout},
		applier:  applier,
		warnings: warnings,
		done:     make(chan struct{}),
	}
}

// Start performs the initial sync and launches the periodic loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.initialSync(ctx); err != nil {
		if s.cfg.FailOnInitialError {
			return fmt.Errorf("initial config sync: %w", err)
		}
		slog.Warn("Initial config sync failed, continuing with seeded configuration", "error", err)
		s.warn(fmt.Sprintf("Initial config sync failed: %v", err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(loopCtx)
	return nil
}

// Stop terminates the sync loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Service) initialSync(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= initialSyncAttempts; attempt++ {
		if err := s.syncOnce(ctx); err != nil {
			lastErr = err
			slog.Warn("Config sync attempt failed",
				"attempt", attempt, "maxAttempts", initialSyncAttempts, "error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(initialSyncBackoff):
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				slog.Error("Config sync failed", "error", err)
				s.warn(fmt.Sprintf("Config sync failed: %v", err))
			}
		}
	}
}

// syncOnce fetches and applies the configuration. Unchanged payloads
// are skipped so periodic syncs do not churn the pools.
func (s *Service) syncOnce(ctx context.Context) error {
	body, err := s.fetch(ctx)
	if err != nil {
		s.recordFailure(err)
		return err
	}

	hash := fmt.Sprintf("%x", sha256.Sum256(body))
	cfg, err := Parse(body)
	if err != nil {
		s.recordFailure(err)
		return err
	}

	s.mu.RLock()
	unchanged := s.currentHash != "" && s.currentHash == hash && s.syncCount > 0
	s.mu.RUnlock()
	if unchanged {
		s.recordSuccess(hash)
		return nil
	}

	if err := s.applier.ReloadConfig(cfg); err != nil {
		s.recordFailure(err)
		return err
	}

	s.recordSuccess(hash)
	slog.Info("Configuration applied",
		"pools", len(cfg.ProcessingPools), "queues", len(cfg.Queues))
	return nil
}

func (s *Service) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read config body: %w", err)
	}
	return body, nil
}

// Parse decodes and validates a configuration document.
func Parse(body []byte) (*model.RouterConfig, error) {
	var cfg model.RouterConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.ProcessingPools))
	for i, p := range cfg.ProcessingPools {
		if p.Code == "" {
			return nil, fmt.Errorf("pool %d: missing code", i)
		}
		if seen[p.Code] {
			return nil, fmt.Errorf("pool %s: duplicate code", p.Code)
		}
		seen[p.Code] = true
		if p.Concurrency <= 0 {
			return nil, fmt.Errorf("pool %s: concurrency must be positive", p.Code)
		}
	}
	return &cfg, nil
}

func (s *Service) recordSuccess(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSyncAt = time.Now()
	s.lastError = ""
	s.currentHash = hash
	s.syncCount++
}

func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
	s.failureCount++
}

func (s *Service) warn(message string) {
	if s.warnings != nil {
		s.warnings.AddWarning(warning.CategoryConfiguration, warning.SeverityError, message, "ConfigSync")
	}
}

// Status describes the sync loop for monitoring.
type Status struct {
	LastSyncAt   time.Time `json:"lastSyncAt,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	SyncCount    int64     `json:"syncCount"`
	FailureCount int64     `json:"failureCount"`
}

// GetStatus returns the current sync status.
func (s *Service) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		LastSyncAt:   s.lastSyncAt,
		LastError:    s.lastError,
		SyncCount:    s.syncCount,
		FailureCount: s.failureCount,
	}
}
