package traffic

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Config selects the registration strategy.
type Config struct {
	// Enabled turns load balancer management on. Disabled deployments
	// run the no-op strategy.
	Enabled bool

	// Strategy names the integration: "noop" or "webhook".
	Strategy string

	// Webhook configures the webhook strategy; ignored otherwise.
	Webhook WebhookConfig
}

// DefaultConfig returns the disabled, no-op configuration.
func DefaultConfig() *Config {
	return &Config{Strategy: "noop"}
}

// Service fronts the active strategy. Registration failures are logged
// and surfaced in the status but never propagate: a balancer hiccup
// must not take down the standby machinery that drives it.
type Service struct {
	config *Config

	mu             sync.RWMutex
	activeStrategy Strategy
}

// NewService builds the service and picks the strategy from config.
// Unknown strategy names fall back to no-op rather than failing boot.
func NewService(config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	svc := &Service{config: config}
	svc.activeStrategy = svc.selectStrategy()
	return svc
}

func (s *Service) selectStrategy() Strategy {
	if !s.config.Enabled {
		slog.Info("Traffic management disabled")
		return NewNoOpStrategy()
	}

	name := strings.ToLower(s.config.Strategy)
	switch name {
	case "", "noop":
		slog.Info("Traffic management using no-op strategy")
		return NewNoOpStrategy()
	case "webhook":
		slog.Info("Traffic management using webhook strategy",
			"registerUrl", s.config.Webhook.RegisterURL)
		return NewWebhookStrategy(s.config.Webhook)
	default:
		slog.Warn("Unknown traffic strategy, falling back to no-op", "strategy", name)
		return NewNoOpStrategy()
	}
}

// RegisterAsActive announces this instance to the load balancer. Fired
// on promotion to PRIMARY.
func (s *Service) RegisterAsActive() {
	strategy := s.strategy()
	if strategy == nil {
		return
	}
	if err := strategy.RegisterAsActive(); err != nil {
		slog.Error("Load balancer registration failed", "error", err)
	}
}

// DeregisterFromActive withdraws this instance. Fired on demotion and
// on shutdown.
func (s *Service) DeregisterFromActive() {
	strategy := s.strategy()
	if strategy == nil {
		return
	}
	if err := strategy.DeregisterFromActive(); err != nil {
		slog.Error("Load balancer deregistration failed", "error", err)
	}
}

// IsRegistered reports the last known registration state.
func (s *Service) IsRegistered() bool {
	strategy := s.strategy()
	if strategy == nil {
		return false
	}
	return strategy.IsRegistered()
}

// IsEnabled reports whether traffic management is configured on.
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// GetStatus returns the active strategy's monitoring snapshot.
func (s *Service) GetStatus() *TrafficStatus {
	strategy := s.strategy()
	if strategy == nil {
		return &TrafficStatus{
			StrategyType: "uninitialized",
			TargetInfo:   "no strategy selected",
		}
	}
	return strategy.GetStatus()
}

// StatusJSON is the payload served at /router/traffic.
func (s *Service) StatusJSON() any {
	return s.GetStatus()
}

// SetStrategy swaps the strategy at runtime.
func (s *Service) SetStrategy(strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeStrategy = strategy
	slog.Info("Traffic strategy replaced", "strategy", fmt.Sprintf("%T", strategy))
}

func (s *Service) strategy() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeStrategy
}
