package traffic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// WebhookConfig locates the load balancer control endpoints.
type WebhookConfig struct {
	// RegisterURL receives a POST when this instance becomes PRIMARY.
	RegisterURL string

	// DeregisterURL receives a POST when this instance becomes STANDBY
	// or shuts down.
	DeregisterURL string

	// InstanceID is sent in the request body so the receiver knows which
	// backend to flip.
	InstanceID string

	// Timeout bounds each webhook call (default 10s).
	Timeout time.Duration
}

// WebhookStrategy drives a load balancer through plain HTTP hooks, for
// environments where the balancer exposes an admin API rather than a
// cloud SDK.
type WebhookStrategy struct {
	config WebhookConfig
	client *http.Client

	mu         sync.Mutex
	registered bool
	lastOp     string
	lastErr    string
}

func NewWebhookStrategy(config WebhookConfig) *WebhookStrategy {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookStrategy{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

func (s *WebhookStrategy) RegisterAsActive() error {
	err := s.post(s.config.RegisterURL, "register")
	s.record("register", err, true)
	return err
}

func (s *WebhookStrategy) DeregisterFromActive() error {
	err := s.post(s.config.DeregisterURL, "deregister")
	s.record("deregister", err, false)
	return err
}

func (s *WebhookStrategy) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *WebhookStrategy) GetStatus() *TrafficStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &TrafficStatus{
		StrategyType:  "webhook",
		Registered:    s.registered,
		TargetInfo:    s.config.RegisterURL,
		LastOperation: s.lastOp,
		LastError:     s.lastErr,
	}
}

func (s *WebhookStrategy) post(url, action string) error {
	if url == "" {
		return fmt.Errorf("traffic webhook: no %s URL configured", action)
	}

	body, err := json.Marshal(map[string]string{
		"action":     action,
		"instanceId": s.config.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("traffic webhook: encode %s: %w", action, err)
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("traffic webhook: %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("traffic webhook: %s returned %d", action, resp.StatusCode)
	}
	return nil
}

// record remembers the outcome. A failed call leaves the registration
// flag where it was: the balancer state did not change.
func (s *WebhookStrategy) record(op string, err error, registered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOp = op
	if err != nil {
		s.lastErr = err.Error()
		return
	}
	s.lastErr = ""
	s.registered = registered
}
