package traffic

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestDisabledServiceUsesNoOp(t *testing.T) {
	svc := NewService(&Config{Enabled: false, Strategy: "webhook"})

	if _, ok := svc.strategy().(*NoOpStrategy); !ok {
		t.Fatalf("strategy = %T, want no-op while disabled", svc.strategy())
	}
	if !svc.IsRegistered() {
		t.Fatal("no-op strategy reports every instance as registered")
	}
	if svc.IsEnabled() {
		t.Fatal("IsEnabled should mirror config")
	}
}

func TestUnknownStrategyFallsBackToNoOp(t *testing.T) {
	svc := NewService(&Config{Enabled: true, Strategy: "aws-alb"})
	if _, ok := svc.strategy().(*NoOpStrategy); !ok {
		t.Fatalf("strategy = %T, want no-op fallback", svc.strategy())
	}
}

func TestNilConfigDefaults(t *testing.T) {
	svc := NewService(nil)
	if svc.IsEnabled() {
		t.Fatal("default config should be disabled")
	}
	if got := svc.GetStatus().StrategyType; got != "noop" {
		t.Fatalf("strategy type = %q, want noop", got)
	}
}

func TestWebhookStrategyRegistersAndDeregisters(t *testing.T) {
	var mu sync.Mutex
	var actions []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		if body["instanceId"] != "node-1" {
			t.Errorf("instanceId = %q, want node-1", body["instanceId"])
		}
		mu.Lock()
		actions = append(actions, body["action"])
		mu.Unlock()
	}))
	defer server.Close()

	svc := NewService(&Config{
		Enabled:  true,
		Strategy: "webhook",
		Webhook: WebhookConfig{
			RegisterURL:   server.URL + "/register",
			DeregisterURL: server.URL + "/deregister",
			InstanceID:    "node-1",
		},
	})

	svc.RegisterAsActive()
	if !svc.IsRegistered() {
		t.Fatal("IsRegistered = false after successful register")
	}

	svc.DeregisterFromActive()
	if svc.IsRegistered() {
		t.Fatal("IsRegistered = true after successful deregister")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(actions) != 2 || actions[0] != "register" || actions[1] != "deregister" {
		t.Fatalf("webhook actions = %v", actions)
	}
}

func TestWebhookFailureKeepsStateAndSurfacesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	strategy := NewWebhookStrategy(WebhookConfig{
		RegisterURL:   server.URL,
		DeregisterURL: server.URL,
		InstanceID:    "node-1",
	})

	if err := strategy.RegisterAsActive(); err == nil {
		t.Fatal("expected error for 502 response")
	}
	if strategy.IsRegistered() {
		t.Fatal("failed register must not flip the registration flag")
	}

	status := strategy.GetStatus()
	if status.LastOperation != "register" || status.LastError == "" {
		t.Fatalf("status = %+v, want recorded failure", status)
	}
}

func TestWebhookMissingURL(t *testing.T) {
	strategy := NewWebhookStrategy(WebhookConfig{InstanceID: "node-1"})
	if err := strategy.RegisterAsActive(); err == nil {
		t.Fatal("register without a URL should fail")
	}
}

// flipStrategy records calls for SetStrategy tests.
type flipStrategy struct {
	mu         sync.Mutex
	registered bool
}

func (f *flipStrategy) RegisterAsActive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	return nil
}

func (f *flipStrategy) DeregisterFromActive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = false
	return nil
}

func (f *flipStrategy) IsRegistered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered
}

func (f *flipStrategy) GetStatus() *TrafficStatus {
	return &TrafficStatus{StrategyType: "flip", Registered: f.IsRegistered()}
}

func TestSetStrategySwapsAtRuntime(t *testing.T) {
	svc := NewService(&Config{Enabled: true, Strategy: "noop"})

	custom := &flipStrategy{}
	svc.SetStrategy(custom)

	svc.RegisterAsActive()
	if !custom.registered {
		t.Fatal("custom strategy not driven after SetStrategy")
	}
	if got := svc.GetStatus().StrategyType; got != "flip" {
		t.Fatalf("strategy type = %q, want flip", got)
	}
}

func TestServiceSurvivesNilStrategy(t *testing.T) {
	svc := NewService(&Config{Enabled: true, Strategy: "noop"})
	svc.SetStrategy(nil)

	svc.RegisterAsActive()
	svc.DeregisterFromActive()
	if svc.IsRegistered() {
		t.Fatal("nil strategy should report unregistered")
	}
	if got := svc.GetStatus().StrategyType; got != "uninitialized" {
		t.Fatalf("strategy type = %q, want uninitialized", got)
	}
}
