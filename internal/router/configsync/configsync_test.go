package configsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.flowcatalyst.tech/router/internal/router/model"
)

// mockApplier records applied configurations
type mockApplier struct {
	mu      sync.Mutex
	applied []*model.RouterConfig
	err     error
}

func (m *mockApplier) ReloadConfig(cfg *model.RouterConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.applied = append(m.applied, cfg)
	return nil
}

func (m *mockApplier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

const validConfig = `{
	"processing_pools": [
		{"code": "POOL-A", "concurrency": 10},
		{"code": "POOL-B", "concurrency": 5, "rate_limit_per_minute": 120}
	],
	"queues": [
		{"name": "dispatch"}
	]
}`

func TestSyncOnce_AppliesConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("Expected bearer token, got %q", got)
		}
		w.Write([]byte(validConfig))
	}))
	defer server.Close()

	applier := &mockApplier{}
	svc := New(Config{URL: server.URL, AuthToken: "token-1"}, applier, nil)

	if err := svc.syncOnce(context.Background()); err != nil {
		t.Fatalf("syncOnce: %v", err)
	}
	if applier.count() != 1 {
		t.Fatalf("Expected 1 applied config, got %d", applier.count())
	}
	if pools := applier.applied[0].ProcessingPools; len(pools) != 2 {
		t.Errorf("Expected 2 pools, got %d", len(pools))
	}
}

func TestSyncOnce_SkipsUnchangedConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(validConfig))
	}))
	defer server.Close()

	applier := &mockApplier{}
	svc := New(Config{URL: server.URL}, applier, nil)

	for i := 0; i < 3; i++ {
		if err := svc.syncOnce(context.Background()); err != nil {
			t.Fatalf("syncOnce %d: %v", i, err)
		}
	}
	if applier.count() != 1 {
		t.Errorf("Unchanged config should be applied once, got %d", applier.count())
	}
}

func TestSyncOnce_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := New(Config{URL: server.URL}, &mockApplier{}, nil)
	if err := svc.syncOnce(context.Background()); err == nil {
		t.Fatal("Expected error for 500 response")
	}

	status := svc.GetStatus()
	if status.FailureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", status.FailureCount)
	}
	if status.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
}

func TestParse_RejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"missing code", `{"processing_pools": [{"concurrency": 5}]}`},
		{"duplicate code", `{"processing_pools": [{"code": "A", "concurrency": 1}, {"code": "A", "concurrency": 2}]}`},
		{"zero concurrency", `{"processing_pools": [{"code": "A", "concurrency": 0}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.body)); err == nil {
				t.Errorf("Expected parse error for %s", tc.name)
			}
		})
	}
}

func TestParse_ValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ProcessingPools[1].RateLimitPerMinute == nil || *cfg.ProcessingPools[1].RateLimitPerMinute != 120 {
		t.Error("Rate limit not decoded")
	}
}
