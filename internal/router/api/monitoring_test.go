package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/router/internal/router/health"
	"go.flowcatalyst.tech/router/internal/router/manager"
	"go.flowcatalyst.tech/router/internal/router/pool"
)

// mockController implements RouterController for testing
type mockController struct {
	healthy   bool
	inFlight  int
	pools     []pool.Stats
	draining  []pool.Stats
	consumers []manager.ConsumerStatus
	paused    bool
}

func (m *mockController) Healthy() bool                               { return m.healthy }
func (m *mockController) InFlightCount() int                          { return m.inFlight }
func (m *mockController) PoolStats() []pool.Stats                     { return m.pools }
func (m *mockController) DrainingPoolStats() []pool.Stats             { return m.draining }
func (m *mockController) ConsumerStatuses() []manager.ConsumerStatus { return m.consumers }
func (m *mockController) Pause()                                      { m.paused = true }
func (m *mockController) Resume()                                     { m.paused = false }

func newTestRouter(ctrl *mockController) chi.Router {
	status := health.NewStatusService(ctrl, nil)
	handler := NewMonitoringHandler(status, ctrl)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r
}

func TestGetStatus(t *testing.T) {
	ctrl := &mockController{
		healthy:  true,
		inFlight: 7,
		pools:    []pool.Stats{{Code: "POOL-A", Concurrency: 10}},
		consumers: []manager.ConsumerStatus{
			{Queue: "dispatch", Healthy: true, LastActivity: time.Now()},
		},
	}
	r := newTestRouter(ctrl)

	req := httptest.NewRequest(http.MethodGet, "/router/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status health.RouterStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if status.Status != health.StatusHealthy {
		t.Errorf("Expected HEALTHY, got %s", status.Status)
	}
	if status.InFlightMessages != 7 {
		t.Errorf("Expected 7 in-flight, got %d", status.InFlightMessages)
	}
	if len(status.Pools) != 1 || status.Pools[0].Code != "POOL-A" {
		t.Errorf("Unexpected pools: %+v", status.Pools)
	}
}

func TestGetPools(t *testing.T) {
	ctrl := &mockController{
		healthy:  true,
		pools:    []pool.Stats{{Code: "POOL-A"}},
		draining: []pool.Stats{{Code: "POOL-B", Draining: true}},
	}
	r := newTestRouter(ctrl)

	req := httptest.NewRequest(http.MethodGet, "/router/pools", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string][]pool.Stats
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if len(body["active"]) != 1 || len(body["draining"]) != 1 {
		t.Errorf("Unexpected pools payload: %+v", body)
	}
}

func TestGetConsumers(t *testing.T) {
	ctrl := &mockController{
		healthy: true,
		consumers: []manager.ConsumerStatus{
			{Queue: "dispatch", Healthy: true},
			{Queue: "priority", Healthy: false},
		},
	}
	r := newTestRouter(ctrl)

	req := httptest.NewRequest(http.MethodGet, "/router/consumers", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var consumers []manager.ConsumerStatus
	if err := json.NewDecoder(rec.Body).Decode(&consumers); err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if len(consumers) != 2 {
		t.Errorf("Expected 2 consumers, got %d", len(consumers))
	}
}

func TestPauseResume(t *testing.T) {
	ctrl := &mockController{healthy: true}
	r := newTestRouter(ctrl)

	req := httptest.NewRequest(http.MethodPost, "/router/pause", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !ctrl.paused {
		t.Error("Pause endpoint should pause the manager")
	}

	req = httptest.NewRequest(http.MethodPost, "/router/resume", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if ctrl.paused {
		t.Error("Resume endpoint should resume the manager")
	}
}

func TestGetStandbyStatus_Disabled(t *testing.T) {
	r := newTestRouter(&mockController{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/router/standby", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if body["standbyEnabled"] {
		t.Error("Standby should report disabled when no provider is wired")
	}
}

func TestHealthProbes(t *testing.T) {
	ctrl := &mockController{
		healthy: true,
		pools:   []pool.Stats{{Code: "POOL-A"}},
	}
	infra := health.NewInfrastructureHealthService(true, ctrl)
	handler := NewHealthHandler(infra, nil)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestReadinessFailsWithoutPools(t *testing.T) {
	infra := health.NewInfrastructureHealthService(true, &mockController{healthy: true})
	handler := NewHealthHandler(infra, nil)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}
