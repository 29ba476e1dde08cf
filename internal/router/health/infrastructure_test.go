package health

import (
	"testing"
	"time"

	"go.flowcatalyst.tech/router/internal/router/manager"
	"go.flowcatalyst.tech/router/internal/router/pool"
	"go.flowcatalyst.tech/router/internal/router/warning"
)

// mockRouterProbe implements RouterProbe for testing
type mockRouterProbe struct {
	healthy   bool
	inFlight  int
	pools     []pool.Stats
	draining  []pool.Stats
	consumers []manager.ConsumerStatus
}

func (m *mockRouterProbe) Healthy() bool                               { return m.healthy }
func (m *mockRouterProbe) InFlightCount() int                          { return m.inFlight }
func (m *mockRouterProbe) PoolStats() []pool.Stats                     { return m.pools }
func (m *mockRouterProbe) DrainingPoolStats() []pool.Stats             { return m.draining }
func (m *mockRouterProbe) ConsumerStatuses() []manager.ConsumerStatus { return m.consumers }

func TestInfrastructureHealthService_DisabledReturnsHealthy(t *testing.T) {
	svc := NewInfrastructureHealthService(false, nil)
	health := svc.CheckHealth()

	if !health.Healthy {
		t.Error("Disabled router should report healthy")
	}
}

func TestInfrastructureHealthService_NoProbeIsUnhealthy(t *testing.T) {
	svc := NewInfrastructureHealthService(true, nil)
	health := svc.CheckHealth()

	if health.Healthy {
		t.Error("Missing queue manager should report unhealthy")
	}
	if len(health.Issues) == 0 {
		t.Error("Expected issues to be reported")
	}
}

func TestInfrastructureHealthService_NoPoolsIsUnhealthy(t *testing.T) {
	probe := &mockRouterProbe{healthy: true}
	svc := NewInfrastructureHealthService(true, probe)

	health := svc.CheckHealth()
	if health.Healthy {
		t.Error("Router without pools should report unhealthy")
	}
}

func TestInfrastructureHealthService_ActivePoolsAreHealthy(t *testing.T) {
	probe := &mockRouterProbe{
		healthy: true,
		pools:   []pool.Stats{{Code: "POOL-A", Concurrency: 5}},
		consumers: []manager.ConsumerStatus{
			{Queue: "dispatch", Healthy: true, LastActivity: time.Now()},
		},
	}
	svc := NewInfrastructureHealthService(true, probe)

	health := svc.CheckHealth()
	if !health.Healthy {
		t.Errorf("Expected healthy, got issues: %v", health.Issues)
	}
}

func TestInfrastructureHealthService_UnhealthyConsumerReported(t *testing.T) {
	probe := &mockRouterProbe{
		healthy: true,
		pools:   []pool.Stats{{Code: "POOL-A"}},
		consumers: []manager.ConsumerStatus{
			{Queue: "dispatch", Healthy: false, LastActivity: time.Now()},
		},
	}
	svc := NewInfrastructureHealthService(true, probe)

	health := svc.CheckHealth()
	if health.Healthy {
		t.Error("Unhealthy consumer should fail the check")
	}
}

func TestInfrastructureHealthService_StalledConsumerReported(t *testing.T) {
	probe := &mockRouterProbe{
		healthy: true,
		pools:   []pool.Stats{{Code: "POOL-A"}},
		consumers: []manager.ConsumerStatus{
			{Queue: "dispatch", Healthy: true, LastActivity: time.Now().Add(-3 * time.Minute)},
		},
	}
	svc := NewInfrastructureHealthService(true, probe)

	health := svc.CheckHealth()
	if health.Healthy {
		t.Error("Consumer idle past the activity timeout should fail the check")
	}
}

func TestInfrastructureHealthService_NeverActiveConsumerIsFine(t *testing.T) {
	probe := &mockRouterProbe{
		healthy: true,
		pools:   []pool.Stats{{Code: "POOL-A"}},
		consumers: []manager.ConsumerStatus{
			{Queue: "dispatch", Healthy: true},
		},
	}
	svc := NewInfrastructureHealthService(true, probe)

	health := svc.CheckHealth()
	if !health.Healthy {
		t.Errorf("Consumer with no activity yet should not fail the check, got: %v", health.Issues)
	}
}

func TestInfrastructureHealthService_CachesResult(t *testing.T) {
	svc := NewInfrastructureHealthService(false, nil)

	if svc.GetCachedHealth() != nil {
		t.Error("No cached health before first check")
	}

	first := svc.CheckHealth()
	if cached := svc.GetCachedHealth(); cached != first {
		t.Error("Cached health should match last check result")
	}
	if svc.GetLastHealthCheck().IsZero() {
		t.Error("Last check time should be recorded")
	}
}

func TestStatusService_Snapshot(t *testing.T) {
	probe := &mockRouterProbe{
		healthy:  true,
		inFlight: 3,
		pools:    []pool.Stats{{Code: "POOL-A"}},
	}
	svc := NewStatusService(probe, nil)

	status := svc.Snapshot()
	if status.Status != StatusHealthy {
		t.Errorf("Expected HEALTHY, got %s", status.Status)
	}
	if status.InFlightMessages != 3 {
		t.Errorf("Expected 3 in-flight, got %d", status.InFlightMessages)
	}
	if len(status.Pools) != 1 {
		t.Errorf("Expected 1 pool, got %d", len(status.Pools))
	}
}

func TestStatusService_UnhealthyConsumerWins(t *testing.T) {
	probe := &mockRouterProbe{healthy: false}
	svc := NewStatusService(probe, nil)

	if status := svc.Snapshot(); status.Status != StatusUnhealthy {
		t.Errorf("Expected UNHEALTHY, got %s", status.Status)
	}
}

func TestStatusService_DegradedOnCriticalWarning(t *testing.T) {
	warnings := warning.NewInMemoryService()
	warnings.AddWarning(warning.CategoryResource, warning.SeverityCritical, "pipeline too large", "MemoryMonitor")

	probe := &mockRouterProbe{healthy: true, pools: []pool.Stats{{Code: "POOL-A"}}}
	svc := NewStatusService(probe, warnings)

	if status := svc.Snapshot(); status.Status != StatusDegraded {
		t.Errorf("Expected DEGRADED, got %s", status.Status)
	}

	id := warnings.GetAllWarnings()[0].ID
	warnings.AcknowledgeWarning(id)

	if status := svc.Snapshot(); status.Status != StatusHealthy {
		t.Errorf("Expected HEALTHY after acknowledgement, got %s", status.Status)
	}
}
