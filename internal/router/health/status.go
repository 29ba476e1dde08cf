package health

import (
	"time"

	"go.flowcatalyst.tech/router/internal/router/breaker"
	"go.flowcatalyst.tech/router/internal/router/manager"
	"go.flowcatalyst.tech/router/internal/router/pool"
	"go.flowcatalyst.tech/router/internal/router/warning"
)

// StandbyStatusProvider is implemented by the standby service.
type StandbyStatusProvider interface {
	IsEnabled() bool
	GetStatus() *StandbyStatus
}

// RouterProbe is the slice of the queue manager the health checks read.
type RouterProbe interface {
	Healthy() bool
	InFlightCount() int
	PoolStats() []pool.Stats
	DrainingPoolStats() []pool.Stats
	ConsumerStatuses() []manager.ConsumerStatus
}

// StatusService assembles the /router/status snapshot.
type StatusService struct {
	startTime time.Time

	manager  RouterProbe
	breakers *breaker.Registry
	warnings warning.Service
	standby  StandbyStatusProvider
}

// NewStatusService creates a status service. The breaker registry and
// standby provider are optional.
func NewStatusService(qm RouterProbe, warnings warning.Service) *StatusService {
	return &StatusService{
		startTime: time.Now(),
		manager:   qm,
		warnings:  warnings,
	}
}

// SetBreakerRegistry wires the mediator's circuit registry.
func (s *StatusService) SetBreakerRegistry(r *breaker.Registry) { s.breakers = r }

// SetStandbyProvider wires the HA standby service.
func (s *StatusService) SetStandbyProvider(p StandbyStatusProvider) { s.standby = p }

// Snapshot builds the current router status.
//
// UNHEALTHY means a consumer is down. DEGRADED means delivery is
// impaired (open circuits or an unacknowledged critical warning) while
// the router itself keeps running.
func (s *StatusService) Snapshot() *RouterStatus {
	status := &RouterStatus{
		Status:           StatusHealthy,
		UpSince:          s.startTime,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		InFlightMessages: s.manager.InFlightCount(),
		Pools:            s.manager.PoolStats(),
		DrainingPools:    s.manager.DrainingPoolStats(),
		Consumers:        s.manager.ConsumerStatuses(),
	}

	if s.breakers != nil {
		status.CircuitBreakers = s.breakers.Snapshots()
		for _, snap := range status.CircuitBreakers {
			if snap.State == breaker.StateOpen.String() {
				status.OpenCircuitBreakers++
			}
		}
	}

	hasCritical := false
	if s.warnings != nil {
		status.UnacknowledgedWarnings = len(s.warnings.GetUnacknowledgedWarnings())
		hasCritical = s.warnings.HasUnacknowledgedCritical()
	}

	if s.standby != nil && s.standby.IsEnabled() {
		status.Standby = s.standby.GetStatus()
	}

	switch {
	case !s.manager.Healthy():
		status.Status = StatusUnhealthy
	case hasCritical || status.OpenCircuitBreakers > 0:
		status.Status = StatusDegraded
	}

	return status
}

// Uptime returns how long the service has been running.
func (s *StatusService) Uptime() time.Duration {
	return time.Since(s.startTime)
}
