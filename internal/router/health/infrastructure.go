package health

import (
	"fmt"
	"sync"
	"time"
)

// ActivityTimeout is how long a consumer may sit idle before the
// readiness probe reports it as stalled.
const ActivityTimeout = 2 * time.Minute

// InfrastructureHealthService checks whether the routing machinery
// itself is operational. Downstream target failures do not make the
// infrastructure unhealthy; a dead consumer or missing pools do.
type InfrastructureHealthService struct {
	mu sync.RWMutex

	enabled         bool
	probe           RouterProbe
	lastHealthCheck time.Time
	cachedHealth    *InfrastructureHealth
}

// NewInfrastructureHealthService creates an infrastructure checker.
func NewInfrastructureHealthService(enabled bool, probe RouterProbe) *InfrastructureHealthService {
	return &InfrastructureHealthService{
		enabled: enabled,
		probe:   probe,
	}
}

// CheckHealth runs the infrastructure checks and caches the result.
func (s *InfrastructureHealthService) CheckHealth() *InfrastructureHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastHealthCheck = time.Now()

	if !s.enabled {
		health := &InfrastructureHealth{
			Healthy: true,
			Message: "Message router is disabled",
		}
		s.cachedHealth = health
		return health
	}

	var issues []string

	if s.probe == nil {
		issues = append(issues, "Queue manager not initialized")
	} else {
		if len(s.probe.PoolStats()) == 0 {
			issues = append(issues, "No active processing pools")
		}
		issues = append(issues, s.checkConsumerActivity()...)
	}

	health := &InfrastructureHealth{
		Healthy: len(issues) == 0,
		Message: "Infrastructure is operational",
		Issues:  issues,
	}
	if !health.Healthy {
		health.Message = "Infrastructure issues detected"
	}

	s.cachedHealth = health
	return health
}

// checkConsumerActivity flags consumers that are unhealthy or have been
// silent past the activity timeout. A consumer that never saw a message
// yet is fine; an idle queue is not a fault.
func (s *InfrastructureHealthService) checkConsumerActivity() []string {
	var issues []string
	now := time.Now()

	for _, cs := range s.probe.ConsumerStatuses() {
		if !cs.Healthy {
			issues = append(issues, fmt.Sprintf("Consumer [%s] reports unhealthy", cs.Queue))
			continue
		}
		if cs.LastActivity.IsZero() || cs.LastActivity.Unix() <= 0 {
			continue
		}
		if idle := now.Sub(cs.LastActivity); idle > ActivityTimeout {
			issues = append(issues, fmt.Sprintf("Consumer [%s] idle for %ds", cs.Queue, int64(idle.Seconds())))
		}
	}
	return issues
}

// GetLastHealthCheck returns the time of the last check.
func (s *InfrastructureHealthService) GetLastHealthCheck() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHealthCheck
}

// GetCachedHealth returns the last check result without re-running it.
func (s *InfrastructureHealthService) GetCachedHealth() *InfrastructureHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cachedHealth
}
