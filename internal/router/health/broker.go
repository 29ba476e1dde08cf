package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/router/internal/queue"
)

// BrokerConnectivityChecker is an optional backend-specific probe. The
// SQS backend answers it with a queue attributes call, NATS with a
// connection status check.
type BrokerConnectivityChecker interface {
	CheckConnectivity(ctx context.Context) error
}

// BrokerHealthService checks message broker connectivity for the
// readiness probe.
type BrokerHealthService struct {
	mu sync.RWMutex

	brokerType queue.Type
	consumers  []queue.Consumer
	checker    BrokerConnectivityChecker

	lastCheck  time.Time
	lastIssues []string

	connectionAttempts  atomic.Int64
	connectionSuccesses atomic.Int64
	connectionFailures  atomic.Int64
	available           atomic.Bool
}

// NewBrokerHealthService creates a broker health checker over the
// registered consumers.
func NewBrokerHealthService(brokerType queue.Type, consumers []queue.Consumer) *BrokerHealthService {
	return &BrokerHealthService{
		brokerType: brokerType,
		consumers:  consumers,
	}
}

// SetChecker adds a backend-specific connectivity probe.
func (s *BrokerHealthService) SetChecker(checker BrokerConnectivityChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checker = checker
}

// CheckBrokerConnectivity verifies the broker is reachable. Returns the
// issues found, empty when healthy.
func (s *BrokerHealthService) CheckBrokerConnectivity() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connectionAttempts.Add(1)
	s.lastCheck = time.Now()

	var issues []string

	for _, c := range s.consumers {
		if !c.IsHealthy() {
			issues = append(issues, fmt.Sprintf("Consumer [%s] is not healthy", c.Identifier()))
		}
	}

	if s.checker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.checker.CheckConnectivity(ctx); err != nil {
			slog.Error("Broker connectivity check failed",
				"brokerType", string(s.brokerType), "error", err)
			issues = append(issues, fmt.Sprintf("%s broker connectivity check failed: %v", s.brokerType, err))
		}
		cancel()
	}

	if len(issues) == 0 {
		s.connectionSuccesses.Add(1)
		s.available.Store(true)
	} else {
		s.connectionFailures.Add(1)
		s.available.Store(false)
	}

	s.lastIssues = issues
	return issues
}

// GetBrokerType returns the configured broker type.
func (s *BrokerHealthService) GetBrokerType() queue.Type {
	return s.brokerType
}

// IsAvailable reports the result of the most recent check.
func (s *BrokerHealthService) IsAvailable() bool {
	return s.available.Load()
}

// GetMetrics returns cumulative check counters.
func (s *BrokerHealthService) GetMetrics() (attempts, successes, failures int64) {
	return s.connectionAttempts.Load(),
		s.connectionSuccesses.Load(),
		s.connectionFailures.Load()
}

// GetLastCheck returns the last check time and its issues.
func (s *BrokerHealthService) GetLastCheck() (time.Time, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck, s.lastIssues
}
