package traffic

// NoOpStrategy leaves registration alone: every instance keeps
// receiving traffic regardless of role. Default when no load balancer
// integration is configured.
type NoOpStrategy struct{}

func NewNoOpStrategy() *NoOpStrategy {
	return &NoOpStrategy{}
}

func (s *NoOpStrategy) RegisterAsActive() error { return nil }

func (s *NoOpStrategy) DeregisterFromActive() error { return nil }

// IsRegistered is always true: without management every instance is a
// traffic target.
func (s *NoOpStrategy) IsRegistered() bool { return true }

func (s *NoOpStrategy) GetStatus() *TrafficStatus {
	return &TrafficStatus{
		StrategyType:  "noop",
		Registered:    true,
		TargetInfo:    "no load balancer management, all instances receive traffic",
		LastOperation: "none",
	}
}
