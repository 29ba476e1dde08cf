// Package traffic steers load balancer registration to the PRIMARY
// instance of an HA pair. The standby gate drives it: promotion
// registers the instance, demotion deregisters it.
package traffic

// TrafficStatus is the monitoring snapshot served at /router/traffic.
type TrafficStatus struct {
	StrategyType  string `json:"strategyType"`
	Registered    bool   `json:"registered"`
	TargetInfo    string `json:"targetInfo"`
	LastOperation string `json:"lastOperation"`
	LastError     string `json:"lastError,omitempty"`
}

// Strategy adapts registration to one load balancer kind. Calls must be
// idempotent: the standby gate may re-fire a transition after a store
// hiccup.
type Strategy interface {
	// RegisterAsActive announces this instance as the traffic target.
	RegisterAsActive() error

	// DeregisterFromActive withdraws this instance.
	DeregisterFromActive() error

	// IsRegistered reports the last known registration state.
	IsRegistered() bool

	// GetStatus returns the monitoring snapshot.
	GetStatus() *TrafficStatus
}
