// Package health aggregates router component state into the status and
// probe payloads served by the monitoring API.
package health

import (
	"time"

	"go.flowcatalyst.tech/router/internal/router/breaker"
	"go.flowcatalyst.tech/router/internal/router/manager"
	"go.flowcatalyst.tech/router/internal/router/pool"
)

// Overall status values.
const (
	StatusHealthy   = "HEALTHY"
	StatusDegraded  = "DEGRADED"
	StatusUnhealthy = "UNHEALTHY"
)

// InfrastructureHealth is the result of an infrastructure check.
type InfrastructureHealth struct {
	Healthy bool     `json:"healthy"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// ReadinessStatus is the Kubernetes liveness/readiness probe response.
type ReadinessStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Issues    []string  `json:"issues,omitempty"`
}

// NewHealthyStatus creates a healthy probe response.
func NewHealthyStatus(status string) *ReadinessStatus {
	return &ReadinessStatus{
		Status:    status,
		Timestamp: time.Now(),
	}
}

// NewUnhealthyStatus creates a failing probe response with issues.
func NewUnhealthyStatus(status string, issues []string) *ReadinessStatus {
	return &ReadinessStatus{
		Status:    status,
		Timestamp: time.Now(),
		Issues:    issues,
	}
}

// RouterStatus is the full snapshot served at /router/status.
type RouterStatus struct {
	Status                 string                   `json:"status"`
	UpSince                time.Time                `json:"upSince"`
	UptimeSeconds          int64                    `json:"uptimeSeconds"`
	InFlightMessages       int                      `json:"inFlightMessages"`
	Pools                  []pool.Stats             `json:"pools"`
	DrainingPools          []pool.Stats             `json:"drainingPools,omitempty"`
	Consumers              []manager.ConsumerStatus `json:"consumers"`
	CircuitBreakers        []breaker.Snapshot       `json:"circuitBreakers,omitempty"`
	OpenCircuitBreakers    int                      `json:"openCircuitBreakers"`
	UnacknowledgedWarnings int                      `json:"unacknowledgedWarnings"`
	Standby                *StandbyStatus           `json:"standby,omitempty"`
}

// StandbyStatus describes the HA role of this instance.
type StandbyStatus struct {
	StandbyEnabled        bool   `json:"standbyEnabled"`
	InstanceID            string `json:"instanceId,omitempty"`
	Role                  string `json:"role,omitempty"`
	RedisAvailable        bool   `json:"redisAvailable,omitempty"`
	CurrentLockHolder     string `json:"currentLockHolder,omitempty"`
	LastSuccessfulRefresh string `json:"lastSuccessfulRefresh,omitempty"`
	HasWarning            bool   `json:"hasWarning,omitempty"`
}
