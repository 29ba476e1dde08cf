// Package model defines the core message types shared between the queue
// consumers, the queue manager, and the processing pools.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MaxDelaySeconds is the maximum nack delay we will request from a broker
	// (SQS caps visibility changes at 12 hours).
	MaxDelaySeconds = 43200

	// DefaultDelaySeconds is used when a retryable outcome carries no
	// explicit delay.
	DefaultDelaySeconds = 30
)

// Message is the application-level dispatch record. The ID is assigned by
// the producer and is the deduplication key across broker redeliveries.
//
// AuthToken and SigningSecret are credentials for the target endpoint and
// must never be logged or serialized back out.
type Message struct {
	ID              string          `json:"id"`
	PoolCode        string          `json:"poolCode,omitempty"`
	MessageGroupID  string          `json:"messageGroupId,omitempty"`
	MediationType   string          `json:"mediationType"`
	MediationTarget string          `json:"mediationTarget"`
	Payload         json.RawMessage `json:"payload"`
	AuthToken       string          `json:"authToken,omitempty"`
	SigningSecret   string          `json:"signingSecret,omitempty"`
	CreatedAt       time.Time       `json:"createdAt,omitempty"`
}

// Validate checks that the message carries the fields the router cannot
// work without.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message has no id")
	}
	if m.MediationTarget == "" {
		return fmt.Errorf("message %s has no mediation target", m.ID)
	}
	return nil
}

// LogValue excludes credentials from structured log output.
func (m *Message) LogValue() string {
	return fmt.Sprintf("id=%s pool=%s group=%s target=%s", m.ID, m.PoolCode, m.MessageGroupID, m.MediationTarget)
}

// MediationResponse is the optional JSON body a target may return on a 2xx
// response to override the default ack behaviour.
type MediationResponse struct {
	Ack          bool   `json:"ack"`
	Message      string `json:"message,omitempty"`
	DelaySeconds *int   `json:"delaySeconds,omitempty"`
}

// ClampDelay bounds a requested delay to the broker-supported range.
func ClampDelay(seconds int) int {
	if seconds < 0 {
		return 0
	}
	if seconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return seconds
}

// PoolDefinition is one processing pool entry in the router configuration.
type PoolDefinition struct {
	Code               string `json:"code"`
	Concurrency        int    `json:"concurrency"`
	RateLimitPerMinute *int   `json:"rate_limit_per_minute,omitempty"`
}

// QueueDefinition is one queue entry in the router configuration.
type QueueDefinition struct {
	Name              string `json:"name"`
	URI               string `json:"uri"`
	Connections       int    `json:"connections"`
	VisibilityTimeout int    `json:"visibility_timeout"`
}

// RouterConfig is the document served by the control plane and applied via
// hot reload.
type RouterConfig struct {
	ProcessingPools []PoolDefinition  `json:"processing_pools"`
	Queues          []QueueDefinition `json:"queues"`
}
