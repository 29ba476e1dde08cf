// Package outbox implements the transactional outbox relay: applications
// insert dispatch records into their own database inside a business
// transaction, and the processor publishes them to the message broker
// in FIFO order per message group.
package outbox

import (
	"encoding/json"
	"time"

	"go.flowcatalyst.tech/router/internal/common/tsid"
	"go.flowcatalyst.tech/router/internal/router/model"
)

// Status is the lifecycle state of an outbox item.
type Status int

const (
	// StatusPending means the item is waiting to be published.
	StatusPending Status = 0

	// StatusProcessing means a poller has claimed the item.
	StatusProcessing Status = 1

	// StatusCompleted means the item was published to the broker.
	StatusCompleted Status = 2

	// StatusFailed means the item exhausted its retries.
	StatusFailed Status = 3
)

// String returns the status name for logs and metrics labels.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusProcessing:
		return "PROCESSING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ItemType distinguishes the two kinds of records applications write.
type ItemType string

const (
	// ItemTypeEvent is a domain event notification.
	ItemTypeEvent ItemType = "EVENT"

	// ItemTypeDispatchJob is a mediation dispatch request.
	ItemTypeDispatchJob ItemType = "DISPATCH_JOB"
)

// Item is one outbox record. Items sharing a MessageGroup are published
// in CreatedAt order; ordering across groups is not guaranteed.
type Item struct {
	ID              string          `bson:"_id" json:"id"`
	ItemType        ItemType        `bson:"item_type" json:"itemType"`
	PoolCode        string          `bson:"pool_code" json:"poolCode,omitempty"`
	MediationType   string          `bson:"mediation_type" json:"mediationType,omitempty"`
	MediationTarget string          `bson:"mediation_target" json:"mediationTarget"`
	MessageGroup    string          `bson:"message_group" json:"messageGroup,omitempty"`
	Payload         json.RawMessage `bson:"payload" json:"payload"`
	Status          Status          `bson:"status" json:"status"`
	RetryCount      int             `bson:"retry_count" json:"retryCount"`
	ErrorMessage    string          `bson:"error_message,omitempty" json:"errorMessage,omitempty"`
	CreatedAt       time.Time       `bson:"created_at" json:"createdAt"`
	ProcessedAt     *time.Time      `bson:"processed_at,omitempty" json:"processedAt,omitempty"`
}

// NewItem creates a pending item with a fresh time-sortable id. The id
// doubles as the broker deduplication key, so retried publishes of the
// same item are idempotent.
func NewItem(itemType ItemType, messageGroup string, payload json.RawMessage) *Item {
	return &Item{
		ID:           tsid.Generate(),
		ItemType:     itemType,
		MessageGroup: messageGroup,
		Payload:      payload,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
}

// ToMessage converts the item into the broker message the router consumes.
func (i *Item) ToMessage() *model.Message {
	return &model.Message{
		ID:              i.ID,
		PoolCode:        i.PoolCode,
		MessageGroupID:  i.MessageGroup,
		MediationType:   i.MediationType,
		MediationTarget: i.MediationTarget,
		Payload:         i.Payload,
		CreatedAt:       i.CreatedAt,
	}
}
