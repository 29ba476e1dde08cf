package outbox

import (
	"context"
	"time"
)

// Repository is the storage contract for outbox items. Implementations
// exist for SQLite, PostgreSQL, MySQL, and MongoDB.
//
// None of the write methods take row locks: correctness relies on a
// single active poller, which the leader elector enforces.
type Repository interface {
	// CreateSchema creates the outbox table and indexes if missing.
	CreateSchema(ctx context.Context) error

	// Insert stores a new item. Used by tests and by applications that
	// share the router's storage layer.
	Insert(ctx context.Context, item *Item) error

	// FetchPending returns up to limit PENDING items ordered by
	// message_group then created_at, so a batch never interleaves a
	// group out of order.
	FetchPending(ctx context.Context, limit int) ([]*Item, error)

	// MarkProcessing claims the given items for publishing, stamping
	// processed_at. Only PENDING items transition; anything else in the
	// list is left untouched.
	MarkProcessing(ctx context.Context, ids []string) error

	// MarkCompleted records a successful publish and refreshes
	// processed_at.
	MarkCompleted(ctx context.Context, ids []string) error

	// MarkFailed records a terminal failure with its error message.
	MarkFailed(ctx context.Context, ids []string, errorMessage string) error

	// IncrementRetry returns items to PENDING with retry_count bumped,
	// making them eligible for the next poll.
	IncrementRetry(ctx context.Context, ids []string, errorMessage string) error

	// FetchStuck returns PROCESSING items older than the given age.
	// These are items a crashed poller claimed and never resolved.
	FetchStuck(ctx context.Context, olderThan time.Duration) ([]*Item, error)

	// ResetStuck returns stuck items to PENDING without counting a retry.
	ResetStuck(ctx context.Context, ids []string) error

	// CountPending returns the PENDING backlog per item type.
	CountPending(ctx context.Context) (map[ItemType]int64, error)

	// Close releases the underlying connection.
	Close() error
}
