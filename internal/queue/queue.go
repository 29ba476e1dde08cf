// Package queue defines the broker-agnostic consumer and publisher
// contracts used by the router and the outbox processor.
//
// All backends honour the same visibility-timeout model: once polled, a
// message is invisible to other pollers until the timeout elapses, an ack
// deletes it, a nack makes it visible again after an optional delay, and
// ExtendVisibility prolongs the invisibility window.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.flowcatalyst.tech/router/internal/router/model"
)

var (
	// ErrReceiptHandleExpired is returned by Ack/Nack/ExtendVisibility when
	// the broker no longer recognises the receipt handle. The caller must
	// treat the delivery attempt as lost and wait for redelivery.
	ErrReceiptHandleExpired = errors.New("receipt handle expired")

	// ErrQueueStopped is returned once a consumer has been stopped.
	ErrQueueStopped = errors.New("queue consumer stopped")
)

// TransientError wraps broker failures that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient queue error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps broker failures that will not succeed on retry
// (malformed payload, missing queue, bad credentials).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent queue error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable at the caller's discretion.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// QueuedMessage is a Message as delivered by a broker, together with the
// broker-specific fields needed to ack, nack, or extend it.
type QueuedMessage struct {
	*model.Message

	// ReceiptHandle authorises ack/nack/extend for this delivery attempt.
	// Single use; a redelivery carries a fresh handle.
	ReceiptHandle string

	// BrokerMessageID is the broker's own identity for the message,
	// distinct from the application-assigned Message.ID. Backends without
	// a native id assign a synthetic one.
	BrokerMessageID string

	// QueueIdentifier names the queue this message was polled from.
	QueueIdentifier string
}

// Metrics is a point-in-time depth snapshot from the broker, where the
// backend can provide one.
type Metrics struct {
	Pending  int64
	InFlight int64
}

// Consumer polls messages from a single queue.
type Consumer interface {
	// Poll returns up to max messages, blocking up to the backend's wait
	// time. An empty slice is a normal outcome.
	Poll(ctx context.Context, max int) ([]*QueuedMessage, error)

	// Ack deletes the message identified by the receipt handle. Returns
	// ErrReceiptHandleExpired when the handle is no longer valid.
	Ack(ctx context.Context, receiptHandle string) error

	// Nack makes the message visible again after the given delay.
	// A zero delay means immediate redelivery.
	Nack(ctx context.Context, receiptHandle string, delay time.Duration) error

	// ExtendVisibility prolongs the invisibility window by the given
	// number of seconds from now.
	ExtendVisibility(ctx context.Context, receiptHandle string, seconds int) error

	// Stop terminates the consumer. Subsequent polls return ErrQueueStopped.
	Stop()

	// IsHealthy reports whether the consumer can reach its broker.
	IsHealthy() bool

	// Metrics returns queue depth information, or nil when the backend
	// cannot provide it.
	Metrics(ctx context.Context) (*Metrics, error)

	// Identifier names this queue for dedup keys and logging.
	Identifier() string
}

// Publisher sends messages to a queue.
type Publisher interface {
	// Publish sends one message and returns the broker message id.
	// The message group id becomes the broker's ordering key and the
	// application id its deduplication id.
	Publish(ctx context.Context, msg *model.Message) (string, error)

	// PublishBatch sends messages in order and returns their broker ids.
	// On partial failure the returned error wraps the first failure and
	// ids are returned for the messages that were sent.
	PublishBatch(ctx context.Context, msgs []*model.Message) ([]string, error)

	Close() error
}

// ConsumerFactory recreates a consumer for a queue, used by the stall
// detector to replace a wedged consumer.
type ConsumerFactory func(ctx context.Context) (Consumer, error)
