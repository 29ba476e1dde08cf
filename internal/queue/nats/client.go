// Package nats implements the queue contracts over NATS JetStream,
// either against an external cluster or an embedded server.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/model"
)

const (
	// DefaultAckWait is the JetStream redelivery window, the NATS analogue
	// of a visibility timeout.
	DefaultAckWait = 2 * time.Minute

	defaultFetchWait = 5 * time.Second
)

// Config holds NATS consumer settings.
type Config struct {
	URL          string
	StreamName   string
	Subject      string
	ConsumerName string
	AckWait      time.Duration
	MaxDeliver   int
	FetchWait    time.Duration
}

// DefaultConfig returns the conventional dispatch stream settings.
func DefaultConfig() *Config {
	return &Config{
		URL:          nats.DefaultURL,
		StreamName:   "DISPATCH",
		Subject:      "dispatch.message",
		ConsumerName: "flowcatalyst-router",
		AckWait:      DefaultAckWait,
		MaxDeliver:   -1,
		FetchWait:    defaultFetchWait,
	}
}

// heldMessage pins a fetched JetStream message until its verdict arrives.
// JetStream acks operate on the message object, so the receipt handle is
// an indirection into this table.
type heldMessage struct {
	msg       jetstream.Msg
	fetchedAt time.Time
}

// Consumer polls a JetStream pull consumer.
type Consumer struct {
	consumer jetstream.Consumer
	cfg      *Config
	stopped  atomic.Bool
	healthy  atomic.Bool

	mu   sync.Mutex
	held map[string]*heldMessage
}

// NewConsumer wraps an existing JetStream consumer.
func NewConsumer(consumer jetstream.Consumer, cfg *Config) *Consumer {
	c := &Consumer{
		consumer: consumer,
		cfg:      cfg,
		held:     make(map[string]*heldMessage),
	}
	c.healthy.Store(true)
	return c
}

// Poll fetches up to max messages and assigns each a receipt handle.
func (c *Consumer) Poll(ctx context.Context, max int) ([]*queue.QueuedMessage, error) {
	if c.stopped.Load() {
		return nil, queue.ErrQueueStopped
	}
	if max <= 0 {
		max = 10
	}

	wait := c.cfg.FetchWait
	if wait <= 0 {
		wait = defaultFetchWait
	}

	batch, err := c.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		c.healthy.Store(false)
		return nil, &queue.TransientError{Err: fmt.Errorf("fetch: %w", err)}
	}
	c.healthy.Store(true)

	c.pruneExpired()

	var out []*queue.QueuedMessage
	for raw := range batch.Messages() {
		var msg model.Message
		if err := json.Unmarshal(raw.Data(), &msg); err != nil {
			slog.Error("Dropping unparseable message", "queue", c.Identifier(), "error", err)
			raw.Term()
			continue
		}
		if err := msg.Validate(); err != nil {
			slog.Error("Dropping invalid message", "queue", c.Identifier(), "error", err)
			raw.Term()
			continue
		}

		handle := uuid.NewString()
		c.mu.Lock()
		c.held[handle] = &heldMessage{msg: raw, fetchedAt: time.Now()}
		c.mu.Unlock()

		out = append(out, &queue.QueuedMessage{
			Message:         &msg,
			ReceiptHandle:   handle,
			BrokerMessageID: brokerID(raw),
			QueueIdentifier: c.Identifier(),
		})
	}
	if err := batch.Error(); err != nil {
		return out, &queue.TransientError{Err: fmt.Errorf("fetch batch: %w", err)}
	}
	return out, nil
}

// brokerID derives a stable broker identity from the stream sequence.
// The Nats-Msg-Id header (set on publish for dedup) is preferred when
// present because it survives redelivery with the same value.
func brokerID(msg jetstream.Msg) string {
	if id := msg.Headers().Get("Nats-Msg-Id"); id != "" {
		return id
	}
	if meta, err := msg.Metadata(); err == nil {
		return strconv.FormatUint(meta.Sequence.Stream, 10)
	}
	return ""
}

func (c *Consumer) take(receiptHandle string) (jetstream.Msg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	held, ok := c.held[receiptHandle]
	if !ok {
		return nil, false
	}
	delete(c.held, receiptHandle)
	return held.msg, true
}

// pruneExpired drops held entries older than the ack wait; JetStream has
// already redelivered those, so their handles are stale.
func (c *Consumer) pruneExpired() {
	ackWait := c.cfg.AckWait
	if ackWait <= 0 {
		ackWait = DefaultAckWait
	}
	cutoff := time.Now().Add(-ackWait)

	c.mu.Lock()
	defer c.mu.Unlock()
	for handle, held := range c.held {
		if held.fetchedAt.Before(cutoff) {
			delete(c.held, handle)
		}
	}
}

// Ack acknowledges the held message.
func (c *Consumer) Ack(ctx context.Context, receiptHandle string) error {
	msg, ok := c.take(receiptHandle)
	if !ok {
		return queue.ErrReceiptHandleExpired
	}
	if err := msg.Ack(); err != nil {
		return &queue.TransientError{Err: fmt.Errorf("ack: %w", err)}
	}
	return nil
}

// Nack requests redelivery after delay.
func (c *Consumer) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	msg, ok := c.take(receiptHandle)
	if !ok {
		return queue.ErrReceiptHandleExpired
	}
	if delay <= 0 {
		if err := msg.Nak(); err != nil {
			return &queue.TransientError{Err: fmt.Errorf("nak: %w", err)}
		}
		return nil
	}
	if err := msg.NakWithDelay(delay); err != nil {
		return &queue.TransientError{Err: fmt.Errorf("nak with delay: %w", err)}
	}
	return nil
}

// ExtendVisibility resets the ack wait for the held message. JetStream
// restarts the full AckWait window; the seconds argument only needs to be
// positive.
func (c *Consumer) ExtendVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	if seconds <= 0 {
		return nil
	}
	c.mu.Lock()
	held, ok := c.held[receiptHandle]
	c.mu.Unlock()
	if !ok {
		return queue.ErrReceiptHandleExpired
	}
	if err := held.msg.InProgress(); err != nil {
		return &queue.TransientError{Err: fmt.Errorf("in progress: %w", err)}
	}
	return nil
}

// Stop marks the consumer stopped and releases held messages for
// redelivery.
func (c *Consumer) Stop() {
	c.stopped.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	for handle, held := range c.held {
		held.msg.Nak()
		delete(c.held, handle)
	}
}

// IsHealthy reports whether the last fetch succeeded.
func (c *Consumer) IsHealthy() bool {
	return !c.stopped.Load() && c.healthy.Load()
}

// Metrics reads consumer info from the server.
func (c *Consumer) Metrics(ctx context.Context) (*queue.Metrics, error) {
	info, err := c.consumer.Info(ctx)
	if err != nil {
		return nil, &queue.TransientError{Err: fmt.Errorf("consumer info: %w", err)}
	}
	return &queue.Metrics{
		Pending:  int64(info.NumPending),
		InFlight: int64(info.NumAckPending),
	}, nil
}

// Identifier names the stream and consumer.
func (c *Consumer) Identifier() string {
	return fmt.Sprintf("nats:%s/%s", c.cfg.StreamName, c.cfg.ConsumerName)
}

// Publisher publishes to a JetStream subject.
type Publisher struct {
	js      jetstream.JetStream
	subject string
}

// NewPublisher creates a publisher for the given subject.
func NewPublisher(js jetstream.JetStream, subject string) *Publisher {
	return &Publisher{js: js, subject: subject}
}

// Publish sends the message with its application id as the JetStream
// dedup id and the group id in a header for consumers that care.
func (p *Publisher) Publish(ctx context.Context, msg *model.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", &queue.PermanentError{Err: err}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", &queue.PermanentError{Err: fmt.Errorf("marshal message: %w", err)}
	}

	nm := &nats.Msg{
		Subject: p.subject,
		Data:    data,
		Header:  make(nats.Header),
	}
	nm.Header.Set("Nats-Msg-Id", msg.ID)
	if msg.MessageGroupID != "" {
		nm.Header.Set("Nats-Msg-Group", msg.MessageGroupID)
	}

	if _, err := p.js.PublishMsg(ctx, nm); err != nil {
		return "", &queue.TransientError{Err: fmt.Errorf("publish: %w", err)}
	}
	return msg.ID, nil
}

// PublishBatch publishes messages in order.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*model.Message) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		id, err := p.Publish(ctx, msg)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close is a no-op; the JetStream context owns no resources here.
func (p *Publisher) Close() error { return nil }
