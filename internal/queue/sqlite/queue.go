// Package sqlite implements the queue contracts over an embedded SQLite
// database, for development and single-node deployments.
//
// Visibility is modelled with a visible_at column: a polled row gets a
// fresh receipt handle and visible_at pushed out by the visibility
// timeout; ack deletes the row; nack clears the handle and sets
// visible_at to now+delay. FIFO per message group holds because a group
// with any invisible row is excluded from polling.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/model"
)

const (
	// DefaultVisibilitySeconds mirrors the SQS default.
	DefaultVisibilitySeconds = 30

	defaultPollWait = time.Second
	pollSleep       = 100 * time.Millisecond
)

// Config holds embedded queue settings.
type Config struct {
	// Path is the database file. ":memory:" gives a private in-memory
	// queue, useful in tests.
	Path string

	// QueueName distinguishes logical queues sharing one file.
	QueueName string

	VisibilitySeconds int

	// PollWait bounds how long Poll blocks waiting for a message.
	PollWait time.Duration
}

// Queue is both a Consumer and a Publisher over the same database.
type Queue struct {
	db      *sql.DB
	cfg     *Config
	stopped atomic.Bool

	// now is swappable in tests to step through visibility windows.
	now func() time.Time
}

// Open creates (or opens) the queue database and ensures the schema.
func Open(cfg *Config) (*Queue, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = "default"
	}
	if cfg.VisibilitySeconds <= 0 {
		cfg.VisibilitySeconds = DefaultVisibilitySeconds
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = defaultPollWait
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Path)
	if cfg.Path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue: %w", err)
	}
	// A single writer keeps SQLite locking simple.
	db.SetMaxOpenConns(1)

	q := &Queue{db: db, cfg: cfg, now: time.Now}
	if err := q.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) createSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_name     TEXT NOT NULL,
			broker_id      TEXT NOT NULL UNIQUE,
			app_id         TEXT NOT NULL,
			message_group  TEXT NOT NULL,
			body           TEXT NOT NULL,
			visible_at     INTEGER NOT NULL,
			receipt_handle TEXT,
			delivery_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_messages_poll
			ON messages(queue_name, visible_at, message_group, seq);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
			ON messages(queue_name, app_id);
	`)
	if err != nil {
		return fmt.Errorf("create queue schema: %w", err)
	}
	return nil
}

// Publish inserts a message, assigning a synthetic broker id. A message
// whose application id is already queued is a duplicate; the existing
// broker id is returned and nothing is inserted.
func (q *Queue) Publish(ctx context.Context, msg *model.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", &queue.PermanentError{Err: err}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", &queue.PermanentError{Err: fmt.Errorf("marshal message: %w", err)}
	}

	brokerID := uuid.NewString()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO messages (queue_name, broker_id, app_id, message_group, body, visible_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(queue_name, app_id) DO NOTHING
	`, q.cfg.QueueName, brokerID, msg.ID, groupOrDefault(msg.MessageGroupID), string(body), q.now().UnixMilli())
	if err != nil {
		return "", &queue.TransientError{Err: fmt.Errorf("insert message: %w", err)}
	}

	var existing string
	err = q.db.QueryRowContext(ctx, `
		SELECT broker_id FROM messages WHERE queue_name = ? AND app_id = ?
	`, q.cfg.QueueName, msg.ID).Scan(&existing)
	if err != nil {
		return brokerID, nil
	}
	return existing, nil
}

// PublishBatch inserts messages in order.
func (q *Queue) PublishBatch(ctx context.Context, msgs []*model.Message) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		id, err := q.Publish(ctx, msg)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Poll returns up to max visible messages in insertion order, skipping
// groups that currently have an invisible (in-flight) message. Blocks up
// to the configured poll wait when the queue is empty.
func (q *Queue) Poll(ctx context.Context, max int) ([]*queue.QueuedMessage, error) {
	if q.stopped.Load() {
		return nil, queue.ErrQueueStopped
	}
	if max <= 0 {
		max = 10
	}

	deadline := q.now().Add(q.cfg.PollWait)
	for {
		msgs, err := q.pollOnce(ctx, max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if q.now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollSleep):
		}
	}
}

func (q *Queue) pollOnce(ctx context.Context, max int) ([]*queue.QueuedMessage, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &queue.TransientError{Err: fmt.Errorf("begin poll tx: %w", err)}
	}
	defer tx.Rollback()

	now := q.now().UnixMilli()
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, broker_id, message_group, body, delivery_count
		FROM messages
		WHERE queue_name = ?
		  AND visible_at <= ?
		  AND message_group NOT IN (
			SELECT DISTINCT message_group FROM messages
			WHERE queue_name = ? AND visible_at > ?
		  )
		ORDER BY seq
		LIMIT ?
	`, q.cfg.QueueName, now, q.cfg.QueueName, now, max)
	if err != nil {
		return nil, &queue.TransientError{Err: fmt.Errorf("poll query: %w", err)}
	}

	type polled struct {
		seq           int64
		brokerID      string
		group         string
		body          string
		deliveryCount int
	}
	var selected []polled
	for rows.Next() {
		var p polled
		if err := rows.Scan(&p.seq, &p.brokerID, &p.group, &p.body, &p.deliveryCount); err != nil {
			rows.Close()
			return nil, &queue.TransientError{Err: fmt.Errorf("poll scan: %w", err)}
		}
		selected = append(selected, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &queue.TransientError{Err: fmt.Errorf("poll rows: %w", err)}
	}
	if len(selected) == 0 {
		return nil, nil
	}

	invisibleUntil := now + int64(q.cfg.VisibilitySeconds)*1000
	out := make([]*queue.QueuedMessage, 0, len(selected))
	for _, p := range selected {
		handle := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET receipt_handle = ?, visible_at = ?, delivery_count = delivery_count + 1
			WHERE seq = ?
		`, handle, invisibleUntil, p.seq); err != nil {
			return nil, &queue.TransientError{Err: fmt.Errorf("mark invisible: %w", err)}
		}

		var msg model.Message
		if err := json.Unmarshal([]byte(p.body), &msg); err != nil {
			// Poison row: remove it rather than wedging the group.
			tx.ExecContext(ctx, `DELETE FROM messages WHERE seq = ?`, p.seq)
			continue
		}

		out = append(out, &queue.QueuedMessage{
			Message:         &msg,
			ReceiptHandle:   handle,
			BrokerMessageID: p.brokerID,
			QueueIdentifier: q.Identifier(),
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, &queue.TransientError{Err: fmt.Errorf("commit poll: %w", err)}
	}
	return out, nil
}

// Ack deletes the row holding this receipt handle while it is still
// invisible. A handle on a redelivered or expired row reports
// ErrReceiptHandleExpired, matching broker behaviour.
func (q *Queue) Ack(ctx context.Context, receiptHandle string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE queue_name = ? AND receipt_handle = ? AND visible_at > ?
	`, q.cfg.QueueName, receiptHandle, q.now().UnixMilli())
	if err != nil {
		return &queue.TransientError{Err: fmt.Errorf("ack: %w", err)}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrReceiptHandleExpired
	}
	return nil
}

// Nack clears the handle and schedules redelivery after delay.
func (q *Queue) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE messages
		SET receipt_handle = NULL, visible_at = ?
		WHERE queue_name = ? AND receipt_handle = ? AND visible_at > ?
	`, now+delay.Milliseconds(), q.cfg.QueueName, receiptHandle, now)
	if err != nil {
		return &queue.TransientError{Err: fmt.Errorf("nack: %w", err)}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrReceiptHandleExpired
	}
	return nil
}

// ExtendVisibility pushes the invisibility window out by seconds from now.
func (q *Queue) ExtendVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	if seconds <= 0 {
		return nil
	}
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE messages
		SET visible_at = ?
		WHERE queue_name = ? AND receipt_handle = ? AND visible_at > ?
	`, now+int64(seconds)*1000, q.cfg.QueueName, receiptHandle, now)
	if err != nil {
		return &queue.TransientError{Err: fmt.Errorf("extend visibility: %w", err)}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrReceiptHandleExpired
	}
	return nil
}

// Stop marks the consumer stopped.
func (q *Queue) Stop() {
	q.stopped.Store(true)
}

// IsHealthy pings the database.
func (q *Queue) IsHealthy() bool {
	if q.stopped.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return q.db.PingContext(ctx) == nil
}

// Metrics counts visible and in-flight rows.
func (q *Queue) Metrics(ctx context.Context) (*queue.Metrics, error) {
	now := q.now().UnixMilli()
	m := &queue.Metrics{}
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE visible_at <= ?),
			COUNT(*) FILTER (WHERE visible_at > ?)
		FROM messages WHERE queue_name = ?
	`, now, now, q.cfg.QueueName).Scan(&m.Pending, &m.InFlight)
	if err != nil {
		return nil, &queue.TransientError{Err: fmt.Errorf("queue metrics: %w", err)}
	}
	return m, nil
}

// Identifier names the queue for dedup keys and logging.
func (q *Queue) Identifier() string {
	return fmt.Sprintf("sqlite:%s/%s", q.cfg.Path, q.cfg.QueueName)
}

// Close releases the database handle.
func (q *Queue) Close() error {
	q.stopped.Store(true)
	return q.db.Close()
}

func groupOrDefault(group string) string {
	if group == "" {
		return "default"
	}
	return group
}
