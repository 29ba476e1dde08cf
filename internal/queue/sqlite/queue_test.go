package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/model"
)

// openTestQueue returns a queue on a throwaway file with a manually
// advanced clock.
func openTestQueue(t *testing.T) (*Queue, func(time.Duration)) {
	t.Helper()
	q, err := Open(&Config{
		Path:              filepath.Join(t.TempDir(), "queue.db"),
		QueueName:         "test",
		VisibilitySeconds: 30,
		PollWait:          10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, func(d time.Duration) { now = now.Add(d) }
}

func message(id, group string) *model.Message {
	return &model.Message{
		ID:              id,
		MessageGroupID:  group,
		MediationType:   "HTTP",
		MediationTarget: "http://localhost/hook",
		Payload:         json.RawMessage(`{}`),
	}
}

// mustPollOnce polls without the blocking wait loop, which would spin
// forever on an empty queue under a frozen clock.
func mustPollOnce(t *testing.T, q *Queue, max int) []*queue.QueuedMessage {
	t.Helper()
	msgs, err := q.pollOnce(context.Background(), max)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return msgs
}

func TestPublishAndPoll(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		if _, err := q.Publish(ctx, message(id, "g1")); err != nil {
			t.Fatalf("Publish %s: %v", id, err)
		}
	}

	msgs, err := q.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("polled %v, want m1 then m2", msgs)
	}
	for _, m := range msgs {
		if m.ReceiptHandle == "" || m.BrokerMessageID == "" {
			t.Fatalf("message %s missing broker fields: %+v", m.ID, m)
		}
		if m.QueueIdentifier != q.Identifier() {
			t.Fatalf("queue identifier = %q", m.QueueIdentifier)
		}
	}
}

func TestPublishDeduplicatesOnApplicationID(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	first, err := q.Publish(ctx, message("m1", "g1"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	second, err := q.Publish(ctx, message("m1", "g1"))
	if err != nil {
		t.Fatalf("duplicate Publish: %v", err)
	}
	if first != second {
		t.Fatalf("broker ids differ: %s vs %s", first, second)
	}

	if msgs := mustPollOnce(t, q, 10); len(msgs) != 1 {
		t.Fatalf("polled %d messages, want 1", len(msgs))
	}
}

func TestAckDeletesMessage(t *testing.T) {
	q, advance := openTestQueue(t)
	ctx := context.Background()

	q.Publish(ctx, message("m1", "g1"))
	msgs := mustPollOnce(t, q, 10)
	if len(msgs) != 1 {
		t.Fatalf("polled %d, want 1", len(msgs))
	}

	if err := q.Ack(ctx, msgs[0].ReceiptHandle); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	advance(60 * time.Second)
	if msgs := mustPollOnce(t, q, 10); len(msgs) != 0 {
		t.Fatalf("acked message redelivered: %v", msgs)
	}

	if err := q.Ack(ctx, msgs[0].ReceiptHandle); !errors.Is(err, queue.ErrReceiptHandleExpired) {
		t.Fatalf("double ack error = %v, want expired handle", err)
	}
}

func TestNackSchedulesRedelivery(t *testing.T) {
	q, advance := openTestQueue(t)
	ctx := context.Background()

	q.Publish(ctx, message("m1", "g1"))
	msgs := mustPollOnce(t, q, 10)

	if err := q.Nack(ctx, msgs[0].ReceiptHandle, 5*time.Second); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	if again := mustPollOnce(t, q, 10); len(again) != 0 {
		t.Fatalf("nacked message visible before delay: %v", again)
	}

	advance(6 * time.Second)
	again := mustPollOnce(t, q, 10)
	if len(again) != 1 || again[0].ID != "m1" {
		t.Fatalf("polled %v after delay, want m1", again)
	}
	if again[0].ReceiptHandle == msgs[0].ReceiptHandle {
		t.Fatal("redelivery reused the old receipt handle")
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	q, advance := openTestQueue(t)
	ctx := context.Background()

	q.Publish(ctx, message("m1", "g1"))
	first := mustPollOnce(t, q, 10)

	if msgs := mustPollOnce(t, q, 10); len(msgs) != 0 {
		t.Fatalf("in-flight message polled again: %v", msgs)
	}

	advance(31 * time.Second)
	second := mustPollOnce(t, q, 10)
	if len(second) != 1 || second[0].ID != "m1" {
		t.Fatalf("polled %v after timeout, want m1", second)
	}

	// The first delivery's handle is dead once the row is redelivered.
	if err := q.Ack(ctx, first[0].ReceiptHandle); !errors.Is(err, queue.ErrReceiptHandleExpired) {
		t.Fatalf("stale ack error = %v, want expired handle", err)
	}
}

func TestGroupWithInFlightMessageIsExcluded(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	q.Publish(ctx, message("g1-a", "g1"))
	q.Publish(ctx, message("g1-b", "g1"))
	q.Publish(ctx, message("g2-c", "g2"))

	first := mustPollOnce(t, q, 1)
	if len(first) != 1 || first[0].ID != "g1-a" {
		t.Fatalf("first poll = %v, want g1-a", first)
	}

	// g1 has an in-flight message, so g1-b must wait; g2 is free.
	second := mustPollOnce(t, q, 10)
	if len(second) != 1 || second[0].ID != "g2-c" {
		t.Fatalf("second poll = %v, want only g2-c", second)
	}

	if err := q.Ack(ctx, first[0].ReceiptHandle); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	third := mustPollOnce(t, q, 10)
	if len(third) != 1 || third[0].ID != "g1-b" {
		t.Fatalf("third poll = %v, want g1-b", third)
	}
}

func TestExtendVisibility(t *testing.T) {
	q, advance := openTestQueue(t)
	ctx := context.Background()

	q.Publish(ctx, message("m1", "g1"))
	msgs := mustPollOnce(t, q, 10)

	advance(25 * time.Second)
	if err := q.ExtendVisibility(ctx, msgs[0].ReceiptHandle, 60); err != nil {
		t.Fatalf("ExtendVisibility: %v", err)
	}

	// Past the original window but inside the extension.
	advance(10 * time.Second)
	if again := mustPollOnce(t, q, 10); len(again) != 0 {
		t.Fatalf("extended message redelivered: %v", again)
	}

	if err := q.Ack(ctx, msgs[0].ReceiptHandle); err != nil {
		t.Fatalf("Ack after extension: %v", err)
	}
}

func TestStoppedQueueRefusesPolls(t *testing.T) {
	q, _ := openTestQueue(t)

	q.Stop()
	if _, err := q.Poll(context.Background(), 10); !errors.Is(err, queue.ErrQueueStopped) {
		t.Fatalf("Poll after Stop = %v, want ErrQueueStopped", err)
	}
	if q.IsHealthy() {
		t.Fatal("stopped queue reports healthy")
	}
}

func TestMetrics(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	q.Publish(ctx, message("m1", "g1"))
	q.Publish(ctx, message("m2", "g2"))
	mustPollOnce(t, q, 1)

	m, err := q.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Pending != 1 || m.InFlight != 1 {
		t.Fatalf("metrics = %+v, want 1 pending 1 in flight", m)
	}
}

func TestPublishRejectsInvalidMessage(t *testing.T) {
	q, _ := openTestQueue(t)

	_, err := q.Publish(context.Background(), &model.Message{ID: "m1"})
	if err == nil {
		t.Fatal("Publish without target should fail")
	}
	var perm *queue.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("error = %v, want permanent", err)
	}
}
