package sqs_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.flowcatalyst.tech/router/internal/queue/sqs"
	"go.flowcatalyst.tech/router/internal/queue/sqs/testutil"
	"go.flowcatalyst.tech/router/internal/router/model"
)

// TestFIFORoundTrip runs against a real SQS implementation in LocalStack.
// Requires Docker; skipped in short mode.
func TestFIFORoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	ls, err := testutil.StartLocalStack(ctx, t)
	if err != nil {
		t.Skipf("localstack unavailable: %v", err)
	}
	defer ls.Terminate(ctx)

	queueURL, err := ls.CreateFIFOQueueWithDeduplication(ctx, "router-test")
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	cfg := &sqs.Config{
		QueueURL:          queueURL,
		Region:            "us-east-1",
		Endpoint:          ls.Endpoint,
		AccessKeyID:       "test",
		SecretAccessKey:   "test",
		VisibilitySeconds: 5,
		WaitTimeSeconds:   1,
	}
	publisher := sqs.NewPublisher(ls.SQSClient, cfg)
	consumer := sqs.NewConsumer(ls.SQSClient, cfg)
	defer consumer.Stop()

	for _, id := range []string{"m1", "m2"} {
		_, err := publisher.Publish(ctx, &model.Message{
			ID:              id,
			MessageGroupID:  "g1",
			MediationType:   "HTTP",
			MediationTarget: "http://localhost/hook",
			Payload:         json.RawMessage(`{"n":1}`),
		})
		if err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	// Duplicate application id must be swallowed by the broker.
	if _, err := publisher.Publish(ctx, &model.Message{
		ID:              "m1",
		MessageGroupID:  "g1",
		MediationType:   "HTTP",
		MediationTarget: "http://localhost/hook",
	}); err != nil {
		t.Fatalf("duplicate publish: %v", err)
	}

	var received []string
	deadline := time.Now().Add(30 * time.Second)
	for len(received) < 2 && time.Now().Before(deadline) {
		msgs, err := consumer.Poll(ctx, 10)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		for _, m := range msgs {
			if m.MessageGroupID != "g1" {
				t.Fatalf("message %s group = %q, want g1", m.ID, m.MessageGroupID)
			}
			received = append(received, m.ID)
			if err := consumer.Ack(ctx, m.ReceiptHandle); err != nil {
				t.Fatalf("ack %s: %v", m.ID, err)
			}
		}
	}

	if len(received) != 2 || received[0] != "m1" || received[1] != "m2" {
		t.Fatalf("received %v, want [m1 m2] in order", received)
	}

	// The queue must be empty: the duplicate was deduplicated.
	msgs, err := consumer.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("final poll: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("unexpected messages after drain: %v", msgs)
	}
}
