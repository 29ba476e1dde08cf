package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/model"
)

// mockAPI records calls and serves scripted responses.
type mockAPI struct {
	mu sync.Mutex

	receiveOut *awssqs.ReceiveMessageOutput
	receiveErr error

	deleteErr     error
	deleteInputs  []*awssqs.DeleteMessageInput
	changeErr     error
	changeInputs  []*awssqs.ChangeMessageVisibilityInput
	sendInputs    []*awssqs.SendMessageInput
	batchInputs   []*awssqs.SendMessageBatchInput
	attributesOut *awssqs.GetQueueAttributesOutput
}

func (m *mockAPI) ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	if m.receiveOut != nil {
		return m.receiveOut, nil
	}
	return &awssqs.ReceiveMessageOutput{}, nil
}

func (m *mockAPI) DeleteMessage(ctx context.Context, in *awssqs.DeleteMessageInput, _ ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	m.deleteInputs = append(m.deleteInputs, in)
	m.mu.Unlock()
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return &awssqs.DeleteMessageOutput{}, nil
}

func (m *mockAPI) ChangeMessageVisibility(ctx context.Context, in *awssqs.ChangeMessageVisibilityInput, _ ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error) {
	m.mu.Lock()
	m.changeInputs = append(m.changeInputs, in)
	m.mu.Unlock()
	if m.changeErr != nil {
		return nil, m.changeErr
	}
	return &awssqs.ChangeMessageVisibilityOutput{}, nil
}

func (m *mockAPI) SendMessage(ctx context.Context, in *awssqs.SendMessageInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
	m.mu.Lock()
	m.sendInputs = append(m.sendInputs, in)
	m.mu.Unlock()
	return &awssqs.SendMessageOutput{MessageId: aws.String("sqs-msg-1")}, nil
}

func (m *mockAPI) SendMessageBatch(ctx context.Context, in *awssqs.SendMessageBatchInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error) {
	m.mu.Lock()
	m.batchInputs = append(m.batchInputs, in)
	n := len(m.batchInputs)
	m.mu.Unlock()

	out := &awssqs.SendMessageBatchOutput{}
	for i := range in.Entries {
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{
			Id:        in.Entries[i].Id,
			MessageId: aws.String(fmt.Sprintf("sqs-batch-%d-%d", n, i)),
		})
	}
	return out, nil
}

func (m *mockAPI) GetQueueAttributes(ctx context.Context, in *awssqs.GetQueueAttributesInput, _ ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error) {
	if m.attributesOut != nil {
		return m.attributesOut, nil
	}
	return &awssqs.GetQueueAttributesOutput{Attributes: map[string]string{}}, nil
}

func rawMessage(id, body, group string) types.Message {
	msg := types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("handle-" + id),
		Body:          aws.String(body),
	}
	if group != "" {
		msg.Attributes = map[string]string{
			string(types.MessageSystemAttributeNameMessageGroupId): group,
		}
	}
	return msg
}

func bodyFor(id, group string) string {
	b, _ := json.Marshal(&model.Message{
		ID:              id,
		MessageGroupID:  group,
		MediationType:   "HTTP",
		MediationTarget: "http://localhost/hook",
		Payload:         json.RawMessage(`{}`),
	})
	return string(b)
}

func TestConsumerPollDecodesMessages(t *testing.T) {
	api := &mockAPI{receiveOut: &awssqs.ReceiveMessageOutput{
		Messages: []types.Message{
			rawMessage("b1", bodyFor("m1", "g1"), "g1"),
			rawMessage("b2", bodyFor("m2", ""), ""),
		},
	}}
	c := NewConsumer(api, &Config{QueueURL: "https://sqs.test/queue.fifo"})

	msgs, err := c.Poll(context.Background(), 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("polled %d messages, want 2", len(msgs))
	}

	first := msgs[0]
	if first.ID != "m1" || first.MessageGroupID != "g1" {
		t.Fatalf("first message = %+v", first.Message)
	}
	if first.ReceiptHandle != "handle-b1" || first.BrokerMessageID != "b1" {
		t.Fatalf("broker fields = %+v", first)
	}
	if first.QueueIdentifier != "https://sqs.test/queue.fifo" {
		t.Fatalf("queue identifier = %q", first.QueueIdentifier)
	}
}

func TestConsumerPollGroupAttributeWins(t *testing.T) {
	// The body claims one group but the broker ordered by another.
	api := &mockAPI{receiveOut: &awssqs.ReceiveMessageOutput{
		Messages: []types.Message{rawMessage("b1", bodyFor("m1", "body-group"), "broker-group")},
	}}
	c := NewConsumer(api, &Config{QueueURL: "q"})

	msgs, err := c.Poll(context.Background(), 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if msgs[0].MessageGroupID != "broker-group" {
		t.Fatalf("group = %q, want broker attribute", msgs[0].MessageGroupID)
	}
}

func TestConsumerPollDeletesPoisonMessages(t *testing.T) {
	api := &mockAPI{receiveOut: &awssqs.ReceiveMessageOutput{
		Messages: []types.Message{
			rawMessage("b1", "this is not json", ""),
			rawMessage("b2", bodyFor("m2", ""), ""),
		},
	}}
	c := NewConsumer(api, &Config{QueueURL: "q"})

	msgs, err := c.Poll(context.Background(), 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("polled %v, want only m2", msgs)
	}
	if len(api.deleteInputs) != 1 || aws.ToString(api.deleteInputs[0].ReceiptHandle) != "handle-b1" {
		t.Fatalf("deletes = %v, want poison handle-b1", api.deleteInputs)
	}
}

func TestConsumerPollErrorMarksUnhealthy(t *testing.T) {
	api := &mockAPI{receiveErr: errors.New("sqs unavailable")}
	c := NewConsumer(api, &Config{QueueURL: "q"})

	_, err := c.Poll(context.Background(), 10)
	if !queue.IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	if c.IsHealthy() {
		t.Fatal("consumer healthy after poll failure")
	}

	api.receiveErr = nil
	if _, err := c.Poll(context.Background(), 10); err != nil {
		t.Fatalf("Poll after recovery: %v", err)
	}
	if !c.IsHealthy() {
		t.Fatal("consumer unhealthy after successful poll")
	}
}

func TestConsumerStopped(t *testing.T) {
	c := NewConsumer(&mockAPI{}, &Config{QueueURL: "q"})
	c.Stop()

	if _, err := c.Poll(context.Background(), 10); !errors.Is(err, queue.ErrQueueStopped) {
		t.Fatalf("Poll after Stop = %v, want ErrQueueStopped", err)
	}
	if c.IsHealthy() {
		t.Fatal("stopped consumer reports healthy")
	}
}

func TestConsumerAckExpiredHandle(t *testing.T) {
	api := &mockAPI{deleteErr: errors.New("ReceiptHandleIsInvalid: The input receipt handle is invalid")}
	c := NewConsumer(api, &Config{QueueURL: "q"})

	err := c.Ack(context.Background(), "stale")
	if !errors.Is(err, queue.ErrReceiptHandleExpired) {
		t.Fatalf("Ack error = %v, want expired handle", err)
	}
}

func TestConsumerNackClampsDelay(t *testing.T) {
	api := &mockAPI{}
	c := NewConsumer(api, &Config{QueueURL: "q"})

	if err := c.Nack(context.Background(), "h1", 24*time.Hour); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if got := api.changeInputs[0].VisibilityTimeout; got != MaxVisibilitySeconds {
		t.Fatalf("visibility = %d, want capped at %d", got, MaxVisibilitySeconds)
	}

	if err := c.Nack(context.Background(), "h1", -time.Second); err != nil {
		t.Fatalf("Nack negative: %v", err)
	}
	if got := api.changeInputs[1].VisibilityTimeout; got != 0 {
		t.Fatalf("visibility = %d, want 0", got)
	}
}

func TestConsumerMetrics(t *testing.T) {
	api := &mockAPI{attributesOut: &awssqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameApproximateNumberOfMessages):           "42",
			string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible): "7",
		},
	}}
	c := NewConsumer(api, &Config{QueueURL: "q"})

	m, err := c.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Pending != 42 || m.InFlight != 7 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestPublisherFIFOFields(t *testing.T) {
	api := &mockAPI{}
	p := NewPublisher(api, &Config{QueueURL: "https://sqs.test/queue.fifo"})

	msg := &model.Message{
		ID:              "m1",
		MessageGroupID:  "g1",
		MediationType:   "HTTP",
		MediationTarget: "http://localhost/hook",
	}
	id, err := p.Publish(context.Background(), msg)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "sqs-msg-1" {
		t.Fatalf("broker id = %q", id)
	}

	in := api.sendInputs[0]
	if aws.ToString(in.MessageGroupId) != "g1" {
		t.Fatalf("group id = %q", aws.ToString(in.MessageGroupId))
	}
	if aws.ToString(in.MessageDeduplicationId) != "m1" {
		t.Fatalf("dedup id = %q", aws.ToString(in.MessageDeduplicationId))
	}

	// Ungrouped messages share the default ordering key.
	msg.MessageGroupID = ""
	msg.ID = "m2"
	if _, err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish ungrouped: %v", err)
	}
	if got := aws.ToString(api.sendInputs[1].MessageGroupId); got != "default" {
		t.Fatalf("default group = %q", got)
	}
}

func TestPublisherStandardQueueOmitsFIFOFields(t *testing.T) {
	api := &mockAPI{}
	p := NewPublisher(api, &Config{QueueURL: "https://sqs.test/queue"})

	msg := &model.Message{
		ID:              "m1",
		MessageGroupID:  "g1",
		MediationType:   "HTTP",
		MediationTarget: "http://localhost/hook",
	}
	if _, err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	in := api.sendInputs[0]
	if in.MessageGroupId != nil || in.MessageDeduplicationId != nil {
		t.Fatalf("standard queue carries FIFO fields: %+v", in)
	}
}

func TestPublishBatchChunksToAPILimit(t *testing.T) {
	api := &mockAPI{}
	p := NewPublisher(api, &Config{QueueURL: "https://sqs.test/queue.fifo"})

	msgs := make([]*model.Message, 25)
	for i := range msgs {
		msgs[i] = &model.Message{
			ID:              fmt.Sprintf("m%d", i),
			MessageGroupID:  "g1",
			MediationType:   "HTTP",
			MediationTarget: "http://localhost/hook",
		}
	}

	ids, err := p.PublishBatch(context.Background(), msgs)
	if err != nil {
		t.Fatalf("PublishBatch: %v", err)
	}
	if len(ids) != 25 {
		t.Fatalf("returned %d ids, want 25", len(ids))
	}
	if len(api.batchInputs) != 3 {
		t.Fatalf("batch calls = %d, want 3", len(api.batchInputs))
	}
	sizes := []int{10, 10, 5}
	for i, in := range api.batchInputs {
		if len(in.Entries) != sizes[i] {
			t.Fatalf("chunk %d has %d entries, want %d", i, len(in.Entries), sizes[i])
		}
	}
}

func TestIsReceiptHandleExpired(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ReceiptHandleIsInvalid"), true},
		{errors.New("InvalidParameterValue: Value ... for parameter ReceiptHandle is invalid. Reason: The receipt handle has expired"), true},
		{errors.New("InvalidParameterValue: something else"), false},
		{errors.New("throttled"), false},
	}
	for _, c := range cases {
		if got := isReceiptHandleExpired(c.err); got != c.want {
			t.Fatalf("isReceiptHandleExpired(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
