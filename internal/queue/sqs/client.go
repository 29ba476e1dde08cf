// Package sqs implements the queue contracts over AWS SQS FIFO queues.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/model"
)

const (
	// DefaultVisibilitySeconds is the visibility timeout requested on poll
	// when the config does not override it.
	DefaultVisibilitySeconds = 30

	// DefaultWaitTimeSeconds is the long-poll wait used on ReceiveMessage.
	DefaultWaitTimeSeconds = 5

	// MaxVisibilitySeconds is the SQS hard cap (12 hours).
	MaxVisibilitySeconds = 43200

	// maxBatchEntries is the SQS batch API limit.
	maxBatchEntries = 10
)

// API is the subset of the SQS client used here, extracted for testing.
type API interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *awssqs.SendMessageBatchInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// Config holds SQS connection settings.
type Config struct {
	QueueURL          string
	Region            string
	Endpoint          string // non-empty for localstack / SQS-compatible brokers
	AccessKeyID       string
	SecretAccessKey   string
	VisibilitySeconds int
	WaitTimeSeconds   int
}

func (c *Config) visibility() int32 {
	if c.VisibilitySeconds <= 0 {
		return DefaultVisibilitySeconds
	}
	if c.VisibilitySeconds > MaxVisibilitySeconds {
		return MaxVisibilitySeconds
	}
	return int32(c.VisibilitySeconds)
}

func (c *Config) waitTime() int32 {
	if c.WaitTimeSeconds <= 0 {
		return DefaultWaitTimeSeconds
	}
	return int32(c.WaitTimeSeconds)
}

// NewClient builds an SQS client from the config.
func NewClient(ctx context.Context, cfg *Config) (*awssqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Consumer polls one SQS queue.
type Consumer struct {
	client  API
	cfg     *Config
	stopped atomic.Bool
	healthy atomic.Bool
}

// NewConsumer creates a consumer over an existing SQS client.
func NewConsumer(client API, cfg *Config) *Consumer {
	c := &Consumer{
		client: client,
		cfg:    cfg,
	}
	c.healthy.Store(true)
	return c
}

// Poll receives up to max messages with the configured visibility timeout.
// Messages whose body cannot be parsed are deleted as poison.
func (c *Consumer) Poll(ctx context.Context, max int) ([]*queue.QueuedMessage, error) {
	if c.stopped.Load() {
		return nil, queue.ErrQueueStopped
	}

	if max <= 0 || max > maxBatchEntries {
		max = maxBatchEntries
	}

	out, err := c.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       c.cfg.waitTime(),
		VisibilityTimeout:     c.cfg.visibility(),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameMessageGroupId,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.healthy.Store(false)
		return nil, &queue.TransientError{Err: fmt.Errorf("receive message: %w", err)}
	}
	c.healthy.Store(true)

	msgs := make([]*queue.QueuedMessage, 0, len(out.Messages))
	for _, raw := range out.Messages {
		qm, err := c.decode(raw)
		if err != nil {
			slog.Error("Dropping unparseable message", "queue", c.Identifier(), "sqsMessageId", aws.ToString(raw.MessageId), "error", err)
			if delErr := c.Ack(ctx, aws.ToString(raw.ReceiptHandle)); delErr != nil {
				slog.Warn("Failed to delete unparseable message", "error", delErr)
			}
			continue
		}
		msgs = append(msgs, qm)
	}
	return msgs, nil
}

func (c *Consumer) decode(raw types.Message) (*queue.QueuedMessage, error) {
	var msg model.Message
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	// The broker's group attribute wins over the body when both are set:
	// the attribute is what SQS actually ordered by.
	if g := raw.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)]; g != "" && g != "default" {
		msg.MessageGroupID = g
	}

	return &queue.QueuedMessage{
		Message:         &msg,
		ReceiptHandle:   aws.ToString(raw.ReceiptHandle),
		BrokerMessageID: aws.ToString(raw.MessageId),
		QueueIdentifier: c.Identifier(),
	}, nil
}

// Ack deletes the message. An expired receipt handle maps to
// queue.ErrReceiptHandleExpired so the caller can defer deletion.
func (c *Consumer) Ack(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			return queue.ErrReceiptHandleExpired
		}
		return &queue.TransientError{Err: fmt.Errorf("delete message: %w", err)}
	}
	return nil
}

// Nack makes the message visible again after delay by shrinking its
// visibility timeout.
func (c *Consumer) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	seconds := int32(delay / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	if seconds > MaxVisibilitySeconds {
		seconds = MaxVisibilitySeconds
	}

	_, err := c.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			return queue.ErrReceiptHandleExpired
		}
		return &queue.TransientError{Err: fmt.Errorf("change visibility: %w", err)}
	}
	return nil
}

// ExtendVisibility pushes the invisibility window out by seconds from now.
func (c *Consumer) ExtendVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	if seconds <= 0 {
		return nil
	}
	if seconds > MaxVisibilitySeconds {
		seconds = MaxVisibilitySeconds
	}

	_, err := c.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(seconds),
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			return queue.ErrReceiptHandleExpired
		}
		return &queue.TransientError{Err: fmt.Errorf("extend visibility: %w", err)}
	}
	return nil
}

// Stop marks the consumer stopped. In-flight Poll calls finish normally.
func (c *Consumer) Stop() {
	c.stopped.Store(true)
}

// IsHealthy reports whether the last broker round-trip succeeded.
func (c *Consumer) IsHealthy() bool {
	return !c.stopped.Load() && c.healthy.Load()
}

// Metrics returns approximate queue depth from GetQueueAttributes.
func (c *Consumer) Metrics(ctx context.Context) (*queue.Metrics, error) {
	out, err := c.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return nil, &queue.TransientError{Err: fmt.Errorf("get queue attributes: %w", err)}
	}

	m := &queue.Metrics{}
	fmt.Sscanf(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], "%d", &m.Pending)
	fmt.Sscanf(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)], "%d", &m.InFlight)
	return m, nil
}

// Identifier returns the queue URL.
func (c *Consumer) Identifier() string {
	return c.cfg.QueueURL
}

// isReceiptHandleExpired matches the error shapes SQS returns for stale
// receipt handles.
func isReceiptHandleExpired(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	if strings.Contains(s, "ReceiptHandleIsInvalid") {
		return true
	}
	return strings.Contains(s, "InvalidParameterValue") && strings.Contains(s, "expired")
}

// Publisher sends messages to one SQS queue.
type Publisher struct {
	client API
	cfg    *Config
	fifo   bool
}

// NewPublisher creates a publisher over an existing SQS client.
func NewPublisher(client API, cfg *Config) *Publisher {
	return &Publisher{
		client: client,
		cfg:    cfg,
		fifo:   strings.HasSuffix(cfg.QueueURL, ".fifo"),
	}
}

// Publish sends one message. On FIFO queues the message group id becomes
// MessageGroupId (defaulting to "default") and the application id becomes
// MessageDeduplicationId.
func (p *Publisher) Publish(ctx context.Context, msg *model.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", &queue.PermanentError{Err: err}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", &queue.PermanentError{Err: fmt.Errorf("marshal message: %w", err)}
	}

	in := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(p.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
	}
	if p.fifo {
		in.MessageGroupId = aws.String(groupOrDefault(msg.MessageGroupID))
		in.MessageDeduplicationId = aws.String(msg.ID)
	}

	out, err := p.client.SendMessage(ctx, in)
	if err != nil {
		return "", &queue.TransientError{Err: fmt.Errorf("send message: %w", err)}
	}
	return aws.ToString(out.MessageId), nil
}

// PublishBatch sends messages in order, chunked to the SQS batch limit.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*model.Message) ([]string, error) {
	ids := make([]string, 0, len(msgs))

	for start := 0; start < len(msgs); start += maxBatchEntries {
		end := start + maxBatchEntries
		if end > len(msgs) {
			end = len(msgs)
		}
		chunk := msgs[start:end]

		entries := make([]types.SendMessageBatchRequestEntry, 0, len(chunk))
		for i, msg := range chunk {
			body, err := json.Marshal(msg)
			if err != nil {
				return ids, &queue.PermanentError{Err: fmt.Errorf("marshal message %s: %w", msg.ID, err)}
			}
			entry := types.SendMessageBatchRequestEntry{
				Id:          aws.String(fmt.Sprintf("m%d", i)),
				MessageBody: aws.String(string(body)),
			}
			if p.fifo {
				entry.MessageGroupId = aws.String(groupOrDefault(msg.MessageGroupID))
				entry.MessageDeduplicationId = aws.String(msg.ID)
			}
			entries = append(entries, entry)
		}

		out, err := p.client.SendMessageBatch(ctx, &awssqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.cfg.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			return ids, &queue.TransientError{Err: fmt.Errorf("send message batch: %w", err)}
		}
		for _, ok := range out.Successful {
			ids = append(ids, aws.ToString(ok.MessageId))
		}
		if len(out.Failed) > 0 {
			first := out.Failed[0]
			return ids, &queue.TransientError{Err: fmt.Errorf("batch entry %s failed: %s", aws.ToString(first.Id), aws.ToString(first.Message))}
		}
	}
	return ids, nil
}

// Close is a no-op; the underlying client carries no connection state.
func (p *Publisher) Close() error { return nil }

func groupOrDefault(group string) string {
	if group == "" {
		return "default"
	}
	return group
}
