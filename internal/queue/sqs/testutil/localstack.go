// Package testutil runs LocalStack for the SQS integration tests.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

const localstackImage = "localstack/localstack:3.0"

// LocalStackContainer is a running LocalStack instance with an SQS
// client pointed at it.
type LocalStackContainer struct {
	Container *localstack.LocalStackContainer
	Endpoint  string
	SQSClient *sqs.Client
}

// StartLocalStack launches the container with only SQS enabled.
func StartLocalStack(ctx context.Context, t *testing.T) (*LocalStackContainer, error) {
	t.Helper()

	container, err := localstack.Run(ctx, localstackImage,
		testcontainers.WithEnv(map[string]string{"SERVICES": "sqs"}),
	)
	if err != nil {
		return nil, fmt.Errorf("start localstack: %w", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("resolve endpoint: %w", err)
	}
	endpoint = "http://" + endpoint

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "test")),
	)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &LocalStackContainer{
		Container: container,
		Endpoint:  endpoint,
		SQSClient: client,
	}, nil
}

// CreateFIFOQueue creates a FIFO queue with content-based
// deduplication and returns its URL.
func (l *LocalStackContainer) CreateFIFOQueue(ctx context.Context, name string) (string, error) {
	return l.createFIFO(ctx, name, true)
}

// CreateFIFOQueueWithDeduplication creates a FIFO queue where each
// message supplies its own deduplication ID, matching the router's
// production queues.
func (l *LocalStackContainer) CreateFIFOQueueWithDeduplication(ctx context.Context, name string) (string, error) {
	return l.createFIFO(ctx, name, false)
}

func (l *LocalStackContainer) createFIFO(ctx context.Context, name string, contentDedup bool) (string, error) {
	out, err := l.SQSClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name + ".fifo"),
		Attributes: map[string]string{
			"FifoQueue":                 "true",
			"ContentBasedDeduplication": fmt.Sprintf("%t", contentDedup),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create fifo queue: %w", err)
	}
	return *out.QueueUrl, nil
}

// Terminate stops and removes the container.
func (l *LocalStackContainer) Terminate(ctx context.Context) error {
	if l.Container == nil {
		return nil
	}
	return l.Container.Terminate(ctx)
}
