package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPProvider stores secrets in GCP Secret Manager. Keys are mapped to
// secret IDs as <prefix><key> within the configured project.
type GCPProvider struct {
	client  *secretmanager.Client
	project string
	prefix  string
}

func NewGCPProvider(cfg *Config) (*GCPProvider, error) {
	if cfg.GCPProject == "" {
		return nil, fmt.Errorf("%w: GCP project is required", ErrProviderError)
	}

	client, err := secretmanager.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("create secret manager client: %w", err)
	}

	prefix := cfg.GCPPrefix
	if prefix == "" {
		prefix = "flowcatalyst-"
	}

	return &GCPProvider{
		client:  client,
		project: cfg.GCPProject,
		prefix:  prefix,
	}, nil
}

func (p *GCPProvider) Get(ctx context.Context, key string) (string, error) {
	out, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: p.resourceName(key) + "/versions/latest",
	})
	if err != nil {
		if grpcCode(err) == codes.NotFound {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return string(out.Payload.Data), nil
}

// Set creates the secret if needed, then adds the value as a new
// version.
func (p *GCPProvider) Set(ctx context.Context, key, value string) error {
	_, err := p.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + p.project,
		SecretId: p.prefix + key,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && grpcCode(err) != codes.AlreadyExists {
		return fmt.Errorf("%w: create secret: %v", ErrProviderError, err)
	}

	_, err = p.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  p.resourceName(key),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	})
	if err != nil {
		return fmt.Errorf("%w: add secret version: %v", ErrProviderError, err)
	}
	return nil
}

func (p *GCPProvider) Delete(ctx context.Context, key string) error {
	err := p.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{
		Name: p.resourceName(key),
	})
	if err != nil {
		if grpcCode(err) == codes.NotFound {
			return ErrSecretNotFound
		}
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return nil
}

func (p *GCPProvider) Name() string {
	return BackendGCP
}

func (p *GCPProvider) Close() error {
	return p.client.Close()
}

func (p *GCPProvider) resourceName(key string) string {
	return fmt.Sprintf("projects/%s/secrets/%s%s", p.project, p.prefix, key)
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	st, ok := status.FromError(err)
	if !ok {
		return codes.Unknown
	}
	return st.Code()
}
