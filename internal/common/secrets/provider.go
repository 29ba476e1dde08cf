// Package secrets resolves sensitive configuration values from a
// pluggable backend: plain environment variables, an AES-encrypted
// local file, HashiCorp Vault, AWS Secrets Manager or GCP Secret
// Manager. The backend is selected with FLOWCATALYST_SECRETS_PROVIDER.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrInvalidKey     = errors.New("invalid encryption key")
	ErrProviderError  = errors.New("secrets provider error")
)

// Provider is a secret storage backend. Read-only backends return an
// error from Set and Delete.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// Name identifies the backend in logs.
	Name() string
}

// Backend names accepted by NewProvider.
const (
	BackendEnv       = "env"
	BackendEncrypted = "encrypted"
	BackendVault     = "vault"
	BackendAWS       = "aws-sm"
	BackendGCP       = "gcp-sm"
)

// Config holds settings for every backend; only the selected one reads
// its section.
type Config struct {
	Backend string

	// Encrypted file backend.
	EncryptionKey string
	DataDir       string

	// AWS Secrets Manager.
	AWSRegion    string
	AWSPrefix    string
	AWSEndpoint  string
	AWSAccessKey string
	AWSSecretKey string

	// HashiCorp Vault.
	VaultAddr      string
	VaultToken     string
	VaultMount     string
	VaultBasePath  string
	VaultNamespace string

	// GCP Secret Manager.
	GCPProject string
	GCPPrefix  string
}

// DefaultConfig returns the env backend with project-scoped prefixes
// for the managed stores.
func DefaultConfig() *Config {
	return &Config{
		Backend:       BackendEnv,
		DataDir:       "./data/secrets",
		AWSPrefix:     "/flowcatalyst/",
		VaultMount:    "secret",
		VaultBasePath: "flowcatalyst",
		GCPPrefix:     "flowcatalyst-",
	}
}

// LoadConfigFromEnv reads backend settings from the environment.
// Project-prefixed variables win over the conventional ones
// (AWS_REGION, VAULT_ADDR, GOOGLE_CLOUD_PROJECT).
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()

	pick := func(target *string, names ...string) {
		for _, name := range names {
			if v := os.Getenv(name); v != "" {
				*target = v
				return
			}
		}
	}

	if p := os.Getenv("FLOWCATALYST_SECRETS_PROVIDER"); p != "" {
		cfg.Backend = strings.ToLower(p)
	}

	pick(&cfg.EncryptionKey, "FLOWCATALYST_SECRETS_ENCRYPTION_KEY")
	pick(&cfg.DataDir, "FLOWCATALYST_SECRETS_DATA_DIR")

	pick(&cfg.AWSRegion, "FLOWCATALYST_SECRETS_AWS_REGION", "AWS_REGION")
	pick(&cfg.AWSPrefix, "FLOWCATALYST_SECRETS_AWS_PREFIX")
	pick(&cfg.AWSEndpoint, "FLOWCATALYST_SECRETS_AWS_ENDPOINT")

	pick(&cfg.VaultAddr, "FLOWCATALYST_SECRETS_VAULT_ADDR", "VAULT_ADDR")
	pick(&cfg.VaultToken, "FLOWCATALYST_SECRETS_VAULT_TOKEN", "VAULT_TOKEN")
	pick(&cfg.VaultNamespace, "FLOWCATALYST_SECRETS_VAULT_NAMESPACE")
	if p := os.Getenv("FLOWCATALYST_SECRETS_VAULT_PATH"); p != "" {
		cfg.VaultMount, cfg.VaultBasePath = splitVaultPath(p)
	}

	pick(&cfg.GCPProject, "FLOWCATALYST_SECRETS_GCP_PROJECT", "GOOGLE_CLOUD_PROJECT")
	pick(&cfg.GCPPrefix, "FLOWCATALYST_SECRETS_GCP_PREFIX")

	return cfg
}

// NewProvider builds the configured backend.
func NewProvider(cfg *Config) (Provider, error) {
	if cfg == nil {
		cfg = LoadConfigFromEnv()
	}

	switch strings.ToLower(cfg.Backend) {
	case "", BackendEnv:
		return NewEnvProvider("FLOWCATALYST_SECRET_"), nil
	case BackendEncrypted:
		return NewEncryptedProvider(cfg.EncryptionKey, cfg.DataDir)
	case BackendVault:
		return NewVaultProvider(cfg)
	case BackendAWS:
		return NewAWSProvider(cfg)
	case BackendGCP:
		return NewGCPProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}

// splitVaultPath parses "mount/sub/path" into its mount and the path
// below it. A legacy "secret/data/..." spelling is normalized; the
// KV v2 API inserts "data" itself.
func splitVaultPath(p string) (mount, base string) {
	p = strings.Trim(p, "/")
	parts := strings.SplitN(p, "/", 2)
	mount = parts[0]
	if len(parts) == 2 {
		base = strings.TrimPrefix(parts[1], "data/")
	}
	if mount == "" {
		mount = "secret"
	}
	return mount, base
}

// EnvProvider reads secrets from prefixed environment variables. The
// key "db-password" maps to <prefix>DB_PASSWORD.
type EnvProvider struct {
	prefix string
}

func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	name := p.prefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", ErrSecretNotFound
}

func (p *EnvProvider) Set(ctx context.Context, key, value string) error {
	return fmt.Errorf("%w: env backend is read-only", ErrProviderError)
}

func (p *EnvProvider) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("%w: env backend is read-only", ErrProviderError)
}

func (p *EnvProvider) Name() string {
	return BackendEnv
}
