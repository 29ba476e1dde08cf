package secrets

import (
	"context"
	"fmt"
	"path"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider reads secrets from a HashiCorp Vault KV v2 mount. Each
// secret lives at <mount>/<basePath>/<key> with the value under the
// "value" field.
type VaultProvider struct {
	kv       *vault.KVv2
	basePath string
}

func NewVaultProvider(cfg *Config) (*VaultProvider, error) {
	if cfg.VaultAddr == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderError)
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.VaultAddr

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	mount := cfg.VaultMount
	if mount == "" {
		mount = "secret"
	}

	return &VaultProvider{
		kv:       client.KVv2(mount),
		basePath: strings.Trim(cfg.VaultBasePath, "/"),
	}, nil
}

func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.kv.Get(ctx, p.secretPath(key))
	if err != nil {
		if isVaultNotFound(err) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	value, ok := secret.Data["value"].(string)
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

func (p *VaultProvider) Set(ctx context.Context, key, value string) error {
	_, err := p.kv.Put(ctx, p.secretPath(key), map[string]interface{}{
		"value": value,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return nil
}

func (p *VaultProvider) Delete(ctx context.Context, key string) error {
	if err := p.kv.DeleteMetadata(ctx, p.secretPath(key)); err != nil {
		if isVaultNotFound(err) {
			return ErrSecretNotFound
		}
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return nil
}

func (p *VaultProvider) Name() string {
	return BackendVault
}

func (p *VaultProvider) secretPath(key string) string {
	if p.basePath == "" {
		return key
	}
	return path.Join(p.basePath, key)
}

func isVaultNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "secret not found")
}
