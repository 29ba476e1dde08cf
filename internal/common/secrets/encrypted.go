package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// EncryptedProvider keeps secrets in a single AES-256-GCM encrypted
// file under dataDir. The whole store is decrypted into memory at
// startup and rewritten atomically on every mutation.
type EncryptedProvider struct {
	aead cipher.AEAD
	path string

	mu      sync.RWMutex
	secrets map[string]string
}

// NewEncryptedProvider opens (or initializes) the encrypted store.
// encryptionKey is a base64-encoded 32-byte key; GenerateKey produces
// one.
func NewEncryptedProvider(encryptionKey, dataDir string) (*EncryptedProvider, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("%w: encryption key is required", ErrInvalidKey)
	}
	key, err := base64.StdEncoding.DecodeString(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid base64: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: need 32 bytes for AES-256, got %d", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}

	p := &EncryptedProvider{
		aead:    aead,
		path:    filepath.Join(dataDir, "secrets.enc"),
		secrets: make(map[string]string),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *EncryptedProvider) Get(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	value, ok := p.secrets[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

func (p *EncryptedProvider) Set(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.secrets[key] = value
	return p.flush()
}

func (p *EncryptedProvider) Delete(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.secrets[key]; !ok {
		return ErrSecretNotFound
	}
	delete(p.secrets, key)
	return p.flush()
}

func (p *EncryptedProvider) Name() string {
	return BackendEncrypted
}

func (p *EncryptedProvider) load() error {
	sealed, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read secrets file: %w", err)
	}

	nonceSize := p.aead.NonceSize()
	if len(sealed) < nonceSize {
		return fmt.Errorf("secrets file truncated")
	}
	plain, err := p.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return fmt.Errorf("decrypt secrets file: %w", err)
	}
	if err := json.Unmarshal(plain, &p.secrets); err != nil {
		return fmt.Errorf("parse secrets file: %w", err)
	}
	return nil
}

// flush writes the store through a temp file so a crash mid-write
// never corrupts the previous version. Callers hold the write lock.
func (p *EncryptedProvider) flush() error {
	plain, err := json.Marshal(p.secrets)
	if err != nil {
		return fmt.Errorf("serialize secrets: %w", err)
	}

	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := p.aead.Seal(nonce, nonce, plain, nil)

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace secrets file: %w", err)
	}
	return nil
}

// GenerateKey returns a fresh base64-encoded AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
