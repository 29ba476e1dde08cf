package standby

import (
	"context"
	"time"
)

// NoOpLockProvider grants every request, turning an HA-configured
// instance into a standalone PRIMARY. Useful in tests and single-node
// deployments that keep standby wiring in place.
type NoOpLockProvider struct {
	instanceID string
}

func NewNoOpLockProvider(instanceID string) *NoOpLockProvider {
	return &NoOpLockProvider{instanceID: instanceID}
}

func (p *NoOpLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (p *NoOpLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (p *NoOpLockProvider) Release(ctx context.Context, key, instanceID string) error {
	return nil
}

func (p *NoOpLockProvider) GetHolder(ctx context.Context, key string) (string, error) {
	return p.instanceID, nil
}

func (p *NoOpLockProvider) IsAvailable(ctx context.Context) bool {
	return true
}

func (p *NoOpLockProvider) Close() error {
	return nil
}
