// Package leader elects a single active instance through a expiring
// distributed lease, backed by either MongoDB or Redis. The outbox
// processor uses it so only one poller publishes at a time.
package leader

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ElectorConfig holds lease parameters shared by both backends.
type ElectorConfig struct {
	// InstanceID identifies this instance in the lease document.
	// Defaults to the hostname.
	InstanceID string

	// LockName is the lease key, e.g. "outbox-processor-leader".
	LockName string

	// TTL is how long the lease outlives its last refresh.
	TTL time.Duration

	// RefreshInterval is how often the loop refreshes (as leader) or
	// retries acquisition (as follower).
	RefreshInterval time.Duration
}

// RedisElectorConfig is the same parameter set; both backends take
// identical tuning.
type RedisElectorConfig = ElectorConfig

// DefaultElectorConfig returns a 30s lease refreshed every 10s.
func DefaultElectorConfig(lockName string) *ElectorConfig {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance-" + time.Now().Format("20060102150405")
	}
	return &ElectorConfig{
		InstanceID:      instanceID,
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// DefaultRedisElectorConfig mirrors DefaultElectorConfig for the Redis
// backend.
func DefaultRedisElectorConfig(lockName string) *RedisElectorConfig {
	return DefaultElectorConfig(lockName)
}

// backendTimeout bounds each lease operation so a hung store cannot
// stall the election loop past the refresh interval.
const backendTimeout = 5 * time.Second

// lease is the storage contract the election core runs against.
type lease interface {
	// init prepares backend state (indexes). Called once from Start.
	init(ctx context.Context) error

	// acquire takes a free or expired lease, or re-takes one this
	// instance already owns. Reports whether the lease is now ours.
	acquire(ctx context.Context) (bool, error)

	// extend pushes out the expiry of a lease we hold. Reports false
	// when the lease is no longer ours.
	extend(ctx context.Context) (bool, error)

	// release drops the lease if this instance holds it.
	release(ctx context.Context) (bool, error)

	// holder returns the current owner's instance ID, or "" when the
	// lease is free.
	holder(ctx context.Context) (string, error)
}

// elector runs the acquire/refresh loop over a lease backend. The
// mongo and redis electors embed it.
type elector struct {
	store  lease
	config *ElectorConfig

	primary atomic.Bool
	onGain  func()
	onLose  func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (e *elector) init(store lease, config *ElectorConfig) {
	if config == nil {
		config = DefaultElectorConfig("default-leader")
	}
	e.store = store
	e.config = config
	e.ctx, e.cancel = context.WithCancel(context.Background())
}

// OnBecomeLeader registers the promotion callback. Set before Start.
func (e *elector) OnBecomeLeader(fn func()) {
	e.onGain = fn
}

// OnLoseLeadership registers the demotion callback. Set before Start.
func (e *elector) OnLoseLeadership(fn func()) {
	e.onLose = fn
}

// Start prepares the backend and launches the election loop.
func (e *elector) Start(ctx context.Context) error {
	if err := e.store.init(ctx); err != nil {
		slog.Debug("Leader lease init skipped", "error", err)
	}

	e.wg.Add(1)
	go e.run()

	slog.Info("Leader election started",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL,
		"refreshInterval", e.config.RefreshInterval)
	return nil
}

// Stop ends the loop and releases a held lease so a successor does not
// wait out the TTL.
func (e *elector) Stop() {
	e.cancel()
	e.wg.Wait()

	if e.primary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		e.Release(ctx)
	}
	slog.Info("Leader election stopped", "instanceId", e.config.InstanceID)
}

func (e *elector) IsPrimary() bool {
	return e.primary.Load()
}

func (e *elector) InstanceID() string {
	return e.config.InstanceID
}

func (e *elector) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	e.step()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.step()
		}
	}
}

// step refreshes a held lease or competes for a free one.
func (e *elector) step() {
	ctx, cancel := context.WithTimeout(e.ctx, backendTimeout)
	defer cancel()

	if e.primary.Load() {
		kept, err := e.store.extend(ctx)
		if err != nil {
			slog.Error("Leader lease refresh failed",
				"error", err,
				"lockName", e.config.LockName)
		}
		if kept {
			return
		}
		e.demote()
	}

	taken, err := e.store.acquire(ctx)
	if err != nil {
		slog.Error("Leader lease acquisition failed",
			"error", err,
			"lockName", e.config.LockName)
		return
	}
	if taken {
		e.promote()
	}
}

func (e *elector) promote() {
	if e.primary.Swap(true) {
		return
	}
	slog.Info("Acquired leadership",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName)
	if e.onGain != nil {
		e.onGain()
	}
}

func (e *elector) demote() {
	if !e.primary.Swap(false) {
		return
	}
	slog.Warn("Lost leadership",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName)
	if e.onLose != nil {
		e.onLose()
	}
}

// Release drops the lease immediately instead of letting it expire.
func (e *elector) Release(ctx context.Context) {
	released, err := e.store.release(ctx)
	if err != nil {
		slog.Error("Leader lease release failed",
			"error", err,
			"lockName", e.config.LockName)
		return
	}
	if released {
		slog.Info("Released leader lease",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
	}
	e.primary.Store(false)
}

// GetCurrentLeader returns the instance ID holding the lease, or ""
// when it is free.
func (e *elector) GetCurrentLeader(ctx context.Context) (string, error) {
	return e.store.holder(ctx)
}
