// Package standby arbitrates which instance of a multi-node deployment
// actively processes messages. Instances compete for a distributed
// lease; the holder runs as PRIMARY while the rest park in STANDBY and
// take over when the lease lapses.
package standby

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/router/internal/router/health"
)

// Role is the HA role of this instance.
type Role string

const (
	RolePrimary Role = "PRIMARY"
	RoleStandby Role = "STANDBY"
	RoleUnknown Role = "UNKNOWN"
)

// lockCallTimeout bounds every round trip to the lock store so a hung
// store cannot stall the election loop.
const lockCallTimeout = 5 * time.Second

// Config controls the standby gate.
type Config struct {
	// Enabled turns HA arbitration on. When false the instance runs
	// standalone and is always PRIMARY.
	Enabled bool

	// InstanceID identifies this instance in the lease. Generated when
	// empty.
	InstanceID string

	// LockKey is the lease key all instances compete for.
	LockKey string

	// LockTTL is the lease lifetime; a PRIMARY that fails to refresh
	// within it loses the lease.
	LockTTL time.Duration

	// RefreshInterval is the election loop period.
	RefreshInterval time.Duration

	// RedisURL locates the lock store.
	RedisURL string
}

// DefaultConfig returns the standalone-by-default configuration.
func DefaultConfig() *Config {
	return &Config{
		LockKey:         "flowcatalyst:router:leader",
		LockTTL:         30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Callbacks fire on role transitions. They run on the election
// goroutine and must not block.
type Callbacks struct {
	OnBecomePrimary func()
	OnBecomeStandby func()
}

// LockProvider is the distributed lease the election runs on.
type LockProvider interface {
	// TryAcquire takes the lease if it is free. Reports whether this
	// instance now holds it.
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Refresh extends a held lease. Reports false when the lease has
	// moved to another holder.
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Release gives the lease up if this instance holds it.
	Release(ctx context.Context, key, instanceID string) error

	// GetHolder returns the current holder, or "" when the lease is free.
	GetHolder(ctx context.Context, key string) (string, error)

	// IsAvailable reports whether the lock store answers at all.
	IsAvailable(ctx context.Context) bool

	Close() error
}

// Service runs the leader election and exposes the resulting role to
// the poll loops and the monitoring API.
type Service struct {
	config     *Config
	callbacks  *Callbacks
	instanceID string

	mu          sync.RWMutex
	provider    LockProvider
	role        Role
	holder      string
	providerUp  bool
	lastRefresh time.Time
	warning     string
	// promoted is closed while PRIMARY and replaced on demotion, so
	// WaitForLeadership blocks without polling.
	promoted chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the standby gate. The lock provider is attached
// separately so disabled deployments never touch Redis.
func NewService(config *Config, callbacks *Callbacks) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:     config,
		callbacks:  callbacks,
		instanceID: instanceID,
		role:       RoleUnknown,
		promoted:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetLockProvider attaches the distributed lease implementation.
func (s *Service) SetLockProvider(provider LockProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = provider
}

// Start runs the election loop. A disabled service promotes itself
// immediately and never talks to the lock store.
func (s *Service) Start() error {
	if !s.config.Enabled {
		slog.Info("Standby disabled - running as standalone PRIMARY")
		s.transition(RolePrimary)
		return nil
	}

	slog.Info("Standby election starting",
		"instanceId", s.instanceID,
		"lockKey", s.config.LockKey,
		"lockTTL", s.config.LockTTL,
		"refreshInterval", s.config.RefreshInterval)

	s.tick()

	s.wg.Add(1)
	go s.electLoop()
	return nil
}

// Stop halts the election and releases a held lease so another
// instance can take over without waiting out the TTL.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.RLock()
	role := s.role
	provider := s.provider
	s.mu.RUnlock()

	if provider == nil {
		return
	}
	if role == RolePrimary {
		ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
		defer cancel()
		if err := provider.Release(ctx, s.config.LockKey, s.instanceID); err != nil {
			slog.Warn("Failed to release leader lease on shutdown", "error", err)
		}
	}
	provider.Close()
}

func (s *Service) electLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick performs one election round: refresh the lease while PRIMARY,
// chase it otherwise.
func (s *Service) tick() {
	s.mu.RLock()
	provider := s.provider
	role := s.role
	s.mu.RUnlock()

	if provider == nil {
		slog.Warn("No lock provider attached - running as standalone")
		s.transition(RolePrimary)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, lockCallTimeout)
	defer cancel()

	up := provider.IsAvailable(ctx)
	s.mu.Lock()
	s.providerUp = up
	s.mu.Unlock()
	if !up {
		// Keep the current role: demoting on a store outage would stop
		// both instances at once.
		s.warn("lock store unreachable")
		return
	}

	if role == RolePrimary {
		s.refreshLease(ctx, provider)
	} else {
		s.chaseLease(ctx, provider, role)
	}
}

func (s *Service) refreshLease(ctx context.Context, provider LockProvider) {
	held, err := provider.Refresh(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		s.warn("lease refresh failed: " + err.Error())
		return
	}
	if !held {
		slog.Warn("Leader lease lost - demoting to STANDBY", "instanceId", s.instanceID)
		s.transition(RoleStandby)
		s.recordHolder(ctx, provider)
		return
	}

	s.mu.Lock()
	s.lastRefresh = time.Now()
	s.warning = ""
	s.mu.Unlock()
}

func (s *Service) chaseLease(ctx context.Context, provider LockProvider, role Role) {
	acquired, err := provider.TryAcquire(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		s.warn("lease acquisition failed: " + err.Error())
		s.recordHolder(ctx, provider)
		return
	}
	if !acquired {
		s.recordHolder(ctx, provider)
		if role == RoleUnknown {
			s.transition(RoleStandby)
		}
		return
	}

	slog.Info("Leader lease acquired - promoting to PRIMARY", "instanceId", s.instanceID)
	s.mu.Lock()
	s.lastRefresh = time.Now()
	s.holder = s.instanceID
	s.warning = ""
	s.mu.Unlock()
	s.transition(RolePrimary)
}

// transition changes the role, wakes or re-arms WaitForLeadership, and
// fires the matching callback. A same-role call is a no-op.
func (s *Service) transition(role Role) {
	s.mu.Lock()
	prev := s.role
	if prev == role {
		s.mu.Unlock()
		return
	}
	s.role = role
	if role == RolePrimary {
		close(s.promoted)
	} else if prev == RolePrimary {
		s.promoted = make(chan struct{})
	}
	s.mu.Unlock()

	slog.Info("Standby role changed",
		"instanceId", s.instanceID,
		"from", string(prev),
		"to", string(role))

	if s.callbacks == nil {
		return
	}
	switch role {
	case RolePrimary:
		if s.callbacks.OnBecomePrimary != nil {
			s.callbacks.OnBecomePrimary()
		}
	case RoleStandby:
		if s.callbacks.OnBecomeStandby != nil {
			s.callbacks.OnBecomeStandby()
		}
	}
}

func (s *Service) warn(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warning = message
}

func (s *Service) recordHolder(ctx context.Context, provider LockProvider) {
	holder, err := provider.GetHolder(ctx, s.config.LockKey)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.holder = holder
	s.mu.Unlock()
}

// IsPrimary reports whether this instance holds the lease.
func (s *Service) IsPrimary() bool {
	return s.GetRole() == RolePrimary
}

// IsStandby reports whether this instance is parked behind another
// holder.
func (s *Service) IsStandby() bool {
	return s.GetRole() == RoleStandby
}

// GetRole returns the current role.
func (s *Service) GetRole() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// GetInstanceID returns this instance's lease identity.
func (s *Service) GetInstanceID() string {
	return s.instanceID
}

// IsEnabled reports whether HA arbitration is on.
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// ShouldProcess reports whether poll loops may fetch messages.
// Standalone instances always process; HA instances only while PRIMARY.
func (s *Service) ShouldProcess() bool {
	if !s.config.Enabled {
		return true
	}
	return s.IsPrimary()
}

// WaitForLeadership blocks until this instance may process messages or
// the context ends. Poll loops park here while in STANDBY.
func (s *Service) WaitForLeadership(ctx context.Context) error {
	for {
		if s.ShouldProcess() {
			return nil
		}
		s.mu.RLock()
		promoted := s.promoted
		s.mu.RUnlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return context.Canceled
		case <-promoted:
		}
	}
}

// GetStatus returns the monitoring snapshot served at /router/standby.
func (s *Service) GetStatus() *health.StandbyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastRefresh string
	if !s.lastRefresh.IsZero() {
		lastRefresh = s.lastRefresh.Format(time.RFC3339)
	}
	return &health.StandbyStatus{
		StandbyEnabled:        s.config.Enabled,
		InstanceID:            s.instanceID,
		Role:                  string(s.role),
		RedisAvailable:        s.providerUp,
		CurrentLockHolder:     s.holder,
		LastSuccessfulRefresh: lastRefresh,
		HasWarning:            s.warning != "",
	}
}
