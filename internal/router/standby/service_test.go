package standby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeLease is an in-memory LockProvider whose holder and availability
// the test controls directly.
type fakeLease struct {
	mu     sync.Mutex
	holder string
	down   bool
	err    error
}

func (f *fakeLease) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.holder == "" || f.holder == instanceID {
		f.holder = instanceID
		return true, nil
	}
	return false, nil
}

func (f *fakeLease) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.holder == instanceID, nil
}

func (f *fakeLease) Release(ctx context.Context, key, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder == instanceID {
		f.holder = ""
	}
	return nil
}

func (f *fakeLease) GetHolder(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holder, nil
}

func (f *fakeLease) IsAvailable(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *fakeLease) Close() error { return nil }

func (f *fakeLease) set(holder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holder = holder
}

// roleLog records transition callbacks.
type roleLog struct {
	mu    sync.Mutex
	roles []Role
}

func (l *roleLog) callbacks() *Callbacks {
	return &Callbacks{
		OnBecomePrimary: func() { l.add(RolePrimary) },
		OnBecomeStandby: func() { l.add(RoleStandby) },
	}
}

func (l *roleLog) add(r Role) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roles = append(l.roles, r)
}

func (l *roleLog) seen() []Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Role(nil), l.roles...)
}

func newElectingService(t *testing.T, lease LockProvider, log *roleLog) *Service {
	t.Helper()
	var cb *Callbacks
	if log != nil {
		cb = log.callbacks()
	}
	svc := NewService(&Config{
		Enabled:         true,
		InstanceID:      "node-1",
		LockKey:         "test:leader",
		LockTTL:         time.Second,
		RefreshInterval: 10 * time.Millisecond,
	}, cb)
	if lease != nil {
		svc.SetLockProvider(lease)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDisabledRunsAsPrimary(t *testing.T) {
	log := &roleLog{}
	svc := NewService(&Config{Enabled: false}, log.callbacks())
	t.Cleanup(svc.Stop)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.IsPrimary() || !svc.ShouldProcess() {
		t.Fatal("disabled service must run as standalone PRIMARY")
	}
	if roles := log.seen(); len(roles) != 1 || roles[0] != RolePrimary {
		t.Fatalf("callbacks = %v, want [PRIMARY]", roles)
	}
}

func TestAcquiresFreeLeaseOnStart(t *testing.T) {
	lease := &fakeLease{}
	log := &roleLog{}
	svc := newElectingService(t, lease, log)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.IsPrimary() {
		t.Fatal("free lease should be taken on the first round")
	}

	status := svc.GetStatus()
	if status.Role != string(RolePrimary) || status.CurrentLockHolder != "node-1" {
		t.Fatalf("status = %+v", status)
	}
	if status.LastSuccessfulRefresh == "" {
		t.Fatal("acquisition should stamp the refresh time")
	}
}

func TestHeldLeaseParksInStandby(t *testing.T) {
	lease := &fakeLease{holder: "node-2"}
	svc := newElectingService(t, lease, nil)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.IsStandby() {
		t.Fatalf("role = %s, want STANDBY behind another holder", svc.GetRole())
	}
	if svc.ShouldProcess() {
		t.Fatal("STANDBY instance must not process")
	}
	if got := svc.GetStatus().CurrentLockHolder; got != "node-2" {
		t.Fatalf("holder = %q, want node-2", got)
	}
}

func TestLostLeaseDemotes(t *testing.T) {
	lease := &fakeLease{}
	log := &roleLog{}
	svc := newElectingService(t, lease, log)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "promotion", svc.IsPrimary)

	// Lease expires and another instance grabs it.
	lease.set("node-2")
	waitFor(t, "demotion", svc.IsStandby)

	roles := log.seen()
	if len(roles) < 2 || roles[0] != RolePrimary || roles[1] != RoleStandby {
		t.Fatalf("callbacks = %v, want promotion then demotion", roles)
	}
}

func TestUnreachableStoreKeepsRole(t *testing.T) {
	lease := &fakeLease{}
	svc := newElectingService(t, lease, nil)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "promotion", svc.IsPrimary)

	lease.mu.Lock()
	lease.down = true
	lease.mu.Unlock()

	waitFor(t, "warning", func() bool { return svc.GetStatus().HasWarning })
	if !svc.IsPrimary() {
		t.Fatal("a store outage must not demote the running PRIMARY")
	}
	if svc.GetStatus().RedisAvailable {
		t.Fatal("status should report the store as unavailable")
	}
}

func TestLeaseErrorSetsWarning(t *testing.T) {
	lease := &fakeLease{holder: "node-2", err: errors.New("broken pipe")}
	svc := newElectingService(t, lease, nil)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "warning", func() bool { return svc.GetStatus().HasWarning })
	if svc.IsPrimary() {
		t.Fatal("errors must not promote the instance")
	}
}

func TestWaitForLeadershipUnblocksOnPromotion(t *testing.T) {
	lease := &fakeLease{holder: "node-2"}
	svc := newElectingService(t, lease, nil)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- svc.WaitForLeadership(context.Background())
	}()

	select {
	case err := <-done:
		t.Fatalf("WaitForLeadership returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// The other holder goes away; the next round promotes us.
	lease.set("")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForLeadership: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForLeadership did not unblock on promotion")
	}
}

func TestWaitForLeadershipHonoursContext(t *testing.T) {
	lease := &fakeLease{holder: "node-2"}
	svc := newElectingService(t, lease, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.WaitForLeadership(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestStopReleasesHeldLease(t *testing.T) {
	lease := &fakeLease{}
	svc := newElectingService(t, lease, nil)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "promotion", svc.IsPrimary)

	svc.Stop()
	if holder, _ := lease.GetHolder(context.Background(), "test:leader"); holder != "" {
		t.Fatalf("holder = %q after Stop, want released", holder)
	}
}

func TestNoProviderFallsBackToPrimary(t *testing.T) {
	svc := newElectingService(t, nil, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "standalone promotion", svc.IsPrimary)
}

func TestGeneratedInstanceID(t *testing.T) {
	svc := NewService(nil, nil)
	t.Cleanup(svc.Stop)
	if svc.GetInstanceID() == "" {
		t.Fatal("instance id should be generated when unset")
	}
	if svc.GetRole() != RoleUnknown {
		t.Fatalf("initial role = %s, want UNKNOWN", svc.GetRole())
	}
	if svc.IsEnabled() {
		t.Fatal("default config should be disabled")
	}
}

func TestNoOpLockProviderAlwaysGrants(t *testing.T) {
	p := NewNoOpLockProvider("node-1")
	ctx := context.Background()

	if ok, err := p.TryAcquire(ctx, "k", "node-1", time.Second); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}
	if ok, err := p.Refresh(ctx, "k", "node-1", time.Second); err != nil || !ok {
		t.Fatalf("Refresh = %v, %v", ok, err)
	}
	if holder, _ := p.GetHolder(ctx, "k"); holder != "node-1" {
		t.Fatalf("holder = %q", holder)
	}
	if !p.IsAvailable(ctx) {
		t.Fatal("noop provider must report available")
	}
}
