// Package breaker provides a per-endpoint circuit breaker registry used
// by the HTTP mediator.
//
// Each endpoint key (target host, or full URL when configured) carries an
// independent state machine: Closed until failure_threshold consecutive
// failures, then Open for a cool-down that doubles on every failed
// half-open probe up to a cap. While Open, callers are told how long the
// circuit stays open so the delay can be propagated as a nack.
package breaker

import (
	"net/url"
	"sync"
	"time"

	"log/slog"
)

// State of one endpoint circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// CoolDown is the initial Open interval.
	CoolDown time.Duration

	// MaxCoolDown caps the doubling on repeated half-open failures.
	MaxCoolDown time.Duration

	// PerURL keys circuits by full target URL instead of host.
	PerURL bool
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		MaxCoolDown:      10 * time.Minute,
	}
}

type circuit struct {
	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time
	openUntil     time.Time
	coolDown      time.Duration
	probeInFlight bool
}

// Snapshot is a read-only view of one circuit for monitoring.
type Snapshot struct {
	Key           string    `json:"key"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failureCount"`
	SuccessCount  int       `json:"successCount"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
	OpenUntil     time.Time `json:"openUntil,omitempty"`
}

// Registry holds one circuit per endpoint key.
type Registry struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	cfg      *Config

	// OnStateChange, when set, is invoked (outside the lock) on every
	// transition. Used to feed the state gauge.
	OnStateChange func(key string, state State)

	// now is swappable in tests.
	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.MaxCoolDown < cfg.CoolDown {
		cfg.MaxCoolDown = 10 * time.Minute
	}
	return &Registry{
		circuits: make(map[string]*circuit),
		cfg:      cfg,
		now:      time.Now,
	}
}

// KeyFor derives the circuit key for a mediation target.
func (r *Registry) KeyFor(target string) string {
	if r.cfg.PerURL {
		return target
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Host
}

// Allow reports whether a call to the endpoint may proceed. When the
// circuit is open it returns false and the remaining open interval.
func (r *Registry) Allow(key string) (bool, time.Duration) {
	r.mu.Lock()

	c, ok := r.circuits[key]
	if !ok {
		r.mu.Unlock()
		return true, 0
	}

	now := r.now()
	switch c.state {
	case StateClosed:
		r.mu.Unlock()
		return true, 0

	case StateOpen:
		if now.Before(c.openUntil) {
			remaining := c.openUntil.Sub(now)
			r.mu.Unlock()
			return false, remaining
		}
		// Cool-down elapsed: move to half-open and admit one probe.
		c.state = StateHalfOpen
		c.probeInFlight = true
		r.mu.Unlock()
		r.notify(key, StateHalfOpen)
		return true, 0

	default: // half-open
		if c.probeInFlight {
			coolDown := c.coolDown
			r.mu.Unlock()
			return false, coolDown
		}
		c.probeInFlight = true
		r.mu.Unlock()
		return true, 0
	}
}

// RecordSuccess closes the circuit after a successful probe and clears
// failure counts.
func (r *Registry) RecordSuccess(key string) {
	r.mu.Lock()

	c, ok := r.circuits[key]
	if !ok {
		r.mu.Unlock()
		return
	}

	c.successCount++
	c.failureCount = 0
	c.probeInFlight = false

	changed := c.state != StateClosed
	if changed {
		slog.Info("Circuit closed", "endpoint", key)
		c.state = StateClosed
		c.coolDown = r.cfg.CoolDown
	}
	r.mu.Unlock()

	if changed {
		r.notify(key, StateClosed)
	}
}

// RecordFailure counts a failure, opening the circuit at the threshold.
// A failed half-open probe reopens with a doubled cool-down.
func (r *Registry) RecordFailure(key string) {
	r.mu.Lock()

	c, ok := r.circuits[key]
	if !ok {
		c = &circuit{coolDown: r.cfg.CoolDown}
		r.circuits[key] = c
	}

	now := r.now()
	c.failureCount++
	c.lastFailureAt = now

	var opened bool
	switch c.state {
	case StateClosed:
		if c.failureCount >= r.cfg.FailureThreshold {
			c.state = StateOpen
			c.coolDown = r.cfg.CoolDown
			c.openUntil = now.Add(c.coolDown)
			opened = true
		}
	case StateHalfOpen:
		c.coolDown *= 2
		if c.coolDown > r.cfg.MaxCoolDown {
			c.coolDown = r.cfg.MaxCoolDown
		}
		c.state = StateOpen
		c.openUntil = now.Add(c.coolDown)
		c.probeInFlight = false
		opened = true
	}

	coolDown := c.coolDown
	r.mu.Unlock()

	if opened {
		slog.Warn("Circuit opened", "endpoint", key, "coolDown", coolDown)
		r.notify(key, StateOpen)
	}
}

// StateOf returns the current state for a key (Closed for unknown keys).
func (r *Registry) StateOf(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshots returns a monitoring view of all circuits.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.circuits))
	for key, c := range r.circuits {
		out = append(out, Snapshot{
			Key:           key,
			State:         c.state.String(),
			FailureCount:  c.failureCount,
			SuccessCount:  c.successCount,
			LastFailureAt: c.lastFailureAt,
			OpenUntil:     c.openUntil,
		})
	}
	return out
}

func (r *Registry) notify(key string, state State) {
	if r.OnStateChange != nil {
		r.OnStateChange(key, state)
	}
}
