// Package pool implements the per-pool worker sets that deliver messages
// through the mediator under FIFO-per-group ordering, a pool-wide
// concurrency cap, and an optional token-bucket rate limit.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/router/model"
)

const (
	// DefaultGroup is the ordering key for messages without a group.
	DefaultGroup = "__DEFAULT__"

	// DefaultPoolCode is the pool for messages without a pool code.
	DefaultPoolCode = "DEFAULT-POOL"

	// QueueCapacityMultiplier and MinQueueCapacity size the admission
	// bound: max(concurrency*multiplier, min).
	QueueCapacityMultiplier = 10
	MinQueueCapacity        = 500

	// GroupChannelCapacity bounds each per-group channel.
	GroupChannelCapacity = 100

	// GroupIdleTimeout is how long an idle group worker lingers before
	// exiting and unregistering its group.
	GroupIdleTimeout = 5 * time.Minute

	// maxPermits bounds how far concurrency can be raised on reload.
	maxPermits = 1000
)

// Nack delays for the admission and worker paths.
const (
	CapacityNackDelay   = 5
	RateNackDelay       = 1
	CascadeNackDelay    = 1
	ConnectionNackDelay = 5
	ShutdownNackDelay   = 5
)

// Result classifies one mediation attempt.
type Result string

const (
	Success         Result = "SUCCESS"
	ErrorConfig     Result = "ERROR_CONFIG"
	ErrorProcess    Result = "ERROR_PROCESS"
	ErrorConnection Result = "ERROR_CONNECTION"
)

// MediationOutcome is the mediator's verdict on one delivery attempt.
type MediationOutcome struct {
	Result       Result
	ErrorMessage string

	// DelaySeconds is the retry delay for retryable results; nil means
	// the caller picks a default.
	DelaySeconds *int
}

// Mediator delivers one message to its target endpoint.
type Mediator interface {
	Mediate(ctx context.Context, msg *model.Message) *MediationOutcome
}

// VerdictType is the broker action requested for a message.
type VerdictType int

const (
	VerdictAck VerdictType = iota
	VerdictNack
)

// Verdict flows back to the dispatcher through the task's one-shot
// channel.
type Verdict struct {
	Type         VerdictType
	DelaySeconds int
}

// Task is one message admitted to a pool, with the one-shot channel its
// verdict must be sent on. The channel is buffered and owned by the
// dispatcher; the pool sends exactly once.
type Task struct {
	Message *model.Message
	BatchID int64
	Verdict chan<- Verdict
}

// Config describes one pool.
type Config struct {
	Code               string
	Concurrency        int
	RateLimitPerMinute *int
}

// Stats is a read-only projection of pool state.
type Stats struct {
	Code                string  `json:"code"`
	QueueDepth          int     `json:"queueDepth"`
	QueueCapacity       int     `json:"queueCapacity"`
	ActiveWorkers       int     `json:"activeWorkers"`
	Concurrency         int     `json:"concurrency"`
	MessageGroups       int     `json:"messageGroups"`
	RateLimitPerMinute  *int    `json:"rateLimitPerMinute,omitempty"`
	RateLimitSaturation float64 `json:"rateLimitSaturation"`
	Draining            bool    `json:"draining"`
}

// QueueCapacity computes the admission bound for a concurrency setting.
func QueueCapacity(concurrency int) int {
	capacity := concurrency * QueueCapacityMultiplier
	if capacity < MinQueueCapacity {
		capacity = MinQueueCapacity
	}
	return capacity
}

// ProcessPool is one named worker set.
type ProcessPool struct {
	code     string
	mediator Mediator

	// permits is a counting semaphore: tokens in the channel are
	// available permits. Growth pushes tokens; shrinkage drains them as
	// workers release.
	permits     chan struct{}
	concurrency atomic.Int32

	// limiter is nil when the pool is unlimited. Swapped in place on
	// rate-limit reload.
	limiter       atomic.Pointer[rate.Limiter]
	ratePerMinute atomic.Int32 // 0 = unlimited

	groupMu     sync.Mutex
	groupQueues map[string]chan *Task

	queueSize     atomic.Int32
	activeWorkers atomic.Int32
	groupCount    atomic.Int32

	// failedBatchGroups marks "batchID|groupID" pairs whose remaining
	// messages must cascade-nack. batchGroupPending counts messages still
	// queued per pair so the mark can be cleared when the batch drains.
	failedBatchGroups sync.Map
	batchGroupPending sync.Map

	draining atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a pool and starts its gauge updater.
func New(cfg Config, mediator Mediator) (*ProcessPool, error) {
	if cfg.Code == "" {
		return nil, fmt.Errorf("pool code is required")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("pool %s: concurrency must be >= 1, got %d", cfg.Code, cfg.Concurrency)
	}
	if cfg.Concurrency > maxPermits {
		return nil, fmt.Errorf("pool %s: concurrency %d exceeds maximum %d", cfg.Code, cfg.Concurrency, maxPermits)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ProcessPool{
		code:        cfg.Code,
		mediator:    mediator,
		permits:     make(chan struct{}, maxPermits),
		groupQueues: make(map[string]chan *Task),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < cfg.Concurrency; i++ {
		p.permits <- struct{}{}
	}
	p.concurrency.Store(int32(cfg.Concurrency))
	p.setRateLimit(cfg.RateLimitPerMinute)

	p.wg.Add(1)
	go p.runGaugeUpdater()

	slog.Info("Created processing pool", "pool", cfg.Code, "concurrency", cfg.Concurrency, "rateLimit", rateOrZero(cfg.RateLimitPerMinute))
	return p, nil
}

func ratedLimiter(perMinute int) *rate.Limiter {
	perSecond := float64(perMinute) / 60.0
	burst := perMinute / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func rateOrZero(r *int) int {
	if r == nil {
		return 0
	}
	return *r
}

func (p *ProcessPool) setRateLimit(perMinute *int) {
	if perMinute == nil || *perMinute <= 0 {
		p.limiter.Store(nil)
		p.ratePerMinute.Store(0)
		return
	}
	p.limiter.Store(ratedLimiter(*perMinute))
	p.ratePerMinute.Store(int32(*perMinute))
}

// Code returns the pool code.
func (p *ProcessPool) Code() string { return p.code }

// AvailableCapacity is the admission headroom right now.
func (p *ProcessPool) AvailableCapacity() int {
	capacity := QueueCapacity(int(p.concurrency.Load()))
	available := capacity - int(p.queueSize.Load())
	if available < 0 {
		return 0
	}
	return available
}

// RateLimitWouldReject reports whether admitting n messages now would be
// refused by the token bucket. Does not consume tokens.
func (p *ProcessPool) RateLimitWouldReject(n int) bool {
	limiter := p.limiter.Load()
	if limiter == nil {
		return false
	}
	return limiter.Tokens() < float64(n)
}

// Submit admits one task. All outcomes, including rejections, are
// reported through the task's verdict channel.
func (p *ProcessPool) Submit(task *Task) {
	if p.draining.Load() {
		p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: CapacityNackDelay})
		return
	}

	if int(p.queueSize.Load()) >= QueueCapacity(int(p.concurrency.Load())) {
		metrics.PoolQueueRejections.WithLabelValues(p.code).Inc()
		p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: CapacityNackDelay})
		return
	}

	groupID := groupOf(task.Message)
	if p.isBatchGroupFailed(task.BatchID, groupID) {
		p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: CascadeNackDelay})
		return
	}

	p.trackBatchGroup(task.BatchID, groupID, 1)
	p.queueSize.Add(1)

	ch := p.groupChannel(groupID)
	select {
	case ch <- task:
	case <-p.ctx.Done():
		p.queueSize.Add(-1)
		p.trackBatchGroup(task.BatchID, groupID, -1)
		p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: ShutdownNackDelay})
	}
}

func groupOf(msg *model.Message) string {
	if msg.MessageGroupID == "" {
		return DefaultGroup
	}
	return msg.MessageGroupID
}

// groupChannel returns the group's channel, lazily spawning its worker.
func (p *ProcessPool) groupChannel(groupID string) chan *Task {
	p.groupMu.Lock()
	defer p.groupMu.Unlock()

	if ch, ok := p.groupQueues[groupID]; ok {
		return ch
	}
	ch := make(chan *Task, GroupChannelCapacity)
	p.groupQueues[groupID] = ch
	p.groupCount.Add(1)

	p.wg.Add(1)
	go p.runGroupWorker(groupID, ch)
	return ch
}

// runGroupWorker processes one group's tasks sequentially, preserving
// FIFO within the group. Exits after the idle timeout.
func (p *ProcessPool) runGroupWorker(groupID string, ch chan *Task) {
	defer p.wg.Done()

	idle := time.NewTimer(GroupIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case task := <-ch:
			p.processTask(task, groupID)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(GroupIdleTimeout)

		case <-idle.C:
			if p.tryUnregisterGroup(groupID, ch) {
				return
			}
			idle.Reset(GroupIdleTimeout)

		case <-p.ctx.Done():
			p.drainGroupOnShutdown(ch)
			return
		}
	}
}

// tryUnregisterGroup removes the group if no task raced in.
func (p *ProcessPool) tryUnregisterGroup(groupID string, ch chan *Task) bool {
	p.groupMu.Lock()
	defer p.groupMu.Unlock()
	if len(ch) > 0 {
		return false
	}
	delete(p.groupQueues, groupID)
	p.groupCount.Add(-1)
	return true
}

func (p *ProcessPool) drainGroupOnShutdown(ch chan *Task) {
	for {
		select {
		case task := <-ch:
			p.queueSize.Add(-1)
			p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: ShutdownNackDelay})
		default:
			return
		}
	}
}

func (p *ProcessPool) processTask(task *Task, groupID string) {
	p.queueSize.Add(-1)
	defer p.trackBatchGroup(task.BatchID, groupID, -1)

	// The cascade mark may have been set after this task was enqueued.
	if p.isBatchGroupFailed(task.BatchID, groupID) {
		p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: CascadeNackDelay})
		return
	}

	if limiter := p.limiter.Load(); limiter != nil && !limiter.Allow() {
		metrics.PoolRateLimitRejections.WithLabelValues(p.code).Inc()
		p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: RateNackDelay})
		return
	}

	select {
	case <-p.permits:
	case <-p.ctx.Done():
		p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: ShutdownNackDelay})
		return
	}
	defer func() { p.permits <- struct{}{} }()

	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	start := time.Now()
	outcome := p.mediator.Mediate(p.ctx, task.Message)
	metrics.PoolProcessingDuration.WithLabelValues(p.code).Observe(time.Since(start).Seconds())
	metrics.PoolMessagesProcessed.WithLabelValues(p.code, string(outcome.Result)).Inc()

	p.handleOutcome(task, groupID, outcome)
}

func (p *ProcessPool) handleOutcome(task *Task, groupID string, outcome *MediationOutcome) {
	switch outcome.Result {
	case Success:
		p.deliver(task, Verdict{Type: VerdictAck})

	case ErrorConfig:
		// Poison: retrying cannot help, remove it from the queue.
		slog.Warn("Poison message acked", "pool", p.code, "messageId", task.Message.ID, "error", outcome.ErrorMessage)
		p.deliver(task, Verdict{Type: VerdictAck})

	case ErrorProcess:
		p.markBatchGroupFailed(task.BatchID, groupID)
		delay := model.DefaultDelaySeconds
		if outcome.DelaySeconds != nil {
			delay = model.ClampDelay(*outcome.DelaySeconds)
		}
		p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: delay})

	case ErrorConnection:
		p.markBatchGroupFailed(task.BatchID, groupID)
		p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: ConnectionNackDelay})

	default:
		slog.Error("Unknown mediation result", "pool", p.code, "result", outcome.Result)
		p.markBatchGroupFailed(task.BatchID, groupID)
		p.deliver(task, Verdict{Type: VerdictNack, DelaySeconds: ConnectionNackDelay})
	}
}

func (p *ProcessPool) deliver(task *Task, verdict Verdict) {
	task.Verdict <- verdict
}

func batchGroupKey(batchID int64, groupID string) string {
	return fmt.Sprintf("%d|%s", batchID, groupID)
}

func (p *ProcessPool) markBatchGroupFailed(batchID int64, groupID string) {
	p.failedBatchGroups.Store(batchGroupKey(batchID, groupID), struct{}{})
}

func (p *ProcessPool) isBatchGroupFailed(batchID int64, groupID string) bool {
	_, failed := p.failedBatchGroups.Load(batchGroupKey(batchID, groupID))
	return failed
}

// trackBatchGroup maintains the per-(batch,group) pending count and clears
// the failure mark once the last message of the pair has been resolved.
func (p *ProcessPool) trackBatchGroup(batchID int64, groupID string, delta int32) {
	key := batchGroupKey(batchID, groupID)
	v, _ := p.batchGroupPending.LoadOrStore(key, &atomic.Int32{})
	counter := v.(*atomic.Int32)
	if counter.Add(delta) <= 0 {
		p.batchGroupPending.Delete(key)
		p.failedBatchGroups.Delete(key)
	}
}

// UpdateConcurrency adjusts the semaphore by the delta. Growth is
// immediate; reduction drains as current workers finish, with no
// preemption.
func (p *ProcessPool) UpdateConcurrency(newConcurrency int) error {
	if newConcurrency < 1 {
		return fmt.Errorf("pool %s: concurrency must be >= 1", p.code)
	}
	if newConcurrency > maxPermits {
		return fmt.Errorf("pool %s: concurrency %d exceeds maximum %d", p.code, newConcurrency, maxPermits)
	}

	old := int(p.concurrency.Swap(int32(newConcurrency)))
	delta := newConcurrency - old
	switch {
	case delta > 0:
		for i := 0; i < delta; i++ {
			p.permits <- struct{}{}
		}
	case delta < 0:
		go func(n int) {
			for i := 0; i < n; i++ {
				select {
				case <-p.permits:
				case <-p.ctx.Done():
					return
				}
			}
		}(-delta)
	}

	slog.Info("Pool concurrency updated", "pool", p.code, "from", old, "to", newConcurrency)
	return nil
}

// UpdateRateLimit swaps the token bucket in place. In-flight state is
// untouched.
func (p *ProcessPool) UpdateRateLimit(perMinute *int) {
	p.setRateLimit(perMinute)
	slog.Info("Pool rate limit updated", "pool", p.code, "ratePerMinute", rateOrZero(perMinute))
}

// Drain stops admission; queued and in-flight work completes normally.
func (p *ProcessPool) Drain() {
	if p.draining.CompareAndSwap(false, true) {
		slog.Info("Pool draining", "pool", p.code)
	}
}

// IsDraining reports whether admission is stopped.
func (p *ProcessPool) IsDraining() bool { return p.draining.Load() }

// IsFullyDrained reports whether nothing is queued or in flight.
func (p *ProcessPool) IsFullyDrained() bool {
	return p.queueSize.Load() == 0 && p.activeWorkers.Load() == 0
}

// Shutdown cancels workers and nacks anything still queued.
func (p *ProcessPool) Shutdown() {
	p.Drain()
	p.cancel()
	p.wg.Wait()
	metrics.PoolQueueDepth.DeleteLabelValues(p.code)
	metrics.PoolActiveWorkers.DeleteLabelValues(p.code)
	metrics.PoolMessageGroups.DeleteLabelValues(p.code)
}

// Stats returns the current projection.
func (p *ProcessPool) Stats() Stats {
	concurrency := int(p.concurrency.Load())
	s := Stats{
		Code:          p.code,
		QueueDepth:    int(p.queueSize.Load()),
		QueueCapacity: QueueCapacity(concurrency),
		ActiveWorkers: int(p.activeWorkers.Load()),
		Concurrency:   concurrency,
		MessageGroups: int(p.groupCount.Load()),
		Draining:      p.draining.Load(),
	}
	if r := int(p.ratePerMinute.Load()); r > 0 {
		s.RateLimitPerMinute = &r
		if limiter := p.limiter.Load(); limiter != nil {
			burst := float64(limiter.Burst())
			if burst > 0 {
				saturation := 1 - limiter.Tokens()/burst
				if saturation < 0 {
					saturation = 0
				}
				s.RateLimitSaturation = saturation
			}
		}
	}
	return s
}

// runGaugeUpdater refreshes the pool gauges twice a second.
func (p *ProcessPool) runGaugeUpdater() {
	defer p.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.PoolQueueDepth.WithLabelValues(p.code).Set(float64(p.queueSize.Load()))
			metrics.PoolActiveWorkers.WithLabelValues(p.code).Set(float64(p.activeWorkers.Load()))
			metrics.PoolMessageGroups.WithLabelValues(p.code).Set(float64(p.groupCount.Load()))
		case <-p.ctx.Done():
			return
		}
	}
}
