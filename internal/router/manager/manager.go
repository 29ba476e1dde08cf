// Package manager implements the QueueManager: the central dispatcher
// that polls consumers, deduplicates redeliveries, routes messages to
// processing pools, and drives the ack/nack lifecycle against the broker.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/queue"
	"go.flowcatalyst.tech/router/internal/router/model"
	"go.flowcatalyst.tech/router/internal/router/pool"
	"go.flowcatalyst.tech/router/internal/router/warning"
)

const (
	// DefaultPollBatch is the per-poll message cap.
	DefaultPollBatch = 10

	// consumerErrorPause throttles a consumer's loop after a poll error so
	// one broken queue cannot spin the process.
	consumerErrorPause = time.Second

	// Batch-level nack delays.
	batchCapacityNackDelay = 5 * time.Second
	batchRateNackDelay     = 10 * time.Second
	poolErrorNackDelay     = 5 * time.Second

	// redeliveryNackDelay hides a redelivered copy while the original is
	// still being processed.
	redeliveryNackDelay = 30 * time.Second

	// MemoryWarningThreshold is the in-flight count above which the
	// memory probe raises a Resource warning.
	MemoryWarningThreshold = 10000

	// Visibility extender tuning.
	visibilityExtendInterval = 55 * time.Second
	visibilityExtendAge      = 50 * time.Second
	visibilityExtendSeconds  = 120

	// Stall detector tuning.
	stallCheckInterval  = 30 * time.Second
	stallThreshold      = 2 * time.Minute
	MaxConsumerRestarts = 3

	memoryMonitorInterval  = 60 * time.Second
	warningCleanupInterval = 5 * time.Minute
	warningMaxAge          = 24 * time.Hour
	healthReportInterval   = 60 * time.Second
	drainSweepInterval     = 10 * time.Second

	// DefaultMaxPools hard-caps pool creation; DefaultPoolWarningThreshold
	// raises a Configuration warning before the cap bites.
	DefaultMaxPools             = 100
	DefaultPoolWarningThreshold = 50
)

// StandbyChecker gates consumer poll loops on leadership.
type StandbyChecker interface {
	// ShouldProcess reports whether this instance currently holds the
	// leader role (or standby mode is disabled).
	ShouldProcess() bool

	// WaitForLeadership blocks until leadership is held or ctx ends.
	WaitForLeadership(ctx context.Context) error
}

// inFlightEntry is the router-side bookkeeping for one dispatched
// message. The receipt handle is mutable: a broker redelivery overwrites
// it in place and every ack/nack re-reads it at the moment of use.
type inFlightEntry struct {
	messageID       string
	brokerMessageID string
	queueIdentifier string
	poolCode        string
	batchID         int64
	startedAt       time.Time

	mu            sync.Mutex
	receiptHandle string
}

func (e *inFlightEntry) handle() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiptHandle
}

func (e *inFlightEntry) rebind(handle string) {
	e.mu.Lock()
	e.receiptHandle = handle
	e.mu.Unlock()
}

// managedConsumer couples a consumer with its restart factory and
// activity tracking for the stall detector.
type managedConsumer struct {
	mu       sync.Mutex
	consumer queue.Consumer
	factory  queue.ConsumerFactory

	identifier   string
	lastActivity atomic.Int64 // unix nanos
	restartCount atomic.Int32
}

func (mc *managedConsumer) current() queue.Consumer {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.consumer
}

func (mc *managedConsumer) replace(c queue.Consumer) {
	mc.mu.Lock()
	mc.consumer = c
	mc.mu.Unlock()
}

func (mc *managedConsumer) touch() {
	mc.lastActivity.Store(time.Now().UnixNano())
}

func (mc *managedConsumer) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - mc.lastActivity.Load())
}

// Config holds QueueManager settings.
type Config struct {
	Mediator             pool.Mediator
	Warnings             warning.Service
	Standby              StandbyChecker
	MaxPools             int
	PoolWarningThreshold int
	InitialPools         []pool.Config
}

// QueueManager is the central dispatcher.
type QueueManager struct {
	mediator pool.Mediator
	warnings warning.Service
	standby  StandbyChecker

	poolMu        sync.RWMutex
	pools         map[string]*pool.ProcessPool
	drainingPools map[string]*pool.ProcessPool

	maxPools             int
	poolWarningThreshold int

	// inPipeline: "queueIdentifier:messageID" -> *inFlightEntry.
	// appToPipelineKey: messageID -> pipeline key.
	inPipeline       sync.Map
	appToPipelineKey sync.Map

	// pendingDeleteBrokerIDs holds broker message ids whose ack failed on
	// an expired handle after successful delivery. The next arrival of
	// that broker id is deleted without redispatch. Keyed by broker id,
	// not application id: a new request reusing the application id must
	// not be swallowed.
	pendingDeleteBrokerIDs sync.Map

	consumerMu sync.RWMutex
	consumers  map[string]*managedConsumer

	batchSeq atomic.Int64

	paused       atomic.Bool
	shuttingDown atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	pollWG    sync.WaitGroup
	taskWG    sync.WaitGroup
	verdictWG sync.WaitGroup

	started atomic.Bool
}

// New creates a QueueManager with its initial pools.
func New(cfg Config) (*QueueManager, error) {
	if cfg.Mediator == nil {
		return nil, fmt.Errorf("mediator is required")
	}
	if cfg.MaxPools <= 0 {
		cfg.MaxPools = DefaultMaxPools
	}
	if cfg.PoolWarningThreshold <= 0 {
		cfg.PoolWarningThreshold = DefaultPoolWarningThreshold
	}

	ctx, cancel := context.WithCancel(context.Background())
	qm := &QueueManager{
		mediator:             cfg.Mediator,
		warnings:             cfg.Warnings,
		standby:              cfg.Standby,
		pools:                make(map[string]*pool.ProcessPool),
		drainingPools:        make(map[string]*pool.ProcessPool),
		maxPools:             cfg.MaxPools,
		poolWarningThreshold: cfg.PoolWarningThreshold,
		consumers:            make(map[string]*managedConsumer),
		ctx:                  ctx,
		cancel:               cancel,
	}

	for _, pc := range cfg.InitialPools {
		if _, err := qm.createPool(pc); err != nil {
			cancel()
			return nil, err
		}
	}
	return qm, nil
}

// RegisterConsumer adds a consumer; the factory is used for stall
// restarts and may be nil.
func (qm *QueueManager) RegisterConsumer(c queue.Consumer, factory queue.ConsumerFactory) {
	mc := &managedConsumer{
		consumer:   c,
		factory:    factory,
		identifier: c.Identifier(),
	}
	mc.touch()

	qm.consumerMu.Lock()
	qm.consumers[mc.identifier] = mc
	qm.consumerMu.Unlock()
}

// Start launches the poll loops and lifecycle tasks.
func (qm *QueueManager) Start() {
	if !qm.started.CompareAndSwap(false, true) {
		return
	}

	qm.consumerMu.RLock()
	for _, mc := range qm.consumers {
		qm.pollWG.Add(1)
		go qm.runPollLoop(mc)
	}
	qm.consumerMu.RUnlock()

	for _, task := range []func(){
		qm.runVisibilityExtender,
		qm.runMemoryMonitor,
		qm.runStallDetector,
		qm.runWarningCleanup,
		qm.runHealthReporter,
		qm.runDrainSweeper,
	} {
		qm.taskWG.Add(1)
		go task()
	}

	slog.Info("Queue manager started", "consumers", len(qm.consumers), "pools", len(qm.pools))
}

// Pause stops dispatching new messages without tearing anything down.
func (qm *QueueManager) Pause() { qm.paused.Store(true) }

// Resume re-enables dispatch after Pause.
func (qm *QueueManager) Resume() { qm.paused.Store(false) }

// runPollLoop polls one consumer until shutdown. A consumer error pauses
// only this loop; standby loss parks it until leadership returns.
func (qm *QueueManager) runPollLoop(mc *managedConsumer) {
	defer qm.pollWG.Done()

	for {
		if qm.ctx.Err() != nil {
			return
		}

		if qm.paused.Load() || (qm.standby != nil && !qm.standby.ShouldProcess()) {
			if qm.standby != nil && !qm.paused.Load() {
				if err := qm.standby.WaitForLeadership(qm.ctx); err != nil {
					return
				}
				continue
			}
			select {
			case <-time.After(time.Second):
			case <-qm.ctx.Done():
				return
			}
			continue
		}

		consumer := mc.current()
		msgs, err := consumer.Poll(qm.ctx, DefaultPollBatch)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueStopped) {
				return
			}
			slog.Warn("Poll failed", "queue", mc.identifier, "error", err)
			select {
			case <-time.After(consumerErrorPause):
			case <-qm.ctx.Done():
				return
			}
			continue
		}

		mc.touch()
		if len(msgs) > 0 {
			qm.routeBatch(mc, msgs)
		}
	}
}

// routeBatch deduplicates one poll's messages and dispatches them to
// pools, nacking at batch granularity when a pool cannot take the load.
func (qm *QueueManager) routeBatch(mc *managedConsumer, msgs []*queue.QueuedMessage) {
	if qm.shuttingDown.Load() {
		qm.nackAll(mc, msgs, poolErrorNackDelay)
		return
	}

	batchID := qm.batchSeq.Add(1)
	consumer := mc.current()

	// Phase 1: resolve deferred deletes and redeliveries.
	unique := make([]*queue.QueuedMessage, 0, len(msgs))
	for _, msg := range msgs {
		if _, pending := qm.pendingDeleteBrokerIDs.Load(msg.BrokerMessageID); pending {
			// Delivered on a previous attempt; the ack failed on an
			// expired handle. Delete with the fresh handle now.
			if err := consumer.Ack(qm.ctx, msg.ReceiptHandle); err != nil {
				slog.Warn("Deferred delete failed", "queue", mc.identifier, "brokerMessageId", msg.BrokerMessageID, "error", err)
			} else {
				qm.pendingDeleteBrokerIDs.Delete(msg.BrokerMessageID)
				slog.Info("Deferred delete completed", "queue", mc.identifier, "messageId", msg.ID)
			}
			continue
		}

		if keyVal, inFlight := qm.appToPipelineKey.Load(msg.ID); inFlight {
			// Redelivery of an in-flight message: the stored handle is
			// stale, the incoming one is live. Rebind and hide the copy.
			if entryVal, ok := qm.inPipeline.Load(keyVal.(string)); ok {
				entry := entryVal.(*inFlightEntry)
				entry.rebind(msg.ReceiptHandle)
				if err := consumer.Nack(qm.ctx, msg.ReceiptHandle, redeliveryNackDelay); err != nil {
					slog.Warn("Redelivery nack failed", "queue", mc.identifier, "messageId", msg.ID, "error", err)
				}
				slog.Debug("Rebound receipt handle on redelivery", "messageId", msg.ID)
				continue
			}
			// Mapping without entry: cleaned up concurrently. Fall
			// through and dispatch as new.
		}

		unique = append(unique, msg)
	}

	if len(unique) == 0 {
		return
	}

	// Phase 2: group by effective pool code.
	byPool := make(map[string][]*queue.QueuedMessage)
	poolOrder := make([]string, 0, 4)
	for _, msg := range unique {
		code := msg.PoolCode
		if code == "" {
			code = pool.DefaultPoolCode
		}
		if _, seen := byPool[code]; !seen {
			poolOrder = append(poolOrder, code)
		}
		byPool[code] = append(byPool[code], msg)
	}

	// Phase 3: per-pool admission, then per-message dispatch in order.
	for _, code := range poolOrder {
		group := byPool[code]

		p, err := qm.getOrCreatePool(code)
		if err != nil {
			slog.Error("Pool unavailable, nacking batch", "pool", code, "count", len(group), "error", err)
			qm.warn(warning.CategoryConfiguration, warning.SeverityError,
				fmt.Sprintf("pool %s unavailable: %v", code, err))
			qm.nackAll(mc, group, poolErrorNackDelay)
			continue
		}

		if p.AvailableCapacity() < len(group) {
			qm.nackAll(mc, group, batchCapacityNackDelay)
			continue
		}
		if p.RateLimitWouldReject(len(group)) {
			qm.nackAll(mc, group, batchRateNackDelay)
			continue
		}

		for _, msg := range group {
			qm.dispatch(mc, p, msg, batchID)
		}
	}
}

// dispatch registers the message in the pipeline and submits it with a
// fresh one-shot verdict channel.
func (qm *QueueManager) dispatch(mc *managedConsumer, p *pool.ProcessPool, msg *queue.QueuedMessage, batchID int64) {
	key := pipelineKey(msg.QueueIdentifier, msg.ID)
	entry := &inFlightEntry{
		messageID:       msg.ID,
		brokerMessageID: msg.BrokerMessageID,
		queueIdentifier: msg.QueueIdentifier,
		poolCode:        p.Code(),
		batchID:         batchID,
		startedAt:       time.Now(),
		receiptHandle:   msg.ReceiptHandle,
	}
	qm.inPipeline.Store(key, entry)
	qm.appToPipelineKey.Store(msg.ID, key)

	verdictCh := make(chan pool.Verdict, 1)
	qm.verdictWG.Add(1)
	go qm.awaitVerdict(mc, key, entry, verdictCh)

	p.Submit(&pool.Task{
		Message: msg.Message,
		BatchID: batchID,
		Verdict: verdictCh,
	})
}

// awaitVerdict waits on the one-shot channel and applies the verdict
// using the entry's current receipt handle. Rebind-on-use is the point:
// the broker may have redelivered between submit and verdict, and only
// the latest handle is valid.
func (qm *QueueManager) awaitVerdict(mc *managedConsumer, key string, entry *inFlightEntry, verdictCh <-chan pool.Verdict) {
	defer qm.verdictWG.Done()

	verdict, ok := <-verdictCh
	if !ok {
		// Channel closed without a verdict: treat as nack.
		verdict = pool.Verdict{Type: pool.VerdictNack, DelaySeconds: pool.ShutdownNackDelay}
	}

	defer func() {
		qm.inPipeline.Delete(key)
		qm.appToPipelineKey.Delete(entry.messageID)
	}()

	consumer := mc.current()
	handle := entry.handle()

	// Broker calls get their own context so shutdown does not strand
	// verdicts mid-flight.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch verdict.Type {
	case pool.VerdictAck:
		err := consumer.Ack(ctx, handle)
		switch {
		case err == nil:
			metrics.QueueVerdicts.WithLabelValues(mc.identifier, "ack").Inc()
		case errors.Is(err, queue.ErrReceiptHandleExpired):
			// Delivered but undeletable: remember the broker id so the
			// redelivered copy is removed on a future poll.
			qm.pendingDeleteBrokerIDs.Store(entry.brokerMessageID, struct{}{})
			slog.Info("Ack failed on expired handle, deferring delete",
				"queue", mc.identifier, "messageId", entry.messageID, "brokerMessageId", entry.brokerMessageID)
		default:
			slog.Warn("Ack failed", "queue", mc.identifier, "messageId", entry.messageID, "error", err)
		}

	case pool.VerdictNack:
		delay := time.Duration(verdict.DelaySeconds) * time.Second
		if err := consumer.Nack(ctx, handle, delay); err != nil && !errors.Is(err, queue.ErrReceiptHandleExpired) {
			slog.Warn("Nack failed", "queue", mc.identifier, "messageId", entry.messageID, "error", err)
		}
		metrics.QueueVerdicts.WithLabelValues(mc.identifier, "nack").Inc()
	}
}

// nackAll nacks a slice of polled messages that were never dispatched.
func (qm *QueueManager) nackAll(mc *managedConsumer, msgs []*queue.QueuedMessage, delay time.Duration) {
	consumer := mc.current()
	for _, msg := range msgs {
		if err := consumer.Nack(qm.ctx, msg.ReceiptHandle, delay); err != nil && !errors.Is(err, queue.ErrReceiptHandleExpired) {
			slog.Warn("Batch nack failed", "queue", mc.identifier, "messageId", msg.ID, "error", err)
		}
		metrics.QueueVerdicts.WithLabelValues(mc.identifier, "nack").Inc()
	}
}

func pipelineKey(queueIdentifier, messageID string) string {
	return queueIdentifier + ":" + messageID
}

// getOrCreatePool returns the pool for a code, creating it on first use
// subject to the hard cap.
func (qm *QueueManager) getOrCreatePool(code string) (*pool.ProcessPool, error) {
	qm.poolMu.RLock()
	p, ok := qm.pools[code]
	qm.poolMu.RUnlock()
	if ok {
		return p, nil
	}

	return qm.createPool(pool.Config{Code: code, Concurrency: defaultPoolConcurrency})
}

const defaultPoolConcurrency = 20

func (qm *QueueManager) createPool(cfg pool.Config) (*pool.ProcessPool, error) {
	qm.poolMu.Lock()
	defer qm.poolMu.Unlock()

	if p, ok := qm.pools[cfg.Code]; ok {
		return p, nil
	}
	if len(qm.pools) >= qm.maxPools {
		return nil, fmt.Errorf("pool limit reached (%d)", qm.maxPools)
	}

	p, err := pool.New(cfg, qm.mediator)
	if err != nil {
		return nil, err
	}
	qm.pools[cfg.Code] = p

	if len(qm.pools) >= qm.poolWarningThreshold {
		qm.warn(warning.CategoryConfiguration, warning.SeverityWarning,
			fmt.Sprintf("pool count %d approaching limit %d", len(qm.pools), qm.maxPools))
	}
	return p, nil
}

// ReloadConfig applies a new pool set: unchanged pools are untouched,
// concurrency deltas adjust semaphores, rate-limit changes swap buckets
// in place, removed pools drain, and new pools are created.
func (qm *QueueManager) ReloadConfig(cfg *model.RouterConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil router config")
	}

	desired := make(map[string]model.PoolDefinition, len(cfg.ProcessingPools))
	for _, def := range cfg.ProcessingPools {
		if def.Code == "" || def.Concurrency < 1 {
			qm.warn(warning.CategoryConfiguration, warning.SeverityWarning,
				fmt.Sprintf("ignoring invalid pool definition %q (concurrency %d)", def.Code, def.Concurrency))
			continue
		}
		desired[def.Code] = def
	}

	qm.poolMu.Lock()
	defer qm.poolMu.Unlock()

	// Removed pools: stop admission, keep until drained.
	for code, p := range qm.pools {
		if _, keep := desired[code]; !keep {
			p.Drain()
			qm.drainingPools[code] = p
			delete(qm.pools, code)
			slog.Info("Pool removed from config, draining", "pool", code)
		}
	}

	for code, def := range desired {
		if p, ok := qm.pools[code]; ok {
			stats := p.Stats()
			if stats.Concurrency != def.Concurrency {
				if err := p.UpdateConcurrency(def.Concurrency); err != nil {
					qm.warn(warning.CategoryConfiguration, warning.SeverityError,
						fmt.Sprintf("pool %s concurrency update failed: %v", code, err))
				}
			}
			if !rateEqual(stats.RateLimitPerMinute, def.RateLimitPerMinute) {
				p.UpdateRateLimit(def.RateLimitPerMinute)
			}
			continue
		}

		// A draining pool re-added to config keeps draining; the new pool
		// takes over admission under the same code once created.
		if len(qm.pools) >= qm.maxPools {
			qm.warn(warning.CategoryConfiguration, warning.SeverityError,
				fmt.Sprintf("cannot create pool %s: pool limit reached (%d)", code, qm.maxPools))
			continue
		}
		p, err := pool.New(pool.Config{
			Code:               code,
			Concurrency:        def.Concurrency,
			RateLimitPerMinute: def.RateLimitPerMinute,
		}, qm.mediator)
		if err != nil {
			qm.warn(warning.CategoryConfiguration, warning.SeverityError,
				fmt.Sprintf("pool %s creation failed: %v", code, err))
			continue
		}
		qm.pools[code] = p
	}

	slog.Info("Router config reloaded", "pools", len(qm.pools), "draining", len(qm.drainingPools))
	return nil
}

func rateEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// runDrainSweeper reaps draining pools once empty.
func (qm *QueueManager) runDrainSweeper() {
	defer qm.taskWG.Done()

	ticker := time.NewTicker(drainSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			qm.poolMu.Lock()
			for code, p := range qm.drainingPools {
				if p.IsFullyDrained() {
					p.Shutdown()
					delete(qm.drainingPools, code)
					slog.Info("Drained pool reaped", "pool", code)
				}
			}
			qm.poolMu.Unlock()
		case <-qm.ctx.Done():
			return
		}
	}
}

// runVisibilityExtender keeps long-running deliveries invisible to other
// pollers by extending entries that have been in flight for a while.
func (qm *QueueManager) runVisibilityExtender() {
	defer qm.taskWG.Done()

	ticker := time.NewTicker(visibilityExtendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			qm.extendLongRunning()
		case <-qm.ctx.Done():
			return
		}
	}
}

func (qm *QueueManager) extendLongRunning() {
	now := time.Now()
	extended := 0

	qm.inPipeline.Range(func(_, v any) bool {
		entry := v.(*inFlightEntry)
		if now.Sub(entry.startedAt) < visibilityExtendAge {
			return true
		}

		qm.consumerMu.RLock()
		mc, ok := qm.consumers[entry.queueIdentifier]
		qm.consumerMu.RUnlock()
		if !ok {
			return true
		}

		ctx, cancel := context.WithTimeout(qm.ctx, 10*time.Second)
		err := mc.current().ExtendVisibility(ctx, entry.handle(), visibilityExtendSeconds)
		cancel()
		if err != nil && !errors.Is(err, queue.ErrReceiptHandleExpired) {
			slog.Warn("Visibility extension failed", "queue", entry.queueIdentifier, "messageId", entry.messageID, "error", err)
			return true
		}
		if err == nil {
			extended++
			metrics.QueueVerdicts.WithLabelValues(entry.queueIdentifier, "extend").Inc()
		}
		return true
	})

	if extended > 0 {
		slog.Debug("Extended visibility for long-running messages", "count", extended)
	}
}

// runMemoryMonitor sizes the pipeline map and raises Resource warnings on
// runaway growth (a leak means verdicts are not cleaning up entries).
func (qm *QueueManager) runMemoryMonitor() {
	defer qm.taskWG.Done()

	ticker := time.NewTicker(memoryMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			size := qm.inFlightCount()
			metrics.PipelineMapSize.Set(float64(size))

			capacity := qm.totalPoolCapacity()
			metrics.PipelineTotalCapacity.Set(float64(capacity))

			if size > MemoryWarningThreshold {
				qm.warn(warning.CategoryResource, warning.SeverityCritical,
					fmt.Sprintf("in-flight pipeline holds %d messages (threshold %d)", size, MemoryWarningThreshold))
			} else if capacity > 0 && size > capacity {
				qm.warn(warning.CategoryResource, warning.SeverityWarning,
					fmt.Sprintf("in-flight pipeline (%d) exceeds total pool capacity (%d), possible leak", size, capacity))
			}
		case <-qm.ctx.Done():
			return
		}
	}
}

func (qm *QueueManager) inFlightCount() int {
	count := 0
	qm.inPipeline.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (qm *QueueManager) totalPoolCapacity() int {
	qm.poolMu.RLock()
	defer qm.poolMu.RUnlock()

	total := 0
	for _, p := range qm.pools {
		total += p.Stats().QueueCapacity
	}
	return total
}

// runStallDetector restarts consumers that report unhealthy or have gone
// quiet, up to MaxConsumerRestarts each.
func (qm *QueueManager) runStallDetector() {
	defer qm.taskWG.Done()

	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			qm.checkConsumers()
		case <-qm.ctx.Done():
			return
		}
	}
}

func (qm *QueueManager) checkConsumers() {
	// Standby instances legitimately poll nothing.
	if qm.paused.Load() || (qm.standby != nil && !qm.standby.ShouldProcess()) {
		return
	}

	qm.consumerMu.RLock()
	consumers := make([]*managedConsumer, 0, len(qm.consumers))
	for _, mc := range qm.consumers {
		consumers = append(consumers, mc)
	}
	qm.consumerMu.RUnlock()

	for _, mc := range consumers {
		healthy := mc.current().IsHealthy()
		stale := mc.idleFor() > stallThreshold

		if healthy && !stale {
			if mc.restartCount.Load() > 0 {
				slog.Info("Consumer recovered, clearing restart counter", "queue", mc.identifier)
				mc.restartCount.Store(0)
			}
			continue
		}

		metrics.ConsumerStallEvents.WithLabelValues(mc.identifier).Inc()
		restarts := mc.restartCount.Load()
		if restarts >= MaxConsumerRestarts {
			qm.warn(warning.CategoryConsumerHealth, warning.SeverityCritical,
				fmt.Sprintf("consumer %s stalled after %d restarts, giving up", mc.identifier, restarts))
			continue
		}

		qm.restartConsumer(mc)
	}
}

func (qm *QueueManager) restartConsumer(mc *managedConsumer) {
	if mc.factory == nil {
		qm.warn(warning.CategoryConsumerHealth, warning.SeverityError,
			fmt.Sprintf("consumer %s stalled and no factory is configured", mc.identifier))
		return
	}

	attempt := mc.restartCount.Add(1)
	qm.warn(warning.CategoryConsumerHealth, warning.SeverityWarning,
		fmt.Sprintf("restarting stalled consumer %s (attempt %d/%d)", mc.identifier, attempt, MaxConsumerRestarts))

	ctx, cancel := context.WithTimeout(qm.ctx, 30*time.Second)
	defer cancel()

	replacement, err := mc.factory(ctx)
	if err != nil {
		qm.warn(warning.CategoryConsumerHealth, warning.SeverityError,
			fmt.Sprintf("consumer %s restart failed: %v", mc.identifier, err))
		return
	}

	old := mc.current()
	mc.replace(replacement)
	mc.touch()
	old.Stop()

	metrics.ConsumerRestarts.WithLabelValues(mc.identifier).Inc()
	slog.Info("Consumer restarted", "queue", mc.identifier, "attempt", attempt)
}

// runWarningCleanup evicts acknowledged and aged warnings.
func (qm *QueueManager) runWarningCleanup() {
	defer qm.taskWG.Done()

	ticker := time.NewTicker(warningCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if qm.warnings != nil {
				qm.warnings.Cleanup(warningMaxAge)
			}
		case <-qm.ctx.Done():
			return
		}
	}
}

// runHealthReporter logs an aggregate snapshot and refreshes broker depth
// gauges.
func (qm *QueueManager) runHealthReporter() {
	defer qm.taskWG.Done()

	ticker := time.NewTicker(healthReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			qm.reportHealth()
		case <-qm.ctx.Done():
			return
		}
	}
}

func (qm *QueueManager) reportHealth() {
	stats := qm.PoolStats()
	inFlight := qm.inFlightCount()

	var queued, active int
	for _, s := range stats {
		queued += s.QueueDepth
		active += s.ActiveWorkers
	}

	qm.consumerMu.RLock()
	for _, mc := range qm.consumers {
		ctx, cancel := context.WithTimeout(qm.ctx, 5*time.Second)
		if m, err := mc.current().Metrics(ctx); err == nil && m != nil {
			metrics.QueuePending.WithLabelValues(mc.identifier).Set(float64(m.Pending))
			metrics.QueueInFlight.WithLabelValues(mc.identifier).Set(float64(m.InFlight))
		}
		cancel()
	}
	qm.consumerMu.RUnlock()

	slog.Info("Router health", "pools", len(stats), "queued", queued, "activeWorkers", active, "inFlight", inFlight)
}

func (qm *QueueManager) warn(category, severity, message string) {
	if qm.warnings != nil {
		qm.warnings.AddWarning(category, severity, message, "queue-manager")
	}
}

// PoolStats returns stats for all active pools.
func (qm *QueueManager) PoolStats() []pool.Stats {
	qm.poolMu.RLock()
	defer qm.poolMu.RUnlock()

	out := make([]pool.Stats, 0, len(qm.pools))
	for _, p := range qm.pools {
		out = append(out, p.Stats())
	}
	return out
}

// DrainingPoolStats returns stats for pools still draining after removal.
func (qm *QueueManager) DrainingPoolStats() []pool.Stats {
	qm.poolMu.RLock()
	defer qm.poolMu.RUnlock()

	out := make([]pool.Stats, 0, len(qm.drainingPools))
	for _, p := range qm.drainingPools {
		out = append(out, p.Stats())
	}
	return out
}

// ConsumerStatus describes one consumer for monitoring.
type ConsumerStatus struct {
	Queue        string    `json:"queue"`
	Healthy      bool      `json:"healthy"`
	LastActivity time.Time `json:"lastActivity"`
	Restarts     int       `json:"restarts"`
}

// ConsumerStatuses returns monitoring info for all consumers.
func (qm *QueueManager) ConsumerStatuses() []ConsumerStatus {
	qm.consumerMu.RLock()
	defer qm.consumerMu.RUnlock()

	out := make([]ConsumerStatus, 0, len(qm.consumers))
	for _, mc := range qm.consumers {
		out = append(out, ConsumerStatus{
			Queue:        mc.identifier,
			Healthy:      mc.current().IsHealthy(),
			LastActivity: time.Unix(0, mc.lastActivity.Load()),
			Restarts:     int(mc.restartCount.Load()),
		})
	}
	return out
}

// InFlightCount exposes the pipeline size for monitoring.
func (qm *QueueManager) InFlightCount() int { return qm.inFlightCount() }

// Healthy reports whether all consumers are healthy.
func (qm *QueueManager) Healthy() bool {
	qm.consumerMu.RLock()
	defer qm.consumerMu.RUnlock()

	for _, mc := range qm.consumers {
		if !mc.current().IsHealthy() {
			return false
		}
	}
	return true
}

// Shutdown stops polling, drains pools, and waits for outstanding
// verdicts. Messages still queued are nacked back to the broker.
func (qm *QueueManager) Shutdown(ctx context.Context) error {
	if !qm.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("Queue manager shutting down")

	// Cancel loops and pools; queued tasks are nacked through their
	// verdict channels, which the verdict goroutines then apply. The
	// consumers themselves are stopped last so those verdicts can still
	// reach the broker.
	qm.cancel()
	qm.pollWG.Wait()

	qm.poolMu.Lock()
	for _, p := range qm.pools {
		p.Shutdown()
	}
	for _, p := range qm.drainingPools {
		p.Shutdown()
	}
	qm.poolMu.Unlock()

	done := make(chan struct{})
	go func() {
		qm.verdictWG.Wait()
		qm.taskWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		slog.Info("Queue manager shut down cleanly")
	case <-ctx.Done():
		err = fmt.Errorf("queue manager shutdown timed out: %w", ctx.Err())
	}

	qm.consumerMu.RLock()
	for _, mc := range qm.consumers {
		mc.current().Stop()
	}
	qm.consumerMu.RUnlock()

	return err
}
