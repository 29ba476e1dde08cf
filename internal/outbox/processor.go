package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/queue"
)

const (
	// DefaultPollInterval between outbox polls.
	DefaultPollInterval = 1 * time.Second

	// DefaultBatchSize of items fetched per poll.
	DefaultBatchSize = 50

	// DefaultMaxRetries before an item is marked FAILED.
	DefaultMaxRetries = 5

	// DefaultStuckTimeout after which a PROCESSING item is considered
	// abandoned by a crashed poller.
	DefaultStuckTimeout = 5 * time.Minute

	// DefaultRecoveryInterval between stuck-item sweeps.
	DefaultRecoveryInterval = 1 * time.Minute

	// maxConcurrentGroups bounds how many message groups publish in
	// parallel within one batch. Items within a group always publish
	// sequentially.
	maxConcurrentGroups = 8
)

// Elector gates processing behind a distributed leader lease so only
// one instance publishes. Satisfied by both the Redis and the MongoDB
// electors in internal/common/leader.
type Elector interface {
	Start(ctx context.Context) error
	Stop()
	IsPrimary() bool
	OnBecomeLeader(fn func())
	OnLoseLeadership(fn func())
}

// ProcessorConfig tunes the outbox processor.
type ProcessorConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetries       int
	StuckTimeout     time.Duration
	RecoveryInterval time.Duration
}

// DefaultProcessorConfig returns the production defaults.
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		PollInterval:     DefaultPollInterval,
		BatchSize:        DefaultBatchSize,
		MaxRetries:       DefaultMaxRetries,
		StuckTimeout:     DefaultStuckTimeout,
		RecoveryInterval: DefaultRecoveryInterval,
	}
}

// Processor polls the outbox table and publishes pending items to the
// broker, preserving FIFO order within each message group.
//
// With a leader elector attached, only the instance holding the Redis
// lease polls; standbys idle until they win the lease. Without one, the
// processor assumes it is the only poller.
type Processor struct {
	repo      Repository
	publisher queue.Publisher
	config    *ProcessorConfig
	elector   Elector

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	lastPoll time.Time
}

// NewProcessor creates an outbox processor. elector may be nil for
// single-instance deployments.
func NewProcessor(repo Repository, publisher queue.Publisher, config *ProcessorConfig, elector Elector) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.StuckTimeout <= 0 {
		config.StuckTimeout = DefaultStuckTimeout
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = DefaultRecoveryInterval
	}

	return &Processor{
		repo:      repo,
		publisher: publisher,
		config:    config,
		elector:   elector,
		stopCh:    make(chan struct{}),
	}
}

// Name implements lifecycle.Service.
func (p *Processor) Name() string { return "outbox-processor" }

// Start runs the poll and recovery loops until ctx is cancelled or Stop
// is called. Implements lifecycle.Service.
func (p *Processor) Start(ctx context.Context) error {
	if p.elector != nil {
		p.elector.OnBecomeLeader(func() {
			metrics.OutboxLeaderState.Set(1)
			// Items claimed by the previous leader before it died will
			// never resolve on their own.
			p.recoverStuck(ctx)
		})
		p.elector.OnLoseLeadership(func() {
			metrics.OutboxLeaderState.Set(0)
		})
		if err := p.elector.Start(ctx); err != nil {
			return fmt.Errorf("start leader election: %w", err)
		}
	} else {
		metrics.OutboxLeaderState.Set(1)
		// Sole poller: anything left PROCESSING is from our own crash.
		p.recoverStuck(ctx)
	}

	slog.Info("Outbox processor started",
		"pollInterval", p.config.PollInterval,
		"batchSize", p.config.BatchSize,
		"leaderElection", p.elector != nil)

	p.wg.Add(2)
	go p.pollLoop(ctx)
	go p.recoveryLoop(ctx)

	select {
	case <-ctx.Done():
	case <-p.stopCh:
	}
	return nil
}

// Stop shuts the processor down and waits for in-flight work.
// Implements lifecycle.Service.
func (p *Processor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.elector != nil {
		p.elector.Stop()
	}
	slog.Info("Outbox processor stopped")
	return nil
}

// Health implements lifecycle.Service. A standby instance is healthy
// even though it is not polling.
func (p *Processor) Health() error {
	if !p.shouldProcess() {
		return nil
	}
	p.mu.Lock()
	last := p.lastPoll
	p.mu.Unlock()

	if !last.IsZero() && time.Since(last) > 5*p.config.PollInterval+30*time.Second {
		return fmt.Errorf("outbox poll loop stalled, last poll %s ago", time.Since(last).Round(time.Second))
	}
	return nil
}

func (p *Processor) shouldProcess() bool {
	return p.elector == nil || p.elector.IsPrimary()
}

func (p *Processor) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if !p.shouldProcess() {
				continue
			}
			p.pollOnce(ctx)
		}
	}
}

// pollOnce fetches one batch and publishes it grouped by message group.
func (p *Processor) pollOnce(ctx context.Context) {
	timer := prometheus.NewTimer(metrics.OutboxPollDuration)
	defer timer.ObserveDuration()

	p.mu.Lock()
	p.lastPoll = time.Now()
	p.mu.Unlock()

	items, err := p.repo.FetchPending(ctx, p.config.BatchSize)
	if err != nil {
		slog.Error("Outbox fetch failed", "error", err)
		return
	}
	if len(items) == 0 {
		p.updatePendingGauges(ctx)
		return
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if err := p.repo.MarkProcessing(ctx, ids); err != nil {
		slog.Error("Outbox claim failed", "error", err, "items", len(ids))
		return
	}

	groups := groupItems(items)

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentGroups)
	for _, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(group []*Item) {
			defer wg.Done()
			defer func() { <-sem }()
			p.publishGroup(ctx, group)
		}(group)
	}
	wg.Wait()

	p.updatePendingGauges(ctx)
}

// publishGroup publishes a group's items in order. The first failure
// stops the group: the failed item is retried or failed, and the items
// behind it go back to PENDING untouched so order is preserved.
func (p *Processor) publishGroup(ctx context.Context, group []*Item) {
	for i, item := range group {
		if _, err := p.publisher.Publish(ctx, item.ToMessage()); err != nil {
			slog.Warn("Outbox publish failed",
				"itemId", item.ID,
				"group", item.MessageGroup,
				"retryCount", item.RetryCount,
				"error", err)
			p.handleFailure(ctx, item, err)
			p.releaseRemainder(ctx, group[i+1:])
			return
		}

		if err := p.repo.MarkCompleted(ctx, []string{item.ID}); err != nil {
			// Published but not recorded. The recovery sweep will
			// republish; the broker dedups on item id.
			slog.Error("Outbox completion mark failed", "itemId", item.ID, "error", err)
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(item.ItemType), StatusCompleted.String()).Inc()
	}
}

func (p *Processor) handleFailure(ctx context.Context, item *Item, pubErr error) {
	if item.RetryCount+1 >= p.config.MaxRetries {
		if err := p.repo.MarkFailed(ctx, []string{item.ID}, pubErr.Error()); err != nil {
			slog.Error("Outbox failure mark failed", "itemId", item.ID, "error", err)
			return
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(item.ItemType), StatusFailed.String()).Inc()
		slog.Error("Outbox item failed permanently",
			"itemId", item.ID,
			"group", item.MessageGroup,
			"retries", item.RetryCount+1,
			"error", pubErr)
		return
	}

	if err := p.repo.IncrementRetry(ctx, []string{item.ID}, pubErr.Error()); err != nil {
		slog.Error("Outbox retry mark failed", "itemId", item.ID, "error", err)
	}
}

// releaseRemainder returns unpublished claimed items to PENDING without
// charging them a retry.
func (p *Processor) releaseRemainder(ctx context.Context, rest []*Item) {
	if len(rest) == 0 {
		return
	}
	ids := make([]string, len(rest))
	for i, item := range rest {
		ids[i] = item.ID
	}
	if err := p.repo.ResetStuck(ctx, ids); err != nil {
		slog.Error("Outbox release failed", "items", len(ids), "error", err)
	}
}

func (p *Processor) recoveryLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if !p.shouldProcess() {
				continue
			}
			p.recoverStuck(ctx)
		}
	}
}

// recoverStuck resets PROCESSING items older than the stuck timeout
// back to PENDING. Republishing an already-sent item is harmless: the
// broker deduplicates on the item id.
func (p *Processor) recoverStuck(ctx context.Context) {
	stuck, err := p.repo.FetchStuck(ctx, p.config.StuckTimeout)
	if err != nil {
		slog.Error("Outbox stuck fetch failed", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	ids := make([]string, len(stuck))
	byType := make(map[ItemType]int)
	for i, item := range stuck {
		ids[i] = item.ID
		byType[item.ItemType]++
	}

	if err := p.repo.ResetStuck(ctx, ids); err != nil {
		slog.Error("Outbox stuck reset failed", "items", len(ids), "error", err)
		return
	}

	for itemType, count := range byType {
		metrics.OutboxRecoveredItems.WithLabelValues(string(itemType)).Add(float64(count))
	}
	slog.Warn("Recovered stuck outbox items", "items", len(ids))
}

func (p *Processor) updatePendingGauges(ctx context.Context) {
	counts, err := p.repo.CountPending(ctx)
	if err != nil {
		return
	}
	for _, itemType := range []ItemType{ItemTypeEvent, ItemTypeDispatchJob} {
		metrics.OutboxPendingItems.WithLabelValues(string(itemType)).Set(float64(counts[itemType]))
	}
}

// groupItems splits a batch by message group, preserving the fetch
// order within each group. Items without a group each form their own
// singleton so they never block on one another.
func groupItems(items []*Item) [][]*Item {
	var groups [][]*Item
	index := make(map[string]int)

	for _, item := range items {
		if item.MessageGroup == "" {
			groups = append(groups, []*Item{item})
			continue
		}
		if i, ok := index[item.MessageGroup]; ok {
			groups[i] = append(groups[i], item)
			continue
		}
		index[item.MessageGroup] = len(groups)
		groups = append(groups, []*Item{item})
	}
	return groups
}
