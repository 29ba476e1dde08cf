package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// BatchingConfig controls warning aggregation.
type BatchingConfig struct {
	// MinSeverity is the lowest severity that enters a batch. Anything
	// below it is dropped.
	MinSeverity string

	// BatchWindow is how long warnings accumulate before one summary
	// goes out.
	BatchWindow time.Duration
}

func DefaultBatchingConfig() *BatchingConfig {
	return &BatchingConfig{
		MinSeverity: "WARNING",
		BatchWindow: 5 * time.Minute,
	}
}

// BatchingService collects warnings and periodically forwards one
// summary to its delegate channels. Critical errors and system events
// bypass the batch and go out immediately.
type BatchingService struct {
	delegates []Service
	config    *BatchingConfig

	mu      sync.Mutex
	pending []*Warning
}

func NewBatchingService(delegates []Service, config *BatchingConfig) *BatchingService {
	if config == nil {
		config = DefaultBatchingConfig()
	}
	if config.BatchWindow <= 0 {
		config.BatchWindow = DefaultBatchingConfig().BatchWindow
	}

	slog.Info("Notification batching initialized",
		"minSeverity", config.MinSeverity,
		"batchWindow", config.BatchWindow,
		"delegates", len(delegates))

	return &BatchingService{
		delegates: delegates,
		config:    config,
	}
}

// Run flushes the batch every window until ctx is cancelled, then
// flushes once more so pending warnings are not lost on shutdown.
func (s *BatchingService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SendBatch()
		case <-ctx.Done():
			s.SendBatch()
			return
		}
	}
}

func (s *BatchingService) NotifyWarning(warning *Warning) {
	if !severityAtLeast(warning.Severity, s.config.MinSeverity) {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, warning)
	s.mu.Unlock()
}

func (s *BatchingService) NotifyCriticalError(message, source string) {
	for _, delegate := range s.delegates {
		delegate.NotifyCriticalError(message, source)
	}
}

func (s *BatchingService) NotifySystemEvent(eventType, message string) {
	for _, delegate := range s.delegates {
		delegate.NotifySystemEvent(eventType, message)
	}
}

func (s *BatchingService) IsEnabled() bool {
	return len(s.delegates) > 0
}

// SendBatch drains the pending warnings and sends one summary. A call
// with nothing pending is a no-op.
func (s *BatchingService) SendBatch() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	summary := &Warning{
		Category:  "warning-summary",
		Severity:  highestSeverity(batch),
		Message:   summarize(batch, s.config.BatchWindow),
		Timestamp: time.Now().UTC(),
		Source:    "notification-batcher",
	}

	slog.Info("Sending warning batch summary",
		"count", len(batch),
		"severity", summary.Severity)

	for _, delegate := range s.delegates {
		delegate.NotifyWarning(summary)
	}
}

// highestSeverity returns the most severe level present in the batch.
func highestSeverity(batch []*Warning) string {
	best := batch[0].Severity
	for _, w := range batch[1:] {
		if severityRank(w.Severity) > severityRank(best) {
			best = w.Severity
		}
	}
	return strings.ToUpper(best)
}

// summarize renders per-severity category counts, most severe first.
func summarize(batch []*Warning, window time.Duration) string {
	type key struct{ severity, category string }
	counts := make(map[key]int)
	for _, w := range batch {
		counts[key{strings.ToUpper(w.Severity), w.Category}]++
	}

	keys := make([]key, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].severity != keys[j].severity {
			return severityRank(keys[i].severity) > severityRank(keys[j].severity)
		}
		return keys[i].category < keys[j].category
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d warnings in the last %s\n", len(batch), window)
	lastSeverity := ""
	for _, k := range keys {
		if k.severity != lastSeverity {
			fmt.Fprintf(&b, "\n%s\n", k.severity)
			lastSeverity = k.severity
		}
		fmt.Fprintf(&b, "  %s: %d\n", k.category, counts[k])
	}
	return b.String()
}
