package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/router/internal/router/model"
)

// memoryRepository is an in-memory Repository for processor tests.
type memoryRepository struct {
	mu    sync.Mutex
	items map[string]*Item
	order []string
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{items: make(map[string]*Item)}
}

func (r *memoryRepository) CreateSchema(ctx context.Context) error { return nil }

func (r *memoryRepository) Insert(ctx context.Context, item *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *item
	r.items[item.ID] = &copied
	r.order = append(r.order, item.ID)
	return nil
}

func (r *memoryRepository) FetchPending(ctx context.Context, limit int) ([]*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Item
	for _, id := range r.order {
		item := r.items[id]
		if item.Status != StatusPending {
			continue
		}
		copied := *item
		out = append(out, &copied)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) MarkProcessing(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if item, ok := r.items[id]; ok && item.Status == StatusPending {
			item.Status = StatusProcessing
			item.ProcessedAt = &now
		}
	}
	return nil
}

func (r *memoryRepository) MarkCompleted(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.Status = StatusCompleted
			item.ProcessedAt = &now
		}
	}
	return nil
}

func (r *memoryRepository) MarkFailed(ctx context.Context, ids []string, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.Status = StatusFailed
			item.ErrorMessage = errorMessage
		}
	}
	return nil
}

func (r *memoryRepository) IncrementRetry(ctx context.Context, ids []string, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.Status = StatusPending
			item.RetryCount++
			item.ErrorMessage = errorMessage
		}
	}
	return nil
}

func (r *memoryRepository) FetchStuck(ctx context.Context, olderThan time.Duration) ([]*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Item
	for _, id := range r.order {
		item := r.items[id]
		if item.Status == StatusProcessing {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memoryRepository) ResetStuck(ctx context.Context, ids []string) error {
	return r.setStatus(ids, StatusPending)
}

func (r *memoryRepository) CountPending(ctx context.Context) (map[ItemType]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[ItemType]int64)
	for _, item := range r.items {
		if item.Status == StatusPending {
			counts[item.ItemType]++
		}
	}
	return counts, nil
}

func (r *memoryRepository) Close() error { return nil }

func (r *memoryRepository) setStatus(ids []string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.Status = status
		}
	}
	return nil
}

func (r *memoryRepository) get(id string) Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.items[id]
}

// recordingPublisher captures published messages and can fail on
// selected message ids.
type recordingPublisher struct {
	mu        sync.Mutex
	published []*model.Message
	failIDs   map[string]bool
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{failIDs: make(map[string]bool)}
}

func (p *recordingPublisher) Publish(ctx context.Context, msg *model.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failIDs[msg.ID] {
		return "", errors.New("broker unavailable")
	}
	p.published = append(p.published, msg)
	return "broker-" + msg.ID, nil
}

func (p *recordingPublisher) PublishBatch(ctx context.Context, msgs []*model.Message) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		id, err := p.Publish(ctx, msg)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) publishedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.published))
	for i, msg := range p.published {
		ids[i] = msg.ID
	}
	return ids
}

func newTestProcessor(repo Repository, pub *recordingPublisher) *Processor {
	return NewProcessor(repo, pub, &ProcessorConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    50,
		MaxRetries:   3,
	}, nil)
}

func seedItem(t *testing.T, repo *memoryRepository, id, group string) *Item {
	t.Helper()
	item := &Item{
		ID:              id,
		ItemType:        ItemTypeDispatchJob,
		PoolCode:        "POOL-A",
		MediationType:   "HTTP",
		MediationTarget: "https://target.example.com/hook",
		MessageGroup:    group,
		Payload:         []byte(`{"order":"123"}`),
		Status:          StatusPending,
		CreatedAt:       time.Now(),
	}
	if err := repo.Insert(context.Background(), item); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	return item
}

func TestPollOnce_PublishesAndCompletes(t *testing.T) {
	repo := newMemoryRepository()
	pub := newRecordingPublisher()
	seedItem(t, repo, "item-1", "group-a")
	seedItem(t, repo, "item-2", "group-a")

	proc := newTestProcessor(repo, pub)
	proc.pollOnce(context.Background())

	got := pub.publishedIDs()
	if len(got) != 2 || got[0] != "item-1" || got[1] != "item-2" {
		t.Fatalf("Expected ordered publish of item-1, item-2, got %v", got)
	}
	for _, id := range []string{"item-1", "item-2"} {
		item := repo.get(id)
		if item.Status != StatusCompleted {
			t.Errorf("Item %s status = %s, want COMPLETED", id, item.Status)
		}
		if item.ProcessedAt == nil {
			t.Errorf("Item %s has no processed_at", id)
		}
	}
}

func TestPollOnce_GroupOrderPreservedAcrossFailure(t *testing.T) {
	repo := newMemoryRepository()
	pub := newRecordingPublisher()
	seedItem(t, repo, "item-1", "group-a")
	seedItem(t, repo, "item-2", "group-a")
	seedItem(t, repo, "item-3", "group-a")
	pub.failIDs["item-2"] = true

	proc := newTestProcessor(repo, pub)
	proc.pollOnce(context.Background())

	if got := pub.publishedIDs(); len(got) != 1 || got[0] != "item-1" {
		t.Fatalf("Expected only item-1 published, got %v", got)
	}

	// The failed item goes back to PENDING with a retry charged; the
	// item behind it goes back untouched.
	failed := repo.get("item-2")
	if failed.Status != StatusPending || failed.RetryCount != 1 {
		t.Errorf("item-2 status=%s retries=%d, want PENDING with 1 retry", failed.Status, failed.RetryCount)
	}
	blocked := repo.get("item-3")
	if blocked.Status != StatusPending || blocked.RetryCount != 0 {
		t.Errorf("item-3 status=%s retries=%d, want PENDING with 0 retries", blocked.Status, blocked.RetryCount)
	}

	// Next poll with the broker back publishes the rest in order.
	delete(pub.failIDs, "item-2")
	proc.pollOnce(context.Background())

	want := []string{"item-1", "item-2", "item-3"}
	got := pub.publishedIDs()
	if len(got) != len(want) {
		t.Fatalf("Expected %v published, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Publish order %v, want %v", got, want)
		}
	}
}

func TestPollOnce_IndependentGroupsUnaffectedByFailure(t *testing.T) {
	repo := newMemoryRepository()
	pub := newRecordingPublisher()
	seedItem(t, repo, "item-a1", "group-a")
	seedItem(t, repo, "item-b1", "group-b")
	pub.failIDs["item-a1"] = true

	proc := newTestProcessor(repo, pub)
	proc.pollOnce(context.Background())

	if got := pub.publishedIDs(); len(got) != 1 || got[0] != "item-b1" {
		t.Fatalf("Expected group-b to publish despite group-a failure, got %v", got)
	}
}

func TestHandleFailure_MarksFailedAfterMaxRetries(t *testing.T) {
	repo := newMemoryRepository()
	pub := newRecordingPublisher()
	seedItem(t, repo, "item-1", "group-a")
	pub.failIDs["item-1"] = true

	proc := newTestProcessor(repo, pub)

	// MaxRetries is 3: two polls re-pend the item, the third fails it.
	for i := 0; i < 3; i++ {
		proc.pollOnce(context.Background())
	}

	item := repo.get("item-1")
	if item.Status != StatusFailed {
		t.Fatalf("Item status = %s after max retries, want FAILED", item.Status)
	}
	if item.ErrorMessage == "" {
		t.Error("Expected error message on failed item")
	}

	// Failed items stay dead on subsequent polls.
	proc.pollOnce(context.Background())
	if got := pub.publishedIDs(); len(got) != 0 {
		t.Errorf("Expected no publishes for failed item, got %v", got)
	}
}

func TestRecoverStuck_ResetsProcessingItems(t *testing.T) {
	repo := newMemoryRepository()
	pub := newRecordingPublisher()
	item := seedItem(t, repo, "item-1", "group-a")
	if err := repo.MarkProcessing(context.Background(), []string{item.ID}); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	proc := newTestProcessor(repo, pub)
	proc.recoverStuck(context.Background())

	if got := repo.get("item-1"); got.Status != StatusPending {
		t.Fatalf("Stuck item status = %s, want PENDING", got.Status)
	}

	// Recovered item publishes on the next poll.
	proc.pollOnce(context.Background())
	if got := pub.publishedIDs(); len(got) != 1 || got[0] != "item-1" {
		t.Fatalf("Expected recovered item published, got %v", got)
	}
}

func TestItemsWithoutGroupPublishIndependently(t *testing.T) {
	repo := newMemoryRepository()
	pub := newRecordingPublisher()
	seedItem(t, repo, "item-1", "")
	seedItem(t, repo, "item-2", "")
	pub.failIDs["item-1"] = true

	proc := newTestProcessor(repo, pub)
	proc.pollOnce(context.Background())

	// Ungrouped items form singleton groups: one failing must not hold
	// back the other.
	if got := pub.publishedIDs(); len(got) != 1 || got[0] != "item-2" {
		t.Fatalf("Expected item-2 published, got %v", got)
	}
}

func TestGroupItems(t *testing.T) {
	items := []*Item{
		{ID: "1", MessageGroup: "a"},
		{ID: "2", MessageGroup: "b"},
		{ID: "3", MessageGroup: "a"},
		{ID: "4", MessageGroup: ""},
		{ID: "5", MessageGroup: ""},
	}

	groups := groupItems(items)
	if len(groups) != 4 {
		t.Fatalf("Expected 4 groups, got %d", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0].ID != "1" || groups[0][1].ID != "3" {
		t.Errorf("Group a = %v, want items 1 and 3 in order", groupIDs(groups[0]))
	}
	if len(groups[2]) != 1 || len(groups[3]) != 1 {
		t.Errorf("Ungrouped items should be singletons, got %d and %d", len(groups[2]), len(groups[3]))
	}
}

func TestToMessage(t *testing.T) {
	item := NewItem(ItemTypeDispatchJob, "group-a", []byte(`{"k":"v"}`))
	item.PoolCode = "POOL-A"
	item.MediationType = "HTTP"
	item.MediationTarget = "https://target.example.com/hook"

	msg := item.ToMessage()
	if msg.ID != item.ID {
		t.Errorf("Message id = %s, want %s", msg.ID, item.ID)
	}
	if msg.MessageGroupID != "group-a" || msg.PoolCode != "POOL-A" {
		t.Errorf("Message group/pool = %s/%s", msg.MessageGroupID, msg.PoolCode)
	}
	if err := msg.Validate(); err != nil {
		t.Errorf("Converted message invalid: %v", err)
	}
}

func groupIDs(items []*Item) string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return fmt.Sprint(ids)
}
