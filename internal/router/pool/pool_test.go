package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/router/internal/router/model"
)

// scriptedMediator returns a fixed outcome per message ID and records
// the order messages arrive in.
type scriptedMediator struct {
	mu       sync.Mutex
	outcomes map[string]*MediationOutcome
	order    []string
	delay    time.Duration
}

func newScriptedMediator() *scriptedMediator {
	return &scriptedMediator{outcomes: make(map[string]*MediationOutcome)}
}

func (m *scriptedMediator) Mediate(ctx context.Context, msg *model.Message) *MediationOutcome {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, msg.ID)
	if outcome, ok := m.outcomes[msg.ID]; ok {
		return outcome
	}
	return &MediationOutcome{Result: Success}
}

func (m *scriptedMediator) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func newTestPool(t *testing.T, cfg Config, mediator Mediator) *ProcessPool {
	t.Helper()
	p, err := New(cfg, mediator)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func newTask(id, group string, batchID int64) (*Task, chan Verdict) {
	ch := make(chan Verdict, 1)
	return &Task{
		Message: &model.Message{
			ID:              id,
			MessageGroupID:  group,
			MediationType:   "HTTP",
			MediationTarget: "http://localhost/hook",
		},
		BatchID: batchID,
		Verdict: ch,
	}, ch
}

func awaitVerdict(t *testing.T, ch chan Verdict) Verdict {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for verdict")
		return Verdict{}
	}
}

func TestSubmitSuccessAcks(t *testing.T) {
	med := newScriptedMediator()
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 2}, med)

	task, ch := newTask("msg-1", "", 1)
	p.Submit(task)

	v := awaitVerdict(t, ch)
	if v.Type != VerdictAck {
		t.Fatalf("verdict = %v, want ack", v.Type)
	}
}

func TestGroupOrderPreserved(t *testing.T) {
	med := newScriptedMediator()
	med.delay = 5 * time.Millisecond
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 8}, med)

	const n = 10
	chans := make([]chan Verdict, n)
	for i := 0; i < n; i++ {
		task, ch := newTask(fmt.Sprintf("msg-%d", i), "group-a", 1)
		chans[i] = ch
		p.Submit(task)
	}
	for i := 0; i < n; i++ {
		if v := awaitVerdict(t, chans[i]); v.Type != VerdictAck {
			t.Fatalf("msg-%d: verdict = %v, want ack", i, v.Type)
		}
	}

	seen := med.seen()
	if len(seen) != n {
		t.Fatalf("mediated %d messages, want %d", len(seen), n)
	}
	for i, id := range seen {
		if want := fmt.Sprintf("msg-%d", i); id != want {
			t.Fatalf("position %d saw %s, want %s", i, id, want)
		}
	}
}

func TestBatchGroupCascadeNack(t *testing.T) {
	med := newScriptedMediator()
	med.outcomes["msg-1"] = &MediationOutcome{Result: ErrorProcess, ErrorMessage: "endpoint 500"}
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 2}, med)

	t1, ch1 := newTask("msg-1", "group-a", 7)
	t2, ch2 := newTask("msg-2", "group-a", 7)
	t3, ch3 := newTask("msg-3", "group-a", 7)
	p.Submit(t1)
	p.Submit(t2)
	p.Submit(t3)

	if v := awaitVerdict(t, ch1); v.Type != VerdictNack || v.DelaySeconds != model.DefaultDelaySeconds {
		t.Fatalf("msg-1 verdict = %+v, want nack with default delay", v)
	}
	for i, ch := range []chan Verdict{ch2, ch3} {
		v := awaitVerdict(t, ch)
		if v.Type != VerdictNack || v.DelaySeconds != CascadeNackDelay {
			t.Fatalf("msg-%d verdict = %+v, want cascade nack", i+2, v)
		}
	}

	// Only the failing message should have reached the mediator.
	if seen := med.seen(); len(seen) != 1 || seen[0] != "msg-1" {
		t.Fatalf("mediated %v, want [msg-1]", seen)
	}
}

func TestCascadeClearsWhenBatchDrains(t *testing.T) {
	med := newScriptedMediator()
	med.outcomes["msg-1"] = &MediationOutcome{Result: ErrorConnection}
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 2}, med)

	t1, ch1 := newTask("msg-1", "group-a", 7)
	p.Submit(t1)
	if v := awaitVerdict(t, ch1); v.Type != VerdictNack || v.DelaySeconds != ConnectionNackDelay {
		t.Fatalf("msg-1 verdict = %+v, want connection nack", v)
	}

	// Redelivery arrives in a new batch and must not inherit the mark.
	med.mu.Lock()
	delete(med.outcomes, "msg-1")
	med.mu.Unlock()

	t2, ch2 := newTask("msg-1", "group-a", 8)
	p.Submit(t2)
	if v := awaitVerdict(t, ch2); v.Type != VerdictAck {
		t.Fatalf("redelivered verdict = %v, want ack", v.Type)
	}
}

func TestIndependentGroupsUnaffectedByFailure(t *testing.T) {
	med := newScriptedMediator()
	med.outcomes["msg-a"] = &MediationOutcome{Result: ErrorProcess}
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 4}, med)

	ta, cha := newTask("msg-a", "group-a", 1)
	tb, chb := newTask("msg-b", "group-b", 1)
	p.Submit(ta)
	p.Submit(tb)

	if v := awaitVerdict(t, cha); v.Type != VerdictNack {
		t.Fatalf("msg-a verdict = %v, want nack", v.Type)
	}
	if v := awaitVerdict(t, chb); v.Type != VerdictAck {
		t.Fatalf("msg-b verdict = %v, want ack", v.Type)
	}
}

func TestPoisonMessageAcked(t *testing.T) {
	med := newScriptedMediator()
	med.outcomes["msg-1"] = &MediationOutcome{Result: ErrorConfig, ErrorMessage: "unknown mediation type"}
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 2}, med)

	task, ch := newTask("msg-1", "group-a", 1)
	p.Submit(task)

	if v := awaitVerdict(t, ch); v.Type != VerdictAck {
		t.Fatalf("poison verdict = %v, want ack", v.Type)
	}

	// The group must not be cascade-marked by a poison ack.
	t2, ch2 := newTask("msg-2", "group-a", 1)
	p.Submit(t2)
	if v := awaitVerdict(t, ch2); v.Type != VerdictAck {
		t.Fatalf("follow-up verdict = %v, want ack", v.Type)
	}
}

func TestProcessDelayClamped(t *testing.T) {
	huge := 999999
	med := newScriptedMediator()
	med.outcomes["msg-1"] = &MediationOutcome{Result: ErrorProcess, DelaySeconds: &huge}
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 1}, med)

	task, ch := newTask("msg-1", "", 1)
	p.Submit(task)

	v := awaitVerdict(t, ch)
	if v.Type != VerdictNack || v.DelaySeconds != model.MaxDelaySeconds {
		t.Fatalf("verdict = %+v, want nack clamped to %d", v, model.MaxDelaySeconds)
	}
}

func TestRateLimitRejection(t *testing.T) {
	limit := 60 // 1/s, burst 1
	med := newScriptedMediator()
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 2, RateLimitPerMinute: &limit}, med)

	t1, ch1 := newTask("msg-1", "group-a", 1)
	t2, ch2 := newTask("msg-2", "group-a", 1)
	p.Submit(t1)
	p.Submit(t2)

	if v := awaitVerdict(t, ch1); v.Type != VerdictAck {
		t.Fatalf("msg-1 verdict = %v, want ack", v.Type)
	}
	v := awaitVerdict(t, ch2)
	if v.Type != VerdictNack || v.DelaySeconds != RateNackDelay {
		t.Fatalf("msg-2 verdict = %+v, want rate-limit nack", v)
	}
}

func TestRateLimitWouldReject(t *testing.T) {
	limit := 60
	med := newScriptedMediator()
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 2, RateLimitPerMinute: &limit}, med)

	if p.RateLimitWouldReject(1) {
		t.Fatal("fresh bucket should admit one message")
	}
	if !p.RateLimitWouldReject(100) {
		t.Fatal("burst of 100 should be refused at 60/min")
	}

	unlimited := newTestPool(t, Config{Code: "OPEN", Concurrency: 2}, med)
	if unlimited.RateLimitWouldReject(100000) {
		t.Fatal("unlimited pool must never reject")
	}
}

func TestDrainRejectsNewWork(t *testing.T) {
	med := newScriptedMediator()
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 2}, med)

	p.Drain()
	if !p.IsDraining() {
		t.Fatal("IsDraining = false after Drain")
	}

	task, ch := newTask("msg-1", "", 1)
	p.Submit(task)
	v := awaitVerdict(t, ch)
	if v.Type != VerdictNack || v.DelaySeconds != CapacityNackDelay {
		t.Fatalf("verdict = %+v, want drain nack", v)
	}
	if !p.IsFullyDrained() {
		t.Fatal("IsFullyDrained = false with nothing queued")
	}
}

func TestUpdateConcurrency(t *testing.T) {
	med := newScriptedMediator()
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 2}, med)

	if err := p.UpdateConcurrency(5); err != nil {
		t.Fatalf("UpdateConcurrency(5): %v", err)
	}
	if got := p.Stats().Concurrency; got != 5 {
		t.Fatalf("concurrency = %d, want 5", got)
	}

	if err := p.UpdateConcurrency(0); err == nil {
		t.Fatal("UpdateConcurrency(0) should fail")
	}
	if err := p.UpdateConcurrency(maxPermits + 1); err == nil {
		t.Fatal("UpdateConcurrency above maximum should fail")
	}
}

func TestConcurrencyReductionStillProcesses(t *testing.T) {
	med := newScriptedMediator()
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 10}, med)

	if err := p.UpdateConcurrency(1); err != nil {
		t.Fatalf("UpdateConcurrency(1): %v", err)
	}

	for i := 0; i < 5; i++ {
		task, ch := newTask(fmt.Sprintf("msg-%d", i), "", 1)
		p.Submit(task)
		if v := awaitVerdict(t, ch); v.Type != VerdictAck {
			t.Fatalf("msg-%d verdict = %v, want ack", i, v.Type)
		}
	}
}

// gaugedMediator blocks calls on a gate and tracks the peak number of
// simultaneous mediations.
type gaugedMediator struct {
	gate    chan struct{}
	current atomic.Int32
	peak    atomic.Int32
}

func (m *gaugedMediator) Mediate(ctx context.Context, msg *model.Message) *MediationOutcome {
	cur := m.current.Add(1)
	for {
		peak := m.peak.Load()
		if cur <= peak || m.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	<-m.gate
	m.current.Add(-1)
	return &MediationOutcome{Result: Success}
}

func TestConcurrencyCapAcrossGroups(t *testing.T) {
	const concurrency = 3
	med := &gaugedMediator{gate: make(chan struct{})}
	p := newTestPool(t, Config{Code: "TEST", Concurrency: concurrency}, med)

	// More groups than permits, one message each, so group FIFO never
	// serializes below the permit budget.
	const n = 12
	chans := make([]chan Verdict, n)
	for i := 0; i < n; i++ {
		task, ch := newTask(fmt.Sprintf("msg-%d", i), fmt.Sprintf("group-%d", i), 1)
		chans[i] = ch
		p.Submit(task)
	}

	// All permits should end up blocked inside the mediator.
	deadline := time.Now().Add(5 * time.Second)
	for med.current.Load() < concurrency {
		if time.Now().After(deadline) {
			t.Fatalf("only %d concurrent mediations, want %d", med.current.Load(), concurrency)
		}
		time.Sleep(time.Millisecond)
	}
	close(med.gate)

	for i, ch := range chans {
		if v := awaitVerdict(t, ch); v.Type != VerdictAck {
			t.Fatalf("msg-%d verdict = %v, want ack", i, v.Type)
		}
	}

	if peak := med.peak.Load(); peak != concurrency {
		t.Fatalf("peak concurrent mediations = %d, want exactly %d", peak, concurrency)
	}
}

func TestQueueCapacity(t *testing.T) {
	if got := QueueCapacity(10); got != MinQueueCapacity {
		t.Fatalf("QueueCapacity(10) = %d, want floor %d", got, MinQueueCapacity)
	}
	if got := QueueCapacity(100); got != 1000 {
		t.Fatalf("QueueCapacity(100) = %d, want 1000", got)
	}
}

func TestNewValidation(t *testing.T) {
	med := newScriptedMediator()
	if _, err := New(Config{Code: "", Concurrency: 1}, med); err == nil {
		t.Fatal("empty code should fail")
	}
	if _, err := New(Config{Code: "X", Concurrency: 0}, med); err == nil {
		t.Fatal("zero concurrency should fail")
	}
	if _, err := New(Config{Code: "X", Concurrency: maxPermits + 1}, med); err == nil {
		t.Fatal("excessive concurrency should fail")
	}
}

func TestStats(t *testing.T) {
	limit := 120
	med := newScriptedMediator()
	p := newTestPool(t, Config{Code: "TEST", Concurrency: 3, RateLimitPerMinute: &limit}, med)

	s := p.Stats()
	if s.Code != "TEST" || s.Concurrency != 3 {
		t.Fatalf("stats = %+v", s)
	}
	if s.QueueCapacity != QueueCapacity(3) {
		t.Fatalf("queueCapacity = %d, want %d", s.QueueCapacity, QueueCapacity(3))
	}
	if s.RateLimitPerMinute == nil || *s.RateLimitPerMinute != 120 {
		t.Fatalf("rateLimitPerMinute = %v, want 120", s.RateLimitPerMinute)
	}
}
