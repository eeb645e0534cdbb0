package recovery

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/sentinel/internal/core/domain"
	"github.com/vietddude/sentinel/internal/infra/storage/memory"
	"github.com/vietddude/sentinel/internal/supervise/backoff"
	"github.com/vietddude/sentinel/internal/supervise/classify"
	"github.com/vietddude/sentinel/internal/supervise/notify"
	"github.com/vietddude/sentinel/internal/supervise/window"
)

// =============================================================================
// Mocks
// =============================================================================

type fakeProc struct {
	mu        sync.Mutex
	starts    int
	stops     int
	kills     int
	running   bool
	startedAt time.Time
	exits     chan domain.ExitEvent
}

func newFakeProc() *fakeProc {
	return &fakeProc{exits: make(chan domain.ExitEvent, 1)}
}

func (p *fakeProc) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.running = true
	p.startedAt = time.Now()
	return nil
}

func (p *fakeProc) Stop(grace time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.running = false
}

func (p *fakeProc) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	p.running = false
}

func (p *fakeProc) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProc) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

func (p *fakeProc) Exits() <-chan domain.ExitEvent { return p.exits }

func (p *fakeProc) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeRepair struct {
	mu     sync.Mutex
	calls  []string
	result domain.RepairResult
	done   chan string // receives the signature when set
}

func (f *fakeRepair) Attempt(ctx context.Context, signature, diagnostic string) domain.RepairResult {
	f.mu.Lock()
	f.calls = append(f.calls, signature)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- signature
	}
	return f.result
}

func (f *fakeRepair) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, message string, severity notify.Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *fakeNotifier) containing(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, m := range n.messages {
		if strings.Contains(m, substr) {
			count++
		}
	}
	return count
}

type fakeWork struct {
	mu      sync.Mutex
	reasons []string
}

func (w *fakeWork) RequestMore(ctx context.Context, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reasons = append(w.reasons, reason)
}

func (w *fakeWork) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.reasons)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	orch     *Orchestrator
	proc     *fakeProc
	repairs  *fakeRepair
	notifier *fakeNotifier
	work     *fakeWork
	clock    *time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		proc:     newFakeProc(),
		repairs:  &fakeRepair{},
		notifier: &fakeNotifier{},
		work:     &fakeWork{},
	}

	bcfg := backoff.DefaultConfig()
	bcfg.MinStartSpacing = time.Second

	h.orch = New(
		cfg,
		h.proc,
		classify.New(classify.DefaultConfig()),
		window.NewTracker(cfg.CrashLoopWindow),
		backoff.NewController(bcfg),
		h.repairs,
		h.notifier,
		h.work,
		memory.NewExitEventRepo(0),
	)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.clock = &now
	h.orch.now = func() time.Time { return *h.clock }
	return h
}

func (h *harness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func crashEvent(runtime time.Duration, logTail string) domain.ExitEvent {
	code := 1
	started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	return domain.ExitEvent{
		ID:        "ev",
		ExitCode:  &code,
		StartedAt: started,
		EndedAt:   started.Add(runtime),
		LogTail:   logTail,
	}
}

func cleanEvent(logTail string) domain.ExitEvent {
	code := 0
	ev := crashEvent(time.Minute, logTail)
	ev.ExitCode = &code
	return ev
}

// =============================================================================
// Benign and clean exits
// =============================================================================

func TestHandleExit_BenignWaitTriggersNoAnalysis(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	ev := crashEvent(2*time.Minute, "Sleeping 10s until next cycle")
	for i := 0; i < 10; i++ {
		h.orch.handleExit(context.Background(), ev)
		h.advance(time.Second)
	}

	if h.repairs.callCount() != 0 {
		t.Errorf("benign exits must never trigger repair, got %d attempts", h.repairs.callCount())
	}
	if n := h.orch.windows.Count(categoryAbnormal, *h.clock); n != 0 {
		t.Errorf("benign exits must not count toward the crash loop, got %d", n)
	}
	if h.orch.backoffs.BreakerOpen(*h.clock) {
		t.Error("benign exits must not trip the breaker")
	}
}

func TestHandleExit_CleanEmptyBacklogRequestsWork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleGrace = 30 * time.Second
	h := newHarness(t, cfg)

	delay, selfRestart := h.orch.handleExit(context.Background(), cleanEvent("Backlog empty, exiting"))

	if selfRestart {
		t.Error("clean exit must not request self-restart")
	}
	if h.work.callCount() != 1 {
		t.Errorf("expected one work request, got %d", h.work.callCount())
	}
	if delay < 30*time.Second {
		t.Errorf("expected at least the idle grace before restart, got %v", delay)
	}
}

func TestHandleExit_CleanBusyExitDoesNotRequestWork(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.orch.handleExit(context.Background(), cleanEvent("checkpoint saved"))

	if h.work.callCount() != 0 {
		t.Errorf("expected no work request, got %d", h.work.callCount())
	}
}

// =============================================================================
// Mutex contention
// =============================================================================

func TestHandleExit_MutexHeldBacksOffAndNotifies(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	ev := crashEvent(3*time.Second, "cannot start: lock is held by another instance")
	delay, _ := h.orch.handleExit(context.Background(), ev)

	if h.orch.backoffs.MutexDelay() != 30*time.Second {
		t.Errorf("expected 30s mutex backoff, got %v", h.orch.backoffs.MutexDelay())
	}
	if delay < 30*time.Second {
		t.Errorf("expected delay to honor the mutex backoff, got %v", delay)
	}
	if h.notifier.containing("lock held") != 1 {
		t.Errorf("expected one lock-held notification, got %d", h.notifier.containing("lock held"))
	}
	if h.repairs.callCount() != 0 {
		t.Error("mutex contention must never trigger repair")
	}
}

// =============================================================================
// Crash loop
// =============================================================================

func TestHandleExit_CrashLoopPausesAndRepairsOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrashLoopThreshold = 3
	cfg.FingerprintThreshold = 100 // keep the loop detector out of this test
	cfg.BreakerEnabled = false
	h := newHarness(t, cfg)
	h.repairs.result = domain.RepairResult{Fixed: true, Outcome: domain.RepairOutcomeFixed}
	h.repairs.done = make(chan string, 1)

	ev := crashEvent(time.Minute, "Error: connection refused")
	for i := 0; i < 3; i++ {
		h.orch.handleExit(context.Background(), ev)
		h.advance(10 * time.Second)
	}

	if n := h.notifier.containing("crash loop detected"); n != 1 {
		t.Errorf("expected exactly one crash loop notification, got %d", n)
	}

	// The background repair runs once with the crash-loop signature.
	select {
	case sig := <-h.repairs.done:
		if !strings.HasPrefix(sig, crashLoopPrefix) {
			t.Errorf("expected crash-loop signature, got %q", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("crash-loop repair never ran")
	}

	// A fixed repair lifts the pause early and wakes the restart loop.
	select {
	case <-h.orch.wake:
	case <-time.After(time.Second):
		t.Fatal("expected wake after successful repair")
	}
	if d := h.orch.backoffs.NextDelay(*h.clock); d >= 10*time.Minute {
		t.Errorf("expected crash loop pause lifted, delay still %v", d)
	}
	if n := h.orch.windows.Count(categoryAbnormal, *h.clock); n != 0 {
		t.Errorf("expected abnormal window reset after repair, got %d", n)
	}
	if h.repairs.callCount() != 1 {
		t.Errorf("expected exactly one repair attempt, got %d", h.repairs.callCount())
	}
}

func TestHandleExit_CrashLoopPauseHoldsWhenRepairFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrashLoopThreshold = 2
	cfg.FingerprintThreshold = 100
	cfg.BreakerEnabled = false
	h := newHarness(t, cfg)
	h.repairs.result = domain.RepairResult{Outcome: domain.RepairOutcomeNoChanges}
	h.repairs.done = make(chan string, 1)

	ev := crashEvent(time.Minute, "Error: connection refused")
	h.orch.handleExit(context.Background(), ev)
	h.advance(10 * time.Second)
	h.orch.handleExit(context.Background(), ev)

	<-h.repairs.done
	// Give the goroutine a moment past the done signal.
	time.Sleep(10 * time.Millisecond)

	if d := h.orch.backoffs.NextDelay(*h.clock); d < 9*time.Minute {
		t.Errorf("expected pause to hold after failed repair, got %v", d)
	}
	select {
	case <-h.orch.wake:
		t.Error("failed repair must not wake the restart loop")
	default:
	}
}

func TestHandleExit_RepeatingErrorFiresLoopDetector(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrashLoopThreshold = 100 // keep the crash loop out of this test
	cfg.FingerprintThreshold = 3
	cfg.BreakerEnabled = false
	h := newHarness(t, cfg)
	h.repairs.done = make(chan string, 1)

	// Same error shape, different embedded identifiers.
	for i, id := range []string{"deadbeef01", "cafebabe02", "0123abcd45"} {
		ev := crashEvent(time.Minute, "Error: task "+id+" failed")
		h.orch.handleExit(context.Background(), ev)
		h.advance(time.Duration(i) * time.Second)
	}

	select {
	case sig := <-h.repairs.done:
		if strings.HasPrefix(sig, crashLoopPrefix) {
			t.Errorf("expected plain fingerprint signature, got %q", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("loop detector never fired")
	}
}

// =============================================================================
// Circuit breaker
// =============================================================================

func TestHandleExit_BreakerTripsExactlyOncePerBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 3
	cfg.CrashLoopThreshold = 100
	cfg.FingerprintThreshold = 100
	cfg.RepairEnabled = false
	h := newHarness(t, cfg)
	h.proc.running = true

	ev := crashEvent(time.Minute, "Error: something broke")
	for i := 0; i < 5; i++ {
		h.orch.handleExit(context.Background(), ev)
	}

	if n := h.notifier.containing("circuit breaker tripped"); n != 1 {
		t.Errorf("expected exactly one breaker notification, got %d", n)
	}
	if h.proc.killCount() != 1 {
		t.Errorf("expected one kill on trip, got %d", h.proc.killCount())
	}
	if !h.orch.backoffs.BreakerOpen(*h.clock) {
		t.Error("breaker should be open")
	}

	snap := h.orch.Snapshot()
	if !snap.BreakerOpen {
		t.Error("snapshot should report the open breaker")
	}
	if snap.State != StateHalted {
		t.Errorf("expected halted state, got %s", snap.State)
	}
}

func TestClearLapsedPauses_NotifiesBreakerResetOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 2
	cfg.CrashLoopThreshold = 100
	cfg.FingerprintThreshold = 100
	cfg.RepairEnabled = false
	h := newHarness(t, cfg)

	ev := crashEvent(time.Minute, "Error: something broke")
	h.orch.handleExit(context.Background(), ev)
	h.orch.handleExit(context.Background(), ev)

	// Still open: no reset notification.
	h.orch.clearLapsedPauses(context.Background())
	if n := h.notifier.containing("circuit breaker reset"); n != 0 {
		t.Errorf("expected no reset notification while open, got %d", n)
	}

	// Past the pause the reset is announced exactly once.
	h.advance(6 * time.Minute)
	h.orch.clearLapsedPauses(context.Background())
	h.orch.clearLapsedPauses(context.Background())
	if n := h.notifier.containing("circuit breaker reset"); n != 1 {
		t.Errorf("expected one reset notification, got %d", n)
	}
}

func TestClearLapsedPauses_NotifiesCrashLoopEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrashLoopThreshold = 2
	cfg.FingerprintThreshold = 100
	cfg.BreakerEnabled = false
	cfg.RepairEnabled = false
	h := newHarness(t, cfg)

	ev := crashEvent(time.Minute, "Error: something broke")
	h.orch.handleExit(context.Background(), ev)
	h.orch.handleExit(context.Background(), ev)

	h.orch.clearLapsedPauses(context.Background())
	if n := h.notifier.containing("crash loop pause elapsed"); n != 0 {
		t.Errorf("expected no pause-end notification while paused, got %d", n)
	}

	h.advance(11 * time.Minute)
	h.orch.clearLapsedPauses(context.Background())
	h.orch.clearLapsedPauses(context.Background())
	if n := h.notifier.containing("crash loop pause elapsed"); n != 1 {
		t.Errorf("expected one pause-end notification, got %d", n)
	}
}

// =============================================================================
// Monitor crash and self-repair
// =============================================================================

func TestHandleExit_MonitorCrashFixedRequestsSelfRestart(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.repairs.result = domain.RepairResult{Fixed: true, Outcome: domain.RepairOutcomeFixed}

	ev := crashEvent(time.Minute, "TypeError: boom\nuncaught exception")
	_, selfRestart := h.orch.handleExit(context.Background(), ev)

	if !selfRestart {
		t.Error("a fixed monitor crash must request a supervisor relaunch")
	}
	if h.repairs.callCount() != 1 {
		t.Errorf("expected one repair attempt, got %d", h.repairs.callCount())
	}
}

func TestHandleExit_MonitorCrashNotFixedKeepsRunning(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.repairs.result = domain.RepairResult{Outcome: domain.RepairOutcomeExhausted}

	ev := crashEvent(time.Minute, "uncaught exception: boom")
	_, selfRestart := h.orch.handleExit(context.Background(), ev)

	if selfRestart {
		t.Error("an unfixed monitor crash must not request a relaunch")
	}
	if n := h.notifier.containing("not auto-repaired"); n != 1 {
		t.Errorf("expected one escalation notification, got %d", n)
	}
}

func TestHandleExit_RepeatedSelfFailuresEnterSafeMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SafeModeThreshold = 3
	cfg.RepairEnabled = false
	cfg.BreakerEnabled = false
	h := newHarness(t, cfg)

	ev := crashEvent(time.Minute, "uncaught exception: boom")
	for i := 0; i < 3; i++ {
		h.orch.handleExit(context.Background(), ev)
		h.advance(time.Minute)
	}

	if n := h.notifier.containing("safe mode"); n != 1 {
		t.Errorf("expected one safe mode notification, got %d", n)
	}
	if d := h.orch.backoffs.NextDelay(*h.clock); d < time.Minute {
		t.Errorf("expected a safe mode pause, got %v", d)
	}
}

func TestHandleExit_PanicBecomesSelfFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SafeModeThreshold = 100
	h := newHarness(t, cfg)
	h.orch.classifier = nil // force a panic inside exit handling

	delay, selfRestart := h.orch.handleExit(context.Background(), crashEvent(time.Minute, "boom"))

	if selfRestart {
		t.Error("a recovered panic must not request a relaunch")
	}
	if delay < 0 {
		t.Errorf("expected a usable delay after recovery, got %v", delay)
	}
	if n := h.orch.windows.Count(categorySelf, *h.clock); n != 1 {
		t.Errorf("expected the panic recorded as a self failure, got %d", n)
	}
}

// =============================================================================
// Intentional restarts
// =============================================================================

func TestHandleExit_IntentionalRestartSkipsAnalysis(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.orch.RequestRestart(true)
	if h.proc.stops != 1 {
		t.Fatalf("expected the child to be stopped, got %d stops", h.proc.stops)
	}

	// The crash-looking exit that follows is intentional.
	ev := crashEvent(time.Minute, "uncaught exception: interrupted mid-run")
	h.orch.handleExit(context.Background(), ev)

	if h.repairs.callCount() != 0 {
		t.Error("intentional restarts must not be analyzed")
	}
	if n := h.orch.windows.Count(categoryAbnormal, *h.clock); n != 0 {
		t.Errorf("intentional restarts must not count toward the crash loop, got %d", n)
	}

	// The intent is consumed: the next identical exit is analyzed again.
	h.orch.handleExit(context.Background(), ev)
	if h.repairs.callCount() == 0 {
		t.Error("intent must be cleared after one exit")
	}
}
