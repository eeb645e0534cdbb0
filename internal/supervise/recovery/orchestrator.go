// Package recovery implements the supervisor's root state machine. On each
// child exit it classifies the termination, updates the failure windows and
// backoff state, decides between restart, backoff, repair and halt, and
// schedules the next start. All exit events are processed by a single
// consumer loop; no second child is started while one is being handled.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/sentinel/internal/core/domain"
	"github.com/vietddude/sentinel/internal/infra/storage"
	"github.com/vietddude/sentinel/internal/supervise/backoff"
	"github.com/vietddude/sentinel/internal/supervise/classify"
	"github.com/vietddude/sentinel/internal/supervise/metrics"
	"github.com/vietddude/sentinel/internal/supervise/notify"
	"github.com/vietddude/sentinel/internal/supervise/window"
)

// State of the supervisor's lifecycle machine.
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateExited       State = "exited"
	StateHalted       State = "halted"
	StateShuttingDown State = "shutting_down"
)

// Failure window categories.
const (
	categoryAbnormal = "abnormal_exit"
	categorySelf     = "self_failure"
	categoryBurst    = "failure_burst"

	fingerprintPrefix = "fingerprint:"
	crashLoopPrefix   = "crash-loop:"
)

// ErrSelfRestartRequested is returned by Run when a successful self-repair
// wants the whole supervisor relaunched with fresh code. The wrapper
// (systemd, container runtime) performs the relaunch.
var ErrSelfRestartRequested = errors.New("supervisor self-restart requested")

// ProcessRunner is the child process lifecycle the orchestrator drives.
type ProcessRunner interface {
	Start(ctx context.Context) error
	Stop(grace time.Duration)
	Kill()
	Running() bool
	StartedAt() time.Time
	Exits() <-chan domain.ExitEvent
}

// RepairPolicy gates automated fix attempts.
type RepairPolicy interface {
	Attempt(ctx context.Context, signature, diagnostic string) domain.RepairResult
}

// WorkRequester is invoked when the worker exits cleanly with an empty
// backlog. The orchestrator does not wait for its result beyond IdleGrace.
type WorkRequester interface {
	RequestMore(ctx context.Context, reason string)
}

// Config holds the orchestrator's thresholds and feature toggles.
type Config struct {
	CrashLoopWindow    time.Duration `yaml:"crash_loop_window"`
	CrashLoopThreshold int           `yaml:"crash_loop_threshold"`

	BreakerWindow    time.Duration `yaml:"breaker_window"`
	BreakerThreshold int           `yaml:"breaker_threshold"`

	SafeModeWindow    time.Duration `yaml:"safe_mode_window"`
	SafeModeThreshold int           `yaml:"safe_mode_threshold"`

	FingerprintWindow    time.Duration `yaml:"fingerprint_window"`
	FingerprintThreshold int           `yaml:"fingerprint_threshold"`

	// IdleGrace delays the restart after requesting more work, giving the
	// request time to land before the worker looks for it.
	IdleGrace time.Duration `yaml:"idle_grace"`

	// KillGrace is how long Stop waits between SIGTERM and SIGKILL.
	KillGrace time.Duration `yaml:"kill_grace"`

	RepairEnabled   bool `yaml:"repair_enabled"`
	BreakerEnabled  bool `yaml:"breaker_enabled"`
	SafeModeEnabled bool `yaml:"safe_mode_enabled"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CrashLoopWindow:      5 * time.Minute,
		CrashLoopThreshold:   8,
		BreakerWindow:        time.Minute,
		BreakerThreshold:     5,
		SafeModeWindow:       10 * time.Minute,
		SafeModeThreshold:    3,
		FingerprintWindow:    10 * time.Minute,
		FingerprintThreshold: 3,
		IdleGrace:            30 * time.Second,
		KillGrace:            10 * time.Second,
		RepairEnabled:        true,
		BreakerEnabled:       true,
		SafeModeEnabled:      true,
	}
}

// Snapshot is a point-in-time view of the machine for status reporting.
type Snapshot struct {
	State              State           `json:"state"`
	Running            bool            `json:"running"`
	ChildUptime        time.Duration   `json:"child_uptime"`
	RestartCount       int             `json:"restart_count"`
	LastExitKind       domain.ExitKind `json:"last_exit_kind,omitempty"`
	ActiveRestrictions []string        `json:"active_restrictions,omitempty"`
	NextStartDelay     time.Duration   `json:"next_start_delay"`
	BreakerOpen        bool            `json:"breaker_open"`
}

// Orchestrator ties the classifier, windows, backoff controller, repair
// policy and process runner into one supervised lifecycle.
type Orchestrator struct {
	cfg        Config
	proc       ProcessRunner
	classifier *classify.Classifier
	windows    *window.Tracker
	backoffs   *backoff.Controller
	repairs    RepairPolicy
	notifier   notify.Notifier
	work       WorkRequester
	exitRepo   storage.ExitEventRepository
	now        func() time.Time

	mu             sync.Mutex
	state          State
	intent         domain.RestartIntent
	restartCount   int
	lastExitKind   domain.ExitKind
	shuttingDown   bool
	breakerTripped bool
	crashLoopOn    bool
	safeModeOn     bool

	// wake short-circuits a pause when an out-of-band repair succeeds.
	wake chan struct{}
}

// New creates an orchestrator. work may be nil when no work requester is
// wired in; repairs may be nil only when Config.RepairEnabled is false.
func New(
	cfg Config,
	proc ProcessRunner,
	classifier *classify.Classifier,
	windows *window.Tracker,
	backoffs *backoff.Controller,
	repairs RepairPolicy,
	notifier notify.Notifier,
	work WorkRequester,
	exitRepo storage.ExitEventRepository,
) *Orchestrator {
	windows.SetWindow(categoryAbnormal, cfg.CrashLoopWindow)
	windows.SetWindow(categoryBurst, cfg.BreakerWindow)
	windows.SetWindow(categorySelf, cfg.SafeModeWindow)

	return &Orchestrator{
		cfg:        cfg,
		proc:       proc,
		classifier: classifier,
		windows:    windows,
		backoffs:   backoffs,
		repairs:    repairs,
		notifier:   notifier,
		work:       work,
		exitRepo:   exitRepo,
		now:        time.Now,
		state:      StateIdle,
		wake:       make(chan struct{}, 1),
	}
}

// Run drives the supervise loop until ctx is cancelled or a successful
// self-repair requests a full supervisor relaunch.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if o.isShuttingDown() || ctx.Err() != nil {
			return o.shutdown()
		}

		o.setState(StateStarting)
		if err := o.proc.Start(ctx); err != nil {
			slog.Error("Failed to start child process", "error", err)
			o.recordSelfFailure(ctx, fmt.Sprintf("spawn failed: %v", err))
			o.checkBreaker(ctx)
			if !o.waitRestart(ctx, o.backoffs.NextDelay(o.now())) {
				return o.shutdown()
			}
			continue
		}
		o.backoffs.OnProcessStarted(o.now())
		o.clearLapsedPauses(ctx)
		o.setState(StateRunning)

		select {
		case <-ctx.Done():
			return o.shutdown()
		case ev := <-o.proc.Exits():
			o.setState(StateExited)
			delay, selfRestart := o.handleExit(ctx, ev)
			if selfRestart {
				o.setState(StateShuttingDown)
				return ErrSelfRestartRequested
			}
			if !o.waitRestart(ctx, delay) {
				return o.shutdown()
			}
		}
	}
}

// Shutdown marks the machine as terminating; in-flight timers become no-ops
// and no further restarts are scheduled.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.shuttingDown = true
	o.mu.Unlock()
}

// handleExit processes one termination. Internal panics are caught here and
// treated as supervisor self-failures: nothing may kill the loop that does
// the restarting.
func (o *Orchestrator) handleExit(ctx context.Context, ev domain.ExitEvent) (delay time.Duration, selfRestart bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered panic while handling exit", "panic", r)
			o.recordSelfFailure(ctx, fmt.Sprintf("panic: %v", r))
			delay = o.backoffs.NextDelay(o.now())
		}
	}()

	now := o.now()
	intent := o.takeIntent()
	kind, ruleName := o.classifier.Classify(ev, intent)

	o.mu.Lock()
	o.lastExitKind = kind
	o.restartCount++
	o.mu.Unlock()

	metrics.ExitsTotal.WithLabelValues(string(kind), ruleName).Inc()
	logExit(ev, kind, ruleName)
	o.persistExit(ctx, ev, kind, ruleName)

	o.backoffs.OnExitObserved(now, ev.Runtime(), kind == domain.ExitMutexHeld)

	var floor time.Duration
	switch kind {
	case domain.ExitIntentionalRestart, domain.ExitExternalKill, domain.ExitBenignNonCrash:
		// No analysis. Restart on the normal schedule.

	case domain.ExitMutexHeld:
		o.notify(ctx, fmt.Sprintf(
			"worker lock held by another instance (ran %s); backing off %s",
			ev.Runtime().Round(time.Second), o.backoffs.MutexDelay()),
			notify.SeverityWarning)

	case domain.ExitClean:
		if o.classifier.IndicatesEmptyBacklog(ev.LogTail) && o.work != nil {
			slog.Info("Worker drained its backlog; requesting more work")
			o.work.RequestMore(ctx, "backlog empty")
			floor = o.cfg.IdleGrace
		}

	case domain.ExitMonitorCrash:
		selfRestart = o.handleMonitorCrash(ctx, ev, now)

	case domain.ExitCrashLoopCandidate:
		o.handleCrashCandidate(ctx, ev, now)
	}

	o.checkBreaker(ctx)
	metrics.RestartsTotal.WithLabelValues(string(kind)).Inc()
	return o.schedule(now, floor), selfRestart
}

// handleMonitorCrash reacts to the supervisor's own code crashing inside
// the child: attempt self-repair, and on success request a full relaunch so
// the fix actually takes effect.
func (o *Orchestrator) handleMonitorCrash(ctx context.Context, ev domain.ExitEvent, now time.Time) bool {
	o.recordSelfFailure(ctx, classify.LastErrorLine(ev.LogTail))

	if !o.cfg.RepairEnabled || o.repairs == nil {
		return false
	}

	line := classify.LastErrorLine(ev.LogTail)
	signature := classify.Fingerprint(line)
	result := o.repairs.Attempt(ctx, signature, buildDiagnostic("monitor crash", ev))

	if result.Fixed {
		o.notify(ctx, "self-repair produced changes; restarting supervisor for fresh code",
			notify.SeverityCritical)
		return true
	}
	o.notify(ctx, fmt.Sprintf("monitor crash not auto-repaired (%s): %s", result.Outcome, line),
		notify.SeverityCritical)
	return false
}

// handleCrashCandidate counts an abnormal worker exit, enters the crash
// loop pause once the window threshold is crossed, and fires the loop
// detector when identical error lines repeat.
func (o *Orchestrator) handleCrashCandidate(ctx context.Context, ev domain.ExitEvent, now time.Time) {
	o.windows.Record(categoryBurst, now)
	count := o.windows.Record(categoryAbnormal, now)

	line := classify.LastErrorLine(ev.LogTail)
	fpCategory := fingerprintPrefix + classify.Fingerprint(line)
	o.windows.SetWindow(fpCategory, o.cfg.FingerprintWindow)
	fpCount := o.windows.Record(fpCategory, now)

	if count >= o.cfg.CrashLoopThreshold {
		o.enterCrashLoopPause(ctx, ev, now, line)
		return
	}

	// The loop detector triggers on repeated content even when the exit
	// frequency alone has not crossed the crash-loop threshold.
	if o.cfg.RepairEnabled && o.repairs != nil && fpCount >= o.cfg.FingerprintThreshold {
		o.windows.Reset(fpCategory)
		signature := classify.Fingerprint(line)
		diagnostic := buildDiagnostic("repeating error", ev)
		go func() {
			result := o.repairs.Attempt(context.Background(), signature, diagnostic)
			slog.Info("Loop-fix repair finished", "signature", signature, "outcome", result.Outcome)
		}()
	}
}

// enterCrashLoopPause halts restarts and kicks off a background repair.
// The pause and the repair are independent: a successful repair lifts the
// remaining pause via the wake channel, while the pause timer is the
// fallback when repair fails or never finishes.
func (o *Orchestrator) enterCrashLoopPause(ctx context.Context, ev domain.ExitEvent, now time.Time, line string) {
	o.backoffs.EnterCrashLoopPause(now)
	o.mu.Lock()
	o.crashLoopOn = true
	o.mu.Unlock()
	o.setState(StateHalted)
	o.notify(ctx, fmt.Sprintf(
		"crash loop detected: %d abnormal exits within %s; pausing restarts",
		o.cfg.CrashLoopThreshold, o.cfg.CrashLoopWindow),
		notify.SeverityCritical)

	if !o.cfg.RepairEnabled || o.repairs == nil {
		return
	}

	signature := crashLoopPrefix + classify.Fingerprint(line)
	diagnostic := buildDiagnostic("crash loop", ev)
	go func() {
		result := o.repairs.Attempt(context.Background(), signature, diagnostic)
		if !result.Fixed {
			slog.Warn("Crash-loop repair did not fix anything", "outcome", result.Outcome)
			return
		}
		o.backoffs.ClearCrashLoopPause()
		o.mu.Lock()
		o.crashLoopOn = false
		o.mu.Unlock()
		o.windows.Reset(categoryAbnormal)
		o.notify(context.Background(), "crash-loop repair produced changes; resuming restarts early",
			notify.SeverityWarning)
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}()
}

// checkBreaker trips the circuit breaker when the burst window crosses its
// threshold. The trip happens exactly once per burst: while open, further
// failures neither re-trip nor extend the pause.
func (o *Orchestrator) checkBreaker(ctx context.Context) {
	if !o.cfg.BreakerEnabled {
		return
	}
	now := o.now()
	if o.windows.Count(categoryBurst, now) < o.cfg.BreakerThreshold {
		return
	}
	if !o.backoffs.TripBreaker(now) {
		return
	}

	o.mu.Lock()
	o.breakerTripped = true
	o.mu.Unlock()

	if o.proc.Running() {
		o.proc.Kill()
	}
	metrics.BreakerTripsTotal.Inc()
	o.setState(StateHalted)
	o.notify(ctx, fmt.Sprintf(
		"circuit breaker tripped: %d failures within %s; halting all restarts",
		o.cfg.BreakerThreshold, o.cfg.BreakerWindow),
		notify.SeverityCritical)
}

// clearLapsedPauses emits the single reset notification per pause on the
// first start after that pause lapsed. Cadence changes are announced in both
// directions, entry and exit.
func (o *Orchestrator) clearLapsedPauses(ctx context.Context) {
	active := make(map[string]bool)
	for _, name := range o.backoffs.Active(o.now()) {
		active[name] = true
	}

	o.mu.Lock()
	breakerDone := o.breakerTripped && !active[backoff.RestrictionBreaker]
	crashLoopDone := o.crashLoopOn && !active[backoff.RestrictionCrashLoop]
	safeModeDone := o.safeModeOn && !active[backoff.RestrictionSafeMode]
	if breakerDone {
		o.breakerTripped = false
	}
	if crashLoopDone {
		o.crashLoopOn = false
	}
	if safeModeDone {
		o.safeModeOn = false
	}
	o.mu.Unlock()

	if breakerDone {
		o.windows.Reset(categoryBurst)
		o.notify(ctx, "circuit breaker reset; restarts resumed", notify.SeverityInfo)
	}
	if crashLoopDone {
		o.windows.Reset(categoryAbnormal)
		o.notify(ctx, "crash loop pause elapsed; restarts resumed", notify.SeverityInfo)
	}
	if safeModeDone {
		o.notify(ctx, "safe mode pause elapsed; restarts resumed", notify.SeverityInfo)
	}
}

// recordSelfFailure counts a supervisor self-failure and enters safe mode
// once the window threshold is crossed.
func (o *Orchestrator) recordSelfFailure(ctx context.Context, detail string) {
	now := o.now()
	o.windows.Record(categoryBurst, now)
	count := o.windows.Record(categorySelf, now)
	if o.cfg.SafeModeEnabled && count >= o.cfg.SafeModeThreshold {
		o.backoffs.EnterSafeMode(now)
		o.mu.Lock()
		o.safeModeOn = true
		o.mu.Unlock()
		o.notify(ctx, fmt.Sprintf(
			"safe mode: %d supervisor self-failures within %s; pausing restarts (last: %s)",
			count, o.cfg.SafeModeWindow, detail),
			notify.SeverityCritical)
	}
}

// schedule computes the final delay before the next start: the larger of
// the branch-specific floor and everything the backoff controller reports,
// so active halt windows always win over shorter branch delays.
func (o *Orchestrator) schedule(now time.Time, floor time.Duration) time.Duration {
	delay := o.backoffs.NextDelay(now)
	if floor > delay {
		delay = floor
	}
	metrics.NextStartDelaySeconds.Set(delay.Seconds())
	if restrictions := o.backoffs.Active(now); len(restrictions) > 0 {
		slog.Info("Next start deferred", "delay", delay, "restrictions", restrictions)
	} else {
		slog.Debug("Next start scheduled", "delay", delay)
	}
	return delay
}

// waitRestart sleeps for the computed delay, re-checking the backoff state
// when woken early by a successful repair. Returns false on shutdown.
func (o *Orchestrator) waitRestart(ctx context.Context, delay time.Duration) bool {
	for {
		if o.isShuttingDown() {
			return false
		}
		if delay <= 0 {
			return true
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-o.wake:
			timer.Stop()
			// Repair lifted a pause; whatever restrictions remain
			// (breaker, spacing) still apply.
			delay = o.backoffs.NextDelay(o.now())
		case <-timer.C:
			// A pause may have been extended while we slept.
			delay = o.backoffs.NextDelay(o.now())
		}
	}
}

// RequestRestart asks for an intentional child restart, e.g. because the
// supervised source changed on disk. The resulting exit is classified as
// IntentionalRestart and never analyzed.
func (o *Orchestrator) RequestRestart(fileChange bool) {
	o.mu.Lock()
	o.intent = domain.RestartIntent{Pending: true, FileChange: fileChange}
	o.mu.Unlock()
	o.proc.Stop(o.cfg.KillGrace)
}

// Snapshot returns the current machine state for status reporting.
func (o *Orchestrator) Snapshot() Snapshot {
	now := o.now()
	o.mu.Lock()
	snap := Snapshot{
		State:        o.state,
		RestartCount: o.restartCount,
		LastExitKind: o.lastExitKind,
	}
	o.mu.Unlock()

	snap.Running = o.proc.Running()
	if startedAt := o.proc.StartedAt(); !startedAt.IsZero() {
		snap.ChildUptime = now.Sub(startedAt)
	}
	snap.ActiveRestrictions = o.backoffs.Active(now)
	snap.NextStartDelay = o.backoffs.NextDelay(now)
	snap.BreakerOpen = o.backoffs.BreakerOpen(now)
	return snap
}

func (o *Orchestrator) shutdown() error {
	o.Shutdown()
	o.setState(StateShuttingDown)
	if o.proc.Running() {
		o.proc.Stop(o.cfg.KillGrace)
		// Drain the exit event so the runner's goroutine can finish.
		select {
		case <-o.proc.Exits():
		case <-time.After(o.cfg.KillGrace + time.Second):
		}
	}
	slog.Info("Supervisor loop stopped")
	return nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()

	if prev != s {
		metrics.CurrentState.WithLabelValues(string(prev)).Set(0)
		metrics.CurrentState.WithLabelValues(string(s)).Set(1)
	}
	if s == StateRunning {
		metrics.ChildUptimeSeconds.Set(0)
	}
}

func (o *Orchestrator) takeIntent() domain.RestartIntent {
	o.mu.Lock()
	defer o.mu.Unlock()
	intent := o.intent
	o.intent = domain.RestartIntent{}
	return intent
}

func (o *Orchestrator) isShuttingDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shuttingDown
}

func (o *Orchestrator) notify(ctx context.Context, message string, severity notify.Severity) {
	metrics.NotificationsTotal.WithLabelValues(string(severity)).Inc()
	o.notifier.Notify(ctx, message, severity)
}

func (o *Orchestrator) persistExit(ctx context.Context, ev domain.ExitEvent, kind domain.ExitKind, rule string) {
	if o.exitRepo == nil {
		return
	}
	rec := &domain.ExitRecord{
		ID:        ev.ID,
		Kind:      kind,
		Rule:      rule,
		ExitCode:  ev.ExitCode,
		Signal:    ev.Signal,
		StartedAt: ev.StartedAt,
		EndedAt:   ev.EndedAt,
		CreatedAt: o.now(),
	}
	if err := o.exitRepo.Add(ctx, rec); err != nil {
		slog.Warn("Failed to persist exit record", "error", err)
	}
}

func logExit(ev domain.ExitEvent, kind domain.ExitKind, rule string) {
	attrs := []any{
		"kind", kind,
		"rule", rule,
		"runtime", ev.Runtime().Round(time.Millisecond),
	}
	if ev.ExitCode != nil {
		attrs = append(attrs, "exit_code", *ev.ExitCode)
	}
	if ev.Signal != "" {
		attrs = append(attrs, "signal", ev.Signal)
	}
	slog.Info("Child process exited", attrs...)
}

func buildDiagnostic(reason string, ev domain.ExitEvent) string {
	code := "none"
	if ev.ExitCode != nil {
		code = fmt.Sprintf("%d", *ev.ExitCode)
	}
	return fmt.Sprintf(
		"The supervised worker terminated (%s).\nexit code: %s\nsignal: %s\nruntime: %s\n\nlog tail:\n%s\n",
		reason, code, ev.Signal, ev.Runtime().Round(time.Second), ev.LogTail)
}
