package repair

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/sentinel/internal/core/domain"
	"github.com/vietddude/sentinel/internal/infra/storage"
	"github.com/vietddude/sentinel/internal/supervise/metrics"
)

// Journal receives a copy of every invocation record for out-of-band audit
// (the Redis journal in production).
type Journal interface {
	AppendJournal(ctx context.Context, entry any, maxLen int64) error
}

// Config holds the repair policy's tunables.
type Config struct {
	// Ceiling is the maximum attempts per signature.
	Ceiling int `yaml:"ceiling"`

	// Cooldown is the minimum gap between attempts for one signature.
	Cooldown time.Duration `yaml:"cooldown"`

	// Timeout bounds a single fixer run.
	Timeout time.Duration `yaml:"timeout"`

	// WorkingDir is where the fixer operates and where changes are diffed.
	WorkingDir string `yaml:"working_dir"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Ceiling:  2,
		Cooldown: 10 * time.Minute,
		Timeout:  10 * time.Minute,
	}
}

// Policy gates invocations of the external fixer. It enforces the per
// signature ceiling and cooldown, defines "fixed" as success plus at least
// one new changed file, and audits every invocation durably.
type Policy struct {
	cfg      Config
	runner   Runner
	changes  ChangeDetector
	repo     storage.RepairRepository
	journal  Journal
	maxEntry int64

	mu       sync.Mutex
	attempts map[string]*domain.RepairAttempt
	inflight map[string]bool
}

// NewPolicy creates a repair policy. Previously persisted attempt counters
// are loaded best-effort so ceilings survive supervisor restarts. journal
// may be nil.
func NewPolicy(cfg Config, runner Runner, changes ChangeDetector, repo storage.RepairRepository, journal Journal) *Policy {
	p := &Policy{
		cfg:      cfg,
		runner:   runner,
		changes:  changes,
		repo:     repo,
		journal:  journal,
		maxEntry: 200,
		attempts: make(map[string]*domain.RepairAttempt),
		inflight: make(map[string]bool),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	persisted, err := repo.GetAttempts(ctx)
	if err != nil {
		slog.Warn("Failed to load persisted repair attempts", "error", err)
		return p
	}
	for _, a := range persisted {
		p.attempts[a.Signature] = a
	}
	return p
}

// Attempt runs the repair policy for one signature. It never returns an
// error: every failure mode collapses into a RepairResult the orchestrator
// can act on.
func (p *Policy) Attempt(ctx context.Context, signature, diagnostic string) domain.RepairResult {
	now := time.Now()

	p.mu.Lock()
	if p.inflight[signature] {
		p.mu.Unlock()
		slog.Warn("Repair already in progress for signature", "signature", signature)
		return p.finish(domain.RepairResult{Outcome: domain.RepairOutcomeInProgress})
	}
	attempt, ok := p.attempts[signature]
	if !ok {
		attempt = &domain.RepairAttempt{Signature: signature}
		p.attempts[signature] = attempt
	}
	if attempt.AttemptCount >= p.cfg.Ceiling ||
		(!attempt.LastAttemptAt.IsZero() && now.Sub(attempt.LastAttemptAt) < p.cfg.Cooldown) {
		p.mu.Unlock()
		slog.Info("Repair short-circuited",
			"signature", signature,
			"attempts", attempt.AttemptCount,
			"ceiling", p.cfg.Ceiling)
		return p.finish(domain.RepairResult{Outcome: domain.RepairOutcomeExhausted})
	}
	attempt.AttemptCount++
	attempt.LastAttemptAt = now
	p.inflight[signature] = true
	saved := *attempt
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inflight, signature)
		p.mu.Unlock()
	}()

	if err := p.repo.SaveAttempt(ctx, &saved); err != nil {
		slog.Warn("Failed to persist repair attempt counter", "signature", signature, "error", err)
	}

	before, err := p.changes.ChangedFiles(ctx)
	if err != nil {
		slog.Warn("Failed to list changed files before repair", "error", err)
	}

	slog.Info("Invoking repair runner",
		"signature", signature,
		"attempt", saved.AttemptCount,
		"timeout", p.cfg.Timeout)
	run, runErr := p.runner.Run(ctx, diagnostic, p.cfg.WorkingDir, p.cfg.Timeout)

	result := domain.RepairResult{Outcome: domain.RepairOutcomeRunnerErr}
	if runErr == nil && run.Success {
		after, diffErr := p.changes.ChangedFiles(ctx)
		if diffErr != nil {
			slog.Warn("Failed to list changed files after repair", "error", diffErr)
		}
		if fresh := newFiles(before, after); len(fresh) > 0 {
			result = domain.RepairResult{Fixed: true, Outcome: domain.RepairOutcomeFixed}
			slog.Info("Repair produced changes", "signature", signature, "files", fresh)
		} else {
			result = domain.RepairResult{Outcome: domain.RepairOutcomeNoChanges}
		}
	}

	inv := &domain.RepairInvocation{
		ID:         uuid.New().String(),
		Signature:  signature,
		Diagnostic: diagnostic,
		Success:    runErr == nil && run.Success,
		Fixed:      result.Fixed,
		Output:     run.Output,
		Error:      run.Error,
		CreatedAt:  now,
	}
	if runErr != nil && inv.Error == "" {
		inv.Error = runErr.Error()
	}
	if err := p.repo.AddInvocation(ctx, inv); err != nil {
		slog.Warn("Failed to persist repair invocation", "error", err)
	}
	if p.journal != nil {
		if err := p.journal.AppendJournal(ctx, inv, p.maxEntry); err != nil {
			slog.Warn("Failed to append repair journal", "error", err)
		}
	}

	return p.finish(result)
}

// Reset clears the attempt counter for a signature, used after a confirmed
// recovery so future faults of the same shape get a fresh budget.
func (p *Policy) Reset(ctx context.Context, signature string) {
	p.mu.Lock()
	delete(p.attempts, signature)
	p.mu.Unlock()

	if err := p.repo.SaveAttempt(ctx, &domain.RepairAttempt{
		Signature:     signature,
		LastAttemptAt: time.Now(),
	}); err != nil {
		slog.Warn("Failed to persist repair attempt reset", "signature", signature, "error", err)
	}
}

func (p *Policy) finish(result domain.RepairResult) domain.RepairResult {
	metrics.RepairInvocationsTotal.WithLabelValues(result.Outcome).Inc()
	return result
}
