package domain

import "time"

// RepairAttempt tracks how often an automated fix has been tried for one
// failure signature. It enforces the per-signature ceiling and cooldown.
type RepairAttempt struct {
	Signature     string
	AttemptCount  int
	LastAttemptAt time.Time
}

// Repair outcomes.
const (
	RepairOutcomeFixed      = "fixed"
	RepairOutcomeNoChanges  = "no_changes"
	RepairOutcomeExhausted  = "exhausted"
	RepairOutcomeRunnerErr  = "runner_error"
	RepairOutcomeInProgress = "in_progress"
)

// RepairResult is the outcome of one repair policy decision.
// Fixed is true only when the runner reported success AND produced at least
// one file change that was not present before the invocation.
type RepairResult struct {
	Fixed   bool
	Outcome string
}

// RepairInvocation is the durable audit record of one runner invocation,
// written whether or not the attempt succeeded.
type RepairInvocation struct {
	ID         string
	Signature  string
	Diagnostic string
	Success    bool
	Fixed      bool
	Output     string
	Error      string
	CreatedAt  time.Time
}
