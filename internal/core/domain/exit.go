package domain

import "time"

// ExitKind is the classified cause of a child process termination.
type ExitKind string

const (
	ExitClean              ExitKind = "clean"
	ExitIntentionalRestart ExitKind = "intentional_restart"
	ExitExternalKill       ExitKind = "external_kill"
	ExitMutexHeld          ExitKind = "mutex_held"
	ExitBenignNonCrash     ExitKind = "benign_noncrash"
	ExitCrashLoopCandidate ExitKind = "crash_loop_candidate"
	ExitMonitorCrash       ExitKind = "monitor_crash"
)

// ExitEvent is an immutable record of one child process termination.
// ExitCode is nil when the process was terminated by a signal before
// producing an exit status; Signal is empty when it exited normally.
type ExitEvent struct {
	ID        string
	ExitCode  *int
	Signal    string
	StartedAt time.Time
	EndedAt   time.Time
	LogTail   string
}

// Runtime returns how long the process ran before terminating.
func (e ExitEvent) Runtime() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// RestartIntent describes whether the supervisor itself requested the
// termination currently being classified.
type RestartIntent struct {
	Pending    bool
	FileChange bool
}

// ExitRecord is the audit form of a classified exit, persisted to storage.
type ExitRecord struct {
	ID        string
	Kind      ExitKind
	Rule      string
	ExitCode  *int
	Signal    string
	StartedAt time.Time
	EndedAt   time.Time
	CreatedAt time.Time
}
