// Package classify turns raw child process exit events into ExitKind values
// via an ordered rule table. The first matching rule wins.
package classify

import (
	"strings"
	"time"

	"github.com/vietddude/sentinel/internal/core/domain"
)

// Config holds the classifier's tunable markers and thresholds.
type Config struct {
	// MutexMarkers are log substrings indicating another instance already
	// holds the worker's exclusive lock.
	MutexMarkers []string `yaml:"mutex_markers"`

	// CrashMarkers are log substrings indicating a genuine program crash
	// (uncaught exception, unresolved import, interpreter fatal).
	CrashMarkers []string `yaml:"crash_markers"`

	// IdleMarkers are log substrings indicating the worker finished all
	// queued work before exiting cleanly.
	IdleMarkers []string `yaml:"idle_markers"`

	// BenignMarkers are log substrings indicating the worker stopped in an
	// ordinary wait state. A nonzero exit with one of these present is not
	// counted toward the crash loop.
	BenignMarkers []string `yaml:"benign_markers"`

	// HostCrashCodes are exit codes the host runtime emits when it crashed
	// underneath the worker. Non-actionable infrastructure failures.
	HostCrashCodes []int `yaml:"host_crash_codes"`

	// SupervisorSignals are signals the supervisor itself sends during an
	// intentional shutdown of the child.
	SupervisorSignals []string `yaml:"supervisor_signals"`

	// QuickCrashRuntime is the runtime below which a nonzero exit is
	// presumed to be a startup crash rather than a mid-run failure.
	QuickCrashRuntime time.Duration `yaml:"quick_crash_runtime"`
}

// DefaultConfig returns the marker sets and thresholds used in production.
func DefaultConfig() Config {
	return Config{
		MutexMarkers: []string{
			"already running",
			"lock is held by another instance",
			"failed to acquire lock",
		},
		CrashMarkers: []string{
			"uncaught exception",
			"unhandled promise rejection",
			"cannot find module",
			"modulenotfounderror",
			"segmentation fault",
			"panic:",
			"fatal error:",
		},
		IdleMarkers: []string{
			"backlog empty",
			"no ready tasks",
			"all tasks complete",
		},
		BenignMarkers: []string{
			"until next cycle",
			"sleeping",
			"nothing to do",
		},
		HostCrashCodes:    []int{134, 139, 137},
		SupervisorSignals: []string{"terminated", "killed"},
		QuickCrashRuntime: 30 * time.Second,
	}
}

// rule is one entry in the ordered decision table.
type rule struct {
	name  string
	kind  domain.ExitKind
	match func(ev domain.ExitEvent, intent domain.RestartIntent) bool
}

// Classifier derives an ExitKind from an exit event and the supervisor's
// restart intent. It is a pure function of its inputs; rules are fixed at
// construction.
type Classifier struct {
	cfg   Config
	rules []rule
}

// New builds a classifier with the decision order fixed by the rule table.
func New(cfg Config) *Classifier {
	c := &Classifier{cfg: cfg}
	c.rules = []rule{
		{
			name: "intentional_restart",
			kind: domain.ExitIntentionalRestart,
			match: func(ev domain.ExitEvent, intent domain.RestartIntent) bool {
				return intent.Pending && intent.FileChange
			},
		},
		{
			name: "supervisor_kill",
			kind: domain.ExitExternalKill,
			match: func(ev domain.ExitEvent, intent domain.RestartIntent) bool {
				if ev.Signal == "" {
					return false
				}
				for _, sig := range cfg.SupervisorSignals {
					if strings.EqualFold(ev.Signal, sig) {
						return true
					}
				}
				return false
			},
		},
		{
			name: "mutex_held",
			kind: domain.ExitMutexHeld,
			match: func(ev domain.ExitEvent, intent domain.RestartIntent) bool {
				return containsAny(ev.LogTail, cfg.MutexMarkers)
			},
		},
		{
			name: "clean_exit",
			kind: domain.ExitClean,
			match: func(ev domain.ExitEvent, intent domain.RestartIntent) bool {
				return ev.ExitCode != nil && *ev.ExitCode == 0 && ev.Signal == ""
			},
		},
		{
			// Host runtime died underneath the worker. Same handling as an
			// external kill, but the rule name keeps the log distinct.
			name: "host_runtime_crash",
			kind: domain.ExitExternalKill,
			match: func(ev domain.ExitEvent, intent domain.RestartIntent) bool {
				if ev.ExitCode == nil {
					return false
				}
				for _, code := range cfg.HostCrashCodes {
					if *ev.ExitCode == code {
						return true
					}
				}
				return false
			},
		},
		{
			name: "monitor_crash",
			kind: domain.ExitMonitorCrash,
			match: func(ev domain.ExitEvent, intent domain.RestartIntent) bool {
				if containsAny(ev.LogTail, cfg.CrashMarkers) {
					return true
				}
				return ev.ExitCode != nil && *ev.ExitCode > 1 &&
					ev.Runtime() < cfg.QuickCrashRuntime
			},
		},
		{
			name: "benign_wait",
			kind: domain.ExitBenignNonCrash,
			match: func(ev domain.ExitEvent, intent domain.RestartIntent) bool {
				return ev.Signal == "" && containsAny(ev.LogTail, cfg.BenignMarkers)
			},
		},
		{
			name: "abnormal_exit",
			kind: domain.ExitCrashLoopCandidate,
			match: func(ev domain.ExitEvent, intent domain.RestartIntent) bool {
				return ev.Signal != "" || ev.ExitCode == nil || *ev.ExitCode != 0
			},
		},
		{
			name: "benign",
			kind: domain.ExitBenignNonCrash,
			match: func(ev domain.ExitEvent, intent domain.RestartIntent) bool {
				return true
			},
		},
	}
	return c
}

// Classify returns the exit kind and the name of the rule that matched.
func (c *Classifier) Classify(ev domain.ExitEvent, intent domain.RestartIntent) (domain.ExitKind, string) {
	for _, r := range c.rules {
		if r.match(ev, intent) {
			return r.kind, r.name
		}
	}
	// Unreachable: the benign rule always matches.
	return domain.ExitBenignNonCrash, "benign"
}

// IndicatesEmptyBacklog reports whether the log tail shows the worker ran
// out of queued work before exiting.
func (c *Classifier) IndicatesEmptyBacklog(logTail string) bool {
	return containsAny(logTail, c.cfg.IdleMarkers)
}

func containsAny(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
