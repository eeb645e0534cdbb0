// Package backoff decides how long to wait before the next start of the
// supervised process. Several independent restrictions can be active at
// once; the wait is always the maximum of their remaining times, never a
// sum and never a single winner.
package backoff

import (
	"sync"
	"time"
)

// Config holds the controller's tunable durations.
type Config struct {
	// MinStartSpacing is the floor between consecutive process starts,
	// applied regardless of why the previous instance exited.
	MinStartSpacing time.Duration `yaml:"min_start_spacing"`

	// QuickExitMax is the runtime below which an exit counts as "quick".
	// One run at or above this resets the mutex contention counter.
	QuickExitMax time.Duration `yaml:"quick_exit_max"`

	// MutexBackoffBase is the wait after the first quick mutex-held exit;
	// it doubles per consecutive quick exit up to MutexBackoffMax.
	MutexBackoffBase time.Duration `yaml:"mutex_backoff_base"`
	MutexBackoffMax  time.Duration `yaml:"mutex_backoff_max"`

	// CrashLoopPause blocks restarts after a crash loop is detected.
	CrashLoopPause time.Duration `yaml:"crash_loop_pause"`

	// BreakerPause blocks all restarts while the circuit breaker is open.
	BreakerPause time.Duration `yaml:"breaker_pause"`

	// SafeModePause blocks restarts after repeated supervisor self-failures.
	SafeModePause time.Duration `yaml:"safe_mode_pause"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinStartSpacing:  12 * time.Second,
		QuickExitMax:     20 * time.Second,
		MutexBackoffBase: 30 * time.Second,
		MutexBackoffMax:  10 * time.Minute,
		CrashLoopPause:   10 * time.Minute,
		BreakerPause:     5 * time.Minute,
		SafeModePause:    5 * time.Minute,
	}
}

// Restriction names reported by Active.
const (
	RestrictionSpacing   = "start_spacing"
	RestrictionMutex     = "mutex_backoff"
	RestrictionCrashLoop = "crash_loop_pause"
	RestrictionBreaker   = "circuit_breaker"
	RestrictionSafeMode  = "safe_mode"
)

// Controller tracks the backoff state for one supervisor instance. All
// mutation goes through the On*/Enter*/Trip methods; NextDelay is pure
// given unchanged state.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	consecutiveQuickMutex int
	lastStartAt           time.Time
	lastExitAt            time.Time
	haltedUntil           time.Time
	safeModeUntil         time.Time
	breakerOpenUntil      time.Time
}

// NewController creates a controller with the given configuration.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// OnProcessStarted records a successful start.
func (c *Controller) OnProcessStarted(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastStartAt = now
}

// OnExitObserved records an exit. Quick mutex-held exits grow the mutex
// contention backoff; a single run at or above QuickExitMax resets it,
// since getting past the mutex means the contention resolved.
func (c *Controller) OnExitObserved(now time.Time, runtime time.Duration, mutexHeld bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastExitAt = now
	if runtime >= c.cfg.QuickExitMax {
		c.consecutiveQuickMutex = 0
		return
	}
	if mutexHeld {
		c.consecutiveQuickMutex++
	}
}

// TripBreaker opens the circuit breaker for the configured pause. Returns
// false when the breaker is already open, so a burst trips it exactly once.
func (c *Controller) TripBreaker(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Before(c.breakerOpenUntil) {
		return false
	}
	c.breakerOpenUntil = now.Add(c.cfg.BreakerPause)
	return true
}

// BreakerOpen reports whether the breaker pause is still in effect. The
// breaker auto-clears once the pause elapses.
func (c *Controller) BreakerOpen(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Before(c.breakerOpenUntil)
}

// EnterCrashLoopPause halts restarts for the configured crash-loop pause.
func (c *Controller) EnterCrashLoopPause(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haltedUntil = now.Add(c.cfg.CrashLoopPause)
}

// ClearCrashLoopPause lifts the crash-loop halt, used when a repair
// succeeds before the pause timer runs out.
func (c *Controller) ClearCrashLoopPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haltedUntil = time.Time{}
}

// EnterSafeMode halts restarts after repeated supervisor self-failures.
func (c *Controller) EnterSafeMode(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safeModeUntil = now.Add(c.cfg.SafeModePause)
}

// MutexDelay returns the current mutex contention backoff: base doubled per
// consecutive quick exit, capped at the maximum. Zero when no contention.
func (c *Controller) MutexDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutexDelayLocked()
}

func (c *Controller) mutexDelayLocked() time.Duration {
	if c.consecutiveQuickMutex == 0 {
		return 0
	}
	delay := c.cfg.MutexBackoffBase
	for i := 1; i < c.consecutiveQuickMutex; i++ {
		if delay >= c.cfg.MutexBackoffMax {
			break
		}
		delay *= 2
	}
	if delay > c.cfg.MutexBackoffMax {
		delay = c.cfg.MutexBackoffMax
	}
	return delay
}

// NextDelay returns how long to wait, from now, before the next start.
// It composes all active restrictions via max.
func (c *Controller) NextDelay(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	delay := time.Duration(0)

	if !c.lastStartAt.IsZero() {
		if remaining := c.lastStartAt.Add(c.cfg.MinStartSpacing).Sub(now); remaining > delay {
			delay = remaining
		}
	}
	if mutex := c.mutexDelayLocked(); mutex > 0 && !c.lastExitAt.IsZero() {
		if remaining := c.lastExitAt.Add(mutex).Sub(now); remaining > delay {
			delay = remaining
		}
	}
	for _, until := range []time.Time{c.haltedUntil, c.safeModeUntil, c.breakerOpenUntil} {
		if remaining := until.Sub(now); remaining > delay {
			delay = remaining
		}
	}
	return delay
}

// Active returns the names of all restrictions currently contributing a
// nonzero wait, for status reporting.
func (c *Controller) Active(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var active []string
	if !c.lastStartAt.IsZero() && now.Before(c.lastStartAt.Add(c.cfg.MinStartSpacing)) {
		active = append(active, RestrictionSpacing)
	}
	if mutex := c.mutexDelayLocked(); mutex > 0 && !c.lastExitAt.IsZero() &&
		now.Before(c.lastExitAt.Add(mutex)) {
		active = append(active, RestrictionMutex)
	}
	if now.Before(c.haltedUntil) {
		active = append(active, RestrictionCrashLoop)
	}
	if now.Before(c.safeModeUntil) {
		active = append(active, RestrictionSafeMode)
	}
	if now.Before(c.breakerOpenUntil) {
		active = append(active, RestrictionBreaker)
	}
	return active
}
