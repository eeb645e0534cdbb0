// Package window provides sliding-window failure counters keyed by category.
// Each category carries its own window duration; entries older than the
// window are evicted lazily on every read and write.
package window

import (
	"sync"
	"time"
)

// Tracker counts timestamped occurrences per category within a bounded,
// time-ordered window. Safe for concurrent use.
type Tracker struct {
	mu            sync.Mutex
	defaultWindow time.Duration
	windows       map[string]time.Duration
	entries       map[string][]time.Time
}

// NewTracker creates a tracker. Categories without an explicit window use
// defaultWindow.
func NewTracker(defaultWindow time.Duration) *Tracker {
	return &Tracker{
		defaultWindow: defaultWindow,
		windows:       make(map[string]time.Duration),
		entries:       make(map[string][]time.Time),
	}
}

// SetWindow configures the window duration for one category.
func (t *Tracker) SetWindow(category string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows[category] = d
}

// Record appends an occurrence at the given time, evicts entries that have
// fallen out of the category's window, and returns the resulting count.
func (t *Tracker) Record(category string, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[category] = append(t.entries[category], at)
	t.evictLocked(category, at)
	return len(t.entries[category])
}

// Count evicts stale entries relative to now, then returns the remaining
// count for the category.
func (t *Tracker) Count(category string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictLocked(category, now)
	return len(t.entries[category])
}

// Reset clears all entries for a category. Used after a successful repair
// or recovery so the category starts fresh.
func (t *Tracker) Reset(category string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, category)
}

// Categories returns the names of all categories with at least one live
// entry relative to now.
func (t *Tracker) Categories(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var names []string
	for category := range t.entries {
		t.evictLocked(category, now)
		if len(t.entries[category]) > 0 {
			names = append(names, category)
		}
	}
	return names
}

func (t *Tracker) evictLocked(category string, now time.Time) {
	windowDur, ok := t.windows[category]
	if !ok {
		windowDur = t.defaultWindow
	}
	cutoff := now.Add(-windowDur)

	live := t.entries[category]
	idx := 0
	for idx < len(live) && !live[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		t.entries[category] = append([]time.Time(nil), live[idx:]...)
	}
	if len(t.entries[category]) == 0 {
		delete(t.entries, category)
	}
}
