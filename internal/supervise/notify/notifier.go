// Package notify delivers human-facing alerts. The supervisor never blocks
// on delivery, and near-identical messages within the dedup window collapse
// to a single alert so cadence changes don't flood anyone.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/sentinel/internal/supervise/classify"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier is the outbound alert contract. Implementations must be
// fire-and-forget; errors are logged, never returned to the caller.
type Notifier interface {
	Notify(ctx context.Context, message string, severity Severity)
}

// Deduper answers whether a normalized message was already sent within the
// window, marking it sent as a side effect.
type Deduper interface {
	Seen(ctx context.Context, fingerprint string, window time.Duration) (bool, error)
}

// MemoryDeduper is the in-process Deduper used when Redis is not configured.
type MemoryDeduper struct {
	mu   sync.Mutex
	sent map[string]time.Time
}

// NewMemoryDeduper creates an in-process deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{sent: make(map[string]time.Time)}
}

// Seen reports whether the fingerprint was marked within the window, and
// marks it now if not. Expired entries are evicted lazily.
func (d *MemoryDeduper) Seen(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for key, at := range d.sent {
		if now.Sub(at) > window {
			delete(d.sent, key)
		}
	}
	if at, ok := d.sent[fingerprint]; ok && now.Sub(at) <= window {
		return true, nil
	}
	d.sent[fingerprint] = now
	return false, nil
}

// DedupNotifier wraps another notifier with time-windowed deduplication
// keyed by the normalized message text.
type DedupNotifier struct {
	inner  Notifier
	dedupe Deduper
	window time.Duration
}

// NewDedupNotifier creates a deduplicating notifier.
func NewDedupNotifier(inner Notifier, dedupe Deduper, window time.Duration) *DedupNotifier {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &DedupNotifier{inner: inner, dedupe: dedupe, window: window}
}

// Notify forwards the message unless a near-identical one was sent within
// the window. Dedup backend failures fail open: better a duplicate alert
// than a swallowed one.
func (n *DedupNotifier) Notify(ctx context.Context, message string, severity Severity) {
	seen, err := n.dedupe.Seen(ctx, classify.Fingerprint(message), n.window)
	if err != nil {
		slog.Warn("Notification dedup check failed", "error", err)
	} else if seen {
		slog.Debug("Suppressed duplicate notification", "message", message)
		return
	}
	n.inner.Notify(ctx, message, severity)
}

// LogNotifier writes alerts to the structured log. It is the production
// default when no external alerting sink is wired in.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, message string, severity Severity) {
	switch severity {
	case SeverityCritical:
		slog.Error("ALERT", "message", message, "severity", severity)
	case SeverityWarning:
		slog.Warn("ALERT", "message", message, "severity", severity)
	default:
		slog.Info("ALERT", "message", message, "severity", severity)
	}
}
