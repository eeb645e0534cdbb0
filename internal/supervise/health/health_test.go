package health

import (
	"context"
	"testing"

	"github.com/vietddude/sentinel/internal/supervise/recovery"
)

type staticSnapshotter struct {
	snap recovery.Snapshot
}

func (s staticSnapshotter) Snapshot() recovery.Snapshot { return s.snap }

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name string
		snap recovery.Snapshot
		want SystemStatus
	}{
		{
			name: "running child is healthy",
			snap: recovery.Snapshot{State: recovery.StateRunning, Running: true},
			want: StatusHealthy,
		},
		{
			name: "open breaker is critical",
			snap: recovery.Snapshot{State: recovery.StateExited, BreakerOpen: true},
			want: StatusCritical,
		},
		{
			name: "halted is critical",
			snap: recovery.Snapshot{State: recovery.StateHalted},
			want: StatusCritical,
		},
		{
			name: "backing off while down is degraded",
			snap: recovery.Snapshot{
				State:              recovery.StateExited,
				ActiveRestrictions: []string{"mutex_backoff"},
			},
			want: StatusDegraded,
		},
		{
			name: "restricted but running is healthy",
			snap: recovery.Snapshot{
				State:              recovery.StateRunning,
				Running:            true,
				ActiveRestrictions: []string{"start_spacing"},
			},
			want: StatusHealthy,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusFor(tc.snap); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestMonitor_ReportIsCached(t *testing.T) {
	m := NewMonitor(staticSnapshotter{recovery.Snapshot{State: recovery.StateRunning, Running: true}}, nil, nil)

	first := m.Check(context.Background())
	second := m.Check(context.Background())

	if first.Status != StatusHealthy || second.Status != StatusHealthy {
		t.Errorf("expected healthy reports, got %s then %s", first.Status, second.Status)
	}
}
