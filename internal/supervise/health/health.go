// Package health provides status reporting and the HTTP monitoring surface.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/sentinel/internal/core/domain"
	"github.com/vietddude/sentinel/internal/infra/storage"
	"github.com/vietddude/sentinel/internal/supervise/recovery"
)

// SystemStatus represents the overall health state of the supervisor.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report is the full status payload served by /health/detailed.
type Report struct {
	Status        SystemStatus               `json:"status"`
	Supervisor    recovery.Snapshot          `json:"supervisor"`
	RecentExits   []*domain.ExitRecord       `json:"recent_exits,omitempty"`
	RecentRepairs []*domain.RepairInvocation `json:"recent_repairs,omitempty"`
}

// Snapshotter yields the orchestrator's current state.
type Snapshotter interface {
	Snapshot() recovery.Snapshot
}

// Monitor aggregates supervisor state and recent audit records into a
// health report. Reports are cached briefly so scrapers can't force
// repeated storage reads.
type Monitor struct {
	source     Snapshotter
	exitRepo   storage.ExitEventRepository
	repairRepo storage.RepairRepository

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport Report
}

// NewMonitor creates a health monitor. Either repository may be nil.
func NewMonitor(source Snapshotter, exitRepo storage.ExitEventRepository, repairRepo storage.RepairRepository) *Monitor {
	return &Monitor{source: source, exitRepo: exitRepo, repairRepo: repairRepo}
}

// Check builds the current health report, rate-limited to once per 5s.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 5*time.Second && m.lastReport.Status != "" {
		return m.lastReport
	}

	snap := m.source.Snapshot()
	report := Report{
		Status:     statusFor(snap),
		Supervisor: snap,
	}

	if m.exitRepo != nil {
		if recent, err := m.exitRepo.Recent(ctx, 20); err == nil {
			report.RecentExits = recent
		}
	}
	if m.repairRepo != nil {
		if recent, err := m.repairRepo.RecentInvocations(ctx, 10); err == nil {
			report.RecentRepairs = recent
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

// statusFor derives the aggregate status: critical while halted or breaker
// open, degraded while backing off, healthy otherwise.
func statusFor(snap recovery.Snapshot) SystemStatus {
	if snap.BreakerOpen || snap.State == recovery.StateHalted {
		return StatusCritical
	}
	if len(snap.ActiveRestrictions) > 0 && !snap.Running {
		return StatusDegraded
	}
	return StatusHealthy
}
