// Package memory provides in-process implementations of the storage
// repositories, used when no database DSN is configured and in tests.
package memory

import (
	"context"
	"sync"

	"github.com/vietddude/sentinel/internal/core/domain"
)

// ExitEventRepo keeps exit records in a bounded in-memory slice.
type ExitEventRepo struct {
	mu      sync.Mutex
	records []*domain.ExitRecord
	limit   int
}

// NewExitEventRepo creates an in-memory exit record repository retaining at
// most limit records.
func NewExitEventRepo(limit int) *ExitEventRepo {
	if limit <= 0 {
		limit = 500
	}
	return &ExitEventRepo{limit: limit}
}

// Add stores one exit record, discarding the oldest beyond the cap.
func (r *ExitEventRepo) Add(ctx context.Context, rec *domain.ExitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if len(r.records) > r.limit {
		r.records = r.records[len(r.records)-r.limit:]
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (r *ExitEventRepo) Recent(ctx context.Context, limit int) ([]*domain.ExitRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.ExitRecord, 0, limit)
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.records[i])
	}
	return out, nil
}

// RepairRepo keeps repair attempt counters and invocation audit in memory.
type RepairRepo struct {
	mu          sync.Mutex
	attempts    map[string]*domain.RepairAttempt
	invocations []*domain.RepairInvocation
	limit       int
}

// NewRepairRepo creates an in-memory repair repository.
func NewRepairRepo() *RepairRepo {
	return &RepairRepo{
		attempts: make(map[string]*domain.RepairAttempt),
		limit:    200,
	}
}

// SaveAttempt inserts or updates the counter row for a signature.
func (r *RepairRepo) SaveAttempt(ctx context.Context, attempt *domain.RepairAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *attempt
	r.attempts[attempt.Signature] = &cp
	return nil
}

// GetAttempts returns all known attempt counters.
func (r *RepairRepo) GetAttempts(ctx context.Context) ([]*domain.RepairAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.RepairAttempt, 0, len(r.attempts))
	for _, a := range r.attempts {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// AddInvocation appends one invocation audit record.
func (r *RepairRepo) AddInvocation(ctx context.Context, inv *domain.RepairInvocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invocations = append(r.invocations, inv)
	if len(r.invocations) > r.limit {
		r.invocations = r.invocations[len(r.invocations)-r.limit:]
	}
	return nil
}

// RecentInvocations returns up to limit invocations, newest first.
func (r *RepairRepo) RecentInvocations(ctx context.Context, limit int) ([]*domain.RepairInvocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.RepairInvocation, 0, limit)
	for i := len(r.invocations) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.invocations[i])
	}
	return out, nil
}
