// Package storage defines the repository interfaces for the supervisor's
// durable audit data. PostgreSQL and in-memory implementations live in
// subpackages; the memory implementation backs DSN-less deployments and
// tests.
package storage

import (
	"context"

	"github.com/vietddude/sentinel/internal/core/domain"
)

// ExitEventRepository persists classified exit records for audit.
type ExitEventRepository interface {
	// Add stores one exit record.
	Add(ctx context.Context, rec *domain.ExitRecord) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*domain.ExitRecord, error)
}

// RepairRepository persists repair attempt counters and invocation audit.
// Attempt rows survive supervisor restarts so the per-signature ceiling
// holds across relaunches.
type RepairRepository interface {
	// SaveAttempt inserts or updates the counter row for a signature.
	SaveAttempt(ctx context.Context, attempt *domain.RepairAttempt) error

	// GetAttempts returns all known attempt counters.
	GetAttempts(ctx context.Context) ([]*domain.RepairAttempt, error)

	// AddInvocation appends one invocation audit record.
	AddInvocation(ctx context.Context, inv *domain.RepairInvocation) error

	// RecentInvocations returns up to limit invocations, newest first.
	RecentInvocations(ctx context.Context, limit int) ([]*domain.RepairInvocation, error)
}
