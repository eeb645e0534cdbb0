package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/sentinel/internal/core/domain"
)

// RepairRepo implements storage.RepairRepository using PostgreSQL.
type RepairRepo struct {
	db *DB
}

// NewRepairRepo creates a new PostgreSQL repair repository.
func NewRepairRepo(db *DB) *RepairRepo {
	return &RepairRepo{db: db}
}

// SaveAttempt inserts or updates the counter row for a signature.
func (r *RepairRepo) SaveAttempt(ctx context.Context, attempt *domain.RepairAttempt) error {
	query := `
		INSERT INTO repair_attempts (signature, attempt_count, last_attempt_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (signature)
		DO UPDATE SET attempt_count = $2, last_attempt_at = $3
	`
	_, err := r.db.ExecContext(ctx, query, attempt.Signature, attempt.AttemptCount, attempt.LastAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to save repair attempt: %w", err)
	}
	return nil
}

// GetAttempts returns all known attempt counters.
func (r *RepairRepo) GetAttempts(ctx context.Context) ([]*domain.RepairAttempt, error) {
	query := `SELECT signature, attempt_count, last_attempt_at FROM repair_attempts`

	var rows []struct {
		Signature     string    `db:"signature"`
		AttemptCount  int       `db:"attempt_count"`
		LastAttemptAt time.Time `db:"last_attempt_at"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list repair attempts: %w", err)
	}

	out := make([]*domain.RepairAttempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, &domain.RepairAttempt{
			Signature:     row.Signature,
			AttemptCount:  row.AttemptCount,
			LastAttemptAt: row.LastAttemptAt,
		})
	}
	return out, nil
}

// AddInvocation appends one invocation audit record.
func (r *RepairRepo) AddInvocation(ctx context.Context, inv *domain.RepairInvocation) error {
	query := `
		INSERT INTO repair_invocations (id, signature, diagnostic, success, fixed, output, error_msg, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		inv.ID,
		inv.Signature,
		inv.Diagnostic,
		inv.Success,
		inv.Fixed,
		inv.Output,
		inv.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to add repair invocation: %w", err)
	}
	return nil
}

// RecentInvocations returns up to limit invocations, newest first.
func (r *RepairRepo) RecentInvocations(ctx context.Context, limit int) ([]*domain.RepairInvocation, error) {
	query := `
		SELECT id, signature, diagnostic, success, fixed, output, error_msg, created_at
		FROM repair_invocations
		ORDER BY created_at DESC
		LIMIT $1
	`

	var rows []struct {
		ID         string    `db:"id"`
		Signature  string    `db:"signature"`
		Diagnostic string    `db:"diagnostic"`
		Success    bool      `db:"success"`
		Fixed      bool      `db:"fixed"`
		Output     string    `db:"output"`
		ErrorMsg   string    `db:"error_msg"`
		CreatedAt  time.Time `db:"created_at"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list repair invocations: %w", err)
	}

	out := make([]*domain.RepairInvocation, 0, len(rows))
	for _, row := range rows {
		out = append(out, &domain.RepairInvocation{
			ID:         row.ID,
			Signature:  row.Signature,
			Diagnostic: row.Diagnostic,
			Success:    row.Success,
			Fixed:      row.Fixed,
			Output:     row.Output,
			Error:      row.ErrorMsg,
			CreatedAt:  row.CreatedAt,
		})
	}
	return out, nil
}
