package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/sentinel/internal/core/domain"
)

// ExitEventRepo implements storage.ExitEventRepository using PostgreSQL.
type ExitEventRepo struct {
	db *DB
}

// NewExitEventRepo creates a new PostgreSQL exit record repository.
func NewExitEventRepo(db *DB) *ExitEventRepo {
	return &ExitEventRepo{db: db}
}

// Add stores one exit record.
func (r *ExitEventRepo) Add(ctx context.Context, rec *domain.ExitRecord) error {
	query := `
		INSERT INTO exit_events (id, kind, rule, exit_code, signal, started_at, ended_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		rec.ID,
		string(rec.Kind),
		rec.Rule,
		rec.ExitCode,
		rec.Signal,
		rec.StartedAt,
		rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add exit record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (r *ExitEventRepo) Recent(ctx context.Context, limit int) ([]*domain.ExitRecord, error) {
	query := `
		SELECT id, kind, rule, exit_code, signal, started_at, ended_at, created_at
		FROM exit_events
		ORDER BY created_at DESC
		LIMIT $1
	`

	var rows []struct {
		ID        string    `db:"id"`
		Kind      string    `db:"kind"`
		Rule      string    `db:"rule"`
		ExitCode  *int      `db:"exit_code"`
		Signal    string    `db:"signal"`
		StartedAt time.Time `db:"started_at"`
		EndedAt   time.Time `db:"ended_at"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list exit records: %w", err)
	}

	out := make([]*domain.ExitRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, &domain.ExitRecord{
			ID:        row.ID,
			Kind:      domain.ExitKind(row.Kind),
			Rule:      row.Rule,
			ExitCode:  row.ExitCode,
			Signal:    row.Signal,
			StartedAt: row.StartedAt,
			EndedAt:   row.EndedAt,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}
