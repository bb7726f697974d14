package recovery

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
)

// PostgresStore persists recovery tasks in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed recovery store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const taskColumns = `escrow_id, operation, outcome, status, attempt_count, last_error,
		       next_retry_at, escalated_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, escrowID string, op escrow.Operation) (*Task, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+`
		FROM recovery_tasks WHERE escrow_id = $1 AND operation = $2`, escrowID, string(op))

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (p *PostgresStore) Upsert(ctx context.Context, t *Task) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO recovery_tasks (
			escrow_id, operation, outcome, status, attempt_count, last_error,
			next_retry_at, escalated_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (escrow_id, operation) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			last_error = EXCLUDED.last_error,
			next_retry_at = EXCLUDED.next_retry_at,
			escalated_at = EXCLUDED.escalated_at,
			updated_at = EXCLUDED.updated_at`,
		t.EscrowID, string(t.Operation), nullString(string(t.Outcome)), string(t.Status), t.AttemptCount,
		nullString(t.LastError), t.NextRetryAt, nullTime(t.EscalatedAt), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, escrowID string, op escrow.Operation) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM recovery_tasks WHERE escrow_id = $1 AND operation = $2`, escrowID, string(op))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+taskColumns+`
		FROM recovery_tasks WHERE escrow_id = $1 ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+taskColumns+`
		FROM recovery_tasks
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

func (p *PostgresStore) Counts(ctx context.Context) (pending, escalated int, err error) {
	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'escalated')
		FROM recovery_tasks`).Scan(&pending, &escalated)
	return pending, escalated, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (*Task, error) {
	t := &Task{}
	var (
		op          string
		outcome     sql.NullString
		status      string
		lastError   sql.NullString
		escalatedAt sql.NullTime
	)
	err := s.Scan(&t.EscrowID, &op, &outcome, &status, &t.AttemptCount, &lastError,
		&t.NextRetryAt, &escalatedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Operation = escrow.Operation(op)
	t.Outcome = escrow.Resolution(outcome.String)
	t.Status = Status(status)
	t.LastError = lastError.String
	if escalatedAt.Valid {
		t.EscalatedAt = &escalatedAt.Time
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var result []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
