package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/escrowd/internal/escrow"
)

// PostgresStore persists disputes in PostgreSQL. Evidence and ballots are
// stored as JSONB arrays on the dispute row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const disputeColumns = `id, escrow_id, buyer_addr, seller_addr, opened_by, reason, status,
		       evidence, votes, evidence_deadline, deadline, outcome, buyer_weight, seller_weight,
		       resolve_trigger, apply_error, resolved_at, archived_at, created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidence, votes, err := encodeLists(d)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, buyer_addr, seller_addr, opened_by, reason, status,
			evidence, votes, evidence_deadline, deadline, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`,
		d.ID, d.EscrowID, d.BuyerAddr, d.SellerAddr, d.OpenedBy, d.Reason, string(d.Status),
		evidence, votes, d.EvidenceDeadline, d.Deadline, d.CreatedAt, d.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && pqErr.Constraint == "idx_disputes_escrow_active" {
		return ErrActiveDisputeExists
	}
	if err != nil {
		return err
	}
	d.Version = 1
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Save(ctx context.Context, d *Dispute) error {
	evidence, votes, err := encodeLists(d)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, evidence = $3, votes = $4, evidence_deadline = $5, deadline = $6,
			outcome = $7, buyer_weight = $8, seller_weight = $9, resolve_trigger = $10,
			apply_error = $11, resolved_at = $12, archived_at = $13, updated_at = $14,
			version = version + 1
		WHERE id = $1 AND version = $15`,
		d.ID, string(d.Status), evidence, votes, d.EvidenceDeadline, d.Deadline,
		nullString(string(d.Outcome)), d.BuyerWeight, d.SellerWeight, nullString(string(d.Trigger)),
		nullString(d.ApplyError), nullTime(d.ResolvedAt), nullTime(d.ArchivedAt), d.UpdatedAt, d.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, d.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+`
		FROM disputes WHERE escrow_id = $1
		ORDER BY (archived_at IS NULL) DESC, created_at DESC
		LIMIT 1`, escrowID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+disputeColumns+`
		FROM disputes
		WHERE archived_at IS NULL
		  AND (status = 'resolved' OR deadline <= $1)
		ORDER BY deadline
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status                 string
		evidence, votes        []byte
		outcome, trigger       sql.NullString
		applyError             sql.NullString
		resolvedAt, archivedAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.EscrowID, &d.BuyerAddr, &d.SellerAddr, &d.OpenedBy, &d.Reason, &status,
		&evidence, &votes, &d.EvidenceDeadline, &d.Deadline, &outcome, &d.BuyerWeight, &d.SellerWeight,
		&trigger, &applyError, &resolvedAt, &archivedAt, &d.CreatedAt, &d.UpdatedAt, &d.Version)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Outcome = escrow.Resolution(outcome.String)
	d.Trigger = Trigger(trigger.String)
	d.ApplyError = applyError.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if archivedAt.Valid {
		d.ArchivedAt = &archivedAt.Time
	}
	if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	if err := json.Unmarshal(votes, &d.Votes); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}
	return d, nil
}

func encodeLists(d *Dispute) (evidence, votes []byte, err error) {
	ev := d.Evidence
	if ev == nil {
		ev = []Evidence{}
	}
	vs := d.Votes
	if vs == nil {
		vs = []Vote{}
	}
	if evidence, err = json.Marshal(ev); err != nil {
		return nil, nil, err
	}
	if votes, err = json.Marshal(vs); err != nil {
		return nil, nil, err
	}
	return evidence, votes, nil
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
