package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/escrowd/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	delivery, err := deliveryJSON(e.DeliveryInfo)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, idempotency_key, listing_id, buyer_addr, seller_addr, token_addr,
			amount, fee_basis_points, status, delivery_info,
			dispute_id, resolution, pending_operation, cancel_requested_by, cancel_reason,
			released_amount, fee_amount, refunded_amount, lock_tx_hash, settle_tx_hash,
			created_at, locked_at, delivery_confirmed_at, resolved_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(78,0), $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16::NUMERIC(78,0), $17::NUMERIC(78,0), $18::NUMERIC(78,0), $19, $20,
			$21, $22, $23, $24, $25, $26
		)`,
		e.ID, nullString(e.IdempotencyKey), e.ListingID, e.BuyerAddr, e.SellerAddr, e.TokenAddr,
		e.Amount, e.FeeBasisPoints, string(e.Status), delivery,
		nullString(e.DisputeID), nullString(string(e.Resolution)), nullString(string(e.PendingOperation)),
		nullString(e.CancelRequestedBy), nullString(e.CancelReason),
		nullString(e.ReleasedAmount), nullString(e.FeeAmount), nullString(e.RefundedAmount),
		nullString(e.LockTxHash), nullString(e.SettleTxHash),
		e.CreatedAt, nullTime(e.LockedAt), nullTime(e.DeliveryConfirmedAt), nullTime(e.ResolvedAt), e.UpdatedAt, e.Version,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && pqErr.Constraint == "escrows_idempotency_key_key" {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

const escrowColumns = `id, idempotency_key, listing_id, buyer_addr, seller_addr, token_addr,
		       amount::TEXT, fee_basis_points, status, delivery_info,
		       dispute_id, resolution, pending_operation, cancel_requested_by, cancel_reason,
		       released_amount::TEXT, fee_amount::TEXT, refunded_amount::TEXT, lock_tx_hash, settle_tx_hash,
		       created_at, locked_at, delivery_confirmed_at, resolved_at, updated_at, version`

func (p *PostgresStore) Load(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) LoadByIdempotencyKey(ctx context.Context, key string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE idempotency_key = $1`, key)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Save writes every mutable column if the stored version still matches
// e.Version, then bumps e.Version.
func (p *PostgresStore) Save(ctx context.Context, e *Escrow) error {
	delivery, err := deliveryJSON(e.DeliveryInfo)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, delivery_info = $2, dispute_id = $3, resolution = $4,
			pending_operation = $5, cancel_requested_by = $6, cancel_reason = $7,
			released_amount = $8::NUMERIC(78,0), fee_amount = $9::NUMERIC(78,0), refunded_amount = $10::NUMERIC(78,0),
			lock_tx_hash = $11, settle_tx_hash = $12,
			locked_at = $13, delivery_confirmed_at = $14, resolved_at = $15, updated_at = $16,
			version = version + 1
		WHERE id = $17 AND version = $18`,
		string(e.Status), delivery, nullString(e.DisputeID), nullString(string(e.Resolution)),
		nullString(string(e.PendingOperation)), nullString(e.CancelRequestedBy), nullString(e.CancelReason),
		nullString(e.ReleasedAmount), nullString(e.FeeAmount), nullString(e.RefundedAmount),
		nullString(e.LockTxHash), nullString(e.SettleTxHash),
		nullTime(e.LockedAt), nullTime(e.DeliveryConfirmedAt), nullTime(e.ResolvedAt), e.UpdatedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	if err := p.checkSwapped(ctx, result, e.ID); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (p *PostgresStore) CompareAndSwapStatus(ctx context.Context, id string, from, to Status, version int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $1, updated_at = NOW(), version = version + 1
		WHERE id = $2 AND status = $3 AND version = $4`,
		string(to), id, string(from), version,
	)
	if err != nil {
		return err
	}
	return p.checkSwapped(ctx, result, id)
}

// checkSwapped tells a lost version race apart from a missing row.
func (p *PostgresStore) checkSwapped(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrEscrowNotFound
	}
	return ErrVersionConflict
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE buyer_addr = $1 OR seller_addr = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, addr, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE (buyer_addr = $1 OR seller_addr = $1)
			  AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, addr, limit, after.CreatedAt, after.ID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		idempotencyKey      sql.NullString
		status              string
		delivery            []byte
		disputeID           sql.NullString
		resolution          sql.NullString
		pendingOperation    sql.NullString
		cancelRequestedBy   sql.NullString
		cancelReason        sql.NullString
		releasedAmount      sql.NullString
		feeAmount           sql.NullString
		refundedAmount      sql.NullString
		lockTxHash          sql.NullString
		settleTxHash        sql.NullString
		lockedAt            sql.NullTime
		deliveryConfirmedAt sql.NullTime
		resolvedAt          sql.NullTime
	)

	err := s.Scan(
		&e.ID, &idempotencyKey, &e.ListingID, &e.BuyerAddr, &e.SellerAddr, &e.TokenAddr,
		&e.Amount, &e.FeeBasisPoints, &status, &delivery,
		&disputeID, &resolution, &pendingOperation, &cancelRequestedBy, &cancelReason,
		&releasedAmount, &feeAmount, &refundedAmount, &lockTxHash, &settleTxHash,
		&e.CreatedAt, &lockedAt, &deliveryConfirmedAt, &resolvedAt, &e.UpdatedAt, &e.Version,
	)
	if err != nil {
		return nil, err
	}

	e.IdempotencyKey = idempotencyKey.String
	e.Status = Status(status)
	if len(delivery) > 0 && string(delivery) != "null" {
		e.DeliveryInfo = &DeliveryInfo{}
		if err := json.Unmarshal(delivery, e.DeliveryInfo); err != nil {
			return nil, err
		}
	}
	e.DisputeID = disputeID.String
	e.Resolution = Resolution(resolution.String)
	e.PendingOperation = Operation(pendingOperation.String)
	e.CancelRequestedBy = cancelRequestedBy.String
	e.CancelReason = cancelReason.String
	e.ReleasedAmount = releasedAmount.String
	e.FeeAmount = feeAmount.String
	e.RefundedAmount = refundedAmount.String
	e.LockTxHash = lockTxHash.String
	e.SettleTxHash = settleTxHash.String
	if lockedAt.Valid {
		e.LockedAt = &lockedAt.Time
	}
	if deliveryConfirmedAt.Valid {
		e.DeliveryConfirmedAt = &deliveryConfirmedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func deliveryJSON(d *DeliveryInfo) (interface{}, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
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
