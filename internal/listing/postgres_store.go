package listing

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// PostgresStore reads and writes the listings table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	l := &Listing{}
	var title sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, seller_addr, title, active, created_at, updated_at
		FROM listings WHERE id = $1`, id,
	).Scan(&l.ID, &l.SellerAddr, &title, &l.Active, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Title = title.String
	return l, nil
}

func (p *PostgresStore) Put(ctx context.Context, l *Listing) error {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (id, seller_addr, title, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			seller_addr = EXCLUDED.seller_addr,
			title = EXCLUDED.title,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		l.ID, strings.ToLower(l.SellerAddr), sql.NullString{String: l.Title, Valid: l.Title != ""}, l.Active, now,
	)
	return err
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE listings SET active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrListingNotFound
	}
	return nil
}
