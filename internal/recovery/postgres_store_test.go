//go:build integration

package recovery

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEscrow(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, escrow.NewPostgresStore(db).Create(context.Background(), &escrow.Escrow{
		ID:             id,
		ListingID:      "lst_1",
		BuyerAddr:      buyer,
		SellerAddr:     seller,
		TokenAddr:      token,
		Amount:         "100",
		FeeBasisPoints: 250,
		Status:         escrow.StatusValidated,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}))
}

func TestPostgresStore_UpsertGetDelete(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	seedEscrow(t, db, "esc_r1")

	now := time.Now().UTC().Truncate(time.Microsecond)
	task := &Task{
		EscrowID:     "esc_r1",
		Operation:    escrow.OpFund,
		Status:       StatusPending,
		AttemptCount: 1,
		LastError:    "rpc: connection refused",
		NextRetryAt:  now.Add(30 * time.Second),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.Upsert(ctx, task))

	got, err := store.Get(ctx, "esc_r1", escrow.OpFund)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Empty(t, got.Outcome)
	assert.Nil(t, got.EscalatedAt)

	task.AttemptCount = 2
	task.Status = StatusEscalated
	task.EscalatedAt = &now
	require.NoError(t, store.Upsert(ctx, task))

	got, err = store.Get(ctx, "esc_r1", escrow.OpFund)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, StatusEscalated, got.Status)
	require.NotNil(t, got.EscalatedAt)

	pending, escalated, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, escalated)

	require.NoError(t, store.Delete(ctx, "esc_r1", escrow.OpFund))
	assert.ErrorIs(t, store.Delete(ctx, "esc_r1", escrow.OpFund), ErrTaskNotFound)
	_, err = store.Get(ctx, "esc_r1", escrow.OpFund)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestPostgresStore_ListDue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	seedEscrow(t, db, "esc_r2")

	for _, tk := range []*Task{
		{EscrowID: "esc_r2", Operation: escrow.OpFund, Status: StatusPending, NextRetryAt: now.Add(-time.Minute)},
		{EscrowID: "esc_r2", Operation: escrow.OpCancel, Status: StatusPending, NextRetryAt: now.Add(time.Hour)},
		{EscrowID: "esc_r2", Operation: escrow.OpResolve, Outcome: escrow.ResolutionRefund, Status: StatusEscalated, NextRetryAt: now.Add(-time.Hour)},
	} {
		tk.CreatedAt, tk.UpdatedAt = now, now
		require.NoError(t, store.Upsert(ctx, tk))
	}

	due, err := store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, escrow.OpFund, due[0].Operation)

	all, err := store.ListByEscrow(ctx, "esc_r2")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
