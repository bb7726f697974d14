//go:build integration

package dispute

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
		Status:         escrow.StatusDisputed,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}))
}

func newPGDispute(id, escrowID string) *Dispute {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Dispute{
		ID:               id,
		EscrowID:         escrowID,
		BuyerAddr:        buyer,
		SellerAddr:       seller,
		OpenedBy:         buyer,
		Reason:           "never arrived",
		Status:           StatusOpen,
		EvidenceDeadline: now.Add(time.Hour),
		Deadline:         now.Add(2 * time.Hour),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestPostgresStore_CreateGetSave(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	seedEscrow(t, db, "esc_pg1")

	d := newPGDispute("dsp_pg1", "esc_pg1")
	require.NoError(t, store.Create(ctx, d))
	assert.Equal(t, int64(1), d.Version)

	got, err := store.Get(ctx, "dsp_pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Empty(t, got.Votes)
	assert.Empty(t, got.Evidence)

	now := time.Now().UTC().Truncate(time.Microsecond)
	got.Status = StatusVoting
	got.Evidence = append(got.Evidence, Evidence{SubmittedBy: buyer, Content: "ipfs://x", SubmittedAt: now})
	got.Votes = append(got.Votes, Vote{Voter: voterA, SideForBuyer: true, Weight: 30, CastAt: now})
	require.NoError(t, store.Save(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	reloaded, err := store.Get(ctx, "dsp_pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusVoting, reloaded.Status)
	require.Len(t, reloaded.Votes, 1)
	assert.Equal(t, 30, reloaded.Votes[0].Weight)
	require.Len(t, reloaded.Evidence, 1)
	assert.Equal(t, "ipfs://x", reloaded.Evidence[0].Content)

	// A stale copy loses.
	d.Status = StatusResolved
	assert.ErrorIs(t, store.Save(ctx, d), ErrVersionConflict)

	_, err = store.Get(ctx, "dsp_missing")
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}

func TestPostgresStore_OneActiveDisputePerEscrow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	seedEscrow(t, db, "esc_pg2")

	first := newPGDispute("dsp_a", "esc_pg2")
	require.NoError(t, store.Create(ctx, first))
	assert.ErrorIs(t, store.Create(ctx, newPGDispute("dsp_b", "esc_pg2")), ErrActiveDisputeExists)

	now := time.Now().UTC().Truncate(time.Microsecond)
	first.Status = StatusResolved
	first.Outcome = escrow.ResolutionRefund
	first.ResolvedAt = &now
	first.ArchivedAt = &now
	require.NoError(t, store.Save(ctx, first))

	got, err := store.GetByEscrow(ctx, "esc_pg2")
	require.NoError(t, err)
	assert.Equal(t, "dsp_a", got.ID)
	assert.Equal(t, escrow.ResolutionRefund, got.Outcome)
	require.NotNil(t, got.ArchivedAt)

	require.NoError(t, store.Delete(ctx, "dsp_a"))
	assert.ErrorIs(t, store.Delete(ctx, "dsp_a"), ErrDisputeNotFound)
}

func TestPostgresStore_ListDue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	seedEscrow(t, db, "esc_due")
	due := newPGDispute("dsp_due", "esc_due")
	due.Deadline = now.Add(-time.Minute)
	require.NoError(t, store.Create(ctx, due))

	seedEscrow(t, db, "esc_open")
	require.NoError(t, store.Create(ctx, newPGDispute("dsp_open", "esc_open")))

	seedEscrow(t, db, "esc_failed")
	failed := newPGDispute("dsp_failed", "esc_failed")
	require.NoError(t, store.Create(ctx, failed))
	failed.Status = StatusResolved
	failed.Outcome = escrow.ResolutionRelease
	failed.ResolvedAt = &now
	failed.ApplyError = "rpc: connection refused"
	require.NoError(t, store.Save(ctx, failed))

	seedEscrow(t, db, "esc_frozen")
	frozen := newPGDispute("dsp_frozen", "esc_frozen")
	require.NoError(t, store.Create(ctx, frozen))
	frozen.Status = StatusResolved
	frozen.Outcome = escrow.ResolutionRefund
	frozen.ResolvedAt = &now
	require.NoError(t, store.Save(ctx, frozen))

	seedEscrow(t, db, "esc_archived")
	archived := newPGDispute("dsp_archived", "esc_archived")
	require.NoError(t, store.Create(ctx, archived))
	archived.Status = StatusResolved
	archived.Outcome = escrow.ResolutionRefund
	archived.ResolvedAt = &now
	archived.ArchivedAt = &now
	require.NoError(t, store.Save(ctx, archived))

	list, err := store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, d := range list {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"dsp_due", "dsp_failed", "dsp_frozen"}, ids)
}
