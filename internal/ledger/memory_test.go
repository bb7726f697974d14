package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockReq(id string, amount int64) LockRequest {
	return LockRequest{
		EscrowID:       id,
		IdempotencyKey: id + ":lock",
		Buyer:          "0x1111111111111111111111111111111111111111",
		Seller:         "0x2222222222222222222222222222222222222222",
		Token:          "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
		Amount:         big.NewInt(amount),
	}
}

func TestMemoryClient_LockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()

	r1, err := m.Lock(ctx, lockReq("esc_1", 100))
	require.NoError(t, err)
	assert.False(t, r1.Replayed)

	r2, err := m.Lock(ctx, lockReq("esc_1", 100))
	require.NoError(t, err)
	assert.True(t, r2.Replayed)
	assert.Equal(t, r1.TxHash, r2.TxHash)

	assert.Equal(t, 2, m.Calls(OpLock))
	assert.Equal(t, 1, m.Applied(OpLock))

	_, err = m.Lock(ctx, lockReq("esc_1", 200))
	assert.ErrorIs(t, err, ErrRequestMismatch)
}

func TestMemoryClient_ReleaseConservesFunds(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	_, err := m.Lock(ctx, lockReq("esc_1", 100))
	require.NoError(t, err)

	_, err = m.Release(ctx, ReleaseRequest{EscrowID: "esc_1", IdempotencyKey: "k", SellerAmount: big.NewInt(90), Fee: big.NewInt(5)})
	assert.ErrorIs(t, err, ErrRequestMismatch, "seller amount + fee must equal custody")

	r, err := m.Release(ctx, ReleaseRequest{EscrowID: "esc_1", IdempotencyKey: "k", SellerAmount: big.NewInt(98), Fee: big.NewInt(2)})
	require.NoError(t, err)
	assert.Equal(t, "98", r.Amount)
	assert.Equal(t, "2", r.Fee)

	p, ok := m.Position("esc_1")
	require.True(t, ok)
	assert.Equal(t, CustodyReleased, p.State)
	assert.Equal(t, int64(100), new(big.Int).Add(p.SellerAmount, p.Fee).Int64())

	_, err = m.Refund(ctx, RefundRequest{EscrowID: "esc_1", IdempotencyKey: "r"})
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.False(t, Transient(err))
}

func TestMemoryClient_RefundRequiresCustody(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()

	_, err := m.Refund(ctx, RefundRequest{EscrowID: "nope", IdempotencyKey: "r"})
	assert.ErrorIs(t, err, ErrNotLocked)

	_, err = m.Lock(ctx, lockReq("esc_1", 100))
	require.NoError(t, err)
	r, err := m.Refund(ctx, RefundRequest{EscrowID: "esc_1", IdempotencyKey: "r"})
	require.NoError(t, err)
	assert.Equal(t, "100", r.Amount)

	r, err = m.Refund(ctx, RefundRequest{EscrowID: "esc_1", IdempotencyKey: "r"})
	require.NoError(t, err)
	assert.True(t, r.Replayed)
	assert.Equal(t, 1, m.Applied(OpRefund))
}

func TestMemoryClient_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	boom := errors.New("rpc unavailable")

	m.FailNext(OpLock, 1, boom)
	_, err := m.Lock(ctx, lockReq("esc_1", 100))
	require.ErrorIs(t, err, boom)
	assert.True(t, Transient(err))
	_, ok := m.Position("esc_1")
	assert.False(t, ok, "failed call must not apply")

	m.LoseNextResponse(OpLock, 1)
	_, err = m.Lock(ctx, lockReq("esc_1", 100))
	require.ErrorIs(t, err, ErrLostResponse)
	_, ok = m.Position("esc_1")
	assert.True(t, ok, "lost response still applied")

	r, err := m.Lock(ctx, lockReq("esc_1", 100))
	require.NoError(t, err)
	assert.True(t, r.Replayed)
	assert.Equal(t, 1, m.Applied(OpLock))
}

func TestMemoryClient_Latency(t *testing.T) {
	m := NewMemoryClient()
	m.SetLatency(OpLock, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Lock(ctx, lockReq("esc_1", 100))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValidateRequests(t *testing.T) {
	m := NewMemoryClient()
	_, err := m.Lock(context.Background(), LockRequest{EscrowID: "e", IdempotencyKey: "k", Amount: big.NewInt(0)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = m.Release(context.Background(), ReleaseRequest{EscrowID: "e"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = m.Refund(context.Background(), RefundRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
