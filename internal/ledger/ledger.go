// Package ledger is the custody client contract: the escrow engine locks,
// releases and refunds funds through it and nothing else moves money.
//
// Every call carries an idempotency key derived from the escrow ID and the
// logical operation. Implementations must treat a repeated key as the same
// request: a retry of an already-applied call returns the original outcome
// instead of moving funds a second time. Calls either succeed or fail as a
// whole; partial success is never reported.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Operation names a custody primitive.
type Operation string

const (
	OpLock    Operation = "lock"
	OpRelease Operation = "release"
	OpRefund  Operation = "refund"
)

var (
	ErrTimeout         = errors.New("ledger: call timed out")
	ErrCircuitOpen     = errors.New("ledger: circuit open")
	ErrNotLocked       = errors.New("ledger: no funds in custody for escrow")
	ErrAlreadySettled  = errors.New("ledger: custody already settled the other way")
	ErrRequestMismatch = errors.New("ledger: idempotent replay with different parameters")
	ErrInvalidRequest  = errors.New("ledger: invalid request")
)

// CallError wraps a failed call with the operation and escrow it targeted.
type CallError struct {
	Op       Operation
	EscrowID string
	TxHash   string
	Err      error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("ledger: %s %s failed (tx: %s): %v", e.Op, e.EscrowID, e.TxHash, e.Err)
	}
	return fmt.Sprintf("ledger: %s %s failed: %v", e.Op, e.EscrowID, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// LockRequest moves Amount of Token from the buyer into custody.
type LockRequest struct {
	EscrowID       string
	IdempotencyKey string
	Buyer          string
	Seller         string
	Token          string
	Amount         *big.Int
}

// ReleaseRequest pays the seller SellerAmount and the protocol Fee out of custody.
type ReleaseRequest struct {
	EscrowID       string
	IdempotencyKey string
	Seller         string
	SellerAmount   *big.Int
	Fee            *big.Int
}

// RefundRequest returns the full custody amount to the buyer.
type RefundRequest struct {
	EscrowID       string
	IdempotencyKey string
	Buyer          string
}

// Receipt confirms an applied custody call.
type Receipt struct {
	Operation      Operation `json:"operation"`
	EscrowID       string    `json:"escrowId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	TxHash         string    `json:"txHash,omitempty"`
	Amount         string    `json:"amount"`
	Fee            string    `json:"fee,omitempty"`
	Replayed       bool      `json:"replayed"`
	ConfirmedAt    time.Time `json:"confirmedAt"`
}

// Client is the custody contract consumed by the escrow engine.
type Client interface {
	Lock(ctx context.Context, req LockRequest) (*Receipt, error)
	Release(ctx context.Context, req ReleaseRequest) (*Receipt, error)
	Refund(ctx context.Context, req RefundRequest) (*Receipt, error)
}

func (r LockRequest) validate() error {
	if r.EscrowID == "" || r.IdempotencyKey == "" {
		return fmt.Errorf("%w: escrow id and idempotency key required", ErrInvalidRequest)
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

func (r ReleaseRequest) validate() error {
	if r.EscrowID == "" || r.IdempotencyKey == "" {
		return fmt.Errorf("%w: escrow id and idempotency key required", ErrInvalidRequest)
	}
	if r.SellerAmount == nil || r.Fee == nil || r.SellerAmount.Sign() < 0 || r.Fee.Sign() < 0 {
		return fmt.Errorf("%w: seller amount and fee must be non-negative", ErrInvalidRequest)
	}
	return nil
}

func (r RefundRequest) validate() error {
	if r.EscrowID == "" || r.IdempotencyKey == "" {
		return fmt.Errorf("%w: escrow id and idempotency key required", ErrInvalidRequest)
	}
	return nil
}

// Transient reports whether err may succeed on retry. Contract violations
// (mismatched replays, settling the wrong way, bad requests) never will.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrRequestMismatch) &&
		!errors.Is(err, ErrAlreadySettled) &&
		!errors.Is(err, ErrInvalidRequest) &&
		!errors.Is(err, ErrNotLocked)
}
