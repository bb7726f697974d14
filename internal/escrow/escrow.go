// Package escrow owns the lifecycle of a custodial hold of a buyer's payment.
//
// Flow:
//  1. Buyer creates the escrow against a seller's listing (no funds move)
//  2. Buyer locks funds → ledger lock
//  3. Seller ships and confirms delivery
//  4. Buyer approves → ledger release (amount minus fee to seller, fee to protocol)
//  5. Either party disputes → the dispute outcome releases or refunds
//  6. Cancel before lock, or after lock by mutual consent or admin → refund
//
// Every transition is a state check plus at most one ledger call. The state
// only advances once the ledger confirms; a failed or timed-out call leaves
// the escrow in its last confirmed state with the operation queued for
// recovery.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/validation"
)

var (
	ErrEscrowNotFound          = errors.New("escrow not found")
	ErrValidation              = errors.New("escrow request failed validation")
	ErrNotAuthorized           = errors.New("not authorized for this escrow operation")
	ErrInvalidTransition       = errors.New("invalid escrow state transition")
	ErrLedgerCallFailed        = errors.New("ledger call failed")
	ErrVersionConflict         = errors.New("escrow was modified concurrently")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrStateNotPersisted       = errors.New("funds moved but escrow state not persisted")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated           Status = "created"
	StatusValidated         Status = "validated"
	StatusFundsLocked       Status = "funds_locked"
	StatusDeliveryPending   Status = "delivery_pending"
	StatusDeliveryConfirmed Status = "delivery_confirmed"
	StatusApproved          Status = "approved"  // released to seller
	StatusDisputed          Status = "disputed"  // awaiting dispute outcome
	StatusResolved          Status = "resolved"  // dispute outcome applied
	StatusCancelled         Status = "cancelled" // refunded, or never funded
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusResolved, StatusCancelled:
		return true
	}
	return false
}

// Locked reports whether funds sit in custody in status s.
func (s Status) Locked() bool {
	switch s {
	case StatusFundsLocked, StatusDeliveryPending, StatusDeliveryConfirmed, StatusDisputed:
		return true
	}
	return false
}

// Operation is a logical ledger-moving operation tracked by recovery.
type Operation string

const (
	OpFund    Operation = "fund"    // ledger lock
	OpConfirm Operation = "confirm" // ledger release after approval
	OpResolve Operation = "resolve" // ledger release or refund for a dispute outcome
	OpCancel  Operation = "cancel"  // ledger refund after a post-lock cancel
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, bool) {
	switch op := Operation(s); op {
	case OpFund, OpConfirm, OpResolve, OpCancel:
		return op, true
	}
	return "", false
}

// Resolution is the frozen outcome of a dispute.
type Resolution string

const (
	ResolutionRelease Resolution = "release_to_seller"
	ResolutionRefund  Resolution = "refund_to_buyer"
)

// DeliveryInfo is the seller's proof-of-delivery metadata. The engine
// stores it and never interprets it.
type DeliveryInfo struct {
	Carrier     string `json:"carrier,omitempty"`
	TrackingRef string `json:"trackingRef,omitempty"`
	ProofURI    string `json:"proofUri,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Escrow is the canonical record of one custodial hold.
type Escrow struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	ListingID      string `json:"listingId"`
	BuyerAddr      string `json:"buyerAddr"`
	SellerAddr     string `json:"sellerAddr"`
	TokenAddr      string `json:"tokenAddr"`
	Amount         string `json:"amount"` // integer base units
	FeeBasisPoints int    `json:"feeBasisPoints"`
	Status         Status `json:"status"`

	DeliveryInfo *DeliveryInfo `json:"deliveryInfo,omitempty"`

	DisputeID  string     `json:"disputeId,omitempty"`
	Resolution Resolution `json:"resolution,omitempty"`

	// PendingOperation is set while a ledger call for this escrow awaits
	// recovery. No other transition is accepted until it clears.
	PendingOperation Operation `json:"pendingOperation,omitempty"`

	CancelRequestedBy string `json:"cancelRequestedBy,omitempty"`
	CancelReason      string `json:"cancelReason,omitempty"`

	ReleasedAmount string `json:"releasedAmount,omitempty"`
	FeeAmount      string `json:"feeAmount,omitempty"`
	RefundedAmount string `json:"refundedAmount,omitempty"`
	LockTxHash     string `json:"lockTxHash,omitempty"`
	SettleTxHash   string `json:"settleTxHash,omitempty"`

	CreatedAt           time.Time  `json:"createdAt"`
	LockedAt            *time.Time `json:"lockedAt,omitempty"`
	DeliveryConfirmedAt *time.Time `json:"deliveryConfirmedAt,omitempty"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`

	Version int64 `json:"version"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// IsParty reports whether addr is the buyer or the seller.
func (e *Escrow) IsParty(addr string) bool {
	return addr != "" && (addr == e.BuyerAddr || addr == e.SellerAddr)
}

// Parties returns buyer and seller.
func (e *Escrow) Parties() []string {
	return []string{e.BuyerAddr, e.SellerAddr}
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.DeliveryInfo != nil {
		d := *e.DeliveryInfo
		cp.DeliveryInfo = &d
	}
	cp.LockedAt = copyTime(e.LockedAt)
	cp.DeliveryConfirmedAt = copyTime(e.DeliveryConfirmedAt)
	cp.ResolvedAt = copyTime(e.ResolvedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StatusView is the status enum plus lifecycle timestamps.
type StatusView struct {
	ID                  string     `json:"id"`
	Status              Status     `json:"status"`
	PendingOperation    Operation  `json:"pendingOperation,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	LockedAt            *time.Time `json:"lockedAt,omitempty"`
	DeliveryConfirmedAt *time.Time `json:"deliveryConfirmedAt,omitempty"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// FundsState tells the caller whether the fund movement behind a request
// is confirmed, separately from whether the request was accepted.
type FundsState string

const (
	FundsUnchanged FundsState = "unchanged" // no ledger call involved
	FundsConfirmed FundsState = "confirmed" // ledger confirmed the call
	FundsPending   FundsState = "pending"   // call failed or timed out; queued for recovery
)

// Result is the outcome of a transition request.
type Result struct {
	Escrow      *Escrow         `json:"escrow"`
	Accepted    bool            `json:"accepted"`
	Funds       FundsState      `json:"funds"`
	Receipt     *ledger.Receipt `json:"receipt,omitempty"`
	LedgerError string          `json:"ledgerError,omitempty"`
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	ListingID      string `json:"listingId"`
	BuyerAddr      string `json:"buyerAddr"`
	SellerAddr     string `json:"sellerAddr"`
	TokenAddr      string `json:"tokenAddr"`
	Amount         string `json:"amount"`
}

// ValidationResult lists every rule a creation request violates.
type ValidationResult struct {
	Valid      bool                        `json:"valid"`
	Violations validation.ValidationErrors `json:"violations"`
}

// ValidationError carries the violated rules of a rejected request.
type ValidationError struct {
	Violations validation.ValidationErrors
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %v", ErrValidation, e.Violations)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, rule, message string) *ValidationError {
	return &ValidationError{Violations: validation.ValidationErrors{{Field: field, Rule: rule, Message: message}}}
}

// TransitionError explains why an operation is not allowed from the
// escrow's current state.
type TransitionError struct {
	Op     string
	From   Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s escrow in status %s: %s", e.Op, e.From, e.Reason)
	}
	return fmt.Sprintf("cannot %s escrow in status %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Store persists escrows. Save and CompareAndSwapStatus are optimistic:
// they fail with ErrVersionConflict unless the stored version matches, and
// bump the version on success.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Load(ctx context.Context, id string) (*Escrow, error)
	LoadByIdempotencyKey(ctx context.Context, key string) (*Escrow, error)
	Save(ctx context.Context, e *Escrow) error
	CompareAndSwapStatus(ctx context.Context, id string, from, to Status, version int64) error
	// ListByParty returns escrows newest first, starting after the cursor.
	ListByParty(ctx context.Context, addr string, after *pagination.Cursor, limit int) ([]*Escrow, error)
}

// RecoveryQueue receives ledger operations that failed or timed out.
type RecoveryQueue interface {
	Enqueue(ctx context.Context, escrowID string, op Operation, outcome Resolution, cause error) error
	Resolve(ctx context.Context, escrowID string, op Operation) error
}

// DisputeOpening describes a dispute the escrow is about to enter.
type DisputeOpening struct {
	ID         string
	EscrowID   string
	BuyerAddr  string
	SellerAddr string
	OpenedBy   string
	Reason     string
}

// DisputeRegistry creates and retires the dispute record behind a
// disputed escrow.
type DisputeRegistry interface {
	Open(ctx context.Context, d DisputeOpening) (string, error)
	Abandon(ctx context.Context, disputeID string) error
	Archive(ctx context.Context, disputeID string) error
}
