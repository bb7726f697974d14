package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/listing"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

const (
	maxReasonLength   = 1000
	maxDeliveryField  = 500
	maxIdempotencyKey = 128
)

// EventBroadcaster receives lifecycle events.
type EventBroadcaster interface {
	Broadcast(event *realtime.Event)
}

// Config holds escrow policy.
type Config struct {
	SupportedTokens []string
	FeeBasisPoints  int
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	ledger   ledger.Client
	listings listing.Directory
	queue    RecoveryQueue
	disputes DisputeRegistry
	recorder reputation.Recorder
	events   EventBroadcaster
	locks    *syncutil.KeyedMutex // per-escrow; serialises every mutating operation
	tokens   map[string]bool
	feeBps   int
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, ledgerClient ledger.Client, listings listing.Directory, cfg Config, logger *slog.Logger) *Service {
	tokens := make(map[string]bool, len(cfg.SupportedTokens))
	for _, t := range cfg.SupportedTokens {
		tokens[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &Service{
		store:    store,
		ledger:   ledgerClient,
		listings: listings,
		locks:    syncutil.NewKeyedMutex(),
		tokens:   tokens,
		feeBps:   cfg.FeeBasisPoints,
		logger:   logger,
		now:      time.Now,
	}
}

// WithRecoveryQueue sets where failed ledger operations are queued.
func (s *Service) WithRecoveryQueue(q RecoveryQueue) *Service {
	s.queue = q
	return s
}

// WithDisputeRegistry sets the dispute collaborator used by OpenDispute.
func (s *Service) WithDisputeRegistry(r DisputeRegistry) *Service {
	s.disputes = r
	return s
}

// WithRecorder adds a reputation recorder for finished escrows.
func (s *Service) WithRecorder(r reputation.Recorder) *Service {
	s.recorder = r
	return s
}

// WithEvents adds a realtime event sink.
func (s *Service) WithEvents(b EventBroadcaster) *Service {
	s.events = b
	return s
}

// LedgerKey is the idempotency key of a ledger call. It depends only on the
// escrow and the primitive, so every retry of a logical call reuses it.
func LedgerKey(escrowID string, op ledger.Operation) string {
	return idgen.Deterministic(escrowID, string(op))
}

// ValidateCreation checks every creation rule and reports all violations.
// The error is reserved for failures to evaluate the rules.
func (s *Service) ValidateCreation(ctx context.Context, req CreateRequest) (*ValidationResult, error) {
	req = normalizeRequest(req)

	violations := validation.Validate(
		validation.MaxLength("idempotencyKey", req.IdempotencyKey, maxIdempotencyKey),
		validation.Required("listingId", req.ListingID),
		validation.MaxLength("listingId", req.ListingID, validation.MaxStringLength),
		validation.Required("buyerAddr", req.BuyerAddr),
		validation.ValidAddress("buyerAddr", req.BuyerAddr),
		validation.Required("sellerAddr", req.SellerAddr),
		validation.ValidAddress("sellerAddr", req.SellerAddr),
		validation.Required("tokenAddr", req.TokenAddr),
		validation.ValidAddress("tokenAddr", req.TokenAddr),
		validation.PositiveUnits("amount", req.Amount),
		validation.Check("sellerAddr", "distinct_parties",
			req.BuyerAddr == "" || req.BuyerAddr != req.SellerAddr, "buyer and seller must be different addresses"),
		validation.Check("tokenAddr", "token_supported",
			req.TokenAddr == "" || s.tokens[req.TokenAddr], "token is not supported"),
	)

	if req.ListingID != "" {
		l, err := s.listings.Get(ctx, req.ListingID)
		switch {
		case errors.Is(err, listing.ErrListingNotFound):
			violations = append(violations, validation.ValidationError{
				Field: "listingId", Rule: "listing_exists", Message: "listing does not exist",
			})
		case err != nil:
			return nil, fmt.Errorf("look up listing %s: %w", req.ListingID, err)
		default:
			if !l.Active {
				violations = append(violations, validation.ValidationError{
					Field: "listingId", Rule: "listing_active", Message: "listing is not active",
				})
			}
			if req.SellerAddr != "" && !strings.EqualFold(l.SellerAddr, req.SellerAddr) {
				violations = append(violations, validation.ValidationError{
					Field: "sellerAddr", Rule: "listing_seller", Message: "seller does not own the listing",
				})
			}
		}
	}

	return &ValidationResult{Valid: len(violations) == 0, Violations: violations}, nil
}

// Create allocates a new escrow in Created. No ledger call is made. A
// repeated idempotency key returns the escrow it created, provided the
// parameters match.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	const op = "create"
	req = normalizeRequest(req)

	if req.IdempotencyKey != "" {
		unlock, err := s.locks.LockContext(ctx, "idem:"+req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		defer unlock()

		existing, err := s.replayCreate(ctx, req)
		if err != nil || existing != nil {
			return existing, s.rejectIf(op, err)
		}
	}

	res, err := s.ValidateCreation(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, s.reject(op, &ValidationError{Violations: res.Violations})
	}

	now := s.now()
	e := &Escrow{
		ID:             idgen.WithPrefix("esc_"),
		IdempotencyKey: req.IdempotencyKey,
		ListingID:      req.ListingID,
		BuyerAddr:      req.BuyerAddr,
		SellerAddr:     req.SellerAddr,
		TokenAddr:      req.TokenAddr,
		Amount:         canonicalAmount(req.Amount),
		FeeBasisPoints: s.feeBps,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}

	if err := s.store.Create(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Another instance created it between our lookup and insert.
			existing, rerr := s.replayCreate(ctx, req)
			if rerr != nil || existing != nil {
				return existing, s.rejectIf(op, rerr)
			}
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowCreatedTotal.Inc()
	logging.L(s.scope(ctx, e.ID)).Info("escrow created", "buyer", e.BuyerAddr, "seller", e.SellerAddr, "amount", e.Amount)
	s.publish(e, "")
	return e.Clone(), nil
}

// replayCreate returns the escrow already created under req's idempotency
// key, nil if there is none.
func (s *Service) replayCreate(ctx context.Context, req CreateRequest) (*Escrow, error) {
	existing, err := s.store.LoadByIdempotencyKey(ctx, req.IdempotencyKey)
	if errors.Is(err, ErrEscrowNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.ListingID != req.ListingID ||
		existing.BuyerAddr != req.BuyerAddr ||
		existing.SellerAddr != req.SellerAddr ||
		existing.TokenAddr != req.TokenAddr ||
		existing.Amount != canonicalAmount(req.Amount) {
		return nil, invalid("idempotencyKey", "idempotency_conflict", "idempotency key was already used with different parameters")
	}
	return existing, nil
}

// LockFunds moves the escrow amount into custody. The escrow is marked
// Validated first; it only reaches FundsLocked once the ledger confirms.
// A failed or timed-out lock leaves it Validated with the fund operation
// queued for recovery, and calling LockFunds again replays the same call.
func (s *Service) LockFunds(ctx context.Context, id, actor, amount, token string) (*Result, error) {
	const op = "lock_funds"
	ctx = s.scope(ctx, id)

	e, unlock, err := s.acquire(ctx, id)
	if err != nil {
		return nil, s.reject(op, err)
	}
	defer unlock()

	if normalizeAddr(actor) != e.BuyerAddr {
		return nil, s.reject(op, ErrNotAuthorized)
	}
	violations := validation.Validate(
		validation.PositiveUnits("amount", amount),
		validation.Check("amount", "amount_mismatch", canonicalAmount(amount) == e.Amount, "amount does not match the escrow"),
		validation.Check("tokenAddr", "token_mismatch", normalizeAddr(token) == e.TokenAddr, "token does not match the escrow"),
	)
	if len(violations) > 0 {
		return nil, s.reject(op, &ValidationError{Violations: violations})
	}

	if e.LockedAt != nil && !e.IsTerminal() {
		return &Result{Escrow: e.Clone(), Accepted: true, Funds: FundsConfirmed}, nil
	}
	if e.PendingOperation == OpFund {
		return s.settle(ctx, e, OpFund, false)
	}
	if err := checkPending(op, e); err != nil {
		return nil, s.reject(op, err)
	}

	switch e.Status {
	case StatusCreated:
		if err := s.store.CompareAndSwapStatus(ctx, e.ID, StatusCreated, StatusValidated, e.Version); err != nil {
			return nil, s.reject(op, err)
		}
		e.Status = StatusValidated
		e.Version++
		e.UpdatedAt = s.now()
		s.afterTransition(ctx, e, StatusCreated)
	case StatusValidated:
	default:
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status})
	}

	return s.settle(ctx, e, OpFund, false)
}

// StartDelivery is the seller's FundsLocked → DeliveryPending step.
func (s *Service) StartDelivery(ctx context.Context, id, actor string) (*Escrow, error) {
	const op = "start_delivery"
	ctx = s.scope(ctx, id)

	e, unlock, err := s.acquire(ctx, id)
	if err != nil {
		return nil, s.reject(op, err)
	}
	defer unlock()

	if normalizeAddr(actor) != e.SellerAddr {
		return nil, s.reject(op, ErrNotAuthorized)
	}
	if err := checkPending(op, e); err != nil {
		return nil, s.reject(op, err)
	}
	if e.Status != StatusFundsLocked {
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status})
	}

	if err := s.store.CompareAndSwapStatus(ctx, e.ID, StatusFundsLocked, StatusDeliveryPending, e.Version); err != nil {
		return nil, s.reject(op, err)
	}
	e.Status = StatusDeliveryPending
	e.Version++
	e.UpdatedAt = s.now()
	s.afterTransition(ctx, e, StatusFundsLocked)
	return e.Clone(), nil
}

// ConfirmDelivery records the seller's proof of delivery. It does not move
// funds.
func (s *Service) ConfirmDelivery(ctx context.Context, id, actor string, info DeliveryInfo) (*Escrow, error) {
	const op = "confirm_delivery"
	ctx = s.scope(ctx, id)

	violations := validation.Validate(
		validation.MaxLength("carrier", info.Carrier, maxDeliveryField),
		validation.MaxLength("trackingRef", info.TrackingRef, maxDeliveryField),
		validation.MaxLength("proofUri", info.ProofURI, maxDeliveryField),
		validation.MaxLength("notes", info.Notes, maxReasonLength),
	)
	if len(violations) > 0 {
		return nil, s.reject(op, &ValidationError{Violations: violations})
	}

	e, unlock, err := s.acquire(ctx, id)
	if err != nil {
		return nil, s.reject(op, err)
	}
	defer unlock()

	if normalizeAddr(actor) != e.SellerAddr {
		return nil, s.reject(op, ErrNotAuthorized)
	}
	if err := checkPending(op, e); err != nil {
		return nil, s.reject(op, err)
	}
	if e.Status != StatusFundsLocked && e.Status != StatusDeliveryPending {
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status})
	}

	from := e.Status
	now := s.now()
	e.Status = StatusDeliveryConfirmed
	e.DeliveryInfo = &info
	e.DeliveryConfirmedAt = &now
	e.UpdatedAt = now
	if err := s.store.Save(ctx, e); err != nil {
		return nil, s.reject(op, err)
	}
	s.afterTransition(ctx, e, from)
	return e.Clone(), nil
}

// Approve is the buyer's finalisation: DeliveryConfirmed → Approved with a
// single ledger release of amount minus fee to the seller and the fee to
// the protocol.
func (s *Service) Approve(ctx context.Context, id, actor string) (*Result, error) {
	const op = "approve"
	ctx = s.scope(ctx, id)

	e, unlock, err := s.acquire(ctx, id)
	if err != nil {
		return nil, s.reject(op, err)
	}
	defer unlock()

	if normalizeAddr(actor) != e.BuyerAddr {
		return nil, s.reject(op, ErrNotAuthorized)
	}
	if e.Status == StatusApproved {
		return &Result{Escrow: e.Clone(), Accepted: true, Funds: FundsConfirmed}, nil
	}
	if e.PendingOperation == OpConfirm {
		return s.settle(ctx, e, OpConfirm, false)
	}
	if err := checkPending(op, e); err != nil {
		return nil, s.reject(op, err)
	}
	if e.Status != StatusDeliveryConfirmed {
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status})
	}

	return s.settle(ctx, e, OpConfirm, false)
}

// OpenDispute moves a funded escrow to Disputed and creates its dispute.
// The dispute is created first; if the escrow cannot then be saved the
// dispute is abandoned, so neither record exists without the other.
func (s *Service) OpenDispute(ctx context.Context, id, actor, reason string) (*Escrow, error) {
	const op = "open_dispute"
	ctx = s.scope(ctx, id)
	actor = normalizeAddr(actor)
	reason = strings.TrimSpace(reason)

	violations := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, maxReasonLength),
	)
	if len(violations) > 0 {
		return nil, s.reject(op, &ValidationError{Violations: violations})
	}

	e, unlock, err := s.acquire(ctx, id)
	if err != nil {
		return nil, s.reject(op, err)
	}
	defer unlock()

	if !e.IsParty(actor) {
		return nil, s.reject(op, ErrNotAuthorized)
	}
	if e.Status == StatusDisputed {
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status, Reason: "a dispute is already open"})
	}
	if err := checkPending(op, e); err != nil {
		return nil, s.reject(op, err)
	}
	switch e.Status {
	case StatusFundsLocked, StatusDeliveryPending, StatusDeliveryConfirmed:
	default:
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status})
	}
	if s.disputes == nil {
		return nil, errors.New("dispute registry not configured")
	}

	disputeID, err := s.disputes.Open(ctx, DisputeOpening{
		ID:         idgen.WithPrefix("dsp_"),
		EscrowID:   e.ID,
		BuyerAddr:  e.BuyerAddr,
		SellerAddr: e.SellerAddr,
		OpenedBy:   actor,
		Reason:     reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open dispute: %w", err)
	}

	from := e.Status
	e.Status = StatusDisputed
	e.DisputeID = disputeID
	e.UpdatedAt = s.now()
	if err := s.store.Save(ctx, e); err != nil {
		if aerr := s.disputes.Abandon(ctx, disputeID); aerr != nil {
			logging.L(ctx).Error("failed to abandon dispute after escrow save failed",
				"dispute_id", disputeID, "error", aerr)
		}
		return nil, s.reject(op, err)
	}

	logging.L(ctx).Info("dispute opened", "dispute_id", disputeID, "opened_by", actor)
	s.afterTransition(ctx, e, from)
	return e.Clone(), nil
}

// Cancel ends an escrow. Before funds are locked either party may cancel
// and nothing moves. After the lock a refund needs both parties (the first
// call records the request, the counterparty's call completes it) or an
// admin override. A disputed escrow can only end through its dispute.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string, admin bool) (*Result, error) {
	const op = "cancel"
	ctx = s.scope(ctx, id)
	actor = normalizeAddr(actor)
	reason = strings.TrimSpace(reason)

	if violations := validation.Validate(validation.MaxLength("reason", reason, maxReasonLength)); len(violations) > 0 {
		return nil, s.reject(op, &ValidationError{Violations: violations})
	}

	e, unlock, err := s.acquire(ctx, id)
	if err != nil {
		return nil, s.reject(op, err)
	}
	defer unlock()

	if !admin && !e.IsParty(actor) {
		return nil, s.reject(op, ErrNotAuthorized)
	}
	if e.Status == StatusCancelled {
		funds := FundsUnchanged
		if e.LockedAt != nil {
			funds = FundsConfirmed
		}
		return &Result{Escrow: e.Clone(), Accepted: true, Funds: funds}, nil
	}
	if e.PendingOperation == OpCancel {
		return s.settle(ctx, e, OpCancel, false)
	}
	if admin && e.PendingOperation == OpFund {
		return s.cancelUnconfirmedLock(ctx, e, actor, reason)
	}
	if err := checkPending(op, e); err != nil {
		return nil, s.reject(op, err)
	}

	switch e.Status {
	case StatusCreated, StatusValidated:
		from := e.Status
		now := s.now()
		e.Status = StatusCancelled
		e.CancelRequestedBy = actor
		e.CancelReason = reason
		e.ResolvedAt = &now
		e.UpdatedAt = now
		if err := s.store.Save(ctx, e); err != nil {
			return nil, s.reject(op, err)
		}
		s.afterTransition(ctx, e, from)
		return &Result{Escrow: e.Clone(), Accepted: true, Funds: FundsUnchanged}, nil

	case StatusFundsLocked, StatusDeliveryPending, StatusDeliveryConfirmed:
		if reason != "" {
			e.CancelReason = reason
		}
		if !admin && (e.CancelRequestedBy == "" || e.CancelRequestedBy == actor) {
			e.CancelRequestedBy = actor
			e.UpdatedAt = s.now()
			if err := s.store.Save(ctx, e); err != nil {
				return nil, s.reject(op, err)
			}
			logging.L(ctx).Info("cancel requested, awaiting counterparty", "requested_by", actor)
			return &Result{Escrow: e.Clone(), Accepted: true, Funds: FundsUnchanged}, nil
		}
		return s.settle(ctx, e, OpCancel, false)

	case StatusDisputed:
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status, Reason: "resolve the dispute instead"})
	default:
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status})
	}
}

// cancelUnconfirmedLock is the admin way out of a lock that never
// confirmed. One refund settles the question: if the lock landed the buyer
// gets it back, and ErrNotLocked means nothing ever reached custody.
func (s *Service) cancelUnconfirmedLock(ctx context.Context, e *Escrow, actor, reason string) (*Result, error) {
	const op = "cancel"
	from := e.Status

	receipt, err := s.refund(ctx, e)
	ctx = context.WithoutCancel(ctx)

	funds := FundsConfirmed
	switch {
	case err == nil:
		s.apply(e, OpCancel, receipt)
		// Custody held the funds until the refund.
		e.LockedAt = copyTime(e.ResolvedAt)
	case errors.Is(err, ledger.ErrNotLocked):
		now := s.now()
		funds = FundsUnchanged
		e.PendingOperation = ""
		e.Status = StatusCancelled
		e.ResolvedAt = &now
		e.UpdatedAt = now
	default:
		logging.L(ctx).Warn("admin cancel of unconfirmed lock failed", "error", err)
		return nil, s.reject(op, fmt.Errorf("%w: %w", ErrLedgerCallFailed, err))
	}
	e.CancelRequestedBy = actor
	if reason != "" {
		e.CancelReason = reason
	}

	if err := s.persistSettled(ctx, e, OpCancel, true); err != nil {
		return nil, err
	}
	if s.queue != nil {
		if err := s.queue.Resolve(ctx, e.ID, OpFund); err != nil {
			logging.L(ctx).Warn("failed to clear recovery task", "operation", OpFund, "error", err)
		}
	}
	logging.L(ctx).Info("unconfirmed lock cancelled by admin", "funds", funds, "actor", actor)
	s.afterTransition(ctx, e, from)
	return &Result{Escrow: e.Clone(), Accepted: true, Funds: funds, Receipt: receipt}, nil
}

// ApplyResolution applies a dispute outcome: Disputed → Resolved with one
// ledger release or refund. The outcome is frozen on the escrow before the
// call so a recovery replay repeats the same one.
func (s *Service) ApplyResolution(ctx context.Context, id, disputeID string, outcome Resolution) (*Result, error) {
	const op = "apply_resolution"
	ctx = s.scope(ctx, id)

	if outcome != ResolutionRelease && outcome != ResolutionRefund {
		return nil, s.reject(op, invalid("outcome", "outcome", "outcome must be release_to_seller or refund_to_buyer"))
	}

	e, unlock, err := s.acquire(ctx, id)
	if err != nil {
		return nil, s.reject(op, err)
	}
	defer unlock()

	if e.Status == StatusResolved {
		if e.DisputeID == disputeID && e.Resolution == outcome {
			return &Result{Escrow: e.Clone(), Accepted: true, Funds: FundsConfirmed}, nil
		}
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status, Reason: "already resolved"})
	}
	if e.Status != StatusDisputed {
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status})
	}
	if e.DisputeID != disputeID {
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status, Reason: "dispute does not belong to this escrow"})
	}
	if e.PendingOperation != "" && e.PendingOperation != OpResolve {
		return nil, s.reject(op, checkPending(op, e))
	}
	if e.Resolution != "" && e.Resolution != outcome {
		return nil, s.reject(op, &TransitionError{Op: op, From: e.Status, Reason: "a different outcome is already being applied"})
	}

	e.Resolution = outcome
	return s.settle(ctx, e, OpResolve, false)
}

// Replay re-issues the ledger call behind op with the same logical request
// and idempotency key. It is the recovery entrypoint: it never queues, and
// a failed call is returned as an error wrapping ErrLedgerCallFailed. An
// operation that already took effect reports success without a call.
func (s *Service) Replay(ctx context.Context, id string, op Operation, outcome Resolution) (*Result, error) {
	name := "replay_" + string(op)
	ctx = s.scope(ctx, id)

	e, unlock, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if applied(e, op) {
		return &Result{Escrow: e.Clone(), Accepted: true, Funds: FundsConfirmed}, nil
	}
	if e.PendingOperation != "" && e.PendingOperation != op {
		return nil, checkPending(name, e)
	}

	var ok bool
	switch op {
	case OpFund:
		ok = e.Status == StatusCreated || e.Status == StatusValidated
	case OpConfirm:
		ok = e.Status == StatusDeliveryConfirmed
	case OpResolve:
		if e.Resolution == "" {
			e.Resolution = outcome
		}
		ok = e.Status == StatusDisputed && e.Resolution != "" && (outcome == "" || outcome == e.Resolution)
	case OpCancel:
		ok = e.Status.Locked() && e.Status != StatusDisputed
	default:
		return nil, invalid("operation", "operation", "unknown operation")
	}
	if !ok {
		return nil, &TransitionError{Op: name, From: e.Status}
	}

	return s.settle(ctx, e, op, true)
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Load(ctx, id)
}

// Status returns the status enum and lifecycle timestamps.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	e, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		ID:                  e.ID,
		Status:              e.Status,
		PendingOperation:    e.PendingOperation,
		CreatedAt:           e.CreatedAt,
		LockedAt:            e.LockedAt,
		DeliveryConfirmedAt: e.DeliveryConfirmedAt,
		ResolvedAt:          e.ResolvedAt,
		UpdatedAt:           e.UpdatedAt,
	}, nil
}

// ListByParty returns one page of escrows involving an address (as buyer or
// seller), newest first, and the cursor of the next page.
func (s *Service) ListByParty(ctx context.Context, addr, cursor string, limit int) ([]*Escrow, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", invalid("cursor", "invalid_cursor", "cursor is not valid")
	}
	items, err := s.store.ListByParty(ctx, normalizeAddr(addr), after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// scope tags ctx with the escrow and gives background callers the
// service logger.
func (s *Service) scope(ctx context.Context, id string) context.Context {
	if !logging.HasLogger(ctx) && s.logger != nil {
		ctx = logging.WithLogger(ctx, s.logger)
	}
	return logging.WithEscrow(ctx, id)
}

func (s *Service) acquire(ctx context.Context, id string) (*Escrow, func(), error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.store.Load(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return e, unlock, nil
}

// settle performs the ledger call behind op and applies the confirmed
// transition. fromRecovery marks a Replay: failures are returned instead
// of queued and the recovery task is left to the caller.
func (s *Service) settle(ctx context.Context, e *Escrow, op Operation, fromRecovery bool) (_ *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle",
		traces.EscrowID(e.ID), traces.EscrowOperation(string(op)), traces.Amount(e.Amount), traces.Token(e.TokenAddr))
	defer func() { traces.End(span, err) }()

	wasPending := e.PendingOperation == op

	receipt, err := s.callLedger(ctx, e, op)

	// The ledger call may have landed even if the caller went away, so the
	// bookkeeping that records it must outlive the request.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		return s.deferToRecovery(ctx, e, op, err, fromRecovery)
	}

	from := e.Status
	s.apply(e, op, receipt)
	if err := s.persistSettled(ctx, e, op, fromRecovery); err != nil {
		return nil, err
	}

	if wasPending && !fromRecovery && s.queue != nil {
		if err := s.queue.Resolve(ctx, e.ID, op); err != nil {
			logging.L(ctx).Warn("failed to clear recovery task", "operation", op, "error", err)
		}
	}
	logging.L(ctx).Info("ledger call confirmed", "operation", op, "status", e.Status,
		"tx_hash", receipt.TxHash, "replayed", receipt.Replayed)
	s.afterTransition(ctx, e, from)
	return &Result{Escrow: e.Clone(), Accepted: true, Funds: FundsConfirmed, Receipt: receipt}, nil
}

func (s *Service) callLedger(ctx context.Context, e *Escrow, op Operation) (*ledger.Receipt, error) {
	switch op {
	case OpFund:
		amount, _ := money.ParseUnits(e.Amount)
		return s.ledger.Lock(ctx, ledger.LockRequest{
			EscrowID:       e.ID,
			IdempotencyKey: LedgerKey(e.ID, ledger.OpLock),
			Buyer:          e.BuyerAddr,
			Seller:         e.SellerAddr,
			Token:          e.TokenAddr,
			Amount:         amount,
		})
	case OpConfirm:
		return s.release(ctx, e)
	case OpResolve:
		if e.Resolution == ResolutionRelease {
			return s.release(ctx, e)
		}
		return s.refund(ctx, e)
	case OpCancel:
		return s.refund(ctx, e)
	}
	return nil, fmt.Errorf("unknown escrow operation %q", op)
}

func (s *Service) release(ctx context.Context, e *Escrow) (*ledger.Receipt, error) {
	amount, ok := money.ParseUnits(e.Amount)
	if !ok {
		return nil, fmt.Errorf("%w: stored amount %q", ledger.ErrInvalidRequest, e.Amount)
	}
	net, fee := money.SplitFee(amount, e.FeeBasisPoints)
	return s.ledger.Release(ctx, ledger.ReleaseRequest{
		EscrowID:       e.ID,
		IdempotencyKey: LedgerKey(e.ID, ledger.OpRelease),
		Seller:         e.SellerAddr,
		SellerAmount:   net,
		Fee:            fee,
	})
}

func (s *Service) refund(ctx context.Context, e *Escrow) (*ledger.Receipt, error) {
	return s.ledger.Refund(ctx, ledger.RefundRequest{
		EscrowID:       e.ID,
		IdempotencyKey: LedgerKey(e.ID, ledger.OpRefund),
		Buyer:          e.BuyerAddr,
	})
}

func (s *Service) apply(e *Escrow, op Operation, r *ledger.Receipt) {
	now := s.now()
	e.PendingOperation = ""
	e.UpdatedAt = now

	if op == OpFund {
		e.Status = StatusFundsLocked
		e.LockedAt = &now
		e.LockTxHash = r.TxHash
		return
	}

	switch op {
	case OpConfirm:
		e.Status = StatusApproved
	case OpResolve:
		e.Status = StatusResolved
	case OpCancel:
		e.Status = StatusCancelled
	}
	if r.Operation == ledger.OpRelease {
		e.ReleasedAmount = r.Amount
		e.FeeAmount = r.Fee
	} else {
		e.RefundedAmount = r.Amount
	}
	e.SettleTxHash = r.TxHash
	e.ResolvedAt = &now
}

// deferToRecovery leaves e in its last confirmed state with op pending.
func (s *Service) deferToRecovery(ctx context.Context, e *Escrow, op Operation, cause error, fromRecovery bool) (*Result, error) {
	logger := logging.L(ctx)
	logger.Warn("ledger call not confirmed, escrow left in last confirmed state",
		"operation", op, "status", e.Status, "error", cause)

	if e.PendingOperation != op {
		e.PendingOperation = op
		e.UpdatedAt = s.now()
		if err := s.store.Save(ctx, e); err != nil {
			logger.Error("failed to mark operation pending", "operation", op, "error", err)
		}
	}

	res := &Result{Escrow: e.Clone(), Accepted: true, Funds: FundsPending, LedgerError: cause.Error()}
	if fromRecovery || s.queue == nil {
		return res, fmt.Errorf("%w: %w", ErrLedgerCallFailed, cause)
	}
	if err := s.queue.Enqueue(ctx, e.ID, op, e.Resolution, cause); err != nil {
		logger.Error("CRITICAL: ledger call failed and could not be queued for recovery",
			"operation", op, "ledger_error", cause, "error", err)
		return res, fmt.Errorf("%w: %w (recovery enqueue failed: %v)", ErrLedgerCallFailed, cause, err)
	}
	return res, nil
}

// persistSettled saves a transition whose funds already moved. The ledger
// call has no inverse, so on failure it retries once and then hands the
// operation to recovery, whose replay gets the same receipt back and
// saves again.
func (s *Service) persistSettled(ctx context.Context, e *Escrow, op Operation, fromRecovery bool) error {
	if err := s.store.Save(ctx, e); err == nil {
		return nil
	}
	err := s.store.Save(ctx, e)
	if err == nil {
		return nil
	}

	logging.L(ctx).Error("CRITICAL: ledger confirmed but escrow state not persisted",
		"operation", op, "status", e.Status, "error", err)
	if !fromRecovery && s.queue != nil {
		if qerr := s.queue.Enqueue(ctx, e.ID, op, e.Resolution, fmt.Errorf("%w: %v", ErrStateNotPersisted, err)); qerr != nil {
			logging.L(ctx).Error("CRITICAL: unpersisted escrow could not be queued for recovery",
				"operation", op, "error", qerr)
		}
	}
	return fmt.Errorf("%w (requires reconciliation): %w", ErrStateNotPersisted, err)
}

func (s *Service) afterTransition(ctx context.Context, e *Escrow, from Status) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.Status)).Inc()

	if e.IsTerminal() {
		metrics.EscrowDuration.Observe(e.UpdatedAt.Sub(e.CreatedAt).Seconds())
		s.recordOutcome(ctx, e)
	}
	if e.Status == StatusResolved && s.disputes != nil {
		if err := s.disputes.Archive(ctx, e.DisputeID); err != nil {
			logging.L(ctx).Warn("failed to archive resolved dispute", "dispute_id", e.DisputeID, "error", err)
		}
	}
	s.publish(e, from)
}

func (s *Service) recordOutcome(ctx context.Context, e *Escrow) {
	if s.recorder == nil {
		return
	}
	var kind reputation.OutcomeKind
	switch {
	case e.Status == StatusApproved:
		kind = reputation.OutcomeCompleted
	case e.Status == StatusCancelled:
		kind = reputation.OutcomeCancelled
	case e.Resolution == ResolutionRelease:
		kind = reputation.OutcomeSellerWon
	default:
		kind = reputation.OutcomeBuyerWon
	}
	s.recorder.RecordOutcome(ctx, reputation.Outcome{
		Buyer:  e.BuyerAddr,
		Seller: e.SellerAddr,
		Amount: e.Amount,
		Kind:   kind,
		At:     e.UpdatedAt,
	})
}

func (s *Service) publish(e *Escrow, from Status) {
	if s.events == nil {
		return
	}
	ev := realtime.NewEvent(realtime.EventEscrowTransition, e.ID, e.Parties(), map[string]any{
		"from":   string(from),
		"to":     string(e.Status),
		"amount": e.Amount,
	})
	ev.DisputeID = e.DisputeID
	s.events.Broadcast(ev)
}

func (s *Service) reject(op string, err error) error {
	reason := "error"
	switch {
	case errors.Is(err, ErrValidation):
		reason = "validation"
	case errors.Is(err, ErrNotAuthorized):
		reason = "not_authorized"
	case errors.Is(err, ErrInvalidTransition):
		reason = "invalid_transition"
	case errors.Is(err, ErrEscrowNotFound):
		reason = "not_found"
	case errors.Is(err, ErrVersionConflict):
		reason = "version_conflict"
	}
	metrics.EscrowRejectedTotal.WithLabelValues(op, reason).Inc()
	return err
}

func (s *Service) rejectIf(op string, err error) error {
	if err == nil {
		return nil
	}
	return s.reject(op, err)
}

func checkPending(op string, e *Escrow) error {
	if e.PendingOperation == "" {
		return nil
	}
	return &TransitionError{Op: op, From: e.Status, Reason: fmt.Sprintf("%s is awaiting recovery", e.PendingOperation)}
}

// applied reports whether op already took effect on e.
func applied(e *Escrow, op Operation) bool {
	switch op {
	case OpFund:
		return e.LockedAt != nil
	case OpConfirm:
		return e.Status == StatusApproved
	case OpResolve:
		return e.Status == StatusResolved
	case OpCancel:
		return e.Status == StatusCancelled && e.LockedAt != nil
	}
	return false
}

func normalizeRequest(req CreateRequest) CreateRequest {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.ListingID = strings.TrimSpace(req.ListingID)
	req.BuyerAddr = normalizeAddr(req.BuyerAddr)
	req.SellerAddr = normalizeAddr(req.SellerAddr)
	req.TokenAddr = normalizeAddr(req.TokenAddr)
	req.Amount = strings.TrimSpace(req.Amount)
	return req
}

func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// canonicalAmount strips leading zeros so equal amounts compare equal.
func canonicalAmount(s string) string {
	v, ok := money.ParseUnits(strings.TrimSpace(s))
	if !ok {
		return strings.TrimSpace(s)
	}
	return v.String()
}
