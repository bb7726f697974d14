package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
)

// CustodyState is the state of one escrow's funds in the custody book.
type CustodyState string

const (
	CustodyLocked   CustodyState = "locked"
	CustodyReleased CustodyState = "released"
	CustodyRefunded CustodyState = "refunded"
)

// Position is the custody book entry for one escrow.
type Position struct {
	EscrowID     string       `json:"escrowId"`
	State        CustodyState `json:"state"`
	Buyer        string       `json:"buyer"`
	Seller       string       `json:"seller"`
	Token        string       `json:"token"`
	Amount       *big.Int     `json:"amount"`
	SellerAmount *big.Int     `json:"sellerAmount,omitempty"`
	Fee          *big.Int     `json:"fee,omitempty"`
	Refunded     *big.Int     `json:"refunded,omitempty"`

	receipts map[Operation]*Receipt
}

// ErrLostResponse simulates a call that applied on the ledger but whose
// response never reached the caller.
var ErrLostResponse = errors.New("ledger: response lost after apply")

type fault struct {
	remaining  int
	err        error
	afterApply bool
}

// MemoryClient is an in-memory custody book. It honours the full Client
// contract (idempotent replays, all-or-nothing settlement) and supports
// fault injection for tests and local development.
type MemoryClient struct {
	mu        sync.Mutex
	positions map[string]*Position
	calls     map[Operation]int
	applied   map[Operation]int
	faults    map[Operation]*fault
	latency   map[Operation]time.Duration
	now       func() time.Time
}

// NewMemoryClient creates an empty custody book.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		positions: make(map[string]*Position),
		calls:     make(map[Operation]int),
		applied:   make(map[Operation]int),
		faults:    make(map[Operation]*fault),
		latency:   make(map[Operation]time.Duration),
		now:       time.Now,
	}
}

var _ Client = (*MemoryClient)(nil)

// FailNext makes the next n calls of op fail with err before applying.
func (m *MemoryClient) FailNext(op Operation, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = &fault{remaining: n, err: err}
}

// LoseNextResponse makes the next n calls of op apply and then report
// ErrLostResponse, as when a transaction lands but the RPC reply is dropped.
func (m *MemoryClient) LoseNextResponse(op Operation, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = &fault{remaining: n, err: ErrLostResponse, afterApply: true}
}

// SetLatency delays every call of op by d.
func (m *MemoryClient) SetLatency(op Operation, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[op] = d
}

// Calls returns how many times op was invoked.
func (m *MemoryClient) Calls(op Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Applied returns how many calls of op actually changed the custody book.
func (m *MemoryClient) Applied(op Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[op]
}

// Position returns a copy of the custody entry for an escrow.
func (m *MemoryClient) Position(escrowID string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[escrowID]
	if !ok {
		return Position{}, false
	}
	cp := *p
	cp.receipts = nil
	return cp, true
}

// Ping satisfies health checks.
func (m *MemoryClient) Ping(context.Context) error { return nil }

func (m *MemoryClient) begin(ctx context.Context, op Operation) (*fault, error) {
	m.mu.Lock()
	m.calls[op]++
	d := m.latency[op]
	var f *fault
	if cur := m.faults[op]; cur != nil && cur.remaining > 0 {
		cur.remaining--
		f = cur
	}
	m.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if f != nil && !f.afterApply {
		return nil, f.err
	}
	return f, nil
}

func (m *MemoryClient) finish(f *fault, r *Receipt, err error) (*Receipt, error) {
	if err != nil {
		return nil, err
	}
	if f != nil && f.afterApply {
		return nil, f.err
	}
	cp := *r
	return &cp, nil
}

// Lock records buyer funds in custody.
func (m *MemoryClient) Lock(ctx context.Context, req LockRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	f, err := m.begin(ctx, OpLock)
	if err != nil {
		return nil, &CallError{Op: OpLock, EscrowID: req.EscrowID, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.positions[req.EscrowID]; ok {
		prev := p.receipts[OpLock]
		if p.Amount.Cmp(req.Amount) != 0 || !strings.EqualFold(p.Token, req.Token) || prev.IdempotencyKey != req.IdempotencyKey {
			return m.finish(f, nil, &CallError{Op: OpLock, EscrowID: req.EscrowID, Err: ErrRequestMismatch})
		}
		replay := *prev
		replay.Replayed = true
		return m.finish(f, &replay, nil)
	}

	p := &Position{
		EscrowID: req.EscrowID,
		State:    CustodyLocked,
		Buyer:    strings.ToLower(req.Buyer),
		Seller:   strings.ToLower(req.Seller),
		Token:    strings.ToLower(req.Token),
		Amount:   new(big.Int).Set(req.Amount),
		receipts: make(map[Operation]*Receipt),
	}
	r := &Receipt{
		Operation:      OpLock,
		EscrowID:       req.EscrowID,
		IdempotencyKey: req.IdempotencyKey,
		TxHash:         "0x" + strings.ReplaceAll(idgen.Deterministic(req.IdempotencyKey, "tx"), "-", ""),
		Amount:         req.Amount.String(),
		ConfirmedAt:    m.now(),
	}
	p.receipts[OpLock] = r
	m.positions[req.EscrowID] = p
	m.applied[OpLock]++
	return m.finish(f, r, nil)
}

// Release pays out custody to the seller and protocol.
func (m *MemoryClient) Release(ctx context.Context, req ReleaseRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	f, err := m.begin(ctx, OpRelease)
	if err != nil {
		return nil, &CallError{Op: OpRelease, EscrowID: req.EscrowID, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[req.EscrowID]
	if !ok {
		return m.finish(f, nil, &CallError{Op: OpRelease, EscrowID: req.EscrowID, Err: ErrNotLocked})
	}
	switch p.State {
	case CustodyRefunded:
		return m.finish(f, nil, &CallError{Op: OpRelease, EscrowID: req.EscrowID, Err: ErrAlreadySettled})
	case CustodyReleased:
		prev := p.receipts[OpRelease]
		if prev.IdempotencyKey != req.IdempotencyKey {
			return m.finish(f, nil, &CallError{Op: OpRelease, EscrowID: req.EscrowID, Err: ErrRequestMismatch})
		}
		replay := *prev
		replay.Replayed = true
		return m.finish(f, &replay, nil)
	}

	total := new(big.Int).Add(req.SellerAmount, req.Fee)
	if total.Cmp(p.Amount) != 0 {
		return m.finish(f, nil, &CallError{Op: OpRelease, EscrowID: req.EscrowID, Err: ErrRequestMismatch})
	}

	p.State = CustodyReleased
	p.SellerAmount = new(big.Int).Set(req.SellerAmount)
	p.Fee = new(big.Int).Set(req.Fee)
	r := &Receipt{
		Operation:      OpRelease,
		EscrowID:       req.EscrowID,
		IdempotencyKey: req.IdempotencyKey,
		TxHash:         "0x" + strings.ReplaceAll(idgen.Deterministic(req.IdempotencyKey, "tx"), "-", ""),
		Amount:         req.SellerAmount.String(),
		Fee:            req.Fee.String(),
		ConfirmedAt:    m.now(),
	}
	p.receipts[OpRelease] = r
	m.applied[OpRelease]++
	return m.finish(f, r, nil)
}

// Refund returns custody to the buyer.
func (m *MemoryClient) Refund(ctx context.Context, req RefundRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	f, err := m.begin(ctx, OpRefund)
	if err != nil {
		return nil, &CallError{Op: OpRefund, EscrowID: req.EscrowID, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[req.EscrowID]
	if !ok {
		return m.finish(f, nil, &CallError{Op: OpRefund, EscrowID: req.EscrowID, Err: ErrNotLocked})
	}
	switch p.State {
	case CustodyReleased:
		return m.finish(f, nil, &CallError{Op: OpRefund, EscrowID: req.EscrowID, Err: ErrAlreadySettled})
	case CustodyRefunded:
		prev := p.receipts[OpRefund]
		if prev.IdempotencyKey != req.IdempotencyKey {
			return m.finish(f, nil, &CallError{Op: OpRefund, EscrowID: req.EscrowID, Err: ErrRequestMismatch})
		}
		replay := *prev
		replay.Replayed = true
		return m.finish(f, &replay, nil)
	}

	p.State = CustodyRefunded
	p.Refunded = new(big.Int).Set(p.Amount)
	r := &Receipt{
		Operation:      OpRefund,
		EscrowID:       req.EscrowID,
		IdempotencyKey: req.IdempotencyKey,
		TxHash:         "0x" + strings.ReplaceAll(idgen.Deterministic(req.IdempotencyKey, "tx"), "-", ""),
		Amount:         p.Amount.String(),
		ConfirmedAt:    m.now(),
	}
	p.receipts[OpRefund] = r
	m.applied[OpRefund]++
	return m.finish(f, r, nil)
}
