package reputation

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/money"
)

// OutcomeKind classifies how an escrow finished.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"  // buyer approved
	OutcomeCancelled OutcomeKind = "cancelled"  // cancelled, with or without refund
	OutcomeBuyerWon  OutcomeKind = "buyer_won"  // dispute refunded the buyer
	OutcomeSellerWon OutcomeKind = "seller_won" // dispute released to the seller
)

// Outcome is one finished escrow as seen by the reputation history.
type Outcome struct {
	Buyer  string
	Seller string
	Amount string // base units
	Kind   OutcomeKind
	At     time.Time
}

// Recorder receives finished escrows.
type Recorder interface {
	RecordOutcome(ctx context.Context, o Outcome)
}

type history struct {
	metrics        Metrics
	counterparties map[string]bool
}

// MemoryMetrics accumulates escrow outcomes in memory and serves them as a
// MetricsProvider. Unknown addresses have empty metrics, not an error.
type MemoryMetrics struct {
	mu       sync.RWMutex
	decimals int
	byAddr   map[string]*history
	now      func() time.Time
}

// NewMemoryMetrics creates an empty history. decimals converts base-unit
// amounts to whole tokens for the volume component.
func NewMemoryMetrics(decimals int) *MemoryMetrics {
	return &MemoryMetrics{decimals: decimals, byAddr: make(map[string]*history), now: time.Now}
}

var (
	_ Recorder        = (*MemoryMetrics)(nil)
	_ MetricsProvider = (*MemoryMetrics)(nil)
)

// RecordOutcome updates both parties' histories.
func (s *MemoryMetrics) RecordOutcome(_ context.Context, o Outcome) {
	buyer, seller := strings.ToLower(o.Buyer), strings.ToLower(o.Seller)
	at := o.At
	if at.IsZero() {
		at = s.now()
	}

	volume := 0.0
	if o.Kind == OutcomeCompleted || o.Kind == OutcomeSellerWon {
		volume = wholeTokens(o.Amount, s.decimals)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, side := range []struct {
		addr, other string
		completed   bool
		lost        bool
	}{
		{buyer, seller, o.Kind != OutcomeSellerWon, o.Kind == OutcomeSellerWon},
		{seller, buyer, o.Kind != OutcomeBuyerWon, o.Kind == OutcomeBuyerWon},
	} {
		h := s.byAddr[side.addr]
		if h == nil {
			h = &history{counterparties: make(map[string]bool)}
			h.metrics.FirstSeen = at
			s.byAddr[side.addr] = h
		}
		h.metrics.TotalEscrows++
		h.metrics.SettledVolume += volume
		if side.completed {
			h.metrics.CompletedEscrows++
		}
		if side.lost {
			h.metrics.DisputesLost++
		}
		h.counterparties[side.other] = true
		h.metrics.UniqueCounterparties = len(h.counterparties)
		if at.After(h.metrics.LastActive) {
			h.metrics.LastActive = at
		}
	}
}

// GetMetrics returns a snapshot of an address's history.
func (s *MemoryMetrics) GetMetrics(_ context.Context, address string) (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.byAddr[strings.ToLower(address)]
	if !ok {
		return &Metrics{}, nil
	}
	m := h.metrics
	m.DaysOnNetwork = daysSince(m.FirstSeen, s.now())
	return &m, nil
}

func daysSince(first, now time.Time) int {
	if first.IsZero() {
		return 0
	}
	d := int(now.Sub(first).Hours() / 24)
	if d < 1 {
		d = 1
	}
	return d
}

func wholeTokens(amount string, decimals int) float64 {
	v, ok := money.ParseUnits(amount)
	if !ok {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	for i := 0; i < decimals; i++ {
		f /= 10
	}
	return f
}
