// Package dispute runs the evidence and weighted-vote process for disputed
// escrows.
//
// A dispute opens when a party disputes a funded escrow. Parties and
// arbitrators submit evidence until the evidence window closes (or an
// arbitrator opens voting early). During voting any address other than the
// buyer and seller may vote once; its weight is its reputation score at
// cast time, frozen into the vote. The dispute is tallied when the voting
// deadline passes or the weighted quorum is reached. The side with strictly
// more weight wins; a tie or an empty ballot refunds the buyer.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
)

var (
	ErrDisputeNotFound     = errors.New("dispute: not found")
	ErrDisputeClosed       = errors.New("dispute: closed")
	ErrDuplicateVote       = errors.New("dispute: voter already voted")
	ErrVotingNotOpen       = errors.New("dispute: voting has not started")
	ErrTallyNotDue         = errors.New("dispute: deadline not reached and quorum not met")
	ErrWeightUnavailable   = errors.New("dispute: voter weight unavailable")
	ErrVersionConflict     = errors.New("dispute: modified concurrently")
	ErrActiveDisputeExists = errors.New("dispute: escrow already has an active dispute")

	// ErrNotAuthorized is the escrow engine's sentinel so handlers map both
	// packages the same way.
	ErrNotAuthorized = escrow.ErrNotAuthorized
)

// Status is the dispute lifecycle stage.
type Status string

const (
	StatusOpen               Status = "open"
	StatusEvidenceCollection Status = "evidence_collection"
	StatusVoting             Status = "voting"
	StatusResolved           Status = "resolved"
)

// Trigger records what resolved a dispute.
type Trigger string

const (
	TriggerDeadline Trigger = "deadline"
	TriggerQuorum   Trigger = "quorum"
)

// Evidence is an opaque reference submitted by a participant.
type Evidence struct {
	SubmittedBy string    `json:"submittedBy"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Vote is one weighted ballot. Weight is frozen at cast time.
type Vote struct {
	Voter        string    `json:"voter"`
	SideForBuyer bool      `json:"sideForBuyer"`
	Weight       int       `json:"weight"`
	CastAt       time.Time `json:"castAt"`
}

// Dispute is the evidence and ballot record for one disputed escrow.
type Dispute struct {
	ID               string            `json:"id"`
	EscrowID         string            `json:"escrowId"`
	BuyerAddr        string            `json:"buyerAddr"`
	SellerAddr       string            `json:"sellerAddr"`
	OpenedBy         string            `json:"openedBy"`
	Reason           string            `json:"reason"`
	Status           Status            `json:"status"`
	Evidence         []Evidence        `json:"evidence"`
	Votes            []Vote            `json:"votes"`
	EvidenceDeadline time.Time         `json:"evidenceDeadline"`
	Deadline         time.Time         `json:"deadline"`
	Outcome          escrow.Resolution `json:"outcome,omitempty"`
	BuyerWeight      int               `json:"buyerWeight"`
	SellerWeight     int               `json:"sellerWeight"`
	Trigger          Trigger           `json:"trigger,omitempty"`
	ApplyError       string            `json:"applyError,omitempty"`
	ResolvedAt       *time.Time        `json:"resolvedAt,omitempty"`
	ArchivedAt       *time.Time        `json:"archivedAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	Version          int64             `json:"version"`
}

// IsParty reports whether addr is the buyer or the seller.
func (d *Dispute) IsParty(addr string) bool {
	return addr != "" && (addr == d.BuyerAddr || addr == d.SellerAddr)
}

// HasVoted reports whether voter already cast a ballot.
func (d *Dispute) HasVoted(voter string) bool {
	for _, v := range d.Votes {
		if v.Voter == voter {
			return true
		}
	}
	return false
}

// Weights sums the ballots per side.
func (d *Dispute) Weights() (buyer, seller int) {
	for _, v := range d.Votes {
		if v.SideForBuyer {
			buyer += v.Weight
		} else {
			seller += v.Weight
		}
	}
	return buyer, seller
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	cp.Evidence = append([]Evidence(nil), d.Evidence...)
	cp.Votes = append([]Vote(nil), d.Votes...)
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	if d.ArchivedAt != nil {
		t := *d.ArchivedAt
		cp.ArchivedAt = &t
	}
	return &cp
}

// Decide applies the resolution rule to the given weights: strictly more
// seller weight releases, anything else refunds the buyer.
func Decide(buyerWeight, sellerWeight int) escrow.Resolution {
	if sellerWeight > buyerWeight {
		return escrow.ResolutionRelease
	}
	return escrow.ResolutionRefund
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// Save writes d if the stored version matches d.Version, then bumps it.
	Save(ctx context.Context, d *Dispute) error
	Delete(ctx context.Context, id string) error
	GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	// ListDue returns unresolved disputes whose deadline has passed and
	// resolved ones not yet archived, whose outcome may still need applying.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)
}

// Resolver applies a dispute outcome to its escrow. *escrow.Service
// implements it.
type Resolver interface {
	ApplyResolution(ctx context.Context, escrowID, disputeID string, outcome escrow.Resolution) (*escrow.Result, error)
}
