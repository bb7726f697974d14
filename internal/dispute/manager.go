package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

const maxEvidenceLength = 2000

// EventBroadcaster receives dispute events.
type EventBroadcaster interface {
	Broadcast(event *realtime.Event)
}

// Config holds the dispute windows and voting rules.
type Config struct {
	EvidenceWindow time.Duration
	VotingWindow   time.Duration
	// QuorumWeight resolves a dispute early once the summed weight of all
	// ballots reaches it. Zero disables early resolution.
	QuorumWeight int
	Arbitrators  []string
	// ScoreTimeout bounds each reputation lookup during a vote.
	ScoreTimeout time.Duration
}

// Manager runs disputes. It implements escrow.DisputeRegistry.
//
// The escrow engine calls Open, Abandon and Archive while holding its escrow
// lock, so the manager never holds a dispute lock while calling the
// resolver.
type Manager struct {
	store          Store
	feed           reputation.Feed
	resolver       Resolver
	events         EventBroadcaster
	arbitrators    map[string]bool
	evidenceWindow time.Duration
	votingWindow   time.Duration
	quorum         int
	locks          *syncutil.KeyedMutex
	logger         *slog.Logger
	now            func() time.Time
}

var _ escrow.DisputeRegistry = (*Manager)(nil)

// NewManager creates a dispute manager.
func NewManager(store Store, feed reputation.Feed, cfg Config, logger *slog.Logger) *Manager {
	if cfg.EvidenceWindow <= 0 {
		cfg.EvidenceWindow = 48 * time.Hour
	}
	if cfg.VotingWindow <= 0 {
		cfg.VotingWindow = 72 * time.Hour
	}
	if cfg.ScoreTimeout > 0 {
		feed = reputation.WithTimeout(feed, cfg.ScoreTimeout)
	}
	arbitrators := make(map[string]bool, len(cfg.Arbitrators))
	for _, a := range cfg.Arbitrators {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			arbitrators[a] = true
		}
	}
	return &Manager{
		store:          store,
		feed:           feed,
		arbitrators:    arbitrators,
		evidenceWindow: cfg.EvidenceWindow,
		votingWindow:   cfg.VotingWindow,
		quorum:         cfg.QuorumWeight,
		locks:          syncutil.NewKeyedMutex(),
		logger:         logger,
		now:            time.Now,
	}
}

// WithResolver sets the escrow engine that applies outcomes. It is set
// after construction because the engine takes the manager as its registry.
func (m *Manager) WithResolver(r Resolver) *Manager {
	m.resolver = r
	return m
}

// WithEvents adds a realtime event sink.
func (m *Manager) WithEvents(b EventBroadcaster) *Manager {
	m.events = b
	return m
}

// IsArbitrator reports whether addr is a configured arbitrator.
func (m *Manager) IsArbitrator(addr string) bool {
	return m.arbitrators[normalize(addr)]
}

// Open creates the dispute record for a newly disputed escrow.
func (m *Manager) Open(ctx context.Context, o escrow.DisputeOpening) (string, error) {
	if existing, err := m.store.GetByEscrow(ctx, o.EscrowID); err == nil && existing.ArchivedAt == nil {
		return "", ErrActiveDisputeExists
	} else if err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return "", err
	}

	now := m.now()
	d := &Dispute{
		ID:               o.ID,
		EscrowID:         o.EscrowID,
		BuyerAddr:        o.BuyerAddr,
		SellerAddr:       o.SellerAddr,
		OpenedBy:         o.OpenedBy,
		Reason:           o.Reason,
		Status:           StatusOpen,
		Evidence:         []Evidence{},
		Votes:            []Vote{},
		EvidenceDeadline: now.Add(m.evidenceWindow),
		Deadline:         now.Add(m.evidenceWindow + m.votingWindow),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.Create(ctx, d); err != nil {
		return "", fmt.Errorf("create dispute: %w", err)
	}

	metrics.DisputesOpenedTotal.Inc()
	m.log(ctx, d).Info("dispute opened", "opened_by", d.OpenedBy,
		"evidence_deadline", d.EvidenceDeadline, "deadline", d.Deadline)
	m.publish(realtime.EventDisputeOpened, d, map[string]any{"openedBy": d.OpenedBy, "reason": d.Reason})
	return d.ID, nil
}

// Abandon deletes a dispute whose escrow never recorded it.
func (m *Manager) Abandon(ctx context.Context, id string) error {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return err
	}
	return nil
}

// Archive marks a dispute finished once its escrow reached Resolved.
func (m *Manager) Archive(ctx context.Context, id string) error {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.ArchivedAt != nil {
		return nil
	}
	now := m.now()
	if d.Status != StatusResolved {
		// Resolved out of band, e.g. by a recovery replay of a frozen outcome.
		d.Status = StatusResolved
		d.BuyerWeight, d.SellerWeight = d.Weights()
		if d.Outcome == "" {
			d.Outcome = Decide(d.BuyerWeight, d.SellerWeight)
		}
		d.ResolvedAt = &now
	}
	d.ArchivedAt = &now
	d.ApplyError = ""
	d.UpdatedAt = now
	if err := m.store.Save(ctx, d); err != nil {
		return err
	}
	m.log(ctx, d).Info("dispute archived", "outcome", d.Outcome)
	return nil
}

// Get returns a dispute. An elapsed evidence window shows as voting even
// before the next write persists it.
func (m *Manager) Get(ctx context.Context, id string) (*Dispute, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	advance(d, m.now())
	return d, nil
}

// GetByEscrow returns the dispute of an escrow.
func (m *Manager) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	d, err := m.store.GetByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	advance(d, m.now())
	return d, nil
}

// SubmitEvidence appends evidence from a party or an arbitrator while the
// evidence window is open.
func (m *Manager) SubmitEvidence(ctx context.Context, id, actor, content string) (*Dispute, error) {
	actor = normalize(actor)
	content = strings.TrimSpace(content)
	violations := validation.Validate(
		validation.Required("content", content),
		validation.MaxLength("content", content, maxEvidenceLength),
	)
	if len(violations) > 0 {
		return nil, &escrow.ValidationError{Violations: violations}
	}

	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	advance(d, now)

	if !d.IsParty(actor) && !m.arbitrators[actor] {
		return nil, ErrNotAuthorized
	}
	if d.Status != StatusOpen && d.Status != StatusEvidenceCollection {
		return nil, fmt.Errorf("%w: evidence window ended", ErrDisputeClosed)
	}

	d.Evidence = append(d.Evidence, Evidence{SubmittedBy: actor, Content: content, SubmittedAt: now})
	d.Status = StatusEvidenceCollection
	d.UpdatedAt = now
	if err := m.store.Save(ctx, d); err != nil {
		return nil, err
	}

	m.log(ctx, d).Info("evidence submitted", "submitted_by", actor, "count", len(d.Evidence))
	m.publish(realtime.EventEvidenceSubmitted, d, map[string]any{"submittedBy": actor})
	return d.Clone(), nil
}

// BeginVoting closes the evidence window early. Only arbitrators and admins
// may call it.
func (m *Manager) BeginVoting(ctx context.Context, id, actor string, admin bool) (*Dispute, error) {
	actor = normalize(actor)
	if !admin && !m.arbitrators[actor] {
		return nil, ErrNotAuthorized
	}

	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	advance(d, now)

	switch d.Status {
	case StatusResolved:
		return nil, ErrDisputeClosed
	case StatusVoting:
		return d.Clone(), nil
	}

	d.Status = StatusVoting
	d.EvidenceDeadline = now
	d.Deadline = now.Add(m.votingWindow)
	d.UpdatedAt = now
	if err := m.store.Save(ctx, d); err != nil {
		return nil, err
	}
	m.log(ctx, d).Info("voting opened early", "by", actor, "deadline", d.Deadline)
	return d.Clone(), nil
}

// CastVote records one ballot. The voter's weight is its reputation score
// at cast time; when the score cannot be fetched the vote is not recorded.
// Buyer and seller cannot vote on their own dispute. A ballot that brings
// the total weight to the quorum resolves the dispute.
func (m *Manager) CastVote(ctx context.Context, id, voter string, sideForBuyer bool) (*Dispute, error) {
	voter = normalize(voter)
	if v := validation.Validate(validation.ValidAddress("voter", voter)); len(v) > 0 {
		return nil, &escrow.ValidationError{Violations: v}
	}

	d, quorum, err := m.castVote(ctx, id, voter, sideForBuyer)
	if err != nil {
		return nil, err
	}
	if !quorum {
		return d, nil
	}
	resolved, err := m.apply(context.WithoutCancel(ctx), d)
	if err != nil {
		// The ballot and the frozen outcome are stored; the sweep re-applies.
		m.log(ctx, d).Warn("quorum outcome not applied", "error", err)
		return d, nil
	}
	return resolved, nil
}

func (m *Manager) castVote(ctx context.Context, id, voter string, sideForBuyer bool) (*Dispute, bool, error) {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	now := m.now()
	advance(d, now)

	switch {
	case d.IsParty(voter):
		return nil, false, m.rejectVote("party", fmt.Errorf("%w: buyer and seller cannot vote", ErrNotAuthorized))
	case d.Status == StatusResolved:
		return nil, false, m.rejectVote("closed", ErrDisputeClosed)
	case d.Status != StatusVoting:
		return nil, false, m.rejectVote("not_open", ErrVotingNotOpen)
	case !now.Before(d.Deadline):
		return nil, false, m.rejectVote("deadline", fmt.Errorf("%w: voting deadline passed", ErrDisputeClosed))
	case d.HasVoted(voter):
		return nil, false, m.rejectVote("duplicate", ErrDuplicateVote)
	}

	weight, err := m.feed.Score(ctx, voter)
	if err != nil {
		return nil, false, m.rejectVote("weight_unavailable", fmt.Errorf("%w: %w", ErrWeightUnavailable, err))
	}

	d.Votes = append(d.Votes, Vote{Voter: voter, SideForBuyer: sideForBuyer, Weight: weight, CastAt: now})
	d.UpdatedAt = now
	buyerW, sellerW := d.Weights()
	quorum := m.quorum > 0 && buyerW+sellerW >= m.quorum
	if quorum {
		m.freeze(d, TriggerQuorum, now)
	}
	if err := m.store.Save(ctx, d); err != nil {
		return nil, false, err
	}

	metrics.VotesCastTotal.WithLabelValues(side(sideForBuyer)).Inc()
	m.log(ctx, d).Info("vote cast", "voter", voter, "side", side(sideForBuyer), "weight", weight,
		"buyer_weight", buyerW, "seller_weight", sellerW)
	m.publish(realtime.EventVoteCast, d, map[string]any{
		"voter":        voter,
		"sideForBuyer": sideForBuyer,
		"weight":       weight,
	})
	if quorum {
		m.resolved(ctx, d)
	}
	return d.Clone(), quorum, nil
}

// TallyAndResolve freezes the outcome of a dispute whose voting deadline
// has passed (or whose quorum is met) and applies it to the escrow. A
// resolved dispute whose outcome failed to apply is applied again.
func (m *Manager) TallyAndResolve(ctx context.Context, id string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.TallyAndResolve", traces.DisputeID(id))
	defer func() { traces.End(span, err) }()

	d, err := m.tally(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.ArchivedAt != nil {
		return d, nil
	}
	// The outcome is frozen; applying it must not depend on the caller.
	return m.apply(context.WithoutCancel(ctx), d)
}

func (m *Manager) tally(ctx context.Context, id string) (*Dispute, error) {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return d, nil
	}

	now := m.now()
	advance(d, now)
	buyerW, sellerW := d.Weights()
	var trigger Trigger
	switch {
	case !now.Before(d.Deadline):
		trigger = TriggerDeadline
	case m.quorum > 0 && buyerW+sellerW >= m.quorum:
		trigger = TriggerQuorum
	default:
		return nil, ErrTallyNotDue
	}

	m.freeze(d, trigger, now)
	d.UpdatedAt = now
	if err := m.store.Save(ctx, d); err != nil {
		return nil, err
	}
	m.resolved(ctx, d)
	return d.Clone(), nil
}

// freeze records the outcome. From here on the outcome never changes.
func (m *Manager) freeze(d *Dispute, trigger Trigger, now time.Time) {
	d.BuyerWeight, d.SellerWeight = d.Weights()
	d.Outcome = Decide(d.BuyerWeight, d.SellerWeight)
	d.Trigger = trigger
	d.Status = StatusResolved
	d.ResolvedAt = &now
}

func (m *Manager) resolved(ctx context.Context, d *Dispute) {
	metrics.DisputesResolvedTotal.WithLabelValues(string(d.Outcome), string(d.Trigger)).Inc()
	m.log(ctx, d).Info("dispute resolved", "outcome", d.Outcome, "trigger", d.Trigger,
		"buyer_weight", d.BuyerWeight, "seller_weight", d.SellerWeight, "votes", len(d.Votes))
	m.publish(realtime.EventDisputeResolved, d, map[string]any{
		"outcome":      string(d.Outcome),
		"trigger":      string(d.Trigger),
		"buyerWeight":  d.BuyerWeight,
		"sellerWeight": d.SellerWeight,
	})
}

// apply hands the frozen outcome to the escrow engine. Callers must not
// hold the dispute lock. A failure is stored on the dispute for the sweep.
func (m *Manager) apply(ctx context.Context, d *Dispute) (*Dispute, error) {
	if m.resolver == nil {
		return nil, errors.New("dispute: no resolver configured")
	}
	res, err := m.resolver.ApplyResolution(ctx, d.EscrowID, d.ID, d.Outcome)
	if err != nil {
		m.recordApplyError(ctx, d.ID, err)
		return nil, fmt.Errorf("apply dispute outcome: %w", err)
	}
	if res.Funds == escrow.FundsConfirmed && res.Escrow.Status == escrow.StatusResolved {
		// Usually archived already by the engine; a repeated apply is not.
		if err := m.Archive(ctx, d.ID); err != nil {
			m.log(ctx, d).Warn("failed to archive dispute", "error", err)
		}
	}
	return m.store.Get(ctx, d.ID)
}

func (m *Manager) recordApplyError(ctx context.Context, id string, cause error) {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return
	}
	defer unlock()

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return
	}
	d.ApplyError = cause.Error()
	d.UpdatedAt = m.now()
	if err := m.store.Save(ctx, d); err != nil {
		m.log(ctx, d).Error("CRITICAL: dispute outcome failed to apply and could not be recorded",
			"outcome", d.Outcome, "error", cause, "save_error", err)
		return
	}
	m.log(ctx, d).Error("dispute outcome failed to apply", "outcome", d.Outcome, "error", cause)
}

// ProcessDue tallies disputes whose deadline has passed and applies every
// frozen outcome that is not archived yet. It reports how many were applied.
func (m *Manager) ProcessDue(ctx context.Context, limit int) (int, error) {
	due, err := m.store.ListDue(ctx, m.now(), limit)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, d := range due {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		if _, err := m.TallyAndResolve(ctx, d.ID); err != nil {
			continue
		}
		applied++
	}
	return applied, nil
}

func (m *Manager) rejectVote(reason string, err error) error {
	metrics.VotesRejectedTotal.WithLabelValues(reason).Inc()
	return err
}

func (m *Manager) log(ctx context.Context, d *Dispute) *slog.Logger {
	return logging.L(logging.WithEscrow(ctx, d.EscrowID)).With("dispute_id", d.ID)
}

func (m *Manager) publish(typ realtime.EventType, d *Dispute, data map[string]any) {
	if m.events == nil {
		return
	}
	data["disputeId"] = d.ID
	data["status"] = string(d.Status)
	m.events.Broadcast(realtime.NewEvent(typ, d.EscrowID, []string{d.BuyerAddr, d.SellerAddr}, data))
}

// advance moves a dispute into voting once its evidence window is over.
func advance(d *Dispute, now time.Time) {
	if (d.Status == StatusOpen || d.Status == StatusEvidenceCollection) && !now.Before(d.EvidenceDeadline) {
		d.Status = StatusVoting
	}
}

func side(forBuyer bool) string {
	if forBuyer {
		return "buyer"
	}
	return "seller"
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
