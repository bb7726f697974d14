package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/syncutil"
)

// EventBroadcaster receives recovery events.
type EventBroadcaster interface {
	Broadcast(event *realtime.Event)
}

// Config is the retry policy.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Manager owns the recovery queue.
//
// The per-task lock only guards read-modify-write of the task record and is
// never held across a replay, since the escrow engine calls Enqueue while
// holding its own escrow lock.
type Manager struct {
	store       Store
	replayer    Replayer
	events      EventBroadcaster
	backoff     retry.Backoff
	maxAttempts int
	locks       *syncutil.KeyedMutex
	logger      *slog.Logger
	now         func() time.Time
}

var _ escrow.RecoveryQueue = (*Manager)(nil)

// NewManager creates a recovery manager.
func NewManager(store Store, cfg Config, logger *slog.Logger) *Manager {
	b := retry.DefaultBackoff
	if cfg.BaseDelay > 0 {
		b.Base = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		b.Max = cfg.MaxDelay
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &Manager{
		store:       store,
		backoff:     b,
		maxAttempts: maxAttempts,
		locks:       syncutil.NewKeyedMutex(),
		logger:      logger,
		now:         time.Now,
	}
}

// WithReplayer sets the escrow engine used to replay operations. It is set
// after construction because the engine itself takes the manager as its
// queue.
func (m *Manager) WithReplayer(r Replayer) *Manager {
	m.replayer = r
	return m
}

// WithEvents adds a realtime event sink.
func (m *Manager) WithEvents(b EventBroadcaster) *Manager {
	m.events = b
	return m
}

func taskKey(escrowID string, op escrow.Operation) string {
	return escrowID + "/" + string(op)
}

// Enqueue records a failed ledger call. The first failure creates the task
// with attemptCount 1; later failures of the same operation bump it and push
// nextRetryAt out along the backoff schedule.
func (m *Manager) Enqueue(ctx context.Context, escrowID string, op escrow.Operation, outcome escrow.Resolution, cause error) error {
	unlock, err := m.locks.LockContext(ctx, taskKey(escrowID, op))
	if err != nil {
		return err
	}
	defer unlock()

	t, err := m.store.Get(ctx, escrowID, op)
	if errors.Is(err, ErrTaskNotFound) {
		now := m.now()
		t = &Task{EscrowID: escrowID, Operation: op, Status: StatusPending, CreatedAt: now}
	} else if err != nil {
		return fmt.Errorf("load recovery task: %w", err)
	}
	if outcome != "" {
		t.Outcome = outcome
	}
	return m.recordFailure(ctx, t, cause)
}

// recordFailure bumps t after a failed attempt and either schedules the
// next retry or escalates. Callers hold the task lock.
func (m *Manager) recordFailure(ctx context.Context, t *Task, cause error) error {
	now := m.now()
	// A task created by Nudge has no failed attempt yet and is already due.
	nudged := t.AttemptCount == 0 && !t.NextRetryAt.IsZero()
	t.AttemptCount++
	if cause != nil {
		t.LastError = cause.Error()
	}
	t.UpdatedAt = now

	escalate := t.Status == StatusEscalated || t.AttemptCount >= m.maxAttempts || !retryable(cause)
	if escalate {
		if t.Status != StatusEscalated {
			t.Status = StatusEscalated
			t.EscalatedAt = &now
		}
	} else {
		t.Status = StatusPending
		if next := m.backoff.Next(now, t.AttemptCount); !nudged || next.Before(t.NextRetryAt) {
			t.NextRetryAt = next
		}
	}

	if err := m.store.Upsert(ctx, t); err != nil {
		return fmt.Errorf("save recovery task: %w", err)
	}
	m.refreshGauges(ctx)

	logger := logging.L(logging.WithEscrow(ctx, t.EscrowID)).With("operation", t.Operation, "attempt", t.AttemptCount)
	if escalate {
		logger.Error("CRITICAL: recovery task escalated for manual review", "error", t.LastError)
		m.publish(realtime.EventRecoveryEscalated, t)
		return nil
	}
	logger.Warn("ledger operation queued for retry", "next_retry_at", t.NextRetryAt, "error", t.LastError)
	m.publish(realtime.EventRecoveryQueued, t)
	return nil
}

// retryable reports whether a replay could ever fix cause. Contract
// violations from the ledger and escrows that moved to an incompatible
// state need an operator.
func retryable(cause error) bool {
	if cause == nil {
		return true
	}
	if errors.Is(cause, escrow.ErrInvalidTransition) || errors.Is(cause, escrow.ErrEscrowNotFound) {
		return false
	}
	return ledger.Transient(cause)
}

// Resolve removes the task for an operation that has since been confirmed.
func (m *Manager) Resolve(ctx context.Context, escrowID string, op escrow.Operation) error {
	unlock, err := m.locks.LockContext(ctx, taskKey(escrowID, op))
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.store.Delete(ctx, escrowID, op); err != nil && !errors.Is(err, ErrTaskNotFound) {
		return err
	}
	m.refreshGauges(ctx)
	return nil
}

// Retry replays the queued operation with the same logical request and
// idempotency key. Success removes the task. A failure counts as an
// attempt; once the limit is hit the task is escalated and the error wraps
// ErrRecoveryExhausted. Escalated tasks can still be retried by hand.
//
// With no task queued the replay still runs, so a repeated retry of an
// operation that already succeeded reports success without a ledger call.
func (m *Manager) Retry(ctx context.Context, escrowID string, op escrow.Operation) (*escrow.Result, error) {
	if m.replayer == nil {
		return nil, errors.New("recovery: no replayer configured")
	}
	ctx = logging.WithEscrow(ctx, escrowID)

	t, err := m.store.Get(ctx, escrowID, op)
	if err != nil && !errors.Is(err, ErrTaskNotFound) {
		return nil, fmt.Errorf("load recovery task: %w", err)
	}
	var outcome escrow.Resolution
	if t != nil {
		outcome = t.Outcome
	}

	res, rerr := m.replayer.Replay(ctx, escrowID, op, outcome)
	metrics.RecoveryAttemptsTotal.WithLabelValues(string(op), metrics.Result(rerr)).Inc()

	unlock, err := m.locks.LockContext(ctx, taskKey(escrowID, op))
	if err != nil {
		return res, err
	}
	defer unlock()

	if rerr == nil {
		if err := m.store.Delete(ctx, escrowID, op); err != nil && !errors.Is(err, ErrTaskNotFound) {
			logging.L(ctx).Warn("replay confirmed but task not removed", "operation", op, "error", err)
		}
		m.refreshGauges(ctx)
		logging.L(ctx).Info("recovery replay confirmed", "operation", op, "status", res.Escrow.Status)
		return res, nil
	}

	// Re-read: the escrow engine may have bumped the task meanwhile.
	cur, err := m.store.Get(ctx, escrowID, op)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		if t == nil && !retryable(rerr) {
			// Nothing queued and nothing a retry can fix.
			return res, rerr
		}
		cur = &Task{EscrowID: escrowID, Operation: op, Outcome: outcome, Status: StatusPending, CreatedAt: m.now()}
	case err != nil:
		return res, fmt.Errorf("load recovery task: %w", err)
	}
	if err := m.recordFailure(ctx, cur, rerr); err != nil {
		logging.L(ctx).Error("CRITICAL: failed replay could not be recorded", "operation", op, "error", err)
	}
	if cur.Status == StatusEscalated {
		return res, fmt.Errorf("%w: %w", ErrRecoveryExhausted, rerr)
	}
	return res, rerr
}

// Nudge makes the task for an operation due now. The ledger guard calls it
// when a timed-out call completes late, so the replay that picks up the
// result does not wait for the backoff. A missing task is created due now:
// the engine may not have queued it yet, or could not.
func (m *Manager) Nudge(ctx context.Context, escrowID string, op escrow.Operation) error {
	unlock, err := m.locks.LockContext(ctx, taskKey(escrowID, op))
	if err != nil {
		return err
	}
	defer unlock()

	now := m.now()
	t, err := m.store.Get(ctx, escrowID, op)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		t = &Task{
			EscrowID:  escrowID,
			Operation: op,
			Status:    StatusPending,
			LastError: "ledger call completed after its timeout",
			CreatedAt: now,
		}
	case err != nil:
		return err
	case t.Status != StatusPending:
		return nil
	}
	t.NextRetryAt = now
	t.UpdatedAt = now
	if err := m.store.Upsert(ctx, t); err != nil {
		return err
	}
	m.refreshGauges(ctx)
	return nil
}

// ProcessDue retries up to limit pending tasks whose retry time has come
// and reports how many replays were confirmed.
func (m *Manager) ProcessDue(ctx context.Context, limit int) (int, error) {
	due, err := m.store.ListDue(ctx, m.now(), limit)
	if err != nil {
		return 0, err
	}
	confirmed := 0
	for _, t := range due {
		if ctx.Err() != nil {
			return confirmed, ctx.Err()
		}
		if _, err := m.Retry(ctx, t.EscrowID, t.Operation); err != nil {
			continue
		}
		confirmed++
	}
	return confirmed, nil
}

// Options reports the pending and escalated tasks of an escrow with the
// suggested next action. It changes nothing.
func (m *Manager) Options(ctx context.Context, escrowID string) (*Report, error) {
	if m.replayer == nil {
		return nil, errors.New("recovery: no replayer configured")
	}
	e, err := m.replayer.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	tasks, err := m.store.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}

	r := &Report{
		EscrowID:         e.ID,
		EscrowStatus:     e.Status,
		PendingOperation: e.PendingOperation,
		Tasks:            tasks,
		SuggestedAction:  ActionNone,
	}

	now := m.now()
	for _, t := range tasks {
		if t.Status == StatusEscalated {
			r.SuggestedAction = ActionManualReview
			r.Detail = fmt.Sprintf("%s failed %d times (last error: %s); verify the ledger position before retrying by hand",
				t.Operation, t.AttemptCount, t.LastError)
			return r, nil
		}
	}
	for _, t := range tasks {
		if !t.NextRetryAt.After(now) {
			r.SuggestedAction = ActionRetryNow
			r.Detail = fmt.Sprintf("%s is due for retry", t.Operation)
			return r, nil
		}
	}
	if len(tasks) > 0 {
		t := tasks[0]
		r.SuggestedAction = ActionWait
		r.Detail = fmt.Sprintf("%s retries automatically at %s", t.Operation, t.NextRetryAt.UTC().Format(time.RFC3339))
	} else if e.PendingOperation != "" {
		r.SuggestedAction = ActionRetryNow
		r.Detail = fmt.Sprintf("%s is pending without a queued task", e.PendingOperation)
	}
	return r, nil
}

func (m *Manager) refreshGauges(ctx context.Context) {
	pending, escalated, err := m.store.Counts(ctx)
	if err != nil {
		return
	}
	metrics.RecoveryTasksPending.Set(float64(pending))
	metrics.RecoveryTasksEscalated.Set(float64(escalated))
}

func (m *Manager) publish(typ realtime.EventType, t *Task) {
	if m.events == nil {
		return
	}
	m.events.Broadcast(realtime.NewEvent(typ, t.EscrowID, nil, map[string]any{
		"operation":    string(t.Operation),
		"attemptCount": t.AttemptCount,
		"nextRetryAt":  t.NextRetryAt,
		"lastError":    t.LastError,
	}))
}
