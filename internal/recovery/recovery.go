// Package recovery retries escrow ledger calls that failed or timed out.
//
// A task is keyed by escrow and operation. It is created when the escrow
// engine cannot confirm a ledger call, retried on an exponential schedule
// with jitter, and removed once a replay of the same logical request
// succeeds. A task that keeps failing past the attempt limit, or fails with
// an error no retry can fix, is escalated for an operator and never retried
// automatically again. The escrow itself always stays in its last confirmed
// state.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
)

var (
	ErrTaskNotFound      = errors.New("recovery: task not found")
	ErrRecoveryExhausted = errors.New("recovery: attempts exhausted, escalated for manual review")
)

// Status of a recovery task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEscalated Status = "escalated"
)

// Task is one queued ledger operation.
type Task struct {
	EscrowID     string            `json:"escrowId"`
	Operation    escrow.Operation  `json:"operation"`
	Outcome      escrow.Resolution `json:"outcome,omitempty"`
	Status       Status            `json:"status"`
	AttemptCount int               `json:"attemptCount"`
	LastError    string            `json:"lastError,omitempty"`
	NextRetryAt  time.Time         `json:"nextRetryAt"`
	EscalatedAt  *time.Time        `json:"escalatedAt,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Clone returns a copy safe to hand out of a store.
func (t *Task) Clone() *Task {
	cp := *t
	if t.EscalatedAt != nil {
		at := *t.EscalatedAt
		cp.EscalatedAt = &at
	}
	return &cp
}

// Suggested next steps reported by Options.
const (
	ActionNone         = "none"
	ActionWait         = "wait_for_retry"
	ActionRetryNow     = "retry_now"
	ActionManualReview = "manual_review"
)

// Report is the read-only recovery view of one escrow.
type Report struct {
	EscrowID         string           `json:"escrowId"`
	EscrowStatus     escrow.Status    `json:"escrowStatus"`
	PendingOperation escrow.Operation `json:"pendingOperation,omitempty"`
	Tasks            []*Task          `json:"tasks"`
	SuggestedAction  string           `json:"suggestedAction"`
	Detail           string           `json:"detail,omitempty"`
}

// Store persists recovery tasks.
type Store interface {
	Get(ctx context.Context, escrowID string, op escrow.Operation) (*Task, error)
	Upsert(ctx context.Context, t *Task) error
	Delete(ctx context.Context, escrowID string, op escrow.Operation) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Task, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	Counts(ctx context.Context) (pending, escalated int, err error)
}

// Replayer re-issues escrow ledger calls. *escrow.Service implements it.
type Replayer interface {
	Replay(ctx context.Context, id string, op escrow.Operation, outcome escrow.Resolution) (*escrow.Result, error)
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
}
