package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LateOutcome describes a call that finished after its caller stopped waiting.
type LateOutcome struct {
	Operation Operation
	EscrowID  string
	Receipt   *Receipt
	Err       error
	Elapsed   time.Duration
}

// Guarded bounds every call of an inner Client.
//
// Calls run on a context detached from the caller's cancellation, so a
// funds-moving request is never abandoned mid-flight. If the call outlives
// the timeout the caller gets ErrTimeout while the call keeps running; its
// eventual outcome is logged, counted and handed to the late-outcome hook.
// A per-operation circuit breaker rejects calls outright while the
// substrate is failing.
type Guarded struct {
	inner   Client
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	onLate  func(LateOutcome)
}

// NewGuarded wraps inner. A nil breaker disables circuit breaking.
func NewGuarded(inner Client, timeout time.Duration, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Guarded {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Guarded{inner: inner, timeout: timeout, breaker: breaker, logger: logger}
}

var _ Client = (*Guarded)(nil)

// OnLateOutcome registers a hook for calls that completed after timing out.
func (g *Guarded) OnLateOutcome(fn func(LateOutcome)) {
	g.onLate = fn
}

// BreakerState reports the circuit state for op.
func (g *Guarded) BreakerState(op Operation) circuitbreaker.State {
	if g.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return g.breaker.State(string(op))
}

func (g *Guarded) Lock(ctx context.Context, req LockRequest) (*Receipt, error) {
	return g.call(ctx, OpLock, req.EscrowID, req.IdempotencyKey, func(ctx context.Context) (*Receipt, error) {
		return g.inner.Lock(ctx, req)
	}, traces.Amount(req.Amount.String()), traces.Token(req.Token))
}

func (g *Guarded) Release(ctx context.Context, req ReleaseRequest) (*Receipt, error) {
	return g.call(ctx, OpRelease, req.EscrowID, req.IdempotencyKey, func(ctx context.Context) (*Receipt, error) {
		return g.inner.Release(ctx, req)
	})
}

func (g *Guarded) Refund(ctx context.Context, req RefundRequest) (*Receipt, error) {
	return g.call(ctx, OpRefund, req.EscrowID, req.IdempotencyKey, func(ctx context.Context) (*Receipt, error) {
		return g.inner.Refund(ctx, req)
	})
}

type callResult struct {
	receipt *Receipt
	err     error
}

func (g *Guarded) call(ctx context.Context, op Operation, escrowID, key string, fn func(context.Context) (*Receipt, error), attrs ...attribute.KeyValue) (*Receipt, error) {
	logger := logging.L(ctx).With("ledger_op", string(op), "escrow_id", escrowID)

	if g.breaker != nil && !g.breaker.Allow(string(op)) {
		metrics.LedgerCallsTotal.WithLabelValues(string(op), "circuit_open").Inc()
		return nil, &CallError{Op: op, EscrowID: escrowID, Err: ErrCircuitOpen}
	}

	attrs = append(attrs, traces.EscrowID(escrowID), traces.Operation(string(op)), traces.IdempotencyKey(key))
	spanCtx, span := traces.StartSpan(ctx, "ledger."+string(op), attrs...)
	detached := context.WithoutCancel(spanCtx)

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		r, err := fn(detached)
		done <- callResult{receipt: r, err: err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		elapsed := time.Since(start)
		g.record(op, res.err, elapsed)
		traces.End(span, res.err)
		if res.err != nil {
			logger.Warn("ledger call failed", "error", res.err, "elapsed", elapsed)
			return nil, res.err
		}
		return res.receipt, nil

	case <-timer.C:
	case <-ctx.Done():
	}

	// The caller stops waiting; the call itself keeps running.
	if g.breaker != nil {
		g.breaker.RecordFailure(string(op))
	}
	metrics.LedgerCallsTotal.WithLabelValues(string(op), "timeout").Inc()
	logger.Warn("ledger call outlived its timeout, tracking to completion", "timeout", g.timeout)

	go g.trackLate(op, escrowID, start, span, done, logger)

	cause := ErrTimeout
	if ctx.Err() != nil && time.Since(start) < g.timeout {
		cause = errors.Join(ErrTimeout, ctx.Err())
	}
	return nil, &CallError{Op: op, EscrowID: escrowID, Err: cause}
}

func (g *Guarded) trackLate(op Operation, escrowID string, start time.Time, span trace.Span, done <-chan callResult, logger *slog.Logger) {
	res := <-done
	elapsed := time.Since(start)
	metrics.LedgerCallDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
	metrics.LedgerLateOutcomesTotal.WithLabelValues(string(op), metrics.Result(res.err)).Inc()
	traces.End(span, res.err)

	if res.err != nil {
		logger.Warn("late ledger call failed", "error", res.err, "elapsed", elapsed)
	} else {
		logger.Info("late ledger call confirmed", "tx_hash", res.receipt.TxHash, "elapsed", elapsed)
	}
	if g.onLate != nil {
		g.onLate(LateOutcome{Operation: op, EscrowID: escrowID, Receipt: res.receipt, Err: res.err, Elapsed: elapsed})
	}
}

func (g *Guarded) record(op Operation, err error, elapsed time.Duration) {
	metrics.LedgerCallDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
	metrics.LedgerCallsTotal.WithLabelValues(string(op), metrics.Result(err)).Inc()
	if g.breaker == nil {
		return
	}
	// Contract violations say nothing about substrate health.
	if err == nil || !Transient(err) {
		g.breaker.RecordSuccess(string(op))
		return
	}
	g.breaker.RecordFailure(string(op))
}
