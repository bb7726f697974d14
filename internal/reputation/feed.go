package reputation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	ErrTimeout         = errors.New("reputation: lookup timed out")
	ErrUnavailable     = errors.New("reputation: feed unavailable")
	ErrScoreOutOfRange = errors.New("reputation: score outside 0-100")
)

// Feed supplies a 0-100 trust score per address.
type Feed interface {
	Score(ctx context.Context, address string) (int, error)
}

// Detailer is implemented by feeds that can explain a score.
type Detailer interface {
	Detail(ctx context.Context, address string) (*Score, error)
}

// CalculatorFeed scores addresses locally from a MetricsProvider.
type CalculatorFeed struct {
	calc     *Calculator
	provider MetricsProvider
}

// NewCalculatorFeed creates a feed over provider.
func NewCalculatorFeed(provider MetricsProvider) *CalculatorFeed {
	return &CalculatorFeed{calc: NewCalculator(), provider: provider}
}

// Detail returns the full score breakdown.
func (f *CalculatorFeed) Detail(ctx context.Context, address string) (*Score, error) {
	address = strings.ToLower(address)
	m, err := f.provider.GetMetrics(ctx, address)
	if err != nil {
		return nil, err
	}
	return f.calc.Calculate(address, *m), nil
}

// Score returns the rounded score.
func (f *CalculatorFeed) Score(ctx context.Context, address string) (int, error) {
	s, err := f.Detail(ctx, address)
	if err != nil {
		return 0, err
	}
	return clampScore(s.Score)
}

func clampScore(v float64) (int, error) {
	if math.IsNaN(v) || v < 0 || v > 100 {
		return 0, fmt.Errorf("%w: %v", ErrScoreOutOfRange, v)
	}
	return int(math.Round(v)), nil
}

// timeoutFeed bounds the latency of an inner feed.
type timeoutFeed struct {
	inner   Feed
	timeout time.Duration
}

// WithTimeout bounds every lookup on inner by d. A lookup that does not
// answer in time fails with ErrTimeout; it never defaults to a score.
func WithTimeout(inner Feed, d time.Duration) Feed {
	return &timeoutFeed{inner: inner, timeout: d}
}

type scoreResult struct {
	score int
	err   error
}

func (f *timeoutFeed) Score(ctx context.Context, address string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	done := make(chan scoreResult, 1)
	go func() {
		s, err := f.inner.Score(ctx, address)
		done <- scoreResult{score: s, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: %v", ErrTimeout, r.err)
		}
		return r.score, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, ErrTimeout
		}
		return 0, ctx.Err()
	}
}

// Detail forwards to the inner feed when it can explain scores.
func (f *timeoutFeed) Detail(ctx context.Context, address string) (*Score, error) {
	d, ok := f.inner.(Detailer)
	if !ok {
		return nil, ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return d.Detail(ctx, address)
}

// dedupFeed collapses concurrent lookups for the same address into one.
type dedupFeed struct {
	inner Feed
	group singleflight.Group
}

// Deduplicated shares a single in-flight lookup between concurrent callers
// asking for the same address.
func Deduplicated(inner Feed) Feed {
	return &dedupFeed{inner: inner}
}

func (f *dedupFeed) Score(ctx context.Context, address string) (int, error) {
	key := strings.ToLower(address)
	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		return f.inner.Score(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (f *dedupFeed) Detail(ctx context.Context, address string) (*Score, error) {
	d, ok := f.inner.(Detailer)
	if !ok {
		return nil, ErrUnavailable
	}
	return d.Detail(ctx, address)
}
