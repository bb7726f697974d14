package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const workerBatchSize = 25

// Worker tallies disputes past their deadline and re-applies failed outcomes.
type Worker struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWorker creates a dispute worker polling every interval.
func NewWorker(manager *Manager, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Worker{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the worker loop is actively running.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the tally loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeTick(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in dispute worker", "panic", fmt.Sprint(r))
		}
	}()
	w.tick(ctx)
}

func (w *Worker) tick(ctx context.Context) {
	applied, err := w.manager.ProcessDue(ctx, workerBatchSize)
	if err != nil {
		w.logger.Warn("dispute sweep failed", "error", err)
		return
	}
	if applied > 0 {
		w.logger.Info("dispute sweep complete", "applied", applied)
	}
}
