// ABOUTME: Fixed-interval ticker loop driving the scheduler's tick
// ABOUTME: Panics inside a tick are recovered so one bad pass never kills the loop

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Runner invokes a tick function on a fixed interval. Polling rather than
// event-driven on purpose: due attempts live in the durable store and must
// survive process restarts.
type Runner struct {
	interval time.Duration
	tickFn   func(context.Context)
	logger   *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a Runner around tickFn.
func NewRunner(interval time.Duration, tickFn func(context.Context), logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		interval: interval,
		tickFn:   tickFn,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start launches the loop, ticking once immediately. Returns false when
// already running.
func (r *Runner) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running.Store(true)

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.logger.Info("scheduler runner started", "interval", r.interval.String())

		r.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("scheduler runner stopping")
				return
			case <-ticker.C:
				r.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop halts the loop and waits for an in-flight tick to finish. Returns
// false when not running.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Load() {
		return false
	}

	r.cancel()
	<-r.done
	r.running.Store(false)

	r.logger.Info("scheduler runner stopped")
	return true
}

// IsRunning reports whether the loop is live.
func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

func (r *Runner) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("scheduler tick panic recovered", "panic", rec)
		}
	}()

	start := time.Now()
	r.tickFn(ctx)
	r.logger.Debug("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}
