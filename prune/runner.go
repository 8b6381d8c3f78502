package prune

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// IntervalRunner drives a Pruner on a fixed interval. It is the
// scheduler collaborator: deployments with an external scheduler can
// skip it and call RunCycle directly.
type IntervalRunner struct {
	pruner   *Pruner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewIntervalRunner creates a runner firing every interval.
func NewIntervalRunner(pruner *Pruner, interval time.Duration, logger *slog.Logger) *IntervalRunner {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntervalRunner{
		pruner:   pruner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. Cycle errors are already logged
// by the pruner; the loop simply waits for the next tick.
func (r *IntervalRunner) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.loop()
	}
}

func (r *IntervalRunner) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			_, _ = r.pruner.RunCycle(ctx)
			cancel()
		case <-r.stop:
			return
		}
	}
}

// Stop terminates the loop and waits for an in-flight cycle to finish.
func (r *IntervalRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	if r.started.Load() {
		<-r.done
	}
}
