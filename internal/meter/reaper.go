package meter

import (
	"context"
	"sync"
	"time"

	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
)

// Reaper periodically deletes pending meters that have not been refreshed
// within the timeout window.
//
// Interval and timeout are independently reconfigurable at runtime;
// changing the interval cancels and restarts the timer without
// double-scheduling. The sweep races benignly with the resolver: the
// predicate is time-based and idempotent, so a device refreshed just before
// a sweep simply survives it.
type Reaper struct {
	pending PendingRepository
	logger  *logging.Logger
	now     func() time.Time

	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration

	// restart wakes the run loop when the interval changes.
	restart chan struct{}
}

// NewReaper creates a reaper over the pending repository.
func NewReaper(pending PendingRepository, interval, timeout time.Duration, logger *logging.Logger) *Reaper {
	return &Reaper{
		pending:  pending,
		logger:   logger,
		now:      time.Now,
		interval: interval,
		timeout:  timeout,
		restart:  make(chan struct{}, 1),
	}
}

// Run executes sweeps on the configured interval until ctx is cancelled.
// Call in its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(r.Interval())

		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-r.restart:
			// Interval changed: drop the old timer and rearm.
			if !timer.Stop() {
				<-timer.C
			}

		case <-timer.C:
			if _, err := r.SweepNow(ctx); err != nil {
				r.logger.Error("stale pending sweep failed", "error", err)
			}
		}
	}
}

// SweepNow forces an immediate out-of-cycle sweep and returns the removed
// device ids.
func (r *Reaper) SweepNow(ctx context.Context) ([]string, error) {
	cutoff := r.now().Add(-r.Timeout())

	removed, err := r.pending.DeleteStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		r.logger.Info("reaped stale pending meters",
			"count", len(removed),
			"device_ids", removed,
		)
	}
	return removed, nil
}

// Preview lists the pending meters the next sweep would remove, without
// deleting them.
func (r *Reaper) Preview(ctx context.Context) ([]PendingMeter, error) {
	cutoff := r.now().Add(-r.Timeout())
	return r.pending.ListStale(ctx, cutoff)
}

// SetInterval reconfigures the sweep interval. The running timer is
// restarted so the new interval takes effect immediately.
func (r *Reaper) SetInterval(d time.Duration) {
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()

	select {
	case r.restart <- struct{}{}:
	default:
		// A restart is already queued.
	}
}

// SetTimeout reconfigures the staleness window. Takes effect on the next
// sweep.
func (r *Reaper) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Interval returns the current sweep interval.
func (r *Reaper) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// Timeout returns the current staleness window.
func (r *Reaper) Timeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}
