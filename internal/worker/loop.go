package worker

import (
	"context"
	"time"
)

// Start begins the scheduling loop in the background. It calls RunCycle
// repeatedly until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Stop stops the scheduling loop, cancelling any in-flight work, and waits
// for it to exit. If the last cycle completed and the worker is idling on
// its lease until the next start time, the lease is released so another
// instance can pick up the next run without waiting for it to lapse.
func (w *Worker) Stop(ctx context.Context) {
	w.stop.Do(func() {
		close(w.stopped)
		if w.cancel != nil {
			w.cancel()
		}
	})
	w.wg.Wait()

	if w.LastOutcome() == OutcomeCompleted && w.lock.IsLocked() {
		if err := w.lock.Release(ctx); err != nil {
			w.logger.Error().Err(err).Msg("failed to release lock on shutdown")
		} else {
			w.logger.Info().Msg("released lock on shutdown")
		}
	}
}

// Run runs the scheduling loop in the calling goroutine until ctx is
// cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	w.run(ctx)
}

// Running returns true while the scheduling loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

func (w *Worker) run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	w.logger.Info().
		Str("owner", w.ownerID).
		Dur("min_lease_time", w.cfg.MinLeaseTime).
		Dur("task_run_frequency", w.cfg.TaskRunFrequency).
		Dur("max_extension_ttl", w.cfg.MaxExtensionTTL).
		Dur("extension_threshold", w.cfg.ExtensionThreshold).
		Msg("worker loop started")
	defer w.logger.Info().Msg("worker loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		default:
		}

		// Storage faults are logged inside RunCycle and retried next cycle.
		cycle, _ := w.RunCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-w.clock.After(w.nextDelay(cycle)):
		}
	}
}

// nextDelay picks the pause before the next cycle from the last cycle's
// hint, bounded by minInterval and TaskRunFrequency.
func (w *Worker) nextDelay(c Cycle) time.Duration {
	delay := w.cfg.TaskRunFrequency
	if !c.NextAttempt.IsZero() {
		delay = c.NextAttempt.Sub(w.clock.Now())
	}
	if delay > w.cfg.TaskRunFrequency {
		delay = w.cfg.TaskRunFrequency
	}
	if delay < w.minInterval {
		delay = w.minInterval
	}
	return delay
}
