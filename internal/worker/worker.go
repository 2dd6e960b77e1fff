// Package worker runs a unit of work on a schedule, at most one instance at
// a time, under a lease-based distributed lock.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/leasework/internal/clock"
	"github.com/kneutral-org/leasework/internal/lock"
	"github.com/kneutral-org/leasework/internal/logging"
	"github.com/kneutral-org/leasework/internal/metrics"
)

// WorkFunc performs one unit of work. It must return promptly once ctx is
// cancelled. Returning false or an error marks the cycle as failed.
type WorkFunc func(ctx context.Context) (bool, error)

// Lock is the lock a worker runs under.
type Lock = lock.DistributedLock[WorkerLockState]

// Worker ties lock acquisition, lease extension during work, and the
// extension ceiling together.
type Worker struct {
	lock    Lock
	cfg     Config
	work    WorkFunc
	logger  zerolog.Logger
	clock   clock.Clock
	name    string
	ownerID string
	enabled bool

	retryInterval time.Duration
	stopGrace     time.Duration
	minInterval   time.Duration
	onCycle       func(Cycle)

	mu   sync.Mutex
	last Cycle

	inFlight atomic.Bool
	running  atomic.Bool
	cancel   context.CancelFunc
	stopped  chan struct{}
	stop     sync.Once
	wg       sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) {
		w.clock = c
	}
}

// WithOwnerID sets the identity written into the lock record.
// Defaults to NewOwnerID().
func WithOwnerID(id string) Option {
	return func(w *Worker) {
		w.ownerID = id
	}
}

// WithName sets the name used in logs and metrics. Defaults to the lock
// name when the lock exposes one.
func WithName(name string) Option {
	return func(w *Worker) {
		w.name = name
	}
}

// WithEnabled turns the worker on or off. A disabled worker never touches
// the lock and DoWork returns false.
func WithEnabled(enabled bool) Option {
	return func(w *Worker) {
		w.enabled = enabled
	}
}

// WithRetryInterval sets how soon a failed extension is retried while the
// current lease is still valid.
func WithRetryInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.retryInterval = d
	}
}

// WithStopGrace sets how long DoWork waits for the work function to return
// after cancelling it.
func WithStopGrace(d time.Duration) Option {
	return func(w *Worker) {
		w.stopGrace = d
	}
}

// WithMinInterval sets the shortest pause between scheduling loop cycles.
func WithMinInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.minInterval = d
	}
}

// WithOnCycle sets a callback invoked after every cycle.
func WithOnCycle(fn func(Cycle)) Option {
	return func(w *Worker) {
		w.onCycle = fn
	}
}

// NewOwnerID returns an identity unique to this process instance.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()
}

// New creates a worker. It fails with ErrInvalidConfig if cfg is not
// consistent.
func New(l Lock, cfg Config, work WorkFunc, logger zerolog.Logger, opts ...Option) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil || work == nil {
		return nil, fmt.Errorf("%w: lock and work function are required", ErrInvalidConfig)
	}
	w := &Worker{
		lock:          l,
		cfg:           cfg,
		work:          work,
		logger:        logger,
		clock:         clock.Real{},
		enabled:       true,
		retryInterval: cfg.ExtensionThreshold / 4,
		stopGrace:     cfg.ExtensionThreshold,
		minInterval:   100 * time.Millisecond,
		stopped:       make(chan struct{}),
	}
	if named, ok := l.(interface{ Name() string }); ok {
		w.name = named.Name()
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.ownerID == "" {
		w.ownerID = NewOwnerID()
	}
	if w.name == "" {
		w.name = "worker"
	}
	if w.retryInterval <= 0 {
		w.retryInterval = time.Millisecond
	}
	return w, nil
}

// OwnerID returns the identity this worker acquires the lock with.
func (w *Worker) OwnerID() string {
	return w.ownerID
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// Config returns the worker's lease timing.
func (w *Worker) Config() Config {
	return w.cfg
}

// Enabled reports whether the worker will attempt work.
func (w *Worker) Enabled() bool {
	return w.enabled
}

// LastCycle returns the most recent cycle.
func (w *Worker) LastCycle() Cycle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// LastOutcome returns the outcome of the most recent cycle.
func (w *Worker) LastOutcome() Outcome {
	return w.LastCycle().Outcome
}

// Lock returns the lock the worker runs under.
func (w *Worker) Lock() Lock {
	return w.lock
}

// DoWork runs at most one unit of work. It returns true only if the work
// function completed successfully while the lease was held. The error is
// non-nil only when the lock storage could not be reached before work
// started; cancellation, contention, and work failures are not errors.
func (w *Worker) DoWork(ctx context.Context) (bool, error) {
	cycle, err := w.RunCycle(ctx)
	return cycle.Outcome == OutcomeCompleted, err
}

// RunCycle is DoWork returning the whole cycle. Cycles of one Worker never
// overlap: a call made while another is in flight returns OutcomeBusy at
// once and is not recorded as the last cycle.
func (w *Worker) RunCycle(ctx context.Context) (Cycle, error) {
	if !w.inFlight.CompareAndSwap(false, true) {
		now := w.clock.Now()
		w.logger.Debug().Msg("cycle already in flight, skipping")
		metrics.RecordWorkerCycle(w.name, string(OutcomeBusy))
		return Cycle{Outcome: OutcomeBusy, StartedAt: now, FinishedAt: now}, nil
	}
	defer w.inFlight.Store(false)

	cycle, err := w.runCycle(ctx)
	cycle.FinishedAt = w.clock.Now()
	if err != nil {
		cycle.Error = err.Error()
	}

	w.mu.Lock()
	w.last = cycle
	w.mu.Unlock()

	metrics.RecordWorkerCycle(w.name, string(cycle.Outcome))
	if w.onCycle != nil {
		w.onCycle(cycle)
	}
	if cycle.Outcome == OutcomeStorageFault {
		return cycle, err
	}
	return cycle, nil
}

func (w *Worker) runCycle(ctx context.Context) (Cycle, error) {
	cycle := Cycle{StartedAt: w.clock.Now()}
	if !w.enabled {
		cycle.Outcome = OutcomeDisabled
		return cycle, nil
	}
	if ctx.Err() != nil {
		cycle.Outcome = OutcomeCancelled
		return cycle, nil
	}

	status, err := w.lock.Status(ctx)
	if err != nil {
		return w.acquireFailed(ctx, cycle, err)
	}

	now := w.clock.Now()
	if now.Before(status.State.NextStartTime) {
		w.logger.Debug().Time("next_start", status.State.NextStartTime).Msg("work not due yet")
		cycle.Outcome = OutcomeNotDue
		cycle.NextAttempt = status.State.NextStartTime
		return cycle, nil
	}
	if status.Held(now) && status.OwnerID != w.ownerID {
		w.logger.Debug().Str("holder", status.OwnerID).Time("expires", status.ExpirationTime).Msg("lock held by another instance")
		cycle.Outcome = OutcomeContended
		cycle.NextAttempt = status.ExpirationTime
		return cycle, nil
	}

	state := w.cfg.lockState(now, status.State.NextStartTime)
	acquired, err := w.acquire(ctx, now, state)
	if err != nil {
		return w.acquireFailed(ctx, cycle, err)
	}
	if !acquired {
		w.logger.Debug().Msg("lost the race for the lock")
		cycle.Outcome = OutcomeContended
		return cycle, nil
	}

	w.logger.Info().Time("acquired", now).Msg("acquired lock, starting work")
	metrics.SetWorkerHolding(w.name, true)
	defer metrics.SetWorkerHolding(w.name, false)

	return w.execute(ctx, cycle, state), nil
}

// acquire extends a lease this worker still holds, otherwise claims the
// lock afresh. Either way the payload is replaced with state.
func (w *Worker) acquire(ctx context.Context, now time.Time, state WorkerLockState) (bool, error) {
	expiration := now.Add(w.cfg.MinLeaseTime)
	if w.lock.IsLocked() {
		ok, err := w.lock.TryExtendWithState(ctx, expiration, state)
		if err != nil && !errors.Is(err, lock.ErrNotHeld) {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return w.lock.TryAcquireWithState(ctx, w.cfg.MinLeaseTime, w.ownerID, state)
}

func (w *Worker) acquireFailed(ctx context.Context, cycle Cycle, err error) (Cycle, error) {
	if ctx.Err() != nil {
		cycle.Outcome = OutcomeCancelled
		return cycle, nil
	}
	w.logger.Error().Err(err).Msg("failed to reach lock storage")
	cycle.Outcome = OutcomeStorageFault
	return cycle, err
}

type workResult struct {
	ok  bool
	err error
}

// execute runs the work function while extending the lease in the
// background. The lease is never extended past acquired+MaxExtensionTTL.
func (w *Worker) execute(ctx context.Context, cycle Cycle, state WorkerLockState) Cycle {
	acquired := state.LockAcquiredTime
	deadline := acquired.Add(w.cfg.MaxExtensionTTL)
	expiration := acquired.Add(w.cfg.MinLeaseTime)

	workCtx, cancelWork := context.WithCancel(logging.ContextWithLogger(ctx, w.logger))
	defer cancelWork()

	done := make(chan workResult, 1)
	go func() {
		ok, err := w.runWork(workCtx)
		done <- workResult{ok: ok, err: err}
	}()

	timer := w.clock.After(w.wakeDelay(expiration, deadline))
	for {
		select {
		case res := <-done:
			metrics.RecordWorkerCycleDuration(w.name, w.clock.Now().Sub(acquired).Seconds())
			return w.finish(ctx, cycle, state, res)

		case <-ctx.Done():
			cancelWork()
			w.awaitWork(done)
			w.logger.Info().Msg("work cancelled")
			cycle.Outcome = OutcomeCancelled
			return cycle

		case <-timer:
			now := w.clock.Now()
			if !now.Before(deadline) {
				cancelWork()
				w.logger.Warn().
					Dur("max_extension_ttl", w.cfg.MaxExtensionTTL).
					Time("acquired", acquired).
					Msg("work exceeded max extension ttl, abandoning lease")
				metrics.RecordLeaseExtension(w.name, "ttl_exceeded")
				w.awaitWork(done)
				cycle.Outcome = OutcomeTTLExceeded
				return cycle
			}

			next := now.Add(w.cfg.MinLeaseTime)
			if next.After(deadline) {
				next = deadline
			}
			ok, err := w.lock.TryExtend(ctx, next)
			switch {
			case err != nil && ctx.Err() != nil:
				timer = nil
			case err != nil && !errors.Is(err, lock.ErrNotHeld):
				if !w.clock.Now().Before(expiration) {
					return w.abandon(cycle, done, cancelWork, err)
				}
				w.logger.Warn().Err(err).Time("expires", expiration).Msg("failed to extend lease, retrying")
				metrics.RecordLeaseExtension(w.name, "error")
				timer = w.clock.After(w.retryDelay(expiration))
			case err != nil || !ok:
				return w.abandon(cycle, done, cancelWork, err)
			default:
				expiration = next
				cycle.Extensions++
				metrics.RecordLeaseExtension(w.name, "success")
				w.logger.Debug().Time("expires", expiration).Msg("extended lease")
				timer = w.clock.After(w.wakeDelay(expiration, deadline))
			}
		}
	}
}

func (w *Worker) abandon(cycle Cycle, done <-chan workResult, cancelWork context.CancelFunc, err error) Cycle {
	cancelWork()
	event := w.logger.Warn()
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("lease lost during work, abandoning")
	metrics.RecordLeaseExtension(w.name, "lost")
	w.awaitWork(done)
	cycle.Outcome = OutcomeLeaseLost
	return cycle
}

// finish handles the work function returning before any abandonment.
// A successful run keeps the lease until the next start time, so other
// instances see the schedule and the lock frees itself when it is due.
func (w *Worker) finish(ctx context.Context, cycle Cycle, state WorkerLockState, res workResult) Cycle {
	if res.err != nil || !res.ok {
		event := w.logger.Error()
		if res.err != nil {
			event = event.Err(res.err)
			cycle.Error = res.err.Error()
		}
		event.Msg("work failed")
		cycle.Outcome = OutcomeFailed
		return cycle
	}

	now := w.clock.Now()
	state.NextStartTime = now.Add(w.cfg.TaskRunFrequency)
	cycle.Outcome = OutcomeCompleted
	cycle.NextAttempt = state.NextStartTime

	ok, err := w.lock.TryExtendWithState(ctx, state.NextStartTime, state)
	switch {
	case err != nil:
		w.logger.Error().Err(err).Msg("work completed but next start time was not recorded")
	case !ok:
		w.logger.Warn().Msg("work completed but lease was lost before next start time was recorded")
	default:
		w.logger.Info().Time("next_start", state.NextStartTime).Msg("work completed")
	}
	return cycle
}

func (w *Worker) runWork(ctx context.Context) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()
	return w.work(ctx)
}

// awaitWork gives a cancelled work function a bounded time to return.
func (w *Worker) awaitWork(done <-chan workResult) {
	select {
	case <-done:
	case <-w.clock.After(w.stopGrace):
		w.logger.Warn().Dur("grace", w.stopGrace).Msg("work did not stop after cancellation")
	}
}

// wakeDelay returns how long to sleep before the next extension attempt.
// Once the lease is capped at the deadline, the next wake is the deadline.
func (w *Worker) wakeDelay(expiration, deadline time.Time) time.Duration {
	now := w.clock.Now()
	if !expiration.Before(deadline) {
		return deadline.Sub(now)
	}
	return expiration.Add(-w.cfg.ExtensionThreshold).Sub(now)
}

func (w *Worker) retryDelay(expiration time.Time) time.Duration {
	remaining := expiration.Sub(w.clock.Now())
	if remaining < w.retryInterval {
		return remaining
	}
	return w.retryInterval
}
