// Package lease keeps several independent leases alive on behalf of one
// long-running operation.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kneutral-org/leasework/internal/clock"
	"github.com/kneutral-org/leasework/internal/metrics"
)

// ErrLeaseLost is returned when any lease in a batch could not be renewed.
// The operation holding the leases must stop.
var ErrLeaseLost = errors.New("lease lost")

// RenewFunc renews one lease. It returns false if the lease is gone.
type RenewFunc func(ctx context.Context) (bool, error)

// Renewer re-invokes a fixed set of renewal callbacks, at most once per
// frequency unless forced.
type Renewer struct {
	renewals  []RenewFunc
	frequency time.Duration
	clock     clock.Clock
	logger    zerolog.Logger
	tag       string

	mu        sync.Mutex
	lastRenew time.Time
	count     atomic.Int64
}

// RenewerOption configures a Renewer.
type RenewerOption func(*Renewer)

// WithClock sets the time source.
func WithClock(c clock.Clock) RenewerOption {
	return func(r *Renewer) {
		r.clock = c
	}
}

// WithTag labels log lines from this renewer, typically with the name of
// the operation holding the leases.
func WithTag(tag string) RenewerOption {
	return func(r *Renewer) {
		r.tag = tag
	}
}

// NewRenewer creates a renewer for the given callbacks. The first
// unforced renewal is due one frequency after construction.
func NewRenewer(frequency time.Duration, logger zerolog.Logger, renewals []RenewFunc, opts ...RenewerOption) *Renewer {
	r := &Renewer{
		renewals:  append([]RenewFunc(nil), renewals...),
		frequency: frequency,
		clock:     clock.Real{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "lease_renewer").Str("tag", r.tag).Logger()
	r.lastRenew = r.clock.Now()
	return r
}

// Renewals returns the number of successful renewal batches.
func (r *Renewer) Renewals() int64 {
	return r.count.Load()
}

// RenewIfDue renews all leases if the frequency has elapsed.
func (r *Renewer) RenewIfDue(ctx context.Context) error {
	return r.Renew(ctx, false)
}

// Renew invokes every callback in parallel. Unless force is set it does
// nothing when the last successful renewal is more recent than the
// frequency. If any callback fails or reports false, the whole batch is
// considered lost and an error wrapping ErrLeaseLost is returned.
func (r *Renewer) Renew(ctx context.Context, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if !force && now.Before(r.lastRenew.Add(r.frequency)) {
		return nil
	}

	lost := make([]bool, len(r.renewals))
	g, gctx := errgroup.WithContext(ctx)
	for i, renew := range r.renewals {
		g.Go(func() error {
			ok, err := renew(gctx)
			if err != nil {
				return err
			}
			lost[i] = !ok
			return nil
		})
	}
	err := g.Wait()

	if err == nil {
		for i, l := range lost {
			if l {
				err = fmt.Errorf("lease %d of %d not renewed", i+1, len(lost))
				break
			}
		}
	}
	if err != nil {
		metrics.RecordLeaseRenewal("lost")
		r.logger.Error().Err(err).Int("leases", len(r.renewals)).Msg("failed to renew leases")
		return fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}

	r.lastRenew = now
	r.count.Add(1)
	metrics.RecordLeaseRenewal("success")
	r.logger.Debug().Int("leases", len(r.renewals)).Msg("renewed leases")
	return nil
}
