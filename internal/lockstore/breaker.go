package lockstore

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breaker decorator.
type BreakerSettings struct {
	// Name identifies the breaker in state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive storage faults that opens the breaker.
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration

	// OnStateChange is called whenever the breaker changes state.
	OnStateChange func(name string, from, to gobreaker.State)
}

// Breaker decorates a Backend with a circuit breaker. Only storage faults
// count as failures; a lost compare-and-swap or a missing record does not.
// While open, calls fail fast with a *StorageError wrapping gobreaker.ErrOpenState.
type Breaker struct {
	inner Backend
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps inner with a circuit breaker.
func NewBreaker(inner Backend, settings BreakerSettings) *Breaker {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	maxFailures := settings.MaxFailures
	return &Breaker{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:          settings.Name,
			MaxRequests:   1,
			Timeout:       settings.OpenTimeout,
			OnStateChange: settings.OnStateChange,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil ||
					errors.Is(err, ErrNotFound) ||
					errors.Is(err, context.Canceled)
			},
		}),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Create implements Backend.Create.
func (b *Breaker) Create(ctx context.Context, name string, rec Record) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Create(ctx, name, rec)
	})
	return b.translate("create", name, err)
}

// Load implements Backend.Load.
func (b *Breaker) Load(ctx context.Context, name string) (Record, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Load(ctx, name)
	})
	if err != nil {
		return Record{}, b.translate("load", name, err)
	}
	return out.(Record), nil
}

// CompareAndSwap implements Backend.CompareAndSwap.
func (b *Breaker) CompareAndSwap(ctx context.Context, name string, rec Record, etag string) (string, bool, error) {
	type result struct {
		etag string
		ok   bool
	}
	out, err := b.cb.Execute(func() (interface{}, error) {
		next, ok, err := b.inner.CompareAndSwap(ctx, name, rec, etag)
		return result{etag: next, ok: ok}, err
	})
	if err != nil {
		return "", false, b.translate("compare_and_swap", name, err)
	}
	res := out.(result)
	return res.etag, res.ok, nil
}

func (b *Breaker) translate(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &StorageError{Op: op, Name: name, Err: err}
	}
	return err
}
