// Package lock provides lease-based distributed locking for coordinating
// work across multiple service instances.
//
// A lock is a single named record guarded by optimistic concurrency: every
// write presents the etag this instance last observed, and the storage
// layer rejects it if anyone else wrote in between.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kneutral-org/leasework/internal/clock"
	"github.com/kneutral-org/leasework/internal/lockstore"
	"github.com/kneutral-org/leasework/internal/metrics"
)

// ErrNotHeld is returned when extending a lock this instance does not hold.
var ErrNotHeld = errors.New("lock not held by this instance")

// DistributedLock defines the interface for a lease-based distributed lock.
// Implementations must be safe for concurrent use.
type DistributedLock[T any] interface {
	// TryAcquire claims the lock for hold if it is unheld, expired, or
	// already owned by ownerID. It returns false when another holder has a
	// live claim or wins the race for the record.
	TryAcquire(ctx context.Context, hold time.Duration, ownerID string) (bool, error)

	// TryAcquireWithState is TryAcquire that also replaces the payload.
	TryAcquireWithState(ctx context.Context, hold time.Duration, ownerID string, state T) (bool, error)

	// TryExtend moves the expiration of a held lock to newExpiration.
	// It returns false if the record changed since this instance last wrote it
	// or if the lease already lapsed on the local clock.
	TryExtend(ctx context.Context, newExpiration time.Time) (bool, error)

	// TryExtendWithState is TryExtend that also replaces the payload.
	TryExtendWithState(ctx context.Context, newExpiration time.Time, state T) (bool, error)

	// Release gives up the lock early. It's safe to call Release even if
	// the lock is not held.
	Release(ctx context.Context) error

	// IsLocked returns true while this instance holds an unexpired claim.
	IsLocked() bool

	// Status reads the stored record.
	Status(ctx context.Context) (*Status[T], error)
}

// Lock implements DistributedLock over Primitives.
type Lock[T any] struct {
	prims Primitives[T]
	clock clock.Clock
	name  string

	// mu serializes writes so the etag chain is never forked locally.
	mu        sync.Mutex
	held      bool
	ownerID   string
	etag      string
	expiresAt time.Time
	state     T
}

var _ DistributedLock[struct{}] = (*Lock[struct{}])(nil)

// NewLock creates a lock named name over prims. A nil clock means real time.
func NewLock[T any](prims Primitives[T], c clock.Clock, name string) *Lock[T] {
	if c == nil {
		c = clock.Real{}
	}
	return &Lock[T]{prims: prims, clock: c, name: name}
}

// Name returns the lock name.
func (l *Lock[T]) Name() string {
	return l.name
}

// TryAcquire implements DistributedLock. The stored payload is kept.
func (l *Lock[T]) TryAcquire(ctx context.Context, hold time.Duration, ownerID string) (bool, error) {
	return l.acquire(ctx, hold, ownerID, nil)
}

// TryAcquireWithState implements DistributedLock.
func (l *Lock[T]) TryAcquireWithState(ctx context.Context, hold time.Duration, ownerID string, state T) (bool, error) {
	return l.acquire(ctx, hold, ownerID, &state)
}

func (l *Lock[T]) acquire(ctx context.Context, hold time.Duration, ownerID string, state *T) (bool, error) {
	if ownerID == "" {
		return false, errors.New("lock: owner id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	status, err := l.load(ctx)
	if err != nil {
		metrics.RecordLockOperation(l.name, "acquire", "error")
		return false, err
	}

	now := l.clock.Now()
	if status.Held(now) && status.OwnerID != ownerID {
		l.held = false
		metrics.RecordLockOperation(l.name, "acquire", "contended")
		return false, nil
	}

	value := status.State
	if state != nil {
		value = *state
	}
	expiration := now.Add(hold)
	etag, ok, err := l.prims.TryAcquireOrExtendLease(ctx, value, expiration, ownerID, status.ETag)
	if err != nil {
		metrics.RecordLockOperation(l.name, "acquire", "error")
		return false, err
	}
	if !ok {
		l.held = false
		metrics.RecordLockOperation(l.name, "acquire", "contended")
		return false, nil
	}

	l.held = true
	l.ownerID = ownerID
	l.etag = etag
	l.expiresAt = expiration
	l.state = value
	metrics.RecordLockOperation(l.name, "acquire", "success")
	return true, nil
}

// TryExtend implements DistributedLock.
func (l *Lock[T]) TryExtend(ctx context.Context, newExpiration time.Time) (bool, error) {
	return l.extend(ctx, newExpiration, nil)
}

// TryExtendWithState implements DistributedLock.
func (l *Lock[T]) TryExtendWithState(ctx context.Context, newExpiration time.Time, state T) (bool, error) {
	return l.extend(ctx, newExpiration, &state)
}

func (l *Lock[T]) extend(ctx context.Context, newExpiration time.Time, state *T) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return false, ErrNotHeld
	}
	// A lapsed lease is not revived even if no one has written since.
	if !l.clock.Now().Before(l.expiresAt) {
		l.held = false
		metrics.RecordLockOperation(l.name, "extend", "expired")
		return false, nil
	}
	value := l.state
	if state != nil {
		value = *state
	}
	etag, ok, err := l.prims.TryAcquireOrExtendLease(ctx, value, newExpiration, l.ownerID, l.etag)
	if err != nil {
		metrics.RecordLockOperation(l.name, "extend", "error")
		return false, err
	}
	if !ok {
		l.held = false
		metrics.RecordLockOperation(l.name, "extend", "contended")
		return false, nil
	}
	l.etag = etag
	l.expiresAt = newExpiration
	l.state = value
	metrics.RecordLockOperation(l.name, "extend", "success")
	return true, nil
}

// Release implements DistributedLock. The record is marked unowned and
// expired now; the payload is preserved. Losing the race to another
// holder is not an error.
func (l *Lock[T]) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false

	now := l.clock.Now()
	etag, ok, err := l.prims.TryAcquireOrExtendLease(ctx, l.state, now, "", l.etag)
	if err != nil {
		metrics.RecordLockOperation(l.name, "release", "error")
		return err
	}
	if !ok {
		metrics.RecordLockOperation(l.name, "release", "contended")
		return nil
	}
	l.etag = etag
	l.expiresAt = now
	metrics.RecordLockOperation(l.name, "release", "success")
	return nil
}

// IsLocked implements DistributedLock. It turns false once the local clock
// passes the last written expiration, even if no one has taken over yet.
func (l *Lock[T]) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && l.clock.Now().Before(l.expiresAt)
}

// Status implements DistributedLock. A missing record is created first.
func (l *Lock[T]) Status(ctx context.Context) (*Status[T], error) {
	return l.load(ctx)
}

// ETag returns the etag produced by this instance's last successful write.
func (l *Lock[T]) ETag() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.etag
}

// ExpiresAt returns the expiration of this instance's last successful write.
func (l *Lock[T]) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// OwnerID returns the owner used for the last successful acquire.
func (l *Lock[T]) OwnerID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ownerID
}

// State returns the payload of this instance's last successful write.
func (l *Lock[T]) State() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lock[T]) load(ctx context.Context) (*Status[T], error) {
	status, err := l.prims.GetStatus(ctx)
	if errors.Is(err, lockstore.ErrNotFound) {
		if err := l.prims.CreateIfNotExists(ctx); err != nil {
			return nil, err
		}
		status, err = l.prims.GetStatus(ctx)
	}
	return status, err
}

// RenewFunc adapts a held lock into a renewal callback that pushes its
// expiration to hold from now. It is meant for lease.Renewer.
func RenewFunc[T any](l DistributedLock[T], c clock.Clock, hold time.Duration) func(context.Context) (bool, error) {
	if c == nil {
		c = clock.Real{}
	}
	return func(ctx context.Context) (bool, error) {
		return l.TryExtend(ctx, c.Now().Add(hold))
	}
}
