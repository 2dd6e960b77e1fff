package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kneutral-org/leasework/internal/lockstore"
)

// Status is a point-in-time snapshot of a lock record.
type Status[T any] struct {
	OwnerID        string
	ExpirationTime time.Time
	State          T
	ETag           string
}

// Held reports whether the record is claimed by someone at now.
func (s *Status[T]) Held(now time.Time) bool {
	return s.OwnerID != "" && now.Before(s.ExpirationTime)
}

// Primitives is the conditional-write storage contract for one named lock.
type Primitives[T any] interface {
	// CreateIfNotExists ensures the record exists, unheld. An existing
	// record is never overwritten.
	CreateIfNotExists(ctx context.Context) error

	// GetStatus returns a copy of the stored record. It returns
	// lockstore.ErrNotFound when the record has not been created.
	GetStatus(ctx context.Context) (*Status[T], error)

	// TryAcquireOrExtendLease writes value, expiration and owner only if the
	// stored etag still equals etag. On success it returns the new etag.
	// A mismatch is reported as ok == false with a nil error.
	TryAcquireOrExtendLease(ctx context.Context, value T, expiration time.Time, ownerID, etag string) (newETag string, ok bool, err error)
}

// Store adapts a byte-level lockstore.Backend to Primitives by encoding the
// payload as JSON.
type Store[T any] struct {
	backend lockstore.Backend
	name    string
}

// NewStore creates typed primitives for the record called name.
func NewStore[T any](backend lockstore.Backend, name string) *Store[T] {
	return &Store[T]{backend: backend, name: name}
}

// Name returns the lock record name.
func (s *Store[T]) Name() string {
	return s.name
}

// CreateIfNotExists implements Primitives.
func (s *Store[T]) CreateIfNotExists(ctx context.Context) error {
	var zero T
	state, err := json.Marshal(zero)
	if err != nil {
		return fmt.Errorf("encode lock state: %w", err)
	}
	return s.backend.Create(ctx, s.name, lockstore.Record{
		OwnerID:   "",
		ExpiresAt: lockstore.UnownedExpiry,
		State:     state,
	})
}

// GetStatus implements Primitives. The payload is decoded fresh on every
// call, so callers never share memory with the store or each other.
func (s *Store[T]) GetStatus(ctx context.Context) (*Status[T], error) {
	rec, err := s.backend.Load(ctx, s.name)
	if err != nil {
		return nil, err
	}
	status := &Status[T]{
		OwnerID:        rec.OwnerID,
		ExpirationTime: rec.ExpiresAt,
		ETag:           rec.ETag,
	}
	if len(rec.State) > 0 && string(rec.State) != "null" {
		if err := json.Unmarshal(rec.State, &status.State); err != nil {
			return nil, fmt.Errorf("decode lock state %q: %w", s.name, err)
		}
	}
	return status, nil
}

// TryAcquireOrExtendLease implements Primitives.
func (s *Store[T]) TryAcquireOrExtendLease(ctx context.Context, value T, expiration time.Time, ownerID, etag string) (string, bool, error) {
	state, err := json.Marshal(value)
	if err != nil {
		return "", false, fmt.Errorf("encode lock state: %w", err)
	}
	return s.backend.CompareAndSwap(ctx, s.name, lockstore.Record{
		OwnerID:   ownerID,
		ExpiresAt: expiration.UTC(),
		State:     state,
	}, etag)
}
