// Package lockstore provides durable storage for named lease records.
//
// Every backend offers the same three operations: create-if-absent, load,
// and an etag-gated compare-and-swap. Losing a compare-and-swap is reported
// as ok == false, never as an error; errors are reserved for faults reaching
// the storage itself and are always wrapped in a *StorageError.
package lockstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Load when no record exists for the name.
var ErrNotFound = errors.New("lock record not found")

// UnownedExpiry is the expiration written into freshly created records.
// Any time in the past works; a fixed value keeps records comparable.
var UnownedExpiry = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Record is the persisted form of a lease.
type Record struct {
	OwnerID   string          `json:"ownerId"`
	ExpiresAt time.Time       `json:"expiresAt"`
	State     json.RawMessage `json:"state,omitempty"`

	// ETag is the version token of the stored record. It is not part of
	// the serialized document; backends keep it alongside.
	ETag string `json:"-"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.State != nil {
		out.State = append(json.RawMessage(nil), r.State...)
	}
	return out
}

// Backend is the conditional-write storage contract for lease records.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Create stores rec under name unless a record already exists.
	// An existing record is left untouched and is not an error.
	Create(ctx context.Context, name string, rec Record) error

	// Load returns the current record and its etag, or ErrNotFound.
	Load(ctx context.Context, name string) (Record, error)

	// CompareAndSwap replaces the record only if its stored etag equals etag.
	// It returns the new etag and true on success, or false when the etag
	// no longer matches.
	CompareAndSwap(ctx context.Context, name string, rec Record, etag string) (string, bool, error)
}

// StorageError reports a failure to reach or use the backing store.
type StorageError struct {
	Op   string
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("lockstore: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is, or wraps, a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func wrapErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if IsStorageError(err) {
		return err
	}
	return &StorageError{Op: op, Name: name, Err: err}
}

func newETag() string {
	return uuid.NewString()
}

// document is the serialized body used by blob-like backends.
type document struct {
	OwnerID   string          `json:"ownerId"`
	ExpiresAt time.Time       `json:"expiresAt"`
	State     json.RawMessage `json:"state,omitempty"`
}

func encodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(document{
		OwnerID:   rec.OwnerID,
		ExpiresAt: rec.ExpiresAt.UTC(),
		State:     rec.State,
	})
}

func decodeRecord(data []byte, etag string) (Record, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Record{}, fmt.Errorf("decode lock record: %w", err)
	}
	return Record{
		OwnerID:   doc.OwnerID,
		ExpiresAt: doc.ExpiresAt.UTC(),
		State:     doc.State,
		ETag:      etag,
	}, nil
}
