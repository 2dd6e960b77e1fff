package lockstore

import (
	"context"
	"sync"
)

// Memory is an in-process Backend for tests and single-node development.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Create implements Backend.Create.
func (m *Memory) Create(ctx context.Context, name string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("create", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[name]; exists {
		return nil
	}
	stored := rec.Clone()
	stored.ETag = newETag()
	m.records[name] = stored
	return nil
}

// Load implements Backend.Load.
func (m *Memory) Load(ctx context.Context, name string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, wrapErr("load", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// CompareAndSwap implements Backend.CompareAndSwap.
func (m *Memory) CompareAndSwap(ctx context.Context, name string, rec Record, etag string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, wrapErr("compare_and_swap", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[name]
	if !ok || current.ETag != etag {
		return "", false, nil
	}
	stored := rec.Clone()
	stored.ETag = newETag()
	m.records[name] = stored
	return stored.ETag, true, nil
}

// Len returns the number of records (for testing).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
