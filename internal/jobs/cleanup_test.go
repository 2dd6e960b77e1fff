package jobs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecer returns one command tag per call, then DELETE 0.
type fakeExecer struct {
	mu      sync.Mutex
	tags    []string
	err     error
	queries []string
	args    [][]any
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	f.args = append(f.args, arguments)
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	if len(f.tags) == 0 {
		return pgconn.NewCommandTag("DELETE 0"), nil
	}
	tag := f.tags[0]
	f.tags = f.tags[1:]
	return pgconn.NewCommandTag(tag), nil
}

func TestPostgresCleaner_Batches(t *testing.T) {
	db := &fakeExecer{tags: []string{"DELETE 2", "DELETE 2", "DELETE 1"}}
	cleaner := NewPostgresCleaner(db, "idempotency_keys", 2)

	count, err := cleaner.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
	require.Len(t, db.queries, 3)
	assert.Contains(t, db.queries[0], `DELETE FROM "idempotency_keys"`)
	assert.Contains(t, db.queries[0], "expires_at < NOW()")
	assert.Equal(t, []any{2}, db.args[0])
}

func TestPostgresCleaner_QuotesTable(t *testing.T) {
	db := &fakeExecer{}
	cleaner := NewPostgresCleaner(db, `sessions"; DROP TABLE users; --`, 0)

	_, err := cleaner.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Contains(t, db.queries[0], `"sessions""; DROP TABLE users; --"`)
	assert.Equal(t, []any{DefaultBatchSize}, db.args[0])
}

func TestPostgresCleaner_Error(t *testing.T) {
	db := &fakeExecer{err: errors.New("connection reset")}
	cleaner := NewPostgresCleaner(db, "sessions", 10)

	_, err := cleaner.Cleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup sessions")
}

func TestPostgresCleaner_StopsWhenCancelled(t *testing.T) {
	db := &fakeExecer{tags: []string{"DELETE 10", "DELETE 10", "DELETE 10"}}
	cleaner := NewPostgresCleaner(db, "sessions", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count, err := cleaner.Cleanup(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), count)
	assert.Empty(t, db.queries)
}

type stubCleaner struct {
	count int64
	err   error
}

func (s stubCleaner) Cleanup(ctx context.Context) (int64, error) {
	return s.count, s.err
}

func TestCleanupWork(t *testing.T) {
	var buf bytes.Buffer
	ctx := zerolog.New(&buf).WithContext(context.Background())

	ok, err := CleanupWork(stubCleaner{count: 3}, "sessions")(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, buf.String(), `"removedCount":3`)

	buf.Reset()
	ok, err = CleanupWork(stubCleaner{err: errors.New("boom")}, "sessions")(ctx)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, strings.Contains(buf.String(), "failed to cleanup"))
}

func TestCleanupWork_CancelledIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(zerolog.New(&buf).WithContext(context.Background()))
	cancel()

	ok, err := CleanupWork(stubCleaner{err: errors.New("canceling statement")}, "sessions")(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestHeartbeatWork(t *testing.T) {
	var buf bytes.Buffer
	ctx := zerolog.New(&buf).WithContext(context.Background())

	ok, err := HeartbeatWork()(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, buf.String(), "heartbeat")
}
