package lockstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// DefaultTable is the table used when NewSQL is given an empty name.
const DefaultTable = "worker_locks"

// SQL implements Backend on a relational table, one row per lock.
// Compare-and-swap is an UPDATE filtered on the stored etag.
type SQL struct {
	db      *sql.DB
	table   string
	builder sq.StatementBuilderType
}

// NewSQL creates a SQL-backed lock store using PostgreSQL placeholders.
func NewSQL(db *sql.DB, table string) *SQL {
	if table == "" {
		table = DefaultTable
	}
	return &SQL{
		db:      db,
		table:   table,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// EnsureSchema creates the lock table if it does not exist.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		name       TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		state      JSONB,
		etag       TEXT NOT NULL
	)`)
	return wrapErr("ensure_schema", s.table, err)
}

// Create implements Backend.Create.
func (s *SQL) Create(ctx context.Context, name string, rec Record) error {
	_, err := s.builder.Insert(s.table).
		Columns("name", "owner_id", "expires_at", "state", "etag").
		Values(name, rec.OwnerID, rec.ExpiresAt.UTC(), nullableState(rec.State), newETag()).
		Suffix("ON CONFLICT (name) DO NOTHING").
		RunWith(s.db).
		ExecContext(ctx)
	return wrapErr("create", name, err)
}

// Load implements Backend.Load.
func (s *SQL) Load(ctx context.Context, name string) (Record, error) {
	var (
		rec       Record
		expiresAt time.Time
		state     []byte
	)
	err := s.builder.Select("owner_id", "expires_at", "state", "etag").
		From(s.table).
		Where(sq.Eq{"name": name}).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&rec.OwnerID, &expiresAt, &state, &rec.ETag)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, ErrNotFound
	default:
		return Record{}, wrapErr("load", name, err)
	}
	rec.ExpiresAt = expiresAt.UTC()
	if len(state) > 0 {
		rec.State = state
	}
	return rec, nil
}

// CompareAndSwap implements Backend.CompareAndSwap.
func (s *SQL) CompareAndSwap(ctx context.Context, name string, rec Record, etag string) (string, bool, error) {
	next := newETag()
	res, err := s.builder.Update(s.table).
		Set("owner_id", rec.OwnerID).
		Set("expires_at", rec.ExpiresAt.UTC()).
		Set("state", nullableState(rec.State)).
		Set("etag", next).
		Where("name = ? AND etag = ?", name, etag).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return "", false, wrapErr("compare_and_swap", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, wrapErr("compare_and_swap", name, err)
	}
	if n == 0 {
		return "", false, nil
	}
	return next, true, nil
}

func nullableState(state []byte) interface{} {
	if len(state) == 0 {
		return nil
	}
	return []byte(state)
}
