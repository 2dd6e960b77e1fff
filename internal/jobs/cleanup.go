// Package jobs holds units of work run under the distributed worker.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kneutral-org/leasework/internal/logging"
	"github.com/kneutral-org/leasework/internal/metrics"
	"github.com/kneutral-org/leasework/internal/worker"
)

// DefaultBatchSize bounds how many rows one DELETE removes.
const DefaultBatchSize = 1000

// Cleaner defines the interface for stores that support cleanup operations.
type Cleaner interface {
	// Cleanup removes expired entries and returns the number of entries removed.
	Cleanup(ctx context.Context) (int64, error)
}

// Execer is the subset of *pgxpool.Pool used by PostgresCleaner.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresCleaner deletes rows whose expires_at is in the past, in batches
// so a cancelled run stops between statements.
type PostgresCleaner struct {
	db        Execer
	table     string
	batchSize int
}

// NewPostgresCleaner creates a cleaner for table. A non-positive batchSize
// uses DefaultBatchSize.
func NewPostgresCleaner(db Execer, table string, batchSize int) *PostgresCleaner {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &PostgresCleaner{db: db, table: table, batchSize: batchSize}
}

// Table returns the table being cleaned.
func (c *PostgresCleaner) Table() string {
	return c.table
}

// Cleanup implements Cleaner.
func (c *PostgresCleaner) Cleanup(ctx context.Context) (int64, error) {
	table := pgx.Identifier{c.table}.Sanitize()
	query := fmt.Sprintf(`DELETE FROM %s WHERE ctid IN (
		SELECT ctid FROM %s WHERE expires_at < NOW() LIMIT $1
	)`, table, table)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		tag, err := c.db.Exec(ctx, query, c.batchSize)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", c.table, err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(c.batchSize) {
			return total, nil
		}
	}
}

// CleanupWork adapts a Cleaner into a worker.WorkFunc. The worker's logger
// is taken from the context.
func CleanupWork(cleaner Cleaner, table string) worker.WorkFunc {
	return func(ctx context.Context) (bool, error) {
		logger := logging.LoggerFromContext(ctx)
		start := time.Now()

		count, err := cleaner.Cleanup(ctx)
		if count > 0 {
			metrics.RecordCleanupRowsDeleted(table, count)
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			logger.Error().Err(err).Str("table", table).Msg("failed to cleanup expired rows")
			return false, err
		}

		logger.Info().
			Str("table", table).
			Int64("removedCount", count).
			Dur("duration", time.Since(start)).
			Msg("cleaned up expired rows")
		return true, nil
	}
}

// HeartbeatWork is a WorkFunc that only logs. It runs when no cleanup
// database is configured, so the lock still cycles.
func HeartbeatWork() worker.WorkFunc {
	return func(ctx context.Context) (bool, error) {
		logger := logging.LoggerFromContext(ctx)
		logger.Info().Msg("heartbeat")
		return true, nil
	}
}
