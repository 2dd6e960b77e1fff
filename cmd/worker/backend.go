package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/kneutral-org/leasework/internal/config"
	"github.com/kneutral-org/leasework/internal/lockstore"
	"github.com/kneutral-org/leasework/internal/logging"
	"github.com/kneutral-org/leasework/internal/metrics"
)

// openBackend builds the lock storage backend selected by the config,
// wrapped in a circuit breaker unless it is disabled. The returned func
// closes any connections the backend opened.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (lockstore.Backend, func(), error) {
	logger = logging.StorageLogger(logger, cfg.Lock.Backend)
	var (
		backend lockstore.Backend
		closeFn = func() {}
	)

	switch cfg.Lock.Backend {
	case config.BackendMemory:
		logger.Warn().Msg("using in-memory lock storage; locks are not shared between processes")
		backend = lockstore.NewMemory()

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := lockstore.NewRedis(client, lockstore.WithKeyPrefix(cfg.Redis.KeyPrefix))
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		backend = store
		closeFn = func() { _ = client.Close() }

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		store := lockstore.NewSQL(db, cfg.Database.LockTable)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure lock table: %w", err)
		}
		backend = store
		closeFn = func() { _ = db.Close() }

	case config.BackendS3:
		store, err := lockstore.NewS3(lockstore.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Insecure:        cfg.S3.Insecure,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		backend = store

	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}

	logger.Info().Str("lock", cfg.Lock.Name).Msg("lock storage ready")
	if cfg.Breaker.MaxFailures == 0 {
		return backend, closeFn, nil
	}
	return lockstore.NewBreaker(backend, lockstore.BreakerSettings{
		Name:        cfg.Lock.Backend,
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetStorageBreakerState(name, float64(to))
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("lock storage breaker changed state")
		},
	}), closeFn, nil
}
