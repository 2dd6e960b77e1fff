// Package main provides the entry point for the lease worker.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/kneutral-org/leasework/internal/api"
	"github.com/kneutral-org/leasework/internal/clock"
	"github.com/kneutral-org/leasework/internal/config"
	leasegrpc "github.com/kneutral-org/leasework/internal/grpc"
	"github.com/kneutral-org/leasework/internal/jobs"
	"github.com/kneutral-org/leasework/internal/lock"
	"github.com/kneutral-org/leasework/internal/logging"
	"github.com/kneutral-org/leasework/internal/metrics"
	"github.com/kneutral-org/leasework/internal/middleware"
	"github.com/kneutral-org/leasework/internal/worker"
)

const cleanupBatchSize = 1000

func main() {
	cfg, err := loadConfig()
	logger := logging.New("leasework", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Lock.Backend).Msg("failed to open lock storage")
	}
	defer closeBackend()

	work, closeWork, err := buildWork(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up work")
	}
	defer closeWork()

	ownerID := cfg.Lock.OwnerID
	if ownerID == "" {
		ownerID = worker.NewOwnerID()
	}

	instance := logging.InstanceLogger(logger, cfg.Lock.Name, ownerID)
	health := leasegrpc.NewHealthReporter(instance)

	l := lock.NewLock[worker.WorkerLockState](
		lock.NewStore[worker.WorkerLockState](backend, cfg.Lock.Name),
		clock.Real{},
		cfg.Lock.Name,
	)
	w, err := worker.New(l, cfg.WorkerTiming(), work,
		logging.WorkerLogger(logger, cfg.Lock.Name, ownerID),
		worker.WithOwnerID(ownerID),
		worker.WithEnabled(cfg.Lock.Enabled),
		worker.WithOnCycle(health.Observe),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create worker")
	}

	// HTTP status server
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(instance))
	router.Use(api.MetricsMiddleware())
	router.Use(middleware.BodyLimitErrors(logger))
	router.Use(middleware.BodyLimit(middleware.DefaultMaxBodyBytes, logger))
	metrics.RegisterMetricsEndpoint(router)
	api.NewHandler(w, instance).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()

	// gRPC health server
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.GRPCLogger(instance),
			leasegrpc.MetricsInterceptor(),
		),
		grpc.StreamInterceptor(logging.GRPCStreamLogger(instance)),
		grpc.MaxRecvMsgSize(cfg.GRPCMaxMessageSize),
	)
	health.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen for gRPC")
	}
	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	w.Start(ctx)
	logger.Info().
		Str("lock", cfg.Lock.Name).
		Str("owner", ownerID).
		Str("backend", cfg.Lock.Backend).
		Bool("enabled", cfg.Lock.Enabled).
		Msg("worker started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w.Stop(shutdownCtx)
	health.Shutdown()
	grpcServer.GracefulStop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	logger.Info().Msg("worker exited properly")
}

// loadConfig reads CONFIG_FILE when set and the environment otherwise. The
// returned config is usable for logging even when err is non-nil.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return config.Defaults(), err
		}
		cfg = loaded
	} else {
		cfg = config.Load()
	}
	return cfg, cfg.Validate()
}

// buildWork returns the expired-row cleanup job when a database is
// configured, and a heartbeat otherwise.
func buildWork(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (worker.WorkFunc, func(), error) {
	if cfg.Database.URL == "" {
		logger.Info().Msg("DATABASE_URL not set, running heartbeat work")
		return jobs.HeartbeatWork(), func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, err
	}

	table := cfg.Database.CleanupTable
	cleaner := jobs.NewPostgresCleaner(pool, table, cleanupBatchSize)
	logger.Info().Str("table", table).Msg("running expired-row cleanup work")
	return jobs.CleanupWork(cleaner, table), pool.Close, nil
}
