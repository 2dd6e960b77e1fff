// Package grpc exposes the worker over gRPC: the standard health service
// reporting the last cycle, plus server interceptors.
package grpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/kneutral-org/leasework/internal/metrics"
	"github.com/kneutral-org/leasework/internal/worker"
)

// WorkerService is the health service name the worker status is published under.
const WorkerService = "leasework.Worker"

// HealthReporter keeps the gRPC health service in line with worker cycles.
type HealthReporter struct {
	server  *health.Server
	service string
	logger  zerolog.Logger
}

// NewHealthReporter creates a reporter. The worker starts out SERVING.
func NewHealthReporter(logger zerolog.Logger) *HealthReporter {
	r := &HealthReporter{
		server:  health.NewServer(),
		service: WorkerService,
		logger:  logger.With().Str("component", "health").Logger(),
	}
	r.server.SetServingStatus(r.service, healthpb.HealthCheckResponse_SERVING)
	return r
}

// Server returns the health server to register with a gRPC server.
func (r *HealthReporter) Server() *health.Server {
	return r.server
}

// Register adds the health service to s.
func (r *HealthReporter) Register(s *gogrpc.Server) {
	healthpb.RegisterHealthServer(s, r.server)
}

// Observe updates the worker status from a finished cycle. Only a storage
// fault makes the worker NOT_SERVING; losing a race for the lock is normal.
func (r *HealthReporter) Observe(c worker.Cycle) {
	st := healthpb.HealthCheckResponse_SERVING
	if c.Outcome == worker.OutcomeStorageFault {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.server.SetServingStatus(r.service, st)
	if st != healthpb.HealthCheckResponse_SERVING {
		r.logger.Warn().Str("error", c.Error).Msg("worker marked not serving")
	}
}

// Shutdown marks every service NOT_SERVING.
func (r *HealthReporter) Shutdown() {
	r.server.Shutdown()
}

// MetricsInterceptor records request counts and latency for unary calls.
func MetricsInterceptor() gogrpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *gogrpc.UnaryServerInfo, handler gogrpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		metrics.RecordGRPCRequest(info.FullMethod, status.Code(err).String())
		metrics.RecordGRPCRequestDuration(info.FullMethod, time.Since(start).Seconds())
		return resp, err
	}
}
