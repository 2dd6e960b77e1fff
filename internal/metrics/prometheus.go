// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LockOperations tracks lock acquire/extend/release attempts by result.
	LockOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_operations_total",
			Help: "Total lock operations by lock, operation, and result",
		},
		[]string{"lock", "operation", "result"},
	)

	// WorkerCycles tracks worker cycles by outcome.
	WorkerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_cycles_total",
			Help: "Total worker cycles by lock and outcome",
		},
		[]string{"lock", "outcome"},
	)

	// WorkerCycleDuration tracks how long the work function ran.
	WorkerCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_cycle_duration_seconds",
			Help:    "Work function duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"lock"},
	)

	// WorkerHolding is 1 while this instance runs work under the lock.
	WorkerHolding = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_holding_lock",
			Help: "Whether this instance is currently running work under the lock",
		},
		[]string{"lock"},
	)

	// LeaseExtensions tracks in-flight lease extensions by result.
	LeaseExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_extensions_total",
			Help: "Total lease extensions during work by lock and result",
		},
		[]string{"lock", "result"},
	)

	// LeaseRenewals tracks renewer batches by result.
	LeaseRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_renewals_total",
			Help: "Total lease renewal batches by result",
		},
		[]string{"result"},
	)

	// StorageBreakerState tracks the storage circuit breaker state
	// (0 closed, 1 half-open, 2 open).
	StorageBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lock_storage_breaker_state",
			Help: "Lock storage circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// CleanupRowsDeleted tracks rows removed by the cleanup job.
	CleanupRowsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanup_rows_deleted_total",
			Help: "Total expired rows deleted by the cleanup job",
		},
		[]string{"table"},
	)

	// HTTPRequestsTotal tracks total HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// GRPCRequestsTotal tracks total gRPC requests.
	GRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total gRPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	// GRPCRequestDuration tracks gRPC request duration.
	GRPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RegisterMetricsEndpointWithPath registers the metrics endpoint at a custom path.
func RegisterMetricsEndpointWithPath(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordLockOperation records a lock operation result.
func RecordLockOperation(lock, operation, result string) {
	LockOperations.WithLabelValues(lock, operation, result).Inc()
}

// RecordWorkerCycle records the outcome of one worker cycle.
func RecordWorkerCycle(lock, outcome string) {
	WorkerCycles.WithLabelValues(lock, outcome).Inc()
}

// RecordWorkerCycleDuration records how long the work function ran.
func RecordWorkerCycleDuration(lock string, seconds float64) {
	WorkerCycleDuration.WithLabelValues(lock).Observe(seconds)
}

// SetWorkerHolding sets whether work is running under the lock.
func SetWorkerHolding(lock string, holding bool) {
	v := 0.0
	if holding {
		v = 1
	}
	WorkerHolding.WithLabelValues(lock).Set(v)
}

// RecordLeaseExtension records an in-flight lease extension.
func RecordLeaseExtension(lock, result string) {
	LeaseExtensions.WithLabelValues(lock, result).Inc()
}

// RecordLeaseRenewal records a renewer batch.
func RecordLeaseRenewal(result string) {
	LeaseRenewals.WithLabelValues(result).Inc()
}

// SetStorageBreakerState sets the breaker state gauge.
func SetStorageBreakerState(name string, state float64) {
	StorageBreakerState.WithLabelValues(name).Set(state)
}

// RecordCleanupRowsDeleted records rows removed by the cleanup job.
func RecordCleanupRowsDeleted(table string, rows int64) {
	CleanupRowsDeleted.WithLabelValues(table).Add(float64(rows))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(method, path string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordGRPCRequest records a gRPC request.
func RecordGRPCRequest(method, status string) {
	GRPCRequestsTotal.WithLabelValues(method, status).Inc()
}

// RecordGRPCRequestDuration records gRPC request duration.
func RecordGRPCRequestDuration(method string, seconds float64) {
	GRPCRequestDuration.WithLabelValues(method).Observe(seconds)
}
