// Package api exposes worker and lock status over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/leasework/internal/clock"
	"github.com/kneutral-org/leasework/internal/lockstore"
	"github.com/kneutral-org/leasework/internal/metrics"
	"github.com/kneutral-org/leasework/internal/worker"
)

// Worker is the worker surface the handler reports on.
type Worker interface {
	Name() string
	OwnerID() string
	Enabled() bool
	Running() bool
	Config() worker.Config
	LastCycle() worker.Cycle
	Lock() worker.Lock
	RunCycle(ctx context.Context) (worker.Cycle, error)
}

// Handler serves the status endpoints.
type Handler struct {
	worker Worker
	clock  clock.Clock
	logger zerolog.Logger
}

// NewHandler creates a status handler for w.
func NewHandler(w Worker, logger zerolog.Logger) *Handler {
	return &Handler{
		worker: w,
		clock:  clock.Real{},
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TimingResponse is the worker's lease timing.
type TimingResponse struct {
	MinLeaseTime       string `json:"minLeaseTime"`
	TaskRunFrequency   string `json:"taskRunFrequency"`
	MaxExtensionTTL    string `json:"maxExtensionTtl"`
	ExtensionThreshold string `json:"extensionThreshold"`
}

// WorkerResponse describes the worker.
type WorkerResponse struct {
	Name      string         `json:"name"`
	OwnerID   string         `json:"ownerId"`
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	HoldsLock bool           `json:"holdsLock"`
	Timing    TimingResponse `json:"timing"`
	LastCycle worker.Cycle   `json:"lastCycle"`
}

// LockResponse describes the stored lock record.
type LockResponse struct {
	Name             string    `json:"name"`
	OwnerID          string    `json:"ownerId"`
	Held             bool      `json:"held"`
	ExpiresAt        time.Time `json:"expiresAt"`
	LockAcquiredTime time.Time `json:"lockAcquiredTime,omitempty"`
	NextStartTime    time.Time `json:"nextStartTime,omitempty"`
	ETag             string    `json:"etag"`
}

// RunResponse is returned by a manual run.
type RunResponse struct {
	Ran   bool         `json:"ran"`
	Cycle worker.Cycle `json:"cycle"`
}

// RegisterRoutes registers the status routes.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	v1.GET("/worker", h.GetWorker)
	v1.POST("/worker/run", h.RunWorker)
	v1.GET("/locks/:name", h.GetLock)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": h.worker.Running(),
	})
}

// GetWorker returns the worker status.
func (h *Handler) GetWorker(c *gin.Context) {
	cfg := h.worker.Config()
	c.JSON(http.StatusOK, WorkerResponse{
		Name:      h.worker.Name(),
		OwnerID:   h.worker.OwnerID(),
		Enabled:   h.worker.Enabled(),
		Running:   h.worker.Running(),
		HoldsLock: h.worker.Lock().IsLocked(),
		Timing: TimingResponse{
			MinLeaseTime:       cfg.MinLeaseTime.String(),
			TaskRunFrequency:   cfg.TaskRunFrequency.String(),
			MaxExtensionTTL:    cfg.MaxExtensionTTL.String(),
			ExtensionThreshold: cfg.ExtensionThreshold.String(),
		},
		LastCycle: h.worker.LastCycle(),
	})
}

// RunWorker runs one cycle immediately. The cycle still goes through the
// lock, so it does nothing if another instance holds it or it is not due.
// A cycle already running in this process is reported as a conflict.
func (h *Handler) RunWorker(c *gin.Context) {
	cycle, err := h.worker.RunCycle(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("manual run failed")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "storage_unavailable",
			Message: err.Error(),
		})
		return
	}
	if cycle.Outcome == worker.OutcomeBusy {
		c.JSON(http.StatusConflict, RunResponse{Ran: false, Cycle: cycle})
		return
	}
	c.JSON(http.StatusOK, RunResponse{Ran: cycle.Outcome == worker.OutcomeCompleted, Cycle: cycle})
}

// GetLock returns the stored record for the worker's lock.
func (h *Handler) GetLock(c *gin.Context) {
	name := c.Param("name")
	if name != h.worker.Name() {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "unknown lock " + strconv.Quote(name),
		})
		return
	}

	status, err := h.worker.Lock().Status(c.Request.Context())
	if err != nil {
		code := http.StatusInternalServerError
		if lockstore.IsStorageError(err) {
			code = http.StatusServiceUnavailable
		}
		h.logger.Error().Err(err).Str("lock", name).Msg("failed to read lock status")
		c.JSON(code, ErrorResponse{
			Error:   "lock_status_failed",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, LockResponse{
		Name:             name,
		OwnerID:          status.OwnerID,
		Held:             status.Held(h.clock.Now()),
		ExpiresAt:        status.ExpirationTime,
		LockAcquiredTime: status.State.LockAcquiredTime,
		NextStartTime:    status.State.NextStartTime,
		ETag:             status.ETag,
	})
}

// MetricsMiddleware records HTTP request counts and latency.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, time.Since(start).Seconds())
	}
}
