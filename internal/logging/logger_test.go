package logging

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNew_Level(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := New("leasework", tt.level, "json")
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestNew_Format(t *testing.T) {
	var buf bytes.Buffer
	jsonLogger := newLogger(&buf, "leasework", "info", "json")
	jsonLogger.Info().Msg("started")
	assert.Contains(t, buf.String(), `"service":"leasework"`)

	buf.Reset()
	prettyLogger := newLogger(&buf, "leasework", "info", FormatPretty)
	prettyLogger.Info().Msg("started")
	assert.NotContains(t, buf.String(), `"service"`)
	assert.Contains(t, buf.String(), "started")
}

func TestWorkerLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logger := WorkerLogger(base, "cleanup-worker", "host-1")
	logger.Info().Msg("acquired lock")

	output := buf.String()
	assert.Contains(t, output, `"component":"worker"`)
	assert.Contains(t, output, `"lock":"cleanup-worker"`)
	assert.Contains(t, output, `"owner":"host-1"`)
}

func TestStorageLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := StorageLogger(zerolog.New(&buf), "redis")
	logger.Warn().Msg("breaker open")

	assert.Contains(t, buf.String(), `"backend":"redis"`)
	assert.Contains(t, buf.String(), `"component":"lockstore"`)
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := ContextWithLogger(context.Background(), zerolog.New(&buf).With().Str("lock", "jobs").Logger())

	logger := LoggerFromContext(ctx)
	logger.Info().Msg("swept")
	assert.Contains(t, buf.String(), `"lock":"jobs"`)

	// Without a logger nothing is written and nothing panics.
	nopLogger := LoggerFromContext(context.Background())
	nopLogger.Info().Msg("dropped")
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		path       string
		statusCode int
		level      string
	}{
		{"lock status", "/api/v1/locks/jobs", http.StatusOK, "info"},
		{"health check", "/health", http.StatusOK, "debug"},
		{"unknown lock", "/api/v1/locks/jobs", http.StatusNotFound, "warn"},
		{"storage down", "/api/v1/locks/jobs", http.StatusServiceUnavailable, "error"},
		{"failing health", "/health", http.StatusInternalServerError, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := InstanceLogger(zerolog.New(&buf), "jobs", "host-1")

			router := gin.New()
			router.Use(RequestLogger(logger))
			router.GET("/health", func(c *gin.Context) { c.Status(tt.statusCode) })
			router.GET("/api/v1/locks/:name", func(c *gin.Context) { c.Status(tt.statusCode) })

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("X-Request-ID", "req-1")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, tt.statusCode, rec.Code)
			output := buf.String()
			assert.Contains(t, output, `"level":"`+tt.level+`"`)
			assert.Contains(t, output, `"component":"http"`)
			assert.Contains(t, output, `"owner":"host-1"`)
			assert.Contains(t, output, `"requestId":"req-1"`)
		})
	}
}

func TestRequestLogger_UsesRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer

	router := gin.New()
	router.Use(RequestLogger(zerolog.New(&buf)))
	router.GET("/api/v1/locks/:name", func(c *gin.Context) { c.Status(http.StatusOK) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/locks/jobs?verbose=1", nil))

	assert.Contains(t, buf.String(), `"route":"/api/v1/locks/:name"`)
	assert.NotContains(t, buf.String(), "verbose")
}

func TestGRPCLogger(t *testing.T) {
	tests := []struct {
		name   string
		method string
		err    error
		level  string
		code   string
	}{
		{"health check", "/grpc.health.v1.Health/Check", nil, "debug", "OK"},
		{"other call", "/leasework.Admin/Run", nil, "info", "OK"},
		{"unknown service", "/grpc.health.v1.Health/Check", status.Error(codes.NotFound, "unknown service"), "warn", "NotFound"},
		{"plain error", "/leasework.Admin/Run", errors.New("plain"), "error", "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			interceptor := GRPCLogger(zerolog.New(&buf))
			info := &grpc.UnaryServerInfo{FullMethod: tt.method}

			resp, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return "ok", nil
			})
			assert.Equal(t, tt.err, err)
			if tt.err == nil {
				assert.Equal(t, "ok", resp)
			}

			output := buf.String()
			assert.Contains(t, output, `"level":"`+tt.level+`"`)
			assert.Contains(t, output, `"code":"`+tt.code+`"`)
			assert.Contains(t, output, `"component":"grpc"`)
		})
	}
}

func TestGRPCStreamLogger(t *testing.T) {
	var buf bytes.Buffer
	interceptor := GRPCStreamLogger(zerolog.New(&buf))
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}

	err := interceptor(nil, nil, info, func(srv interface{}, stream grpc.ServerStream) error {
		return status.Error(codes.Canceled, "client went away")
	})

	require.Error(t, err)
	output := buf.String()
	assert.Contains(t, output, `"level":"info"`)
	assert.Contains(t, output, `"code":"Canceled"`)
	assert.Contains(t, output, `"stream":true`)
}
