// Package logging builds the zerolog loggers used by the worker binary and
// the request logging for its HTTP and gRPC status surfaces.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FormatPretty selects console output in New. Any other format is JSON.
const FormatPretty = "pretty"

// Routes polled by orchestrators; successful hits are logged at debug level.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

const healthServicePrefix = "/grpc.health.v1.Health/"

// New creates the process logger. Unknown levels fall back to info.
func New(serviceName, level, format string) zerolog.Logger {
	return newLogger(os.Stdout, serviceName, level, format)
}

func newLogger(out io.Writer, serviceName, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// InstanceLogger tags every line with the lock this process competes for
// and the owner id it competes as.
func InstanceLogger(logger zerolog.Logger, lockName, ownerID string) zerolog.Logger {
	return logger.With().
		Str("lock", lockName).
		Str("owner", ownerID).
		Logger()
}

// WorkerLogger creates the logger for one background worker.
func WorkerLogger(logger zerolog.Logger, lockName, ownerID string) zerolog.Logger {
	return InstanceLogger(logger, lockName, ownerID).With().
		Str("component", "worker").
		Logger()
}

// StorageLogger creates a logger for a lock storage backend.
func StorageLogger(logger zerolog.Logger, backend string) zerolog.Logger {
	return logger.With().
		Str("component", "lockstore").
		Str("backend", backend).
		Logger()
}

// RequestLogger logs status server requests by route. Health and metrics
// scrapes that succeed are logged at debug level.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		code := c.Writer.Status()

		var event *zerolog.Event
		switch {
		case code >= 500:
			event = logger.Error()
		case code >= 400:
			event = logger.Warn()
		case quietPaths[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}

		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", code).
			Dur("latency", time.Since(start))
		if id := c.GetHeader("X-Request-ID"); id != "" {
			event.Str("requestId", id)
		}
		if len(c.Errors) > 0 {
			event.Str("error", c.Errors.String())
		}
		event.Msg("http request")
	}
}

// GRPCLogger returns a unary interceptor logging each call with its status code.
func GRPCLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	logger = logger.With().Str("component", "grpc").Logger()
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		grpcEvent(logger, info.FullMethod, err).
			Dur("latency", time.Since(start)).
			Msg("grpc call")
		return resp, err
	}
}

// GRPCStreamLogger is GRPCLogger for streams, such as health Watch.
func GRPCStreamLogger(logger zerolog.Logger) grpc.StreamServerInterceptor {
	logger = logger.With().Str("component", "grpc").Logger()
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		grpcEvent(logger, info.FullMethod, err).
			Bool("stream", true).
			Dur("duration", time.Since(start)).
			Msg("grpc stream closed")
		return err
	}
}

func grpcEvent(logger zerolog.Logger, method string, err error) *zerolog.Event {
	code := status.Code(err)

	var event *zerolog.Event
	switch {
	case code == codes.OK && strings.HasPrefix(method, healthServicePrefix):
		event = logger.Debug()
	case code == codes.OK, code == codes.Canceled:
		event = logger.Info()
	case code == codes.Internal, code == codes.Unknown:
		event = logger.Error().Err(err)
	default:
		event = logger.Warn().Err(err)
	}
	return event.Str("method", method).Str("code", code.String())
}

// ContextWithLogger attaches logger to ctx, for work functions.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFromContext returns the logger attached to ctx, or a disabled
// logger when there is none.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}
