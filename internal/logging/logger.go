// Package logging provides structured logging utilities.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// New creates a logger for the given format ("json" or "pretty").
func New(serviceName, level, format string) zerolog.Logger {
	if format == "pretty" {
		return NewPrettyLogger(serviceName, level)
	}
	return NewLogger(serviceName, level)
}

// NewLogger creates a new zerolog logger configured for the service.
func NewLogger(serviceName string, level string) zerolog.Logger {
	return newLogger(os.Stdout, serviceName, level)
}

// NewPrettyLogger creates a logger with pretty console output (for development).
func NewPrettyLogger(serviceName string, level string) zerolog.Logger {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return newLogger(consoleWriter, serviceName, level)
}

func newLogger(w io.Writer, serviceName, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// RequestLogger returns a Gin middleware for HTTP request logging.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Handlers pick the request logger up via LoggerFromContext
		c.Request = c.Request.WithContext(ContextWithLogger(c.Request.Context(), logger))

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		requestID := c.GetHeader("X-Request-ID")

		event := logger.Info()
		if statusCode >= 400 && statusCode < 500 {
			event = logger.Warn()
		} else if statusCode >= 500 {
			event = logger.Error()
		}

		event.
			Str("type", "http_request").
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", statusCode).
			Str("clientIp", c.ClientIP()).
			Dur("latency", latency).
			Int("bodySize", c.Writer.Size()).
			Str("userAgent", c.Request.UserAgent())

		if requestID != "" {
			event.Str("requestId", requestID)
		}

		if len(c.Errors) > 0 {
			event.Str("error", c.Errors.String())
		}

		event.Msg("HTTP request")
	}
}

// GRPCLogger returns a gRPC unary server interceptor for request logging.
func GRPCLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		latency := time.Since(start)

		code := codes.OK
		if err != nil {
			if s, ok := status.FromError(err); ok {
				code = s.Code()
			} else {
				code = codes.Unknown
			}
		}

		// Health probes are frequent, keep them out of info logs
		event := logger.Debug()
		if code != codes.OK {
			event = logger.Error()
		}

		event.
			Str("type", "grpc_request").
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("latency", latency)

		if err != nil {
			event.Err(err)
		}

		event.Msg("gRPC request")

		return resp, err
	}
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFromContext extracts the logger from context.
// Returns a disabled logger if none was attached.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}

// UserLogger creates a logger scoped to a single user record.
func UserLogger(logger zerolog.Logger, userID string) zerolog.Logger {
	return logger.With().
		Str("userId", userID).
		Logger()
}
