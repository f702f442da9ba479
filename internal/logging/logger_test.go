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

func TestNewLogger_ParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"invalid", zerolog.InfoLevel}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := NewLogger("test-service", tt.level)
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestNew_Format(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, New("test-service", "debug", "pretty").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, New("test-service", "warn", "json").GetLevel())
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := ContextWithLogger(context.Background(), logger)

	extracted := LoggerFromContext(ctx)
	extracted.Info().Msg("from context")

	assert.Contains(t, buf.String(), "from context")
}

func TestLoggerFromContext_Missing(t *testing.T) {
	extracted := LoggerFromContext(context.Background())

	// Must not panic when no logger is attached
	extracted.Info().Msg("dropped")
}

func TestUserLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := UserLogger(zerolog.New(&buf), "user-123")

	logger.Info().Msg("locked")

	assert.Contains(t, buf.String(), `"userId":"user-123"`)
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		statusCode int
		level      string
	}{
		{"success", http.StatusOK, "info"},
		{"client_error", http.StatusConflict, "warn"},
		{"server_error", http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			router := gin.New()
			router.Use(RequestLogger(logger))
			router.POST("/api/v1/users/:id/acquire-lock", func(c *gin.Context) {
				l := LoggerFromContext(c.Request.Context())
				l.Info().Msg("handler log")
				c.Status(tt.statusCode)
			})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/users/abc/acquire-lock?x=1", nil)
			req.Header.Set("X-Request-ID", "req-1")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.statusCode, rec.Code)
			out := buf.String()
			assert.Contains(t, out, "handler log")
			assert.Contains(t, out, "http_request")
			assert.Contains(t, out, `"requestId":"req-1"`)
			assert.Contains(t, out, `"level":"`+tt.level+`"`)
		})
	}
}

func TestGRPCLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	interceptor := GRPCLogger(logger)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Contains(t, buf.String(), `"code":"OK"`)

	buf.Reset()
	_, err = interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	require.Error(t, err)
	assert.Contains(t, buf.String(), `"code":"NotFound"`)

	buf.Reset()
	_, err = interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Contains(t, buf.String(), `"code":"Unknown"`)
}
