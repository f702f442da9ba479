// Package grpc provides the gRPC server of the user registry. It exposes the
// standard grpc.health.v1 service, reporting SERVING while the user store
// answers pings.
package grpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/user-registry/internal/logging"
	"github.com/kneutral-org/user-registry/internal/metrics"
)

// ServiceName is the health service name reported for the registry.
const ServiceName = "userregistry.v1.UserRegistry"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker keeps the gRPC health status in line with the store.
type HealthChecker struct {
	server   *health.Server
	store    Pinger
	logger   zerolog.Logger
	interval time.Duration
	timeout  time.Duration
}

// HealthCheckerOption configures a HealthChecker.
type HealthCheckerOption func(*HealthChecker)

// WithInterval sets how often the store is pinged.
func WithInterval(d time.Duration) HealthCheckerOption {
	return func(h *HealthChecker) {
		h.interval = d
	}
}

// WithPingTimeout bounds a single store ping.
func WithPingTimeout(d time.Duration) HealthCheckerOption {
	return func(h *HealthChecker) {
		h.timeout = d
	}
}

// NewHealthChecker creates a health checker. Both the overall ("") and the
// registry service start as NOT_SERVING until the first check.
func NewHealthChecker(store Pinger, logger zerolog.Logger, opts ...HealthCheckerOption) *HealthChecker {
	h := &HealthChecker{
		server:   health.NewServer(),
		store:    store,
		logger:   logger.With().Str("component", "grpc-health").Logger(),
		interval: 10 * time.Second,
		timeout:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Server returns the underlying health service implementation.
func (h *HealthChecker) Server() *health.Server {
	return h.server
}

// Check pings the store once and updates the serving status.
func (h *HealthChecker) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.store.Ping(ctx)
	metrics.SetStoreUp(err == nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("store ping failed")
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run checks the store immediately and then every interval until ctx is
// done, at which point all services are marked NOT_SERVING.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

func (h *HealthChecker) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)
}

// NewServer creates a gRPC server with request logging and the health
// service registered.
func NewServer(checker *HealthChecker, logger zerolog.Logger) *grpc.Server {
	srv := grpc.NewServer(grpc.UnaryInterceptor(logging.GRPCLogger(logger)))
	healthpb.RegisterHealthServer(srv, checker.Server())
	return srv
}
