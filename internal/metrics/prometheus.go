// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lock operation results.
const (
	LockResultSuccess       = "success"
	LockResultAlreadyLocked = "already_locked"
	LockResultLostRace      = "lost_race"
	LockResultNotFound      = "not_found"
	LockResultError         = "error"
)

var (
	// LockOperations tracks lock acquire/release calls by outcome.
	LockOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_operations_total",
			Help: "Total lock operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// LockOperationDuration tracks end-to-end lock operation latency.
	LockOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_operation_duration_seconds",
			Help:    "Lock operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// UsersCreated tracks user creation attempts by status.
	UsersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "users_created_total",
			Help: "Total user creation attempts by status",
		},
		[]string{"status"},
	)

	// LoginAttempts tracks login attempts by status.
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_attempts_total",
			Help: "Total login attempts by status",
		},
		[]string{"status"},
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

	// StoreQueryDuration tracks store call duration by backend and operation.
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_query_duration_seconds",
			Help:    "User store call duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend", "operation"},
	)

	// StoreUp reports whether the last store health probe succeeded.
	StoreUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_up",
			Help: "Whether the user store answered the last health probe (1) or not (0)",
		},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", MetricsHandler())
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// Middleware records request counts and latency. The route template is used
// as the path label so ids do not blow up cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
		RecordHTTPRequestDuration(c.Request.Method, path, time.Since(start).Seconds())
	}
}

// RecordLockOperation records a lock operation outcome.
func RecordLockOperation(operation, result string) {
	LockOperations.WithLabelValues(operation, result).Inc()
}

// RecordLockOperationDuration records lock operation duration.
func RecordLockOperationDuration(operation string, seconds float64) {
	LockOperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordUserCreated records a user creation attempt.
func RecordUserCreated(status string) {
	UsersCreated.WithLabelValues(status).Inc()
}

// RecordLoginAttempt records a login attempt.
func RecordLoginAttempt(status string) {
	LoginAttempts.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(method, path string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordStoreQuery records a store call duration.
func RecordStoreQuery(backend, operation string, seconds float64) {
	StoreQueryDuration.WithLabelValues(backend, operation).Observe(seconds)
}

// SetStoreUp records the result of a store health probe.
func SetStoreUp(up bool) {
	if up {
		StoreUp.Set(1)
		return
	}
	StoreUp.Set(0)
}
