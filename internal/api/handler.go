// Package api provides the HTTP API of the user registry.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/user-registry/internal/auth"
	"github.com/kneutral-org/user-registry/internal/lock"
	"github.com/kneutral-org/user-registry/internal/logging"
	"github.com/kneutral-org/user-registry/internal/metrics"
	"github.com/kneutral-org/user-registry/internal/middleware"
	"github.com/kneutral-org/user-registry/internal/user"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the user, lock and auth endpoints.
type Handler struct {
	users  *user.Service
	locks  *lock.Manager
	tokens *auth.TokenIssuer
	store  Pinger
	logger zerolog.Logger
}

// NewHandler creates a new API handler. tokens may be nil, in which case
// login answers 503.
func NewHandler(users *user.Service, locks *lock.Manager, tokens *auth.TokenIssuer, store Pinger, logger zerolog.Logger) *Handler {
	return &Handler{
		users:  users,
		locks:  locks,
		tokens: tokens,
		store:  store,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// NewRouter builds the gin engine with the standard middleware chain, the
// health and metrics endpoints and the /api/v1 routes.
func NewRouter(h *Handler, logger zerolog.Logger, maxPayloadBytes int64) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(logging.RequestLogger(logger))
	router.Use(metrics.Middleware())
	router.Use(middleware.PayloadLimit(maxPayloadBytes, logger))

	router.GET("/health", h.Health)
	metrics.RegisterMetricsEndpoint(router)

	h.RegisterRoutes(router.Group("/api/v1"))
	return router
}

// RegisterRoutes registers all API routes on the provided router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	users := router.Group("/users")
	users.GET("/", h.ListUsers)
	users.POST("/", h.CreateUser)
	users.GET("/:id", h.GetUser)
	users.PATCH("/:id", h.UpdateUser)
	users.DELETE("/:id", h.DeleteUser)
	users.POST("/:id/acquire-lock", h.AcquireLock)
	users.POST("/:id/release-lock", h.ReleaseLock)

	resources := router.Group("/resources")
	resources.POST("/:id/acquire-lock", h.AcquireLock)
	resources.POST("/:id/release-lock", h.ReleaseLock)

	authGroup := router.Group("/auth")
	authGroup.POST("/login", h.Login)
	authGroup.GET("/me", h.Me)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		metrics.SetStoreUp(false)
		h.logger.Warn().Err(err).Msg("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	metrics.SetStoreUp(true)
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorStatus maps domain errors to an HTTP status, error code and message.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, user.ErrUserNotFound):
		return http.StatusNotFound, "notFound", "User not found"
	case errors.Is(err, lock.ErrAlreadyLocked):
		return http.StatusConflict, "alreadyLocked", "User is already locked"
	case errors.Is(err, user.ErrDuplicateLogin):
		return http.StatusConflict, "duplicateLogin", "User with this login already exists"
	case errors.Is(err, user.ErrInvalidCredentials):
		return http.StatusUnauthorized, "unauthorized", "Incorrect login or password"
	case errors.Is(err, user.ErrInvalidUser), errors.Is(err, user.ErrNoChanges):
		return http.StatusBadRequest, "badRequest", err.Error()
	case errors.Is(err, user.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "storeUnavailable", "user store is unavailable"
	default:
		return http.StatusInternalServerError, "internalError", "internal server error"
	}
}

// writeError sends the JSON error for err, logging server-side failures.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger := logging.LoggerFromContext(c.Request.Context())
		logger.Error().
			Err(err).
			Str("path", c.FullPath()).
			Msg("request failed")
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: message})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "badRequest", Message: message})
}

// bindJSON decodes the request body into dst, answering 400 or 413 on failure.
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		if middleware.IsPayloadTooLarge(err) {
			middleware.AbortPayloadTooLarge(c)
			return false
		}
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// userID parses the :id path parameter, answering 400 if it is not a UUID.
func userID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid user id")
		return uuid.Nil, false
	}
	return id, true
}
