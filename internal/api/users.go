package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kneutral-org/user-registry/internal/user"
)

// CreateUserRequest is the body of POST /api/v1/users/.
type CreateUserRequest struct {
	Login     string    `json:"login" binding:"required,email"`
	Password  string    `json:"password" binding:"required"`
	ProjectID uuid.UUID `json:"project_id" binding:"required"`
	Env       string    `json:"env" binding:"required"`
	Domain    string    `json:"domain" binding:"required"`
}

// UpdateUserRequest is the body of PATCH /api/v1/users/:id. Only the
// descriptive attributes can be changed here; the lock has its own endpoints.
type UpdateUserRequest struct {
	Env    *string `json:"env" binding:"omitempty,min=1"`
	Domain *string `json:"domain" binding:"omitempty,min=1"`
}

// ListUsers handles GET /api/v1/users/.
func (h *Handler) ListUsers(c *gin.Context) {
	filter := user.ListFilter{
		Env:    c.Query("env"),
		Domain: c.Query("domain"),
	}
	if raw := c.Query("project_id"); raw != "" {
		projectID, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, "invalid project_id")
			return
		}
		filter.ProjectID = &projectID
	}

	users, err := h.users.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if users == nil {
		users = []*user.User{}
	}
	c.JSON(http.StatusOK, users)
}

// CreateUser handles POST /api/v1/users/.
func (h *Handler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if !bindJSON(c, &req) {
		return
	}

	created, err := h.users.Create(c.Request.Context(), user.CreateRequest{
		Login:     req.Login,
		Password:  req.Password,
		ProjectID: req.ProjectID,
		Env:       req.Env,
		Domain:    req.Domain,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetUser handles GET /api/v1/users/:id.
func (h *Handler) GetUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	u, err := h.users.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// UpdateUser handles PATCH /api/v1/users/:id.
func (h *Handler) UpdateUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req UpdateUserRequest
	if !bindJSON(c, &req) {
		return
	}

	updated, err := h.users.UpdateAttributes(c.Request.Context(), id, user.AttributeUpdate{
		Env:    req.Env,
		Domain: req.Domain,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteUser handles DELETE /api/v1/users/:id.
func (h *Handler) DeleteUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	if err := h.users.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AcquireLock handles POST /api/v1/users/:id/acquire-lock.
func (h *Handler) AcquireLock(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	locked, err := h.locks.Acquire(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, locked)
}

// ReleaseLock handles POST /api/v1/users/:id/release-lock.
func (h *Handler) ReleaseLock(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}

	released, err := h.locks.Release(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, released)
}
