package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kneutral-org/user-registry/internal/auth"
)

// AccessTokenCookie is the cookie carrying the access token.
const AccessTokenCookie = "access_token"

// tokenVersion is the "ver" claim of tokens issued by the v1 login.
const tokenVersion = "v1"

// LoginRequest is the body of POST /api/v1/auth/login.
type LoginRequest struct {
	Login    string `json:"login" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse is returned on successful login.
type LoginResponse struct {
	Detail string `json:"detail"`
}

// Login handles POST /api/v1/auth/login. On success the access token is set
// as an HttpOnly cookie.
func (h *Handler) Login(c *gin.Context) {
	if h.tokens == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "loginDisabled",
			Message: "token signing key is not configured",
		})
		return
	}

	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	u, err := h.users.Authenticate(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}

	token, err := h.tokens.Issue(u.ID.String(), tokenVersion, auth.TokenTypeAccess)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(AccessTokenCookie, token, int(h.tokens.TTL().Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, LoginResponse{Detail: "Successful login v1"})
}

// Me handles GET /api/v1/auth/me and returns the user the access token
// cookie was issued to.
func (h *Handler) Me(c *gin.Context) {
	if h.tokens == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "loginDisabled",
			Message: "token signing key is not configured",
		})
		return
	}

	raw, err := c.Cookie(AccessTokenCookie)
	if err != nil || raw == "" {
		unauthorized(c, "not authenticated")
		return
	}
	claims, err := h.tokens.Parse(raw)
	if err != nil || claims.Type != auth.TokenTypeAccess {
		unauthorized(c, "invalid access token")
		return
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		unauthorized(c, "invalid access token")
		return
	}

	u, err := h.users.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: message})
}
