// Package middleware provides HTTP middleware for the user registry API.
package middleware

import (
	"errors"
	"net/http"

	"github.com/docker/go-units"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const maxPayloadKey = "maxPayloadBytes"

// PayloadTooLargeResponse is the JSON body sent with a 413.
type PayloadTooLargeResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	MaxBytes int64  `json:"max_bytes"`
}

// PayloadLimit limits request bodies to maxBytes. Requests that declare a
// larger Content-Length are rejected up front; other bodies are wrapped in
// http.MaxBytesReader and overflow is reported once a handler reads past the
// limit and records the error with c.Error.
func PayloadLimit(maxBytes int64, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			logOversizedRequest(logger, c, c.Request.ContentLength, maxBytes)
			respondPayloadTooLarge(c, maxBytes)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Set(maxPayloadKey, maxBytes)

		c.Next()

		for _, ginErr := range c.Errors {
			var maxBytesErr *http.MaxBytesError
			if !errors.As(ginErr.Err, &maxBytesErr) {
				continue
			}
			logOversizedRequest(logger, c, -1, maxBytesErr.Limit)
			if !c.Writer.Written() {
				respondPayloadTooLarge(c, maxBytesErr.Limit)
			}
			return
		}
	}
}

// IsPayloadTooLarge reports whether err came from reading past the limit set
// by PayloadLimit.
func IsPayloadTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// AbortPayloadTooLarge sends the 413 response for a body that overflowed
// while a handler was decoding it.
func AbortPayloadTooLarge(c *gin.Context) {
	maxBytes := c.GetInt64(maxPayloadKey)
	respondPayloadTooLarge(c, maxBytes)
}

func logOversizedRequest(logger zerolog.Logger, c *gin.Context, attemptedSize, maxBytes int64) {
	event := logger.Warn().
		Str("clientIp", c.ClientIP()).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int64("maxBytes", maxBytes)
	if attemptedSize >= 0 {
		event.Int64("attemptedSize", attemptedSize)
	}
	event.Msg("oversized request rejected")
}

func respondPayloadTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, PayloadTooLargeResponse{
		Error:    "payload_too_large",
		Message:  "request body exceeds " + units.BytesSize(float64(maxBytes)),
		MaxBytes: maxBytes,
	})
}
