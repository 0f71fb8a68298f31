package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"realtime-service/internal/middleware"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// userIDFromContext prefers the authenticated identity over the X-User-ID header.
func userIDFromContext(c *gin.Context) string {
	if id, ok := middleware.IdentityFrom(c); ok {
		return id.UserID
	}
	return c.GetHeader("X-User-ID")
}
