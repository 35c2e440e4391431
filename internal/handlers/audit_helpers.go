package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rental-chat/internal/middleware"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(middleware.RequestIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

// userIDFromContext returns the authenticated participant as "kind:id", or "".
func userIDFromContext(c *gin.Context) string {
	user, ok := middleware.ParticipantFromContext(c)
	if !ok {
		return ""
	}
	return user.String()
}
