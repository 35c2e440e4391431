package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rental-chat/internal/auth"
	"rental-chat/internal/models"
	"rental-chat/internal/observability"
)

const (
	ParticipantKey = "participant"
	RequestIDKey   = "request_id"
)

// TokenVerifier resolves a bearer token to a participant.
type TokenVerifier interface {
	Verify(token string) (models.ParticipantRef, error)
}

// AuthMiddleware validates the token from the auth cookie or Authorization header.
func AuthMiddleware(verifier TokenVerifier, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request, cookieName)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		ref, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ParticipantKey, ref)
		c.Next()
	}
}

// ParticipantFromContext returns the authenticated participant.
func ParticipantFromContext(c *gin.Context) (models.ParticipantRef, bool) {
	val, ok := c.Get(ParticipantKey)
	if !ok {
		return models.ParticipantRef{}, false
	}
	ref, ok := val.(models.ParticipantRef)
	return ref, ok
}

// RequestID assigns a request id and makes it visible to the request context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := observability.RequestIDFromRequest(c.Request)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-Id", requestID)
		c.Request = c.Request.WithContext(observability.ContextWithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}
