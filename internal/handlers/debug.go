package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rental-chat/internal/telemetry"
)

// RoomCounter reports realtime room occupancy.
type RoomCounter interface {
	RoomSize(room string) int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, rooms RoomCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), telemetry.AuditRecord{
			Level:     "INFO",
			Text:      "audit test",
			RequestID: requestIDFromContext(c),
			UserID:    userIDFromContext(c),
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/rooms/:room", func(c *gin.Context) {
		if rooms == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hub not configured"})
			return
		}
		room := c.Param("room")
		c.JSON(http.StatusOK, gin.H{"room": room, "clients": rooms.RoomSize(room)})
	})
}
