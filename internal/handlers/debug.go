package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"realtime-service/internal/telemetry"
	"realtime-service/internal/ws"
)

// ConnectionStats reports live connections.
type ConnectionStats interface {
	ActiveConnections() int
	Connections() []ws.ConnectionSummary
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, stats ConnectionStats, presence PresenceReader, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c), nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connections": stats.ActiveConnections(),
			"onlineUsers": len(presence.OnlineUsers()),
			"details":     stats.Connections(),
		})
	})
}
