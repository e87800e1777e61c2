package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatroom/internal/telemetry"
)

// DebugInfo reports the transport modes the daemon came up with.
type DebugInfo struct {
	Broadcaster string
	Publisher   string
	Rooms       func() map[string]int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, info DebugInfo, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/state", func(c *gin.Context) {
		rooms := map[string]int{}
		if info.Rooms != nil {
			rooms = info.Rooms()
		}
		c.JSON(http.StatusOK, gin.H{
			"broadcaster": info.Broadcaster,
			"publisher":   info.Publisher,
			"rooms":       rooms,
		})
	})

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), auditRecord(c, "audit_test", "", nil))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
