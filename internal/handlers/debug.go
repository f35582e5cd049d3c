package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var auditLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}

// RegisterDebugRoutes mounts GET /debug/audit-test when enabled. It pushes one
// audit_log event through the broker so the pipeline can be checked end to end.
func RegisterDebugRoutes(router gin.IRoutes, auditor Auditor, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if auditor == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		level := strings.ToUpper(c.DefaultQuery("level", "INFO"))
		if !auditLevels[level] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid level"})
			return
		}
		audit(c, auditor, level, c.DefaultQuery("text", "audit test"))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "level": level, "request_id": requestID(c)})
	})
}
