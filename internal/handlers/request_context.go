package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crewchat/internal/middleware"
	"crewchat/internal/observability"
)

const requestIDKey = "request_id"

// Auditor records operator-facing events. *telemetry.AuditEmitter implements it.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID *string)
}

// requestID returns the caller's request id, minting and caching one when the
// request carries none.
func requestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	id := observability.MetaFromRequest(c.Request).RequestID
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	return id
}

// callerID is the authenticated user, or nil on unauthenticated routes.
func callerID(c *gin.Context) *string {
	id := c.GetString(middleware.UserIDKey)
	if id == "" {
		return nil
	}
	return &id
}

func audit(c *gin.Context, a Auditor, level, text string) {
	if a == nil {
		return
	}
	a.Emit(c.Request.Context(), level, text, requestID(c), callerID(c))
}
