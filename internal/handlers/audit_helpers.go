package handlers

import (
	"github.com/gin-gonic/gin"

	"chatroom/internal/observability"
	"chatroom/internal/telemetry"
)

const requestIDContextKey = "request_id"

// requestIDFromContext reuses the request id already resolved for this request.
func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(requestIDContextKey); id != "" {
		return id
	}
	id := observability.RequestIDFromRequest(c.Request)
	c.Set(requestIDContextKey, id)
	return id
}

// auditRecord builds a record for the current request. A non-nil err marks
// the action failed.
func auditRecord(c *gin.Context, action, provider string, err error) telemetry.AuditRecord {
	rec := telemetry.AuditRecord{
		Action:    action,
		Provider:  provider,
		Outcome:   telemetry.OutcomeOK,
		RequestID: requestIDFromContext(c),
	}
	if id := c.GetString("userID"); id != "" {
		rec.UserID = &id
	}
	if err != nil {
		rec.Outcome = telemetry.OutcomeFailed
		rec.Detail = err.Error()
	}
	return rec
}
