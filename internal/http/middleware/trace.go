package middleware

import (
	"github.com/gin-gonic/gin"

	"stagegraph.app/planner/common/logger"
)

const traceIDKey = "trace_id"

// TraceID stores the caller's trace id, falling back to the id of the request
// span, so handlers can hand it to the jobs they enqueue.
func TraceID(headerName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(headerName)
		if traceID == "" {
			traceID = logger.TraceID(c.Request.Context())
		}
		if traceID != "" {
			c.Set(traceIDKey, traceID)
			c.Header(headerName, traceID)
		}
		c.Next()
	}
}

// TraceIDFrom returns the trace id set by TraceID, or nil.
func TraceIDFrom(c *gin.Context) *string {
	v := c.GetString(traceIDKey)
	if v == "" {
		return nil
	}
	return &v
}
