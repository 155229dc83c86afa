package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/scribehub-backend/internal/ctxutil"
)

// RequestCorrelation pulls the trace data attached upstream into a
// types-free form handlers can pass along to services.
func RequestCorrelation(c *gin.Context) (requestID, traceID string) {
	td := ctxutil.GetTraceData(c.Request.Context())
	if td == nil {
		return uuid.New().String(), ""
	}
	return td.RequestID, td.TraceID
}
