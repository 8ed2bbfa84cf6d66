// Package httpmw holds the gin middleware shared by the coordinator routes.
package httpmw

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/logger"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// RequestLogger assigns a request id and writes one access line per request.
// Agent traffic is chatty (heartbeats, empty long-polls), so only server
// errors are logged above debug.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	log = log.WithFields(zap.String("server", serverName))

	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(string(logger.RequestIDKey), requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID))

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("route", routeOf(c)),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if clientID := c.Query("client_id"); clientID != "" {
			fields = append(fields, zap.String("client_id", clientID))
		}
		if taskID := c.Param("taskId"); taskID != "" {
			fields = append(fields, zap.String("task_id", taskID))
		}
		if status >= http.StatusInternalServerError {
			log.Error("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
