package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/rzapply/rzapply/internal/common/tracing"
)

// OtelTracing opens a server span per request, named after the matched route.
// Health probes are not traced. Agent and task ids found in the request are
// attached so a task can be followed across poll, result and inspection calls.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		route := routeOf(c)
		if route == "/health" {
			c.Next()
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
			))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if taskID := c.Param("taskId"); taskID != "" {
			span.SetAttributes(tracing.TaskIDKey.String(taskID))
		}
		if clientID := c.Query("client_id"); clientID != "" {
			span.SetAttributes(tracing.ClientIDKey.String(clientID))
		}
		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// routeOf returns the route template, or the raw path for unmatched requests
func routeOf(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return c.Request.URL.Path
}
