package api

import (
	"github.com/gin-gonic/gin"

	"github.com/rzapply/rzapply/internal/common/httpmw"
)

// SetupRoutes configures the orchestrator API routes. Everything except
// /health sits behind the bearer token when one is configured.
func SetupRoutes(router gin.IRouter, handler *Handler, token string) {
	router.GET("/health", handler.Health)

	authed := router.Group("/", httpmw.BearerAuth(token))
	{
		// Agent protocol
		authed.POST("/register", handler.Register)
		authed.POST("/heartbeat", handler.Heartbeat)
		authed.GET("/task", handler.FetchTask)
		authed.POST("/task_result", handler.SubmitResult)

		// Producers
		authed.POST("/tasks/enqueue", handler.Enqueue)
		authed.POST("/tasks/enqueue/upload", handler.EnqueueUpload)
		authed.DELETE("/tasks/:taskId", handler.CancelTask)

		// Inspection
		authed.GET("/tasks/:taskId", handler.GetTask)
		authed.GET("/tasks/:taskId/result", handler.GetResult)
		authed.GET("/tasks/:taskId/artifacts/:name", handler.GetArtifact)
		authed.GET("/agents", handler.ListAgents)
		authed.GET("/status", handler.GetStatus)
	}
}
