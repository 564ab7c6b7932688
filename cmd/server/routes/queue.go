package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/handlers"
)

// RegisterQueueRoutes registers work queue routes
func RegisterQueueRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewQueueHandler(c)

	queue := e.Group("/api/v1/queue")
	{
		queue.GET("", h.List)                            // GET /api/v1/queue?status=queued
		queue.POST("/enqueue", h.Enqueue)                // POST /api/v1/queue/enqueue
		queue.POST("/lease", h.Lease)                    // POST /api/v1/queue/lease
		queue.POST("/reap-expired", h.ReapExpired)       // POST /api/v1/queue/reap-expired
		queue.POST("/:queue_id/complete", h.Complete)    // POST /api/v1/queue/{queue_id}/complete
		queue.POST("/:queue_id/fail", h.Fail)            // POST /api/v1/queue/{queue_id}/fail
		queue.POST("/:queue_id/heartbeat", h.Heartbeat)  // POST /api/v1/queue/{queue_id}/heartbeat
	}
}
