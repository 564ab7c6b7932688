package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/handlers"
)

// RegisterExecutionRoutes registers execution lifecycle routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecutionHandler(c)

	executions := e.Group("/api/v1/executions")
	{
		executions.POST("", h.Start)               // POST /api/v1/executions
		executions.GET("", h.List)                 // GET /api/v1/executions
		executions.GET("/:execution_id", h.Get)    // GET /api/v1/executions/{execution_id}
	}
}
