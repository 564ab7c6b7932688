package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/handlers"
)

// RegisterEventRoutes registers event log routes
func RegisterEventRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewEventHandler(c)

	events := e.Group("/api/v1/events")
	{
		events.POST("", h.EmitEvent)                                   // POST /api/v1/events
		events.GET("/by-execution/:execution_id", h.ListByExecution)   // GET /api/v1/events/by-execution/{execution_id}
	}
}
