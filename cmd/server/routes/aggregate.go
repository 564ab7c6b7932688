package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/handlers"
)

// RegisterAggregateRoutes registers loop result inspection routes
func RegisterAggregateRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewAggregateHandler(c)

	e.GET("/api/v1/aggregate/loop/results", h.LoopResults)
}
