package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/handlers"
)

// RegisterRenderRoutes registers context rendering routes
func RegisterRenderRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRenderHandler(c)

	e.POST("/api/v1/context/render", h.Render)
}
