package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/handlers"
)

// RegisterCatalogRoutes registers playbook catalog routes
func RegisterCatalogRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewCatalogHandler(c)

	cat := e.Group("/api/v1/catalog")
	{
		cat.POST("", h.Register)  // POST /api/v1/catalog
		cat.GET("", h.Get)        // GET /api/v1/catalog?path=...&version=...
	}
}
