package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/routes"
	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (DB, logger, redis, cache)
	components, err := bootstrap.Setup(ctx, "noetl-server",
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return database.Migrate(ctx)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap server: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	// Background workers: broker runner and lease reaper
	runnerCtx, cancelRunner := context.WithCancel(ctx)
	defer cancelRunner()
	go func() {
		if err := serviceContainer.Runner.Start(runnerCtx); err != nil && runnerCtx.Err() == nil {
			components.Logger.Error("broker runner stopped", "error", err)
		}
	}()

	reaper := startReaper(runnerCtx, serviceContainer)
	defer reaper.Stop()

	if components.Config.Telemetry.EnableMetrics {
		server.StartMetrics(components.Config.Telemetry.MetricsPort, components.Logger)
	}

	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "noetl-server",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterCatalogRoutes(e, serviceContainer)
	routes.RegisterExecutionRoutes(e, serviceContainer)
	routes.RegisterEventRoutes(e, serviceContainer)
	routes.RegisterQueueRoutes(e, serviceContainer)
	routes.RegisterRenderRoutes(e, serviceContainer)
	routes.RegisterAggregateRoutes(e, serviceContainer)
}

// startReaper schedules the expired-lease sweep on the configured cadence
func startReaper(ctx context.Context, serviceContainer *container.Container) *cron.Cron {
	components := serviceContainer.Components

	c := cron.New()
	_, err := c.AddFunc(components.Config.Queue.ReapSchedule, func() {
		reaped, err := serviceContainer.QueueRepo.ReapExpired(ctx)
		if err != nil {
			components.Logger.Error("lease reaper failed", "error", err)
			return
		}
		if reaped > 0 {
			serviceContainer.Metrics.LeasesReaped.Add(float64(reaped))
			components.Logger.Info("reaped expired leases", "count", reaped)
		}
	})
	if err != nil {
		components.Logger.Error("failed to schedule lease reaper",
			"schedule", components.Config.Queue.ReapSchedule,
			"error", err)
	}
	c.Start()
	return c
}

// startServer starts the Echo server on the configured port
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting noetl-server", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
