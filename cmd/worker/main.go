package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/noetl/noetl/cmd/worker/executor"
	"github.com/noetl/noetl/cmd/worker/runtime"
	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/clients"
	"github.com/noetl/noetl/common/metrics"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The worker talks to the server over REST only; it carries no
	// database or redis connections of its own.
	components, err := bootstrap.Setup(ctx, "noetl-worker",
		bootstrap.WithoutDB(),
		bootstrap.WithoutRedis(),
		bootstrap.WithoutCache(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup worker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])

	serverClient := clients.NewServerClient(cfg.Worker.ServerURL, components.Logger)
	m := metrics.NewDefault()

	registry := executor.NewRegistry()
	registry.Register("http", executor.NewHTTPExecutor(cfg.Worker.ActionTimeout, components.Logger))
	registry.Register("postgres", executor.NewPostgresExecutor(components.Logger))
	registry.Register("transform", executor.NewTransformExecutor(components.Logger))
	registry.Register("playbook", executor.NewPlaybookExecutor(serverClient, components.Logger))
	registry.Register(models.JobKindLoopAggregate, executor.NewAggregateExecutor(components.Logger))
	registry.Register("noop", executor.NoopExecutor{})

	rt := runtime.New(&runtime.Opts{
		WorkerID:      workerID,
		Server:        serverClient,
		Registry:      registry,
		Logger:        components.Logger,
		Metrics:       m,
		LeaseSeconds:  cfg.Worker.LeaseSeconds,
		PollInterval:  cfg.Worker.PollInterval,
		ActionTimeout: cfg.Worker.ActionTimeout,
		Concurrency:   cfg.Worker.Concurrency,
	})

	if cfg.Telemetry.EnableMetrics {
		server.StartMetrics(cfg.Telemetry.MetricsPort, components.Logger)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- rt.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		components.Logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil && ctx.Err() == nil {
			components.Logger.Error("worker stopped", "error", err)
			os.Exit(1)
		}
	}
}
