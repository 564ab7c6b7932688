package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/common/clients"
	"github.com/noetl/noetl/common/models"
)

// PlaybookExecutor runs a child playbook as its own execution and waits
// for it to finish, surfacing the child's terminal state as the step
// result.
type PlaybookExecutor struct {
	server       *clients.ServerClient
	pollInterval time.Duration
	logger       Logger
}

// NewPlaybookExecutor creates a sub-playbook executor
func NewPlaybookExecutor(server *clients.ServerClient, logger Logger) *PlaybookExecutor {
	return &PlaybookExecutor{
		server:       server,
		pollInterval: 2 * time.Second,
		logger:       logger,
	}
}

// Execute starts the child execution and polls until it goes terminal.
// The action timeout bounds the wait through ctx.
func (e *PlaybookExecutor) Execute(ctx context.Context, job *models.QueueJob) (interface{}, error) {
	path := Param(job, "path")
	if path == "" {
		return nil, Fatal(fmt.Errorf("playbook action requires a path"))
	}
	version := Param(job, "version")

	workload := ParamMap(job, "workload")
	if workload == nil {
		workload = With(job)
	}

	childID, err := e.server.StartExecution(ctx, path, version, workload)
	if err != nil {
		return nil, fmt.Errorf("start child execution: %w", err)
	}
	e.logger.Info("child execution started",
		"parent_execution_id", job.ExecutionID,
		"child_execution_id", childID,
		"path", path)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("child execution %s still running: %w", childID, ctx.Err())
		case <-ticker.C:
			summary, err := e.server.GetExecutionSummary(ctx, childID)
			if err != nil {
				// the server may be briefly unreachable; keep polling
				e.logger.Warn("failed to poll child execution",
					"child_execution_id", childID,
					"error", err)
				continue
			}

			switch summary.Status {
			case models.StatusCompleted:
				return map[string]interface{}{
					"execution_id": childID,
					"status":       string(summary.Status),
					"step_status":  summary.StepStatus,
				}, nil
			case models.StatusFailed:
				return nil, Fatal(fmt.Errorf("child execution %s failed: %s", childID, summary.Error))
			}
		}
	}
}
