package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/models"
)

// ExecutionHandler handles execution lifecycle requests
type ExecutionHandler struct {
	c *container.Container
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{c: c}
}

// StartExecutionRequest is the payload for starting a playbook run
type StartExecutionRequest struct {
	Path        string                 `json:"path"`
	Version     string                 `json:"version"`
	Workload    map[string]interface{} `json:"workload"`
	ExecutionID string                 `json:"execution_id"`
}

// Start begins a new execution of a registered playbook.
// POST /api/v1/executions
func (h *ExecutionHandler) Start(ctx echo.Context) error {
	var req StartExecutionRequest
	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request: "+err.Error())
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}
	if req.Version == "" {
		req.Version = "latest"
	}
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}

	// fail fast on unknown playbooks instead of stalling the broker
	entry, err := h.c.Catalog.FetchEntry(ctx.Request().Context(), req.Path, req.Version)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	ev := &models.Event{
		ExecutionID: req.ExecutionID,
		EventID:     req.ExecutionID + "-start",
		EventType:   models.EventExecutionStart,
		Status:      string(models.StatusRunning),
		NodeID:      req.ExecutionID + "-execution",
		NodeName:    "execution",
		NodeType:    "execution",
		InputContext: map[string]interface{}{
			"workload": req.Workload,
		},
		Metadata: map[string]interface{}{
			"path":    entry.Path,
			"version": entry.Version,
		},
	}
	if err := h.c.EventRepo.Emit(ctx.Request().Context(), ev); err != nil {
		h.c.Components.Logger.Error("failed to start execution",
			"execution_id", req.ExecutionID,
			"path", req.Path,
			"error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start execution")
	}
	h.c.Metrics.EventsEmitted.WithLabelValues(models.EventExecutionStart).Inc()

	if err := h.c.Runner.ScheduleEvaluation(ctx.Request().Context(), req.ExecutionID); err != nil {
		h.c.Components.Logger.Warn("failed to schedule evaluation",
			"execution_id", req.ExecutionID,
			"error", err)
	}

	return ctx.JSON(http.StatusCreated, map[string]interface{}{
		"execution_id": req.ExecutionID,
		"path":         entry.Path,
		"version":      entry.Version,
		"status":       models.StatusRunning,
	})
}

// Get returns the status summary of one execution.
// GET /api/v1/executions/:execution_id
func (h *ExecutionHandler) Get(ctx echo.Context) error {
	executionID := ctx.Param("execution_id")

	execution, err := h.c.EventRepo.GetExecution(ctx.Request().Context(), executionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load execution")
	}
	if execution == nil {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found: "+executionID)
	}

	events, err := h.c.EventRepo.ListEvents(ctx.Request().Context(), executionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load events")
	}

	status, stepStatus, errMsg := models.SummarizeEvents(events)

	steps, err := h.c.WorkflowRepo.ListSteps(ctx.Request().Context(), executionID)
	if err != nil {
		h.c.Components.Logger.Warn("failed to list workflow steps",
			"execution_id", executionID,
			"error", err)
	}
	done := 0
	for _, s := range stepStatus {
		if s == models.StatusCompleted {
			done++
		}
	}

	summary := models.ExecutionSummary{
		ExecutionID:  execution.ExecutionID,
		PlaybookPath: execution.PlaybookPath,
		Status:       status,
		Progress:     models.ComputeProgress(status, done, len(steps)),
		StepStatus:   stepStatus,
		Error:        errMsg,
		CreatedAt:    execution.CreatedAt,
	}
	return ctx.JSON(http.StatusOK, summary)
}

// List returns recent executions, newest first.
// GET /api/v1/executions
func (h *ExecutionHandler) List(ctx echo.Context) error {
	limit := 50
	if raw := ctx.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	executions, err := h.c.EventRepo.ListExecutions(ctx.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list executions")
	}

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	})
}
