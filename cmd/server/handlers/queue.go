package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
)

// QueueHandler handles work queue requests
type QueueHandler struct {
	c *container.Container
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(c *container.Container) *QueueHandler {
	return &QueueHandler{c: c}
}

// EnqueueRequest is the payload for a direct enqueue
type EnqueueRequest struct {
	ExecutionID  string                 `json:"execution_id"`
	NodeID       string                 `json:"node_id"`
	Action       map[string]interface{} `json:"action"`
	InputContext map[string]interface{} `json:"input_context"`
	Priority     int                    `json:"priority"`
	MaxAttempts  int                    `json:"max_attempts"`
	AvailableAt  time.Time              `json:"available_at"`
}

// Enqueue inserts a job, idempotent per active (execution_id, node_id).
// POST /api/v1/queue/enqueue
func (h *QueueHandler) Enqueue(ctx echo.Context) error {
	var req EnqueueRequest
	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request: "+err.Error())
	}
	if req.ExecutionID == "" || req.NodeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution_id and node_id are required")
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = h.c.Components.Config.Queue.DefaultMaxAttempts
	}

	queueID, err := h.c.QueueRepo.Enqueue(ctx.Request().Context(), repository.EnqueueParams{
		ExecutionID:  req.ExecutionID,
		NodeID:       req.NodeID,
		Action:       req.Action,
		InputContext: req.InputContext,
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
		AvailableAt:  req.AvailableAt,
	})
	if err != nil {
		h.c.Components.Logger.Error("failed to enqueue job",
			"execution_id", req.ExecutionID,
			"node_id", req.NodeID,
			"error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue job")
	}
	h.c.Metrics.JobsEnqueued.Inc()

	return ctx.JSON(http.StatusCreated, map[string]interface{}{
		"queue_id": queueID,
	})
}

// LeaseRequest is the payload for leasing a job
type LeaseRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds"`
}

// Lease claims the next available job for a worker.
// POST /api/v1/queue/lease
func (h *QueueHandler) Lease(ctx echo.Context) error {
	var req LeaseRequest
	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request: "+err.Error())
	}
	if req.WorkerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "worker_id is required")
	}
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = int(h.c.Components.Config.Queue.DefaultLease.Seconds())
	}

	job, err := h.c.QueueRepo.Lease(ctx.Request().Context(), req.WorkerID, req.LeaseSeconds)
	if err != nil {
		h.c.Components.Logger.Error("failed to lease job",
			"worker_id", req.WorkerID,
			"error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to lease job")
	}
	if job == nil {
		return ctx.JSON(http.StatusOK, map[string]interface{}{"empty": true})
	}
	h.c.Metrics.JobsLeased.Inc()

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"job": job,
	})
}

// Complete marks a leased job done and re-evaluates its execution.
// POST /api/v1/queue/:queue_id/complete
func (h *QueueHandler) Complete(ctx echo.Context) error {
	queueID, err := parseQueueID(ctx)
	if err != nil {
		return err
	}

	job, err := h.c.QueueRepo.Get(ctx.Request().Context(), queueID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load job")
	}
	if job == nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("job %d not found", queueID))
	}

	transitioned, err := h.c.QueueRepo.Complete(ctx.Request().Context(), queueID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to complete job")
	}
	if transitioned {
		h.c.Metrics.JobsCompleted.Inc()
	}

	if err := h.c.Runner.ScheduleEvaluation(ctx.Request().Context(), job.ExecutionID); err != nil {
		h.c.Components.Logger.Warn("failed to schedule evaluation",
			"execution_id", job.ExecutionID,
			"error", err)
	}

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"queue_id":     queueID,
		"transitioned": transitioned,
	})
}

// FailRequest is the payload for reporting a failed job
type FailRequest struct {
	Retry             bool   `json:"retry"`
	RetryDelaySeconds int    `json:"retry_delay_seconds"`
	Error             string `json:"error"`
}

// Fail records a job failure. Exhausted jobs go dead and surface as a
// synthetic action_error event so the broker can stop the execution.
// POST /api/v1/queue/:queue_id/fail
func (h *QueueHandler) Fail(ctx echo.Context) error {
	queueID, err := parseQueueID(ctx)
	if err != nil {
		return err
	}

	var req FailRequest
	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request: "+err.Error())
	}
	retryDelay := time.Duration(req.RetryDelaySeconds) * time.Second
	if retryDelay <= 0 {
		retryDelay = h.c.Components.Config.Queue.RetryDelay
	}

	job, err := h.c.QueueRepo.Get(ctx.Request().Context(), queueID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load job")
	}
	if job == nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("job %d not found", queueID))
	}

	status, err := h.c.QueueRepo.Fail(ctx.Request().Context(), queueID, req.Retry, retryDelay, req.Error)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record job failure")
	}
	if status != "" {
		disposition := "retried"
		if status == models.JobDead {
			disposition = "dead"
		}
		h.c.Metrics.JobsFailed.WithLabelValues(disposition).Inc()
	}

	if status == models.JobDead {
		stepName, _ := job.InputContext["step"].(string)
		ev := &models.Event{
			ExecutionID: job.ExecutionID,
			EventID:     fmt.Sprintf("%s-error-%s", job.ExecutionID, job.NodeID),
			EventType:   models.EventActionError,
			Status:      string(models.StatusFailed),
			NodeID:      job.NodeID,
			NodeName:    stepName,
			Error:       fmt.Sprintf("max attempts exceeded: %s", req.Error),
		}
		if err := h.c.EventRepo.Emit(ctx.Request().Context(), ev); err != nil {
			h.c.Components.Logger.Error("failed to emit dead-job event",
				"queue_id", queueID,
				"execution_id", job.ExecutionID,
				"error", err)
		} else {
			h.c.Metrics.EventsEmitted.WithLabelValues(models.EventActionError).Inc()
		}
	}

	if err := h.c.Runner.ScheduleEvaluation(ctx.Request().Context(), job.ExecutionID); err != nil {
		h.c.Components.Logger.Warn("failed to schedule evaluation",
			"execution_id", job.ExecutionID,
			"error", err)
	}

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"queue_id": queueID,
		"status":   status,
	})
}

// HeartbeatRequest is the payload for extending a lease
type HeartbeatRequest struct {
	WorkerID      string `json:"worker_id"`
	ExtendSeconds int    `json:"extend_seconds"`
}

// Heartbeat refreshes the lease of a running job.
// POST /api/v1/queue/:queue_id/heartbeat
func (h *QueueHandler) Heartbeat(ctx echo.Context) error {
	queueID, err := parseQueueID(ctx)
	if err != nil {
		return err
	}

	var req HeartbeatRequest
	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request: "+err.Error())
	}
	if req.WorkerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "worker_id is required")
	}

	if err := h.c.QueueRepo.Heartbeat(ctx.Request().Context(), queueID, req.WorkerID, req.ExtendSeconds); err != nil {
		// a reclaimed lease is a conflict, not a server fault
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"queue_id": queueID,
		"status":   models.JobLeased,
	})
}

// ReapExpired returns all expired leases to queued.
// POST /api/v1/queue/reap-expired
func (h *QueueHandler) ReapExpired(ctx echo.Context) error {
	reaped, err := h.c.QueueRepo.ReapExpired(ctx.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to reap expired leases")
	}
	if reaped > 0 {
		h.c.Metrics.LeasesReaped.Add(float64(reaped))
		h.c.Components.Logger.Info("reaped expired leases", "count", reaped)
	}

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"reaped": reaped,
	})
}

// List returns jobs filtered by optional status and execution id.
// GET /api/v1/queue
func (h *QueueHandler) List(ctx echo.Context) error {
	limit := 100
	if raw := ctx.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := h.c.QueueRepo.List(
		ctx.Request().Context(),
		ctx.QueryParam("status"),
		ctx.QueryParam("execution_id"),
		limit,
	)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list jobs")
	}

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func parseQueueID(ctx echo.Context) (int64, error) {
	queueID, err := strconv.ParseInt(ctx.Param("queue_id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid queue id")
	}
	return queueID, nil
}
