package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/models"
)

// EventHandler handles event log requests
type EventHandler struct {
	c *container.Container
}

// NewEventHandler creates a new event handler
func NewEventHandler(c *container.Container) *EventHandler {
	return &EventHandler{c: c}
}

// EmitEvent appends an event to the log and schedules a broker evaluation.
// POST /api/v1/events
func (h *EventHandler) EmitEvent(ctx echo.Context) error {
	var ev models.Event
	if err := ctx.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event payload: "+err.Error())
	}

	if ev.ExecutionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution_id is required")
	}
	if ev.EventType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event_type is required")
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	if err := h.c.EventRepo.Emit(ctx.Request().Context(), &ev); err != nil {
		h.c.Components.Logger.Error("failed to emit event",
			"execution_id", ev.ExecutionID,
			"event_type", ev.EventType,
			"error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to emit event")
	}
	h.c.Metrics.EventsEmitted.WithLabelValues(ev.EventType).Inc()

	if err := h.c.Runner.ScheduleEvaluation(ctx.Request().Context(), ev.ExecutionID); err != nil {
		// the idle re-poll will pick the execution up
		h.c.Components.Logger.Warn("failed to schedule evaluation",
			"execution_id", ev.ExecutionID,
			"error", err)
	}

	return ctx.JSON(http.StatusAccepted, map[string]interface{}{
		"status":       "accepted",
		"execution_id": ev.ExecutionID,
		"event_id":     ev.EventID,
	})
}

// ListByExecution returns the full ordered event log of one execution.
// GET /api/v1/events/by-execution/:execution_id
func (h *EventHandler) ListByExecution(ctx echo.Context) error {
	executionID := ctx.Param("execution_id")

	events, err := h.c.EventRepo.ListEvents(ctx.Request().Context(), executionID)
	if err != nil {
		h.c.Components.Logger.Error("failed to list events",
			"execution_id", executionID,
			"error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list events")
	}

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"events":       events,
		"count":        len(events),
	})
}
