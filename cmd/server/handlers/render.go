package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/playbook"
	"github.com/noetl/noetl/common/render"
	"github.com/noetl/noetl/common/runctx"
)

// RenderHandler renders templates against an execution's live context
type RenderHandler struct {
	c *container.Container
}

// NewRenderHandler creates a new render handler
func NewRenderHandler(c *container.Container) *RenderHandler {
	return &RenderHandler{c: c}
}

// RenderRequest is the payload for server-side rendering
type RenderRequest struct {
	ExecutionID string                 `json:"execution_id"`
	Template    interface{}            `json:"template"`
	Extra       map[string]interface{} `json:"extra"`
	Strict      bool                   `json:"strict"`
}

// Render evaluates a template against the execution context built from the
// event log. The built context is cached per log position, so repeated
// renders against an unchanged execution skip the rebuild.
// POST /api/v1/context/render
func (h *RenderHandler) Render(ctx echo.Context) error {
	var req RenderRequest
	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request: "+err.Error())
	}
	if req.ExecutionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution_id is required")
	}

	context, err := h.buildContext(ctx, req.ExecutionID, req.Extra)
	if err != nil {
		return err
	}

	mode := render.Lenient
	if req.Strict {
		mode = render.Strict
	}
	rendered, err := h.c.Renderer.RenderValue(req.Template, context, mode)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "render failed: "+err.Error())
	}

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": req.ExecutionID,
		"rendered":     rendered,
		"context_keys": contextKeys(context),
	})
}

// contextKeys lists the top-level keys of the built context, sorted
func contextKeys(context map[string]interface{}) []string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h *RenderHandler) buildContext(ctx echo.Context, executionID string, extra map[string]interface{}) (map[string]interface{}, error) {
	reqCtx := ctx.Request().Context()

	execution, err := h.c.EventRepo.GetExecution(reqCtx, executionID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load execution")
	}
	if execution == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "execution not found: "+executionID)
	}

	events, err := h.c.EventRepo.ListEvents(reqCtx, executionID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load events")
	}

	// extras are request-scoped and must not poison the cached snapshot
	cacheKey := fmt.Sprintf("runctx:%s:%d", executionID, runctx.MaxRank(events))
	if len(extra) == 0 {
		if data, found, _ := h.c.Components.Cache.Get(reqCtx, cacheKey); found {
			var cached map[string]interface{}
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	entry, err := h.c.Catalog.FetchEntry(reqCtx, execution.PlaybookPath, execution.PlaybookVer)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	pb, err := playbook.Parse([]byte(entry.Content))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "stored playbook no longer parses: "+err.Error())
	}

	context := runctx.Build(events, pb, extra)

	if len(extra) == 0 {
		if data, err := json.Marshal(context); err == nil {
			_ = h.c.Components.Cache.Set(reqCtx, cacheKey, data, 30*time.Second)
		}
	}
	return context, nil
}
