package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/labstack/echo/v4"

	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
)

// AggregateHandler exposes loop results for inspection and ad-hoc reduction
type AggregateHandler struct {
	c *container.Container
}

// NewAggregateHandler creates a new aggregate handler
func NewAggregateHandler(c *container.Container) *AggregateHandler {
	return &AggregateHandler{c: c}
}

// LoopResults returns the ordered per-iteration results of a loop step,
// optionally piped through a jq filter given in the `select` query param.
// GET /api/v1/aggregate/loop/results?execution_id=&step_name=&select=
func (h *AggregateHandler) LoopResults(ctx echo.Context) error {
	executionID := ctx.QueryParam("execution_id")
	stepName := ctx.QueryParam("step_name")
	if executionID == "" || stepName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution_id and step_name are required")
	}
	reqCtx := ctx.Request().Context()

	execution, err := h.c.EventRepo.GetExecution(reqCtx, executionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load execution")
	}
	if execution == nil {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found: "+executionID)
	}

	entry, err := h.c.Catalog.FetchEntry(reqCtx, execution.PlaybookPath, execution.PlaybookVer)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	pb, err := playbook.Parse([]byte(entry.Content))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "stored playbook no longer parses: "+err.Error())
	}

	loopStep := pb.StepByName(stepName)
	if loopStep == nil || loopStep.Loop == nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("step %s is not a loop", stepName))
	}
	loopIndex := pb.IndexByName()[stepName]

	events, err := h.c.EventRepo.ListEvents(reqCtx, executionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load events")
	}
	results := iterationResults(events, executionID, loopIndex)

	filtered := results
	if filter := ctx.QueryParam("select"); filter != "" {
		filtered, err = applyFilter(filter, results)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid select filter: "+err.Error())
		}
	}

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"loop":         stepName,
		"results":      filtered,
		"count":        len(filtered),
	})
}

// iterationResults orders the completed iteration payloads of one loop
func iterationResults(events []models.Event, executionID string, loopIndex int) []interface{} {
	prefix := fmt.Sprintf("%s-step-%d-iter-", executionID, loopIndex)

	type indexed struct {
		index int
		value interface{}
	}
	byIndex := map[int]interface{}{}
	for i := range events {
		ev := &events[i]
		if !ev.IsCompleted() || !strings.HasPrefix(ev.NodeID, prefix) {
			continue
		}
		if ev.EventType != models.EventResult && ev.EventType != models.EventActionCompleted {
			continue
		}
		idx := -1
		if ev.CurrentIndex != nil {
			idx = *ev.CurrentIndex
		} else if n, err := strconv.Atoi(strings.TrimPrefix(ev.NodeID, prefix)); err == nil {
			idx = n
		}
		if idx >= 0 {
			byIndex[idx] = ev.OutputResult
		}
	}

	ordered := make([]indexed, 0, len(byIndex))
	for idx, v := range byIndex {
		ordered = append(ordered, indexed{index: idx, value: v})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	values := make([]interface{}, 0, len(ordered))
	for _, r := range ordered {
		values = append(values, r.value)
	}
	return values
}

// applyFilter runs a jq expression over each result, dropping items the
// filter rejects and keeping what it yields
func applyFilter(filter string, results []interface{}) ([]interface{}, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	for _, item := range results {
		iter := code.Run(item)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if _, isErr := v.(error); isErr {
				continue
			}
			out = append(out, v)
		}
	}
	if out == nil {
		out = []interface{}{}
	}
	return out, nil
}
