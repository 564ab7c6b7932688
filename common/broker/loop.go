package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
	"github.com/noetl/noetl/common/render"
	"github.com/noetl/noetl/common/repository"
)

// evaluateLoop handles a loop entry step: first visit expands the iterator
// into per-iteration jobs; later visits detect completion and hand over to
// aggregation.
func (e *Evaluator) evaluateLoop(ctx context.Context, st *evalState, step *playbook.Step) Outcome {
	stepIndex := st.nameIndex[step.Name]
	loopID := fmt.Sprintf("%s-loop-%d", st.executionID, stepIndex)

	iterations := loopIterations(st.events, loopID)
	if len(iterations) == 0 && !loopExpanded(st.events, loopID) {
		return e.expandLoop(ctx, st, step, stepIndex, loopID)
	}

	done := completedIterations(st.events, st.executionID, stepIndex)
	if len(done) < len(iterations) {
		return stalled(fmt.Sprintf("loop %s waiting: %d/%d iterations", step.Name, len(done), len(iterations)))
	}

	endStep := endLoopFor(st.pb, step.Name)
	if endStep == nil {
		// loops without an end_loop close themselves
		return e.closeLoop(ctx, st, step, stepIndex, nil, e.collectResults(st, step, stepIndex))
	}
	return e.aggregate(ctx, st, step, stepIndex, endStep)
}

// evaluateEndLoop handles the end_loop step when selection reaches it
// directly (the loop body's next usually points here).
func (e *Evaluator) evaluateEndLoop(ctx context.Context, st *evalState, step *playbook.Step) Outcome {
	loopStep := st.pb.StepByName(step.EndLoop.Loop)
	if loopStep == nil || loopStep.Loop == nil {
		return internalError(fmt.Errorf("end_loop %s points at non-loop step %s", step.Name, step.EndLoop.Loop))
	}

	loopIndex := st.nameIndex[loopStep.Name]
	loopID := fmt.Sprintf("%s-loop-%d", st.executionID, loopIndex)

	iterations := loopIterations(st.events, loopID)
	if len(iterations) == 0 && !loopExpanded(st.events, loopID) {
		return e.expandLoop(ctx, st, loopStep, loopIndex, loopID)
	}

	done := completedIterations(st.events, st.executionID, loopIndex)
	if len(done) < len(iterations) {
		return stalled(fmt.Sprintf("loop %s waiting: %d/%d iterations", loopStep.Name, len(done), len(iterations)))
	}

	return e.aggregate(ctx, st, loopStep, loopIndex, step)
}

// expandLoop renders the iterator expression, filters and chunks the items
// and enqueues one dedup-guarded job per kept iteration. Kept items keep
// their original indices.
func (e *Evaluator) expandLoop(ctx context.Context, st *evalState, step *playbook.Step, stepIndex int, loopID string) Outcome {
	spec := step.Loop

	rendered, err := e.renderer.RenderString(spec.In, st.context, render.Lenient)
	if err != nil {
		e.recordNodeError(ctx, st, step, models.StepNodeID(st.executionID, stepIndex), fmt.Errorf("render loop in: %w", err))
		return terminal(fmt.Sprintf("loop %s has unrenderable iterator source", step.Name))
	}
	items := render.CoerceList(rendered)

	type keptItem struct {
		index int
		value interface{}
	}
	var kept []keptItem
	for i, item := range items {
		if spec.Filter != "" {
			iterContext := cloneMap(st.context)
			iterContext[spec.Iterator] = item
			if !e.filterKeeps(spec.Filter, iterContext) {
				continue
			}
		}
		kept = append(kept, keptItem{index: i, value: item})
	}

	if spec.Chunk > 0 {
		var batched []keptItem
		for start := 0; start < len(kept); start += spec.Chunk {
			end := start + spec.Chunk
			if end > len(kept) {
				end = len(kept)
			}
			batch := make([]interface{}, 0, end-start)
			for _, k := range kept[start:end] {
				batch = append(batch, k.value)
			}
			batched = append(batched, keptItem{index: kept[start].index, value: batch})
		}
		kept = batched
	}

	bodyStep := st.pb.StepByName(step.FirstNext())
	if bodyStep == nil {
		return internalError(fmt.Errorf("loop %s has no body step", step.Name))
	}

	if len(kept) == 0 {
		// close immediately so downstream sees an empty result set and
		// selection never falls into the body step
		return e.closeLoop(ctx, st, step, stepIndex, endLoopFor(st.pb, step.Name), nil)
	}

	action, baseWith, err := e.resolveAction(st.pb, bodyStep)
	if err != nil {
		e.recordNodeError(ctx, st, bodyStep, models.StepNodeID(st.executionID, stepIndex), err)
		return terminal(fmt.Sprintf("unresolvable loop body for %s", step.Name))
	}

	workload, _ := st.context["workload"].(map[string]interface{})

	for _, item := range kept {
		iterNodeID := models.IterationNodeID(st.executionID, stepIndex, item.index)

		if alreadyDone(st.events, iterNodeID) {
			continue
		}

		loopMeta := map[string]interface{}{
			"loop_id":       loopID,
			"loop_name":     step.Name,
			"iterator":      spec.Iterator,
			"current_index": item.index,
			"current_item":  item.value,
			"items_count":   len(kept),
		}

		iterWorkload := cloneMap(workload)
		iterWorkload[spec.Iterator] = item.value

		iterContext := cloneMap(st.context)
		iterContext[spec.Iterator] = item.value
		iterContext["_loop"] = loopMeta

		renderedWith := map[string]interface{}{}
		for _, layer := range []map[string]interface{}{baseWith, bodyStep.With} {
			for k, v := range layer {
				rendered, err := e.renderer.RenderValue(v, iterContext, render.Lenient)
				if err != nil {
					return internalError(fmt.Errorf("render loop with.%s: %w", k, err))
				}
				renderedWith[k] = rendered
			}
		}

		idx := item.index
		if err := e.events.Emit(ctx, &models.Event{
			ExecutionID:  st.executionID,
			EventID:      fmt.Sprintf("%s-loopiter-%d-%d", st.executionID, stepIndex, item.index),
			EventType:    models.EventLoopIteration,
			Status:       string(models.StatusPending),
			NodeID:       iterNodeID,
			NodeName:     bodyStep.Name,
			NodeType:     stepNodeType(bodyStep),
			LoopID:       loopID,
			LoopName:     step.Name,
			Iterator:     spec.Iterator,
			CurrentIndex: &idx,
			CurrentItem:  item.value,
		}); err != nil {
			return internalError(fmt.Errorf("emit loop iteration: %w", err))
		}

		if _, err := e.queue.Enqueue(ctx, repository.EnqueueParams{
			ExecutionID: st.executionID,
			NodeID:      iterNodeID,
			Action:      wrapOpaque(action),
			InputContext: map[string]interface{}{
				"workload": iterWorkload,
				"with":     renderedWith,
				"step":     bodyStep.Name,
				"_loop":    loopMeta,
			},
			MaxAttempts: e.defaultMaxAttempts,
		}); err != nil {
			return internalError(fmt.Errorf("enqueue iteration %d: %w", item.index, err))
		}
		if e.metrics != nil {
			e.metrics.JobsEnqueued.Inc()
		}
	}

	e.logger.Info("loop expanded",
		"execution_id", st.executionID,
		"loop", step.Name,
		"items", len(items),
		"kept", len(kept))

	return scheduled(models.StepNodeID(st.executionID, stepIndex), fmt.Sprintf("expanded %d iterations", len(kept)))
}

// filterKeeps applies a loop filter leniently: unresolvable filters
// include the item.
func (e *Evaluator) filterKeeps(filter string, iterContext map[string]interface{}) bool {
	rendered, err := e.renderer.RenderString(filter, iterContext, render.Lenient)
	if err != nil {
		return true
	}
	if s, ok := rendered.(string); ok && s == filter {
		// undefined reference left the template untouched
		return true
	}
	return render.Truthy(rendered)
}

// aggregate reduces the completed iterations of a loop. Small loops reduce
// inline; loops above the inline limit are offloaded to a loop_aggregate
// job so workers carry the reduction.
func (e *Evaluator) aggregate(ctx context.Context, st *evalState, loopStep *playbook.Step, loopIndex int, endStep *playbook.Step) Outcome {
	results := e.collectResults(st, loopStep, loopIndex)

	if len(results) > e.inlineAggregationLimit {
		endNodeID := models.StepNodeID(st.executionID, st.nameIndex[endStep.Name])
		active, err := e.queue.HasActive(ctx, st.executionID, endNodeID)
		if err != nil {
			return internalError(fmt.Errorf("check aggregation job: %w", err))
		}
		if active {
			return stalled("aggregation job already active")
		}

		if _, err := e.queue.Enqueue(ctx, repository.EnqueueParams{
			ExecutionID: st.executionID,
			NodeID:      endNodeID,
			Action: map[string]interface{}{
				"type":      models.JobKindLoopAggregate,
				"loop_name": loopStep.Name,
				"end_step":  endStep.Name,
			},
			InputContext: map[string]interface{}{
				"loop_results":    resultValues(results),
				"result_template": endStep.EndLoop.Result,
				"loop_name":       loopStep.Name,
				"step":            endStep.Name,
			},
			MaxAttempts: e.defaultMaxAttempts,
		}); err != nil {
			return internalError(fmt.Errorf("enqueue aggregation: %w", err))
		}
		if e.metrics != nil {
			e.metrics.JobsEnqueued.Inc()
		}
		return scheduled(endNodeID, "aggregation offloaded")
	}

	return e.closeLoop(ctx, st, loopStep, loopIndex, endStep, results)
}

// closeLoop emits the terminal loop events: loop_completed for the entry
// step and, with an end_loop present, the aggregated action_completed that
// makes the loop look like a single completed step downstream.
func (e *Evaluator) closeLoop(ctx context.Context, st *evalState, loopStep *playbook.Step, loopIndex int, endStep *playbook.Step, results []iterResult) Outcome {
	loopNodeID := models.StepNodeID(st.executionID, loopIndex)
	values := resultValues(results)

	if err := e.events.Emit(ctx, &models.Event{
		ExecutionID: st.executionID,
		EventID:     fmt.Sprintf("%s-loopdone-%d", st.executionID, loopIndex),
		EventType:   models.EventLoopCompleted,
		Status:      string(models.StatusCompleted),
		NodeID:      loopNodeID,
		NodeName:    loopStep.Name,
		NodeType:    "loop",
		LoopID:      fmt.Sprintf("%s-loop-%d", st.executionID, loopIndex),
		OutputResult: map[string]interface{}{
			"results": values,
			"count":   len(values),
		},
	}); err != nil {
		return internalError(fmt.Errorf("emit loop_completed: %w", err))
	}

	if endStep == nil {
		// without an end_loop the body step gets the aggregate completion,
		// otherwise selection would re-enqueue it as a plain step
		if body := st.pb.StepByName(loopStep.FirstNext()); body != nil {
			if err := e.events.Emit(ctx, &models.Event{
				ExecutionID: st.executionID,
				EventID:     fmt.Sprintf("%s-loopbody-%d", st.executionID, loopIndex),
				EventType:   models.EventActionCompleted,
				Status:      string(models.StatusCompleted),
				NodeID:      models.StepNodeID(st.executionID, st.nameIndex[body.Name]),
				NodeName:    body.Name,
				NodeType:    stepNodeType(body),
				LoopName:    loopStep.Name,
				OutputResult: map[string]interface{}{
					"results": values,
					"count":   len(values),
				},
			}); err != nil {
				return internalError(fmt.Errorf("emit loop body completion: %w", err))
			}
		}
		return advanced(loopNodeID, "loop closed")
	}

	payload := RenderAggregation(e.renderer, endStep.EndLoop.Result, st.context, loopStep.Name, values)

	endNodeID := models.StepNodeID(st.executionID, st.nameIndex[endStep.Name])
	if err := e.events.Emit(ctx, &models.Event{
		ExecutionID:  st.executionID,
		EventID:      fmt.Sprintf("%s-endloop-%s", st.executionID, endStep.Name),
		EventType:    models.EventActionCompleted,
		Status:       string(models.StatusCompleted),
		NodeID:       endNodeID,
		NodeName:     endStep.Name,
		NodeType:     "end_loop",
		LoopName:     loopStep.Name,
		OutputResult: payload,
	}); err != nil {
		return internalError(fmt.Errorf("emit end_loop completion: %w", err))
	}

	e.logger.Info("loop aggregated",
		"execution_id", st.executionID,
		"loop", loopStep.Name,
		"end_step", endStep.Name,
		"results", len(values))

	return advanced(endNodeID, "loop aggregated")
}

// RenderAggregation renders the end_loop result template in a context
// augmented with the ordered per-iteration results. Workers reducing
// offloaded loop_aggregate jobs use the same function.
func RenderAggregation(r *render.Renderer, tmpl map[string]interface{}, base map[string]interface{}, loopName string, results []interface{}) map[string]interface{} {
	if len(tmpl) == 0 {
		return map[string]interface{}{
			"results": results,
			"count":   len(results),
		}
	}

	aggContext := make(map[string]interface{}, len(base)+2)
	for k, v := range base {
		aggContext[k] = v
	}
	aggContext["loop_results"] = results
	aggContext[loopName+"_results"] = results

	rendered, err := r.RenderValue(cloneMap(tmpl), aggContext, render.Lenient)
	if err != nil {
		return map[string]interface{}{
			"results": results,
			"count":   len(results),
		}
	}
	payload, ok := rendered.(map[string]interface{})
	if !ok {
		payload = map[string]interface{}{"result": rendered}
	}
	return payload
}

// iterResult pairs an iteration index with its result payload
type iterResult struct {
	index  int
	result interface{}
}

// collectResults gathers completed iteration results ordered by
// current_index. When the body is a workbook wrapper whose own events are
// empty, the underlying task's events are used.
func (e *Evaluator) collectResults(st *evalState, loopStep *playbook.Step, loopIndex int) []iterResult {
	bodyStep := st.pb.StepByName(loopStep.FirstNext())
	names := []string{}
	if bodyStep != nil {
		names = append(names, bodyStep.Name)
		if bodyStep.Task != "" {
			names = append(names, bodyStep.Task)
		}
	}

	prefix := fmt.Sprintf("%s-step-%d-iter-", st.executionID, loopIndex)
	byIndex := map[int]interface{}{}

	for _, name := range names {
		for i := range st.events {
			ev := &st.events[i]
			if !ev.IsCompleted() || ev.NodeName != name {
				continue
			}
			if !strings.HasPrefix(ev.NodeID, prefix) {
				continue
			}
			if ev.EventType != models.EventResult && ev.EventType != models.EventActionCompleted {
				continue
			}
			idx := iterationIndex(ev, prefix)
			if idx < 0 {
				continue
			}
			byIndex[idx] = ev.OutputResult
		}
		if len(byIndex) > 0 {
			break
		}
	}

	results := make([]iterResult, 0, len(byIndex))
	for idx, res := range byIndex {
		results = append(results, iterResult{index: idx, result: res})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })
	return results
}

func resultValues(results []iterResult) []interface{} {
	values := make([]interface{}, 0, len(results))
	for _, r := range results {
		values = append(values, r.result)
	}
	return values
}

func iterationIndex(ev *models.Event, prefix string) int {
	if ev.CurrentIndex != nil {
		return *ev.CurrentIndex
	}
	suffix := strings.TrimPrefix(ev.NodeID, prefix)
	idx, err := strconv.Atoi(suffix)
	if err != nil {
		return -1
	}
	return idx
}

func loopIterations(events []models.Event, loopID string) []*models.Event {
	var iterations []*models.Event
	for i := range events {
		if events[i].EventType == models.EventLoopIteration && events[i].LoopID == loopID {
			iterations = append(iterations, &events[i])
		}
	}
	return iterations
}

// loopExpanded reports whether the loop already ran: zero-item loops leave
// only a loop_completed marker behind.
func loopExpanded(events []models.Event, loopID string) bool {
	for i := range events {
		ev := &events[i]
		if ev.LoopID == loopID &&
			(ev.EventType == models.EventLoopIteration || ev.EventType == models.EventLoopCompleted) {
			return true
		}
	}
	return false
}

// completedIterations counts distinct finished iteration indexes of a loop
func completedIterations(events []models.Event, executionID string, loopIndex int) map[int]struct{} {
	prefix := fmt.Sprintf("%s-step-%d-iter-", executionID, loopIndex)
	done := map[int]struct{}{}
	for i := range events {
		ev := &events[i]
		if !ev.IsCompleted() || !strings.HasPrefix(ev.NodeID, prefix) {
			continue
		}
		if idx := iterationIndex(ev, prefix); idx >= 0 {
			done[idx] = struct{}{}
		}
	}
	return done
}

// alreadyDone reports whether an iteration node already reached a final
// state, so re-evaluation never re-enqueues finished work
func alreadyDone(events []models.Event, nodeID string) bool {
	for i := range events {
		ev := &events[i]
		if ev.NodeID != nodeID {
			continue
		}
		if ev.IsCompleted() || ev.IsFailed() {
			return true
		}
	}
	return false
}

// endLoopFor finds the end_loop step pointing back at a loop entry step
func endLoopFor(pb *playbook.Playbook, loopName string) *playbook.Step {
	for _, s := range pb.Workflow {
		if s.EndLoop != nil && s.EndLoop.Loop == loopName {
			return s
		}
	}
	return nil
}
