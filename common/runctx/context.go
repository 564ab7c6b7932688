package runctx

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
)

// Reserved context keys that workload and result promotion must not shadow
var reserved = map[string]struct{}{
	"workload":     {},
	"work":         {},
	"context":      {},
	"results":      {},
	"env":          {},
	"job":          {},
	"loop_results": {},
}

// Build reconstructs the execution context from an ordered event-log
// prefix. It is a pure function of its inputs; callers may cache the
// result keyed by (execution_id, max event rank).
//
// Assembly order: workload (earliest execution_start, then context_update
// merge patches), per-step results, root promotion of workload and result
// keys, workbook step aliasing, then extra without overwriting.
func Build(events []models.Event, pb *playbook.Playbook, extra map[string]interface{}) map[string]interface{} {
	workload := map[string]interface{}{}
	if pb != nil {
		for k, v := range pb.Workload {
			workload[k] = v
		}
	}

	results := map[string]interface{}{}

	for i := range events {
		ev := &events[i]
		switch ev.EventType {
		case models.EventExecutionStart:
			if wl, ok := ev.InputContext["workload"].(map[string]interface{}); ok {
				for k, v := range wl {
					workload[k] = v
				}
			}
		case models.EventContextUpdate:
			workload = mergePatch(workload, ev.OutputResult)
		}
		if ev.OutputResult != nil && ev.NodeName != "" {
			results[ev.NodeName] = ev.OutputResult
		}
	}

	// workbook wrapper steps inherit their task's result when they have
	// none of their own
	if pb != nil {
		for _, step := range pb.Workflow {
			if step.Task == "" {
				continue
			}
			if _, present := results[step.Name]; present {
				continue
			}
			if taskResult, ok := results[step.Task]; ok {
				results[step.Name] = taskResult
			}
		}
	}

	context := map[string]interface{}{
		"workload": workload,
		"work":     workload,
		"results":  results,
	}
	// backward-compat alias
	context["context"] = workload

	for k, v := range workload {
		if _, shadowed := reserved[k]; !shadowed {
			context[k] = v
		}
	}
	for k, v := range results {
		if _, shadowed := reserved[k]; shadowed {
			continue
		}
		if _, fromWorkload := workload[k]; fromWorkload {
			// step results win over initial workload values
			context[k] = v
			continue
		}
		context[k] = v
	}

	for k, v := range extra {
		if _, exists := context[k]; !exists {
			context[k] = v
		}
	}

	return context
}

// MaxRank returns the highest insert rank in the prefix, usable as a
// cache discriminator.
func MaxRank(events []models.Event) int64 {
	var max int64
	for i := range events {
		if events[i].InsertRank > max {
			max = events[i].InsertRank
		}
	}
	return max
}

// mergePatch applies an RFC 7396 merge patch to the workload. Invalid
// patches leave the workload unchanged.
func mergePatch(workload map[string]interface{}, patch interface{}) map[string]interface{} {
	patchBytes, err := json.Marshal(patch)
	if err != nil {
		return workload
	}
	baseBytes, err := json.Marshal(workload)
	if err != nil {
		return workload
	}
	merged, err := jsonpatch.MergePatch(baseBytes, patchBytes)
	if err != nil {
		return workload
	}
	var out map[string]interface{}
	if err := json.Unmarshal(merged, &out); err != nil {
		return workload
	}
	return out
}
