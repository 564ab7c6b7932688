package executor

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/render"
)

// TransformExecutor evaluates expression-based steps in-process. It covers
// the playbook steps whose action is pure data shaping: no I/O, just
// template evaluation over the step's input context.
type TransformExecutor struct {
	renderer *render.Renderer
	logger   Logger
}

// NewTransformExecutor creates a transform executor
func NewTransformExecutor(logger Logger) *TransformExecutor {
	return &TransformExecutor{
		renderer: render.NewRenderer(),
		logger:   logger,
	}
}

// Execute renders the action's template (or expr) against the job context
func (e *TransformExecutor) Execute(ctx context.Context, job *models.QueueJob) (interface{}, error) {
	context := transformContext(job)

	if tmpl := ParamMap(job, "template"); tmpl != nil {
		rendered, err := e.renderer.RenderValue(tmpl, context, render.Strict)
		if err != nil {
			return nil, Fatal(fmt.Errorf("render template: %w", err))
		}
		return rendered, nil
	}

	if expr := Param(job, "expr"); expr != "" {
		rendered, err := e.renderer.RenderString(expr, context, render.Strict)
		if err != nil {
			return nil, Fatal(fmt.Errorf("render expr: %w", err))
		}
		return rendered, nil
	}

	// no template means the step just passes its parameters through
	return With(job), nil
}

func transformContext(job *models.QueueJob) map[string]interface{} {
	context := map[string]interface{}{}
	if workload, ok := job.InputContext["workload"].(map[string]interface{}); ok {
		context["workload"] = workload
		for k, v := range workload {
			if _, taken := context[k]; !taken {
				context[k] = v
			}
		}
	}
	if with, ok := job.InputContext["with"].(map[string]interface{}); ok {
		context["with"] = with
	}
	if loop, ok := job.InputContext["_loop"].(map[string]interface{}); ok {
		context["_loop"] = loop
		if iter, ok := loop["iterator"].(string); ok && iter != "" {
			context[iter] = loop["current_item"]
		}
	}
	return context
}
