package executor

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/common/broker"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/render"
)

// AggregateExecutor reduces offloaded loop results. The broker packs the
// collected results and the end_loop template into the job input, so the
// worker never reads the event log.
type AggregateExecutor struct {
	renderer *render.Renderer
	logger   Logger
}

// NewAggregateExecutor creates a loop_aggregate executor
func NewAggregateExecutor(logger Logger) *AggregateExecutor {
	return &AggregateExecutor{
		renderer: render.NewRenderer(),
		logger:   logger,
	}
}

// Execute renders the aggregation template over the packed loop results
func (e *AggregateExecutor) Execute(ctx context.Context, job *models.QueueJob) (interface{}, error) {
	results, ok := job.InputContext["loop_results"].([]interface{})
	if !ok {
		return nil, Fatal(fmt.Errorf("loop_aggregate job carries no loop_results"))
	}
	loopName, _ := job.InputContext["loop_name"].(string)
	tmpl, _ := job.InputContext["result_template"].(map[string]interface{})

	payload := broker.RenderAggregation(e.renderer, tmpl, map[string]interface{}{}, loopName, results)

	e.logger.Info("loop aggregation reduced",
		"execution_id", job.ExecutionID,
		"loop", loopName,
		"results", len(results))

	return payload, nil
}
