package executor

import (
	"context"

	"github.com/noetl/noetl/common/models"
)

// NoopExecutor passes the step parameters through as the result. Playbooks
// use it for marker steps and for tests.
type NoopExecutor struct{}

// Execute returns the rendered with-parameters unchanged
func (NoopExecutor) Execute(ctx context.Context, job *models.QueueJob) (interface{}, error) {
	with := With(job)
	if with == nil {
		with = map[string]interface{}{}
	}
	return with, nil
}
