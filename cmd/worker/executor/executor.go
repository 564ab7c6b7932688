package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/noetl/noetl/common/models"
)

// Logger interface for executor logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Executor runs one action type against a leased job
type Executor interface {
	// Execute runs the action and returns the result payload
	Execute(ctx context.Context, job *models.QueueJob) (interface{}, error)
}

// Registry maps action types to executors
type Registry struct {
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to an action type
func (r *Registry) Register(actionType string, ex Executor) {
	r.executors[actionType] = ex
}

// Resolve returns the executor for an action type
func (r *Registry) Resolve(actionType string) (Executor, error) {
	ex, ok := r.executors[actionType]
	if !ok {
		return nil, Fatal(fmt.Errorf("no executor registered for action type %q", actionType))
	}
	return ex, nil
}

// Types returns the registered action types
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

// fatalError marks an error as non-retryable: the input is wrong and
// retrying the same job cannot succeed
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps an error as non-retryable
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether an error was marked non-retryable
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Param reads a string parameter, `with` overriding the action spec
func Param(job *models.QueueJob, key string) string {
	if with, ok := job.InputContext["with"].(map[string]interface{}); ok {
		if v, ok := with[key].(string); ok && v != "" {
			return v
		}
	}
	if v, ok := job.Action[key].(string); ok {
		return v
	}
	return ""
}

// ParamMap reads a map parameter, `with` overriding the action spec
func ParamMap(job *models.QueueJob, key string) map[string]interface{} {
	if with, ok := job.InputContext["with"].(map[string]interface{}); ok {
		if v, ok := with[key].(map[string]interface{}); ok {
			return v
		}
	}
	if v, ok := job.Action[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// With returns the rendered step parameters of the job
func With(job *models.QueueJob) map[string]interface{} {
	with, _ := job.InputContext["with"].(map[string]interface{})
	return with
}
