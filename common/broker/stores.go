package broker

import (
	"context"

	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
	"github.com/noetl/noetl/common/repository"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// EventStore is the slice of the event repository the evaluator needs
type EventStore interface {
	Emit(ctx context.Context, ev *models.Event) error
	ListEvents(ctx context.Context, executionID string) ([]models.Event, error)
	GetExecution(ctx context.Context, executionID string) (*models.Execution, error)
}

// JobQueue is the slice of the queue repository the evaluator needs
type JobQueue interface {
	Enqueue(ctx context.Context, p repository.EnqueueParams) (int64, error)
	HasActive(ctx context.Context, executionID, nodeID string) (bool, error)
}

// Materializer writes the workflow/transition/workbook projections
type Materializer interface {
	Materialize(ctx context.Context, executionID string, pb *playbook.Playbook) error
	UpsertTransition(ctx context.Context, t *models.TransitionRow) error
}

// ExecutionLister enumerates executions with no terminal marker. The
// runner's idle sweep re-evaluates them when a wake-up signal was lost.
type ExecutionLister interface {
	ListActiveExecutions(ctx context.Context, limit int) ([]string, error)
}

// CredentialResolver resolves credential key references for dispatched
// jobs within an execution scope. Terminal executions drop their scope.
type CredentialResolver interface {
	Fetch(ctx context.Context, executionID, key string) (map[string]interface{}, error)
	InvalidateExecution(ctx context.Context, executionID string) error
}

// Scheduler breaks the cycle between event emission and evaluation: the
// event surface asks for evaluations, the broker performs them.
type Scheduler interface {
	// ScheduleEvaluation requests an asynchronous evaluation
	ScheduleEvaluation(ctx context.Context, executionID string) error
	// EvaluateNow runs one evaluation synchronously
	EvaluateNow(ctx context.Context, executionID string) Outcome
}
