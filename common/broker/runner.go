package broker

import (
	"context"
	"time"

	redisWrapper "github.com/noetl/noetl/common/redis"
)

// Runner drives evaluations off the Redis wake-up list: every event
// emission pushes its execution id, the runner pops and evaluates. An
// idle re-poll of queued executions bounds scheduling latency when a
// signal is lost.
type Runner struct {
	evaluator   *Evaluator
	redis       *redisWrapper.Client
	credentials CredentialResolver
	executions  ExecutionLister
	wakeupList  string
	idlePoll    time.Duration
	logger      Logger
}

// RunnerOpts contains options for creating a broker runner
type RunnerOpts struct {
	Evaluator   *Evaluator
	Redis       *redisWrapper.Client
	Credentials CredentialResolver
	Executions  ExecutionLister
	WakeupList  string
	IdlePoll    time.Duration
	Logger      Logger
}

// idleSweepLimit bounds how many executions one idle sweep re-evaluates
const idleSweepLimit = 100

// NewRunner creates a broker runner
func NewRunner(opts *RunnerOpts) *Runner {
	idle := opts.IdlePoll
	if idle <= 0 {
		idle = 5 * time.Second
	}
	return &Runner{
		evaluator:   opts.Evaluator,
		redis:       opts.Redis,
		credentials: opts.Credentials,
		executions:  opts.Executions,
		wakeupList:  opts.WakeupList,
		idlePoll:    idle,
		logger:      opts.Logger,
	}
}

// ScheduleEvaluation requests an asynchronous evaluation via the wake-up list
func (r *Runner) ScheduleEvaluation(ctx context.Context, executionID string) error {
	return r.redis.PushWakeup(ctx, r.wakeupList, executionID)
}

// EvaluateNow runs evaluations synchronously until the execution stops
// advancing through synthetic events alone
func (r *Runner) EvaluateNow(ctx context.Context, executionID string) Outcome {
	outcome := r.evaluator.Evaluate(ctx, executionID)
	for outcome.Reevaluate {
		outcome = r.evaluator.Evaluate(ctx, executionID)
	}

	// terminal executions drop their credential cache scope
	if outcome.Kind == OutcomeTerminal && r.credentials != nil {
		if err := r.credentials.InvalidateExecution(ctx, executionID); err != nil {
			r.logger.Warn("credential invalidation failed",
				"execution_id", executionID, "error", err)
		}
	}
	return outcome
}

// sweepIdle evaluates every execution with no terminal marker. A failed
// PushWakeup otherwise leaves its execution stalled until this sweep.
func (r *Runner) sweepIdle(ctx context.Context) {
	if r.executions == nil {
		return
	}
	ids, err := r.executions.ListActiveExecutions(ctx, idleSweepLimit)
	if err != nil {
		r.logger.Warn("idle sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		outcome := r.EvaluateNow(ctx, id)
		if outcome.Kind == OutcomeInternalError {
			r.logger.Error("idle sweep evaluation failed",
				"execution_id", id,
				"error", outcome.Err)
		}
	}
}

// Start begins the runner main loop
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("broker runner starting", "wakeup_list", r.wakeupList)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("broker runner shutting down")
			return ctx.Err()
		default:
			executionID, err := r.redis.PopWakeup(ctx, r.wakeupList, r.idlePoll)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("failed to read wakeup signal", "error", err)
				time.Sleep(time.Second)
				continue
			}
			if executionID == "" {
				// idle timeout; re-evaluate executions whose wake-up
				// signal was lost
				r.sweepIdle(ctx)
				continue
			}

			// evaluations are independent per execution; run in parallel
			go func(id string) {
				outcome := r.EvaluateNow(ctx, id)
				if outcome.Kind == OutcomeInternalError {
					r.logger.Error("broker evaluation failed",
						"execution_id", id,
						"error", outcome.Err)
				}
			}(executionID)
		}
	}
}
