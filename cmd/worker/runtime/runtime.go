package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/noetl/noetl/cmd/worker/executor"
	"github.com/noetl/noetl/common/clients"
	"github.com/noetl/noetl/common/metrics"
	"github.com/noetl/noetl/common/models"
)

// Logger interface for runtime logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts contains options for creating a worker runtime
type Opts struct {
	WorkerID      string
	Server        *clients.ServerClient
	Registry      *executor.Registry
	Logger        Logger
	Metrics       *metrics.Metrics
	LeaseSeconds  int
	PollInterval  time.Duration
	ActionTimeout time.Duration
	Concurrency   int
}

// Runtime is the worker main loop: lease, execute, report. Leased jobs
// are heartbeated at half the lease interval until they finish.
type Runtime struct {
	workerID      string
	server        *clients.ServerClient
	registry      *executor.Registry
	logger        Logger
	metrics       *metrics.Metrics
	leaseSeconds  int
	pollInterval  time.Duration
	actionTimeout time.Duration
	slots         chan struct{}
}

// New creates a worker runtime
func New(opts *Opts) *Runtime {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	lease := opts.LeaseSeconds
	if lease <= 0 {
		lease = 60
	}
	return &Runtime{
		workerID:      opts.WorkerID,
		server:        opts.Server,
		registry:      opts.Registry,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		leaseSeconds:  lease,
		pollInterval:  poll,
		actionTimeout: opts.ActionTimeout,
		slots:         make(chan struct{}, concurrency),
	}
}

// Start begins leasing jobs until the context is cancelled
func (r *Runtime) Start(ctx context.Context) error {
	ctx = clients.WithWorkerID(ctx, r.workerID)
	r.logger.Info("worker starting",
		"worker_id", r.workerID,
		"concurrency", cap(r.slots),
		"action_types", r.registry.Types())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("worker stopping", "worker_id", r.workerID)
			return ctx.Err()
		case r.slots <- struct{}{}:
		}

		job, err := r.server.Lease(ctx, r.workerID, r.leaseSeconds)
		if err != nil {
			<-r.slots
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("lease failed", "error", err)
			sleep(ctx, r.pollInterval)
			continue
		}
		if job == nil {
			<-r.slots
			sleep(ctx, r.pollInterval)
			continue
		}

		go func(job *models.QueueJob) {
			defer func() { <-r.slots }()
			r.process(ctx, job)
		}(job)
	}
}

// process runs one leased job end to end
func (r *Runtime) process(ctx context.Context, job *models.QueueJob) {
	log := r.logger
	log.Info("job leased",
		"queue_id", job.QueueID,
		"execution_id", job.ExecutionID,
		"node_id", job.NodeID,
		"action_type", job.ActionType(),
		"attempt", job.Attempts)

	unwrapOpaque(job.Action)

	stopHeartbeat := r.startHeartbeat(ctx, job)
	defer stopHeartbeat()

	if err := r.emitStarted(ctx, job); err != nil {
		log.Warn("failed to emit action_started", "queue_id", job.QueueID, "error", err)
	}

	execCtx := ctx
	if r.actionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.actionTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := r.execute(execCtx, job)
	if r.metrics != nil {
		r.metrics.ActionSeconds.WithLabelValues(job.ActionType()).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		retry := !executor.IsFatal(err)
		log.Error("job failed",
			"queue_id", job.QueueID,
			"node_id", job.NodeID,
			"retry", retry,
			"error", err)
		if retry {
			// the retrying status keeps the event out of the broker's
			// failure early-stop; exhausted jobs fail through the server
			if emitErr := r.server.EmitEvent(ctx, retryEvent(r.workerID, job, err)); emitErr != nil {
				log.Warn("failed to emit retry event", "queue_id", job.QueueID, "error", emitErr)
			}
		}
		if failErr := r.server.Fail(ctx, job.QueueID, retry, 0, err.Error()); failErr != nil {
			log.Error("failed to report job failure", "queue_id", job.QueueID, "error", failErr)
		}
		return
	}

	if err := r.emitCompleted(ctx, job, result); err != nil {
		// without the completion event the broker cannot advance; leave the
		// lease to expire and retry the job
		log.Error("failed to emit completion event", "queue_id", job.QueueID, "error", err)
		return
	}

	if err := r.server.Complete(ctx, job.QueueID); err != nil {
		log.Error("failed to acknowledge job", "queue_id", job.QueueID, "error", err)
		return
	}

	log.Info("job completed",
		"queue_id", job.QueueID,
		"node_id", job.NodeID,
		"elapsed", time.Since(start))
}

func (r *Runtime) execute(ctx context.Context, job *models.QueueJob) (interface{}, error) {
	ex, err := r.registry.Resolve(job.ActionType())
	if err != nil {
		return nil, err
	}
	return ex.Execute(ctx, job)
}

// startHeartbeat extends the lease at half its interval until stopped
func (r *Runtime) startHeartbeat(ctx context.Context, job *models.QueueJob) func() {
	done := make(chan struct{})
	interval := time.Duration(r.leaseSeconds) * time.Second / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.server.Heartbeat(ctx, job.QueueID, r.workerID, r.leaseSeconds); err != nil {
					r.logger.Warn("heartbeat rejected",
						"queue_id", job.QueueID,
						"error", err)
					return
				}
			}
		}
	}()

	return func() { close(done) }
}

func (r *Runtime) emitStarted(ctx context.Context, job *models.QueueJob) error {
	ev := &models.Event{
		ExecutionID: job.ExecutionID,
		EventID:     fmt.Sprintf("%s-run-%s-a%d", job.ExecutionID, job.NodeID, job.Attempts),
		EventType:   models.EventActionStarted,
		Status:      string(models.StatusRunning),
		NodeID:      job.NodeID,
		NodeName:    stepName(job),
		NodeType:    "step",
		Metadata: map[string]interface{}{
			"worker_id": r.workerID,
			"queue_id":  job.QueueID,
			"attempt":   job.Attempts,
		},
	}
	applyLoopMeta(ev, job)
	return r.server.EmitEvent(ctx, ev)
}

func (r *Runtime) emitCompleted(ctx context.Context, job *models.QueueJob, result interface{}) error {
	ev := &models.Event{
		ExecutionID:  job.ExecutionID,
		EventID:      fmt.Sprintf("%s-done-%s", job.ExecutionID, job.NodeID),
		EventType:    models.EventActionCompleted,
		Status:       string(models.StatusCompleted),
		NodeID:       job.NodeID,
		NodeName:     stepName(job),
		NodeType:     "step",
		OutputResult: result,
		Metadata: map[string]interface{}{
			"worker_id": r.workerID,
			"queue_id":  job.QueueID,
		},
	}

	// offloaded aggregations complete with the same identity the broker
	// uses for inline aggregation, so both paths converge on one event
	if job.ActionType() == models.JobKindLoopAggregate {
		ev.EventID = fmt.Sprintf("%s-endloop-%s", job.ExecutionID, stepName(job))
		ev.NodeType = "end_loop"
		ev.LoopName, _ = job.InputContext["loop_name"].(string)
	}

	applyLoopMeta(ev, job)
	return r.server.EmitEvent(ctx, ev)
}

// retryEvent records a retryable attempt failure. Its status normalizes
// to pending, so the execution keeps running while the job retries.
func retryEvent(workerID string, job *models.QueueJob, execErr error) *models.Event {
	ev := &models.Event{
		ExecutionID: job.ExecutionID,
		EventID:     fmt.Sprintf("%s-fail-%s-a%d", job.ExecutionID, job.NodeID, job.Attempts),
		EventType:   models.EventActionError,
		Status:      "retrying",
		NodeID:      job.NodeID,
		NodeName:    stepName(job),
		NodeType:    "step",
		Error:       execErr.Error(),
		Metadata: map[string]interface{}{
			"worker_id": workerID,
			"queue_id":  job.QueueID,
			"attempt":   job.Attempts,
			"severity":  "warning",
		},
	}
	applyLoopMeta(ev, job)
	return ev
}

// applyLoopMeta copies the loop coordinates of an iteration job onto its
// events so the broker can match them back to the loop
func applyLoopMeta(ev *models.Event, job *models.QueueJob) {
	loop, ok := job.InputContext["_loop"].(map[string]interface{})
	if !ok {
		return
	}
	if v, ok := loop["loop_id"].(string); ok {
		ev.LoopID = v
	}
	if v, ok := loop["loop_name"].(string); ok {
		ev.LoopName = v
	}
	if v, ok := loop["iterator"].(string); ok {
		ev.Iterator = v
	}
	if v, ok := loop["current_index"]; ok {
		if idx, ok := toInt(v); ok {
			ev.CurrentIndex = &idx
		}
	}
	if v, ok := loop["current_item"]; ok {
		ev.CurrentItem = v
	}
}

func stepName(job *models.QueueJob) string {
	if name, ok := job.InputContext["step"].(string); ok {
		return name
	}
	return ""
}

// unwrapOpaque restores base64-wrapped payload fields (code, command,
// sql) the broker encoded to keep them template-inert
func unwrapOpaque(action map[string]interface{}) {
	for key, value := range action {
		if !strings.HasSuffix(key, "_b64") {
			continue
		}
		encoded, ok := value.(string)
		if !ok {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		action[strings.TrimSuffix(key, "_b64")] = string(decoded)
		delete(action, key)
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
