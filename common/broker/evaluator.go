package broker

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noetl/noetl/common/catalog"
	"github.com/noetl/noetl/common/metrics"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
	"github.com/noetl/noetl/common/render"
	"github.com/noetl/noetl/common/repository"
	"github.com/noetl/noetl/common/runctx"
)

// Step config keys that are structural, not action parameters
var structuralKeys = map[string]struct{}{
	"step": {}, "name": {}, "type": {}, "description": {}, "task": {},
	"call": {}, "action": {}, "with": {}, "when": {}, "pass": {},
	"next": {}, "loop": {}, "end_loop": {},
}

// Parameters rendered in strict mode: they must be fully bound before a
// job is dispatched.
var strictParamKeys = map[string]struct{}{
	"auth": {}, "credentials": {}, "credential": {}, "dsn": {},
	"connection": {}, "connection_string": {},
}

// EvaluatorOpts configures a broker evaluator
type EvaluatorOpts struct {
	Events      EventStore
	Queue       JobQueue
	Workflow    Materializer
	Catalog     catalog.Catalog
	Credentials CredentialResolver
	Logger      Logger
	Metrics     *metrics.Metrics

	// InlineAggregationLimit caps the kept-iteration count for inline loop
	// aggregation; larger loops are reduced by a loop_aggregate job
	InlineAggregationLimit int
	DefaultMaxAttempts     int
}

// Evaluator is the stateless state-machine advancer. Given an execution's
// event history plus its playbook it decides the next actionable step(s),
// expands loops and emits dedup-guarded enqueues. Evaluate is idempotent:
// running it twice on the same event-log prefix enqueues nothing new.
type Evaluator struct {
	events      EventStore
	queue       JobQueue
	workflow    Materializer
	catalog     catalog.Catalog
	credentials CredentialResolver
	renderer    *render.Renderer
	logger      Logger
	metrics     *metrics.Metrics

	inlineAggregationLimit int
	defaultMaxAttempts     int
}

// NewEvaluator creates a broker evaluator
func NewEvaluator(opts *EvaluatorOpts) *Evaluator {
	limit := opts.InlineAggregationLimit
	if limit <= 0 {
		limit = 64
	}
	maxAttempts := opts.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Evaluator{
		events:                 opts.Events,
		queue:                  opts.Queue,
		workflow:               opts.Workflow,
		catalog:                opts.Catalog,
		credentials:            opts.Credentials,
		renderer:               render.NewRenderer(),
		logger:                 opts.Logger,
		metrics:                opts.Metrics,
		inlineAggregationLimit: limit,
		defaultMaxAttempts:     maxAttempts,
	}
}

// evalState carries the per-evaluation view of one execution
type evalState struct {
	executionID string
	pb          *playbook.Playbook
	events      []models.Event
	context     map[string]interface{}
	nameIndex   map[string]int
	// latest completed event per workflow step name
	completed map[string]*models.Event
}

// Evaluate advances one execution. All errors are caught and classified;
// the evaluator never panics across its boundary.
func (e *Evaluator) Evaluate(ctx context.Context, executionID string) (outcome Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			outcome = internalError(fmt.Errorf("evaluator panic: %v", r))
			e.logger.Error("broker evaluation panicked", "execution_id", executionID, "panic", r)
		}
		if e.metrics != nil {
			e.metrics.BrokerEvaluations.WithLabelValues(outcome.Kind.String()).Inc()
			e.metrics.EvaluationSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	outcome = e.evaluate(ctx, executionID)
	e.logger.Debug("broker evaluation finished",
		"execution_id", executionID,
		"outcome", outcome.String())
	return outcome
}

func (e *Evaluator) evaluate(ctx context.Context, executionID string) Outcome {
	execution, err := e.events.GetExecution(ctx, executionID)
	if err != nil {
		return internalError(fmt.Errorf("load execution: %w", err))
	}
	if execution == nil {
		return stalled("unknown execution")
	}

	events, err := e.events.ListEvents(ctx, executionID)
	if err != nil {
		return internalError(fmt.Errorf("load events: %w", err))
	}

	// early stop: any failed event halts scheduling for the execution
	for i := range events {
		if events[i].IsFailed() {
			return terminal(fmt.Sprintf("execution failed at %s", events[i].NodeName))
		}
	}

	entry, err := e.catalog.FetchEntry(ctx, execution.PlaybookPath, execution.PlaybookVer)
	if err != nil {
		return internalError(fmt.Errorf("fetch playbook: %w", err))
	}
	pb, err := playbook.Parse([]byte(entry.Content))
	if err != nil {
		return internalError(fmt.Errorf("parse playbook: %w", err))
	}

	// materialization is best-effort introspection, never blocks progress
	if e.workflow != nil {
		if err := e.workflow.Materialize(ctx, executionID, pb); err != nil {
			e.logger.Warn("workflow materialization failed", "execution_id", executionID, "error", err)
		}
	}

	st := &evalState{
		executionID: executionID,
		pb:          pb,
		events:      events,
		context:     runctx.Build(events, pb, nil),
		nameIndex:   pb.IndexByName(),
		completed:   completedSteps(events, pb),
	}

	step, transitionWith, from := e.selectNext(st)
	if step == nil {
		return e.completeExecution(ctx, st, "end of workflow")
	}

	return e.dispatch(ctx, st, step, transitionWith, from)
}

// completedSteps maps workflow step names to their latest completed event.
// Iteration completions do not mark the body step done; the loop engine
// tracks those separately.
func completedSteps(events []models.Event, pb *playbook.Playbook) map[string]*models.Event {
	index := pb.IndexByName()
	done := make(map[string]*models.Event)
	for i := range events {
		ev := &events[i]
		if !ev.IsCompleted() {
			continue
		}
		if _, isStep := index[ev.NodeName]; !isStep {
			continue
		}
		if models.IsIterationNode(ev.NodeID) {
			continue
		}
		done[ev.NodeName] = ev
	}
	return done
}

// selectNext picks the next candidate step: the last completed step's
// transitions first, positional order as fallback. Already-completed
// candidates are stepped over so repeated evaluations converge.
func (e *Evaluator) selectNext(st *evalState) (*playbook.Step, map[string]interface{}, string) {
	var cur *playbook.Step

	if last := e.lastCompleted(st); last != nil {
		cur = last
	} else if len(st.pb.Workflow) > 0 {
		first := st.pb.Workflow[0]
		if _, done := st.completed[first.Name]; !done {
			return first, nil, ""
		}
		cur = first
	} else {
		return nil, nil, ""
	}

	// walk transitions until an incomplete step is found
	for range st.pb.Workflow {
		next, with := e.chooseTransition(st, cur)
		if next == nil {
			return nil, nil, ""
		}
		if _, done := st.completed[next.Name]; !done {
			return next, with, cur.Name
		}
		cur = next
	}

	return nil, nil, ""
}

// lastCompleted returns the playbook step of the latest completed event
func (e *Evaluator) lastCompleted(st *evalState) *playbook.Step {
	var latest *models.Event
	for _, ev := range st.completed {
		if latest == nil || ev.CreatedAt.After(latest.CreatedAt) ||
			(ev.CreatedAt.Equal(latest.CreatedAt) && ev.InsertRank > latest.InsertRank) {
			latest = ev
		}
	}
	if latest == nil {
		return nil
	}
	return st.pb.StepByName(latest.NodeName)
}

// chooseTransition evaluates a step's next cases in order; the first true
// when wins, an else entry matches when no when did. Without a next list
// the positional fallback is the count of distinct completed steps.
func (e *Evaluator) chooseTransition(st *evalState, cur *playbook.Step) (*playbook.Step, map[string]interface{}) {
	if len(cur.Next) > 0 {
		var elseTargets []playbook.NextTarget
		for _, c := range cur.Next {
			if len(c.Else) > 0 && elseTargets == nil {
				elseTargets = c.Else
			}
			if len(c.Then) == 0 {
				continue
			}
			if c.When == "" {
				return st.pb.StepByName(c.Then[0].Step), c.Then[0].With
			}
			ok, err := e.renderer.EvalBool(c.When, st.context, render.Lenient)
			if err != nil {
				e.logger.Warn("transition condition failed",
					"execution_id", st.executionID, "step", cur.Name, "condition", c.When, "error", err)
				continue
			}
			if ok {
				return st.pb.StepByName(c.Then[0].Step), c.Then[0].With
			}
		}
		if elseTargets != nil {
			return st.pb.StepByName(elseTargets[0].Step), elseTargets[0].With
		}
		return nil, nil
	}

	idx := len(st.completed)
	if idx < len(st.pb.Workflow) && st.pb.Workflow[idx] != cur {
		return st.pb.Workflow[idx], nil
	}
	// count-based position landed on the current step (loop bodies finish
	// through iterations, not step completions); move past it instead
	if next := st.nameIndex[cur.Name] + 1; next < len(st.pb.Workflow) {
		return st.pb.Workflow[next], nil
	}
	return nil, nil
}

// dispatch routes the candidate step by kind. when is checked before
// pass; a false when wins when both are present.
func (e *Evaluator) dispatch(ctx context.Context, st *evalState, step *playbook.Step, transitionWith map[string]interface{}, from string) Outcome {
	for hops := 0; step != nil && hops <= len(st.pb.Workflow); hops++ {
		stepIndex := st.nameIndex[step.Name]
		nodeID := models.StepNodeID(st.executionID, stepIndex)

		if step.When != "" {
			ok, _ := e.renderer.EvalBool(step.When, st.context, render.Lenient)
			if !ok {
				if out := e.skipStep(ctx, st, step, nodeID, "when=false"); out != nil {
					return *out
				}
				next, with := e.chooseTransition(st, step)
				step, transitionWith, from = next, with, step.Name
				continue
			}
		}

		if truthyPass(e.renderer, step.Pass, st.context) {
			if out := e.skipStep(ctx, st, step, nodeID, "pass=true"); out != nil {
				return *out
			}
			next, with := e.chooseTransition(st, step)
			step, transitionWith, from = next, with, step.Name
			continue
		}

		switch {
		case step.Loop != nil:
			return e.evaluateLoop(ctx, st, step)
		case step.EndLoop != nil:
			return e.evaluateEndLoop(ctx, st, step)
		case step.IsControl():
			if out := e.skipStep(ctx, st, step, nodeID, "control_step"); out != nil {
				return *out
			}
			if step.Type == "end" {
				return e.completeExecution(ctx, st, "workflow complete")
			}
			return advanced(nodeID, "control_step")
		default:
			return e.enqueueStep(ctx, st, step, nodeID, transitionWith, from)
		}
	}

	return stalled("no dispatchable step")
}

// completeExecution closes a finished workflow with an idempotent terminal
// event. Playbooks without an explicit end step finish here when no
// transition leads anywhere new.
func (e *Evaluator) completeExecution(ctx context.Context, st *evalState, reason string) Outcome {
	ev := &models.Event{
		ExecutionID: st.executionID,
		EventID:     fmt.Sprintf("%s-complete", st.executionID),
		EventType:   models.EventExecutionComplete,
		Status:      string(models.StatusCompleted),
		NodeName:    "execution",
		NodeType:    "execution",
	}
	if err := e.events.Emit(ctx, ev); err != nil {
		return internalError(fmt.Errorf("emit execution completion: %w", err))
	}
	return terminal(reason)
}

// skipStep emits the synthetic completion for a skipped step. A non-nil
// return is a hard outcome (emit failure).
func (e *Evaluator) skipStep(ctx context.Context, st *evalState, step *playbook.Step, nodeID, reason string) *Outcome {
	ev := &models.Event{
		ExecutionID: st.executionID,
		EventID:     fmt.Sprintf("%s-skip-%s", st.executionID, step.Name),
		EventType:   models.EventActionCompleted,
		Status:      string(models.StatusCompleted),
		NodeID:      nodeID,
		NodeName:    step.Name,
		NodeType:    stepNodeType(step),
		OutputResult: map[string]interface{}{
			"skipped": true,
			"reason":  reason,
		},
	}
	if err := e.events.Emit(ctx, ev); err != nil {
		out := internalError(fmt.Errorf("emit skip event for %s: %w", step.Name, err))
		return &out
	}
	st.completed[step.Name] = ev
	e.logger.Debug("step skipped", "execution_id", st.executionID, "step", step.Name, "reason", reason)
	return nil
}

// enqueueStep resolves the step's action and enqueues exactly one job,
// guarded by the active-job and completed-event checks.
func (e *Evaluator) enqueueStep(ctx context.Context, st *evalState, step *playbook.Step, nodeID string, transitionWith map[string]interface{}, from string) Outcome {
	active, err := e.queue.HasActive(ctx, st.executionID, nodeID)
	if err != nil {
		return internalError(fmt.Errorf("check active job: %w", err))
	}
	if active {
		return stalled(fmt.Sprintf("job already active for %s", step.Name))
	}

	action, baseWith, err := e.resolveAction(st.pb, step)
	if err != nil {
		e.recordNodeError(ctx, st, step, nodeID, err)
		return terminal(fmt.Sprintf("unresolvable action for %s", step.Name))
	}

	inputContext, err := e.buildJobInput(ctx, st, step, baseWith, transitionWith)
	if err != nil {
		e.recordNodeError(ctx, st, step, nodeID, err)
		return terminal(fmt.Sprintf("render failure for %s", step.Name))
	}

	queueID, err := e.queue.Enqueue(ctx, repository.EnqueueParams{
		ExecutionID:  st.executionID,
		NodeID:       nodeID,
		Action:       wrapOpaque(action),
		InputContext: inputContext,
		MaxAttempts:  e.defaultMaxAttempts,
	})
	if err != nil {
		return internalError(fmt.Errorf("enqueue %s: %w", step.Name, err))
	}
	if e.metrics != nil {
		e.metrics.JobsEnqueued.Inc()
	}

	if e.workflow != nil && from != "" {
		if err := e.workflow.UpsertTransition(ctx, &models.TransitionRow{
			ExecutionID: st.executionID,
			FromStep:    from,
			ToStep:      step.Name,
			Condition:   transitionCondition(st.pb.StepByName(from), step.Name),
			WithParams:  transitionWith,
		}); err != nil {
			e.logger.Warn("transition audit failed", "execution_id", st.executionID, "error", err)
		}
	}

	e.logger.Info("step enqueued",
		"execution_id", st.executionID,
		"step", step.Name,
		"node_id", nodeID,
		"queue_id", queueID)

	return scheduled(nodeID, "enqueued")
}

// resolveAction builds the executor action spec for a step: inline action
// first, then the referenced workbook task, then the step's own config.
func (e *Evaluator) resolveAction(pb *playbook.Playbook, step *playbook.Step) (map[string]interface{}, map[string]interface{}, error) {
	if len(step.Action) > 0 {
		action := cloneMap(step.Action)
		if _, ok := action["type"]; !ok && step.Type != "" {
			action["type"] = step.Type
		}
		return action, nil, nil
	}

	taskName := step.Task
	if taskName == "" {
		taskName = step.Call
	}
	if taskName != "" {
		task := pb.TaskByName(taskName)
		if task == nil {
			return nil, nil, fmt.Errorf("unknown workbook task %q", taskName)
		}
		action := cloneMap(task.Config)
		delete(action, "name")
		delete(action, "with")
		action["type"] = task.Type
		action["task"] = task.Name
		return action, task.With, nil
	}

	if step.Type != "" {
		action := map[string]interface{}{"type": step.Type}
		for k, v := range step.Raw {
			if _, structural := structuralKeys[k]; !structural {
				action[k] = v
			}
		}
		return action, nil, nil
	}

	return nil, nil, fmt.Errorf("step %q has no action, task or type", step.Name)
}

// buildJobInput merges with-parameters (workbook defaults, step overrides,
// transition vars) and renders them plus the workload in a pre-context
// carrying env and the job uuid. Connection/auth parameters render strict,
// and string-valued credential references resolve through the store.
func (e *Evaluator) buildJobInput(ctx context.Context, st *evalState, step *playbook.Step, baseWith, transitionWith map[string]interface{}) (map[string]interface{}, error) {
	merged := map[string]interface{}{}
	for _, layer := range []map[string]interface{}{baseWith, step.With, transitionWith} {
		for k, v := range layer {
			merged[k] = v
		}
	}

	jobUUID := uuid.New().String()
	preContext := cloneMap(st.context)
	preContext["env"] = envMap()
	preContext["job"] = map[string]interface{}{"uuid": jobUUID}

	renderedWith := make(map[string]interface{}, len(merged))
	for k, v := range merged {
		mode := render.Lenient
		if _, strict := strictParamKeys[k]; strict {
			mode = render.Strict
		}
		rendered, err := e.renderer.RenderValue(v, preContext, mode)
		if err != nil {
			return nil, fmt.Errorf("render with.%s: %w", k, err)
		}
		renderedWith[k] = rendered
	}

	if err := e.resolveCredentials(ctx, st.executionID, renderedWith); err != nil {
		return nil, err
	}

	workload, _ := st.context["workload"].(map[string]interface{})
	renderedWorkload, err := e.renderer.RenderValue(cloneMap(workload), preContext, render.Lenient)
	if err != nil {
		return nil, fmt.Errorf("render workload: %w", err)
	}

	return map[string]interface{}{
		"workload": renderedWorkload,
		"with":     renderedWith,
		"step":     step.Name,
		"job":      map[string]interface{}{"uuid": jobUUID},
	}, nil
}

// resolveCredentials replaces string-valued credential references with the
// fetched payload under the auth key. Payload values are never logged.
func (e *Evaluator) resolveCredentials(ctx context.Context, executionID string, with map[string]interface{}) error {
	if e.credentials == nil {
		return nil
	}
	for _, key := range []string{"credentials", "credential"} {
		ref, ok := with[key].(string)
		if !ok || ref == "" {
			continue
		}
		payload, err := e.credentials.Fetch(ctx, executionID, ref)
		if err != nil {
			return fmt.Errorf("resolve credential %q: %w", ref, err)
		}
		delete(with, key)
		with["auth"] = payload
	}
	return nil
}

func (e *Evaluator) recordNodeError(ctx context.Context, st *evalState, step *playbook.Step, nodeID string, cause error) {
	ev := &models.Event{
		ExecutionID: st.executionID,
		EventID:     fmt.Sprintf("%s-error-%s", st.executionID, step.Name),
		EventType:   models.EventActionError,
		Status:      string(models.StatusFailed),
		NodeID:      nodeID,
		NodeName:    step.Name,
		NodeType:    stepNodeType(step),
		Error:       cause.Error(),
	}
	if err := e.events.Emit(ctx, ev); err != nil {
		e.logger.Error("failed to record node error",
			"execution_id", st.executionID, "step", step.Name, "error", err)
	}
}

// truthyPass renders the pass attribute; when is already handled by the
// caller, so a bare true here skips the step.
func truthyPass(r *render.Renderer, pass interface{}, context map[string]interface{}) bool {
	switch v := pass.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		ok, err := r.EvalBool(v, context, render.Lenient)
		return err == nil && ok
	default:
		return render.Truthy(v)
	}
}

func transitionCondition(from *playbook.Step, to string) string {
	if from == nil {
		return ""
	}
	for _, c := range from.Next {
		for _, t := range c.Then {
			if t.Step == to {
				return c.When
			}
		}
		for _, t := range c.Else {
			if t.Step == to {
				return "else"
			}
		}
	}
	return ""
}

func stepNodeType(step *playbook.Step) string {
	if step.Type != "" {
		return step.Type
	}
	if step.Loop != nil {
		return "loop"
	}
	if step.EndLoop != nil {
		return "end_loop"
	}
	return "task"
}

// wrapOpaque base64-wraps opaque code and SQL payloads so the queue row
// stays greppable and shell-safe
func wrapOpaque(action map[string]interface{}) map[string]interface{} {
	wrapped := cloneMap(action)
	for _, key := range []string{"code", "command", "sql"} {
		if raw, ok := wrapped[key].(string); ok {
			wrapped[key+"_b64"] = base64.StdEncoding.EncodeToString([]byte(raw))
			delete(wrapped, key)
		}
	}
	return wrapped
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func envMap() map[string]interface{} {
	env := map[string]interface{}{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
