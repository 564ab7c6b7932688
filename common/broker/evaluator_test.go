package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/common/catalog"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
)

// fakeEventStore is an in-memory event log with upsert-by-id semantics
type fakeEventStore struct {
	execution *models.Execution
	events    []models.Event
	rank      int64
}

func (f *fakeEventStore) Emit(ctx context.Context, ev *models.Event) error {
	for i := range f.events {
		if f.events[i].EventID == ev.EventID {
			f.events[i].Status = ev.Status
			f.events[i].OutputResult = ev.OutputResult
			f.events[i].Error = ev.Error
			return nil
		}
	}
	f.rank++
	stored := *ev
	stored.InsertRank = f.rank
	stored.CreatedAt = time.Unix(1700000000, 0).Add(time.Duration(f.rank) * time.Second)
	f.events = append(f.events, stored)
	return nil
}

func (f *fakeEventStore) ListEvents(ctx context.Context, executionID string) ([]models.Event, error) {
	out := make([]models.Event, len(f.events))
	copy(out, f.events)
	return out, nil
}

func (f *fakeEventStore) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	return f.execution, nil
}

func (f *fakeEventStore) byID(eventID string) *models.Event {
	for i := range f.events {
		if f.events[i].EventID == eventID {
			return &f.events[i]
		}
	}
	return nil
}

// fakeJobQueue records enqueues and mimics the active-row dedup guard
type fakeJobQueue struct {
	jobs   []repository.EnqueueParams
	active map[string]bool
	nextID int64
}

func newFakeJobQueue() *fakeJobQueue {
	return &fakeJobQueue{active: make(map[string]bool)}
}

func (f *fakeJobQueue) Enqueue(ctx context.Context, p repository.EnqueueParams) (int64, error) {
	key := p.ExecutionID + "/" + p.NodeID
	if f.active[key] {
		return f.nextID, nil
	}
	f.active[key] = true
	f.jobs = append(f.jobs, p)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeJobQueue) HasActive(ctx context.Context, executionID, nodeID string) (bool, error) {
	return f.active[executionID+"/"+nodeID], nil
}

func (f *fakeJobQueue) finish(executionID, nodeID string) {
	delete(f.active, executionID+"/"+nodeID)
}

func (f *fakeJobQueue) byNode(nodeID string) *repository.EnqueueParams {
	for i := range f.jobs {
		if f.jobs[i].NodeID == nodeID {
			return &f.jobs[i]
		}
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Info(msg string, kv ...interface{})  {}
func (nopLogger) Error(msg string, kv ...interface{}) {}
func (nopLogger) Warn(msg string, kv ...interface{})  {}
func (nopLogger) Debug(msg string, kv ...interface{}) {}

// brokerEnv bundles one execution under test
type brokerEnv struct {
	evaluator *Evaluator
	events    *fakeEventStore
	queue     *fakeJobQueue
	execID    string
}

func newBrokerEnv(t *testing.T, playbookYAML string, workload map[string]interface{}) *brokerEnv {
	t.Helper()

	mem := catalog.NewMemoryCatalog()
	mem.Register(&catalog.Entry{Path: "test/pb", Version: "1", Content: playbookYAML})

	execID := "ex1"
	events := &fakeEventStore{
		execution: &models.Execution{
			ExecutionID:  execID,
			PlaybookPath: "test/pb",
			PlaybookVer:  "1",
			Workload:     workload,
		},
	}
	require.NoError(t, events.Emit(context.Background(), &models.Event{
		ExecutionID:  execID,
		EventID:      execID + "-start",
		EventType:    models.EventExecutionStart,
		Status:       string(models.StatusRunning),
		NodeName:     "execution",
		InputContext: map[string]interface{}{"workload": workload},
	}))

	queue := newFakeJobQueue()
	evaluator := NewEvaluator(&EvaluatorOpts{
		Events:  events,
		Queue:   queue,
		Catalog: mem,
		Logger:  nopLogger{},
	})

	return &brokerEnv{evaluator: evaluator, events: events, queue: queue, execID: execID}
}

// run evaluates until the execution stops advancing via synthetic events
func (env *brokerEnv) run(t *testing.T) Outcome {
	t.Helper()
	outcome := env.evaluator.Evaluate(context.Background(), env.execID)
	for i := 0; outcome.Reevaluate; i++ {
		require.Less(t, i, 20, "evaluation did not converge")
		outcome = env.evaluator.Evaluate(context.Background(), env.execID)
	}
	return outcome
}

// completeJob simulates a worker finishing a job
func (env *brokerEnv) completeJob(t *testing.T, nodeID, stepName string, result map[string]interface{}) {
	t.Helper()
	require.NoError(t, env.events.Emit(context.Background(), &models.Event{
		ExecutionID:  env.execID,
		EventID:      fmt.Sprintf("%s-done-%s", env.execID, nodeID),
		EventType:    models.EventActionCompleted,
		Status:       string(models.StatusCompleted),
		NodeID:       nodeID,
		NodeName:     stepName,
		OutputResult: result,
	}))
	env.queue.finish(env.execID, nodeID)
}

const linearPlaybook = `
workflow:
  - step: start
    type: start
    next: [fetch]
  - step: fetch
    type: http
    with:
      url: "http://api.internal/data"
    next: [end]
  - step: end
    type: end
`

func TestEvaluatorLinearWorkflow(t *testing.T) {
	env := newBrokerEnv(t, linearPlaybook, map[string]interface{}{"region": "eu"})

	outcome := env.run(t)
	require.Equal(t, OutcomeScheduled, outcome.Kind)
	require.Len(t, env.queue.jobs, 1)

	job := env.queue.jobs[0]
	assert.Equal(t, "ex1-step-1", job.NodeID)
	assert.Equal(t, "http", job.Action["type"])
	assert.Equal(t, "fetch", job.InputContext["step"])
	with := job.InputContext["with"].(map[string]interface{})
	assert.Equal(t, "http://api.internal/data", with["url"])

	// the start step completed synthetically
	skip := env.events.byID("ex1-skip-start")
	require.NotNil(t, skip)
	assert.True(t, skip.IsCompleted())

	env.completeJob(t, "ex1-step-1", "fetch", map[string]interface{}{"rows": 3})

	outcome = env.run(t)
	assert.Equal(t, OutcomeTerminal, outcome.Kind)
	assert.Contains(t, outcome.Reason, "workflow complete")
	assert.Len(t, env.queue.jobs, 1)
}

func TestEvaluatorIdempotentReEvaluation(t *testing.T) {
	env := newBrokerEnv(t, linearPlaybook, nil)

	env.run(t)
	require.Len(t, env.queue.jobs, 1)

	// repeated evaluations of the same prefix enqueue nothing new
	for i := 0; i < 3; i++ {
		outcome := env.run(t)
		assert.Equal(t, OutcomeStalled, outcome.Kind)
	}
	assert.Len(t, env.queue.jobs, 1)
}

func TestEvaluatorUnknownExecutionStalls(t *testing.T) {
	env := newBrokerEnv(t, linearPlaybook, nil)
	env.events.execution = nil

	outcome := env.evaluator.Evaluate(context.Background(), "ghost")
	assert.Equal(t, OutcomeStalled, outcome.Kind)
}

func TestEvaluatorFailureHaltsScheduling(t *testing.T) {
	env := newBrokerEnv(t, linearPlaybook, nil)
	env.run(t)

	require.NoError(t, env.events.Emit(context.Background(), &models.Event{
		ExecutionID: env.execID,
		EventID:     "ex1-error-fetch",
		EventType:   models.EventActionError,
		Status:      string(models.StatusFailed),
		NodeID:      "ex1-step-1",
		NodeName:    "fetch",
		Error:       "connection refused",
	}))
	env.queue.finish(env.execID, "ex1-step-1")

	outcome := env.run(t)
	assert.Equal(t, OutcomeTerminal, outcome.Kind)
	assert.Contains(t, outcome.Reason, "failed")
	assert.Len(t, env.queue.jobs, 1)
}

const branchingPlaybook = `
workflow:
  - step: start
    type: start
    next: [decide]
  - step: decide
    type: transform
    action:
      type: transform
      expr: "{{ work.route }}"
    next:
      - when: "{{ work.route == 'a' }}"
        then: [path_a]
      - else: [path_b]
  - step: path_a
    type: http
    next: [end]
  - step: path_b
    type: http
    next: [end]
  - step: end
    type: end
`

func TestEvaluatorConditionalBranch(t *testing.T) {
	env := newBrokerEnv(t, branchingPlaybook, map[string]interface{}{"route": "b"})

	env.run(t)
	env.completeJob(t, "ex1-step-1", "decide", map[string]interface{}{"route": "b"})

	outcome := env.run(t)
	require.Equal(t, OutcomeScheduled, outcome.Kind)

	// the else branch was selected
	assert.NotNil(t, env.queue.byNode("ex1-step-3"))
	assert.Nil(t, env.queue.byNode("ex1-step-2"))
}

func TestEvaluatorConditionalBranchThen(t *testing.T) {
	env := newBrokerEnv(t, branchingPlaybook, map[string]interface{}{"route": "a"})

	env.run(t)
	env.completeJob(t, "ex1-step-1", "decide", map[string]interface{}{"route": "a"})

	env.run(t)
	assert.NotNil(t, env.queue.byNode("ex1-step-2"))
	assert.Nil(t, env.queue.byNode("ex1-step-3"))
}

const gatedPlaybook = `
workflow:
  - step: start
    type: start
    next: [maybe]
  - step: maybe
    type: http
    when: "{{ work.enabled }}"
    next: [end]
  - step: end
    type: end
`

func TestEvaluatorWhenFalseSkipsStep(t *testing.T) {
	env := newBrokerEnv(t, gatedPlaybook, map[string]interface{}{"enabled": false})

	outcome := env.run(t)
	assert.Equal(t, OutcomeTerminal, outcome.Kind)

	// no work was enqueued, the skip completed synthetically
	assert.Empty(t, env.queue.jobs)
	skip := env.events.byID("ex1-skip-maybe")
	require.NotNil(t, skip)
	assert.True(t, skip.IsCompleted())
	result := skip.OutputResult.(map[string]interface{})
	assert.Equal(t, true, result["skipped"])
}

func TestEvaluatorWhenTrueRunsStep(t *testing.T) {
	env := newBrokerEnv(t, gatedPlaybook, map[string]interface{}{"enabled": true})

	outcome := env.run(t)
	assert.Equal(t, OutcomeScheduled, outcome.Kind)
	assert.NotNil(t, env.queue.byNode("ex1-step-1"))
}

const passPlaybook = `
workflow:
  - step: start
    type: start
    next: [skipped]
  - step: skipped
    type: http
    pass: true
    next: [end]
  - step: end
    type: end
`

func TestEvaluatorPassSkipsStep(t *testing.T) {
	env := newBrokerEnv(t, passPlaybook, nil)

	outcome := env.run(t)
	assert.Equal(t, OutcomeTerminal, outcome.Kind)
	assert.Empty(t, env.queue.jobs)
	assert.NotNil(t, env.events.byID("ex1-skip-skipped"))
}

const workbookPlaybook = `
workflow:
  - step: start
    type: start
    next: [fetch]
  - step: fetch
    task: get_data
    with:
      region: "{{ work.region }}"
    next: [end]
  - step: end
    type: end
workbook:
  - name: get_data
    type: http
    url: "http://api.internal/data"
    with:
      units: metric
`

func TestEvaluatorWorkbookTaskResolution(t *testing.T) {
	env := newBrokerEnv(t, workbookPlaybook, map[string]interface{}{"region": "eu"})

	env.run(t)
	job := env.queue.byNode("ex1-step-1")
	require.NotNil(t, job)

	assert.Equal(t, "http", job.Action["type"])
	assert.Equal(t, "get_data", job.Action["task"])
	assert.Equal(t, "http://api.internal/data", job.Action["url"])

	// workbook defaults merge under step overrides, templates render
	with := job.InputContext["with"].(map[string]interface{})
	assert.Equal(t, "metric", with["units"])
	assert.Equal(t, "eu", with["region"])
}

const sqlPlaybook = `
workflow:
  - step: start
    type: start
    next: [store]
  - step: store
    type: postgres
    action:
      type: postgres
      command: "INSERT INTO t VALUES (1)"
    next: [end]
  - step: end
    type: end
`

func TestEvaluatorWrapsOpaquePayloads(t *testing.T) {
	env := newBrokerEnv(t, sqlPlaybook, nil)

	env.run(t)
	job := env.queue.byNode("ex1-step-1")
	require.NotNil(t, job)

	// raw SQL is base64-wrapped on the queue row
	_, hasRaw := job.Action["command"]
	assert.False(t, hasRaw)
	assert.Equal(t, "SU5TRVJUIElOVE8gdCBWQUxVRVMgKDEp", job.Action["command_b64"])
}

// fakeCredentialStore resolves keys from a fixed map and counts scope drops
type fakeCredentialStore struct {
	payloads    map[string]map[string]interface{}
	invalidated []string
}

func (f *fakeCredentialStore) Fetch(ctx context.Context, executionID, key string) (map[string]interface{}, error) {
	payload, ok := f.payloads[key]
	if !ok {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return payload, nil
}

func (f *fakeCredentialStore) InvalidateExecution(ctx context.Context, executionID string) error {
	f.invalidated = append(f.invalidated, executionID)
	return nil
}

const credentialPlaybook = `
workflow:
  - step: start
    type: start
    next: [store]
  - step: store
    type: postgres
    action:
      type: postgres
      command: "SELECT 1"
    with:
      credentials: pg-main
    next: [end]
  - step: end
    type: end
`

func TestEvaluatorResolvesCredentialReference(t *testing.T) {
	env := newBrokerEnv(t, credentialPlaybook, nil)
	creds := &fakeCredentialStore{payloads: map[string]map[string]interface{}{
		"pg-main": {"dsn": "postgres://app:secret@db/app"},
	}}
	env.evaluator.credentials = creds

	env.run(t)
	job := env.queue.byNode("ex1-step-1")
	require.NotNil(t, job)

	with := job.InputContext["with"].(map[string]interface{})
	_, hasRef := with["credentials"]
	assert.False(t, hasRef)
	auth := with["auth"].(map[string]interface{})
	assert.Equal(t, "postgres://app:secret@db/app", auth["dsn"])
}

func TestEvaluatorUnresolvableCredentialFailsStep(t *testing.T) {
	env := newBrokerEnv(t, credentialPlaybook, nil)
	env.evaluator.credentials = &fakeCredentialStore{payloads: map[string]map[string]interface{}{}}

	outcome := env.run(t)
	assert.Equal(t, OutcomeTerminal, outcome.Kind)
	assert.Empty(t, env.queue.jobs)

	// configuration errors surface as a failed node event, not a retry
	errEvent := env.events.byID("ex1-error-store")
	require.NotNil(t, errEvent)
	assert.Contains(t, errEvent.Error, "pg-main")
}

const noEndPlaybook = `
workflow:
  - step: start
    type: start
    next: [fetch]
  - step: fetch
    type: http
    with:
      url: "http://api.internal/data"
`

func TestEvaluatorCompletesWorkflowWithoutEndStep(t *testing.T) {
	env := newBrokerEnv(t, noEndPlaybook, nil)

	env.run(t)
	require.Len(t, env.queue.jobs, 1)
	env.completeJob(t, "ex1-step-1", "fetch", map[string]interface{}{"rows": 1})

	outcome := env.run(t)
	assert.Equal(t, OutcomeTerminal, outcome.Kind)
	assert.Contains(t, outcome.Reason, "end of workflow")

	// the terminal event closes the summary even without an end step
	require.NotNil(t, env.events.byID("ex1-complete"))
	status, _, _ := models.SummarizeEvents(env.events.events)
	assert.Equal(t, models.StatusCompleted, status)

	// converged: re-evaluation upserts the same terminal event
	count := len(env.events.events)
	outcome = env.run(t)
	assert.Equal(t, OutcomeTerminal, outcome.Kind)
	assert.Len(t, env.events.events, count)
}

func TestEvaluatorRetryableErrorDoesNotHaltExecution(t *testing.T) {
	env := newBrokerEnv(t, linearPlaybook, nil)
	env.run(t)
	require.Len(t, env.queue.jobs, 1)

	// a worker reports a retryable attempt failure; the job stays active
	require.NoError(t, env.events.Emit(context.Background(), &models.Event{
		ExecutionID: env.execID,
		EventID:     "ex1-fail-ex1-step-1-a1",
		EventType:   models.EventActionError,
		Status:      "retrying",
		NodeID:      "ex1-step-1",
		NodeName:    "fetch",
		Error:       "connection reset",
	}))

	outcome := env.run(t)
	assert.Equal(t, OutcomeStalled, outcome.Kind)
	assert.Len(t, env.queue.jobs, 1)

	env.completeJob(t, "ex1-step-1", "fetch", map[string]interface{}{"rows": 2})
	outcome = env.run(t)
	assert.Equal(t, OutcomeTerminal, outcome.Kind)

	// both the attempt failure and the completion stay on the log
	assert.NotNil(t, env.events.byID("ex1-fail-ex1-step-1-a1"))
	assert.NotNil(t, env.events.byID("ex1-done-ex1-step-1"))
	status, _, errMsg := models.SummarizeEvents(env.events.events)
	assert.Equal(t, models.StatusCompleted, status)
	assert.Empty(t, errMsg)
}
