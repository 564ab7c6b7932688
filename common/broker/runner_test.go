package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/common/models"
)

// fakeExecutionLister serves a fixed id set
type fakeExecutionLister struct {
	ids   []string
	calls int
}

func (f *fakeExecutionLister) ListActiveExecutions(ctx context.Context, limit int) ([]string, error) {
	f.calls++
	return f.ids, nil
}

func TestRunnerIdleSweepRecoversLostWakeup(t *testing.T) {
	env := newBrokerEnv(t, linearPlaybook, nil)
	lister := &fakeExecutionLister{ids: []string{env.execID}}
	runner := NewRunner(&RunnerOpts{
		Evaluator:  env.evaluator,
		Executions: lister,
		Logger:     nopLogger{},
	})

	// no wake-up signal was ever delivered; the sweep alone advances
	runner.sweepIdle(context.Background())
	require.Len(t, env.queue.jobs, 1)
	assert.Equal(t, 1, lister.calls)

	env.completeJob(t, "ex1-step-1", "fetch", nil)
	runner.sweepIdle(context.Background())

	status, _, _ := models.SummarizeEvents(env.events.events)
	assert.Equal(t, models.StatusCompleted, status)
}

func TestRunnerIdleSweepWithoutListerIsNoop(t *testing.T) {
	env := newBrokerEnv(t, linearPlaybook, nil)
	runner := NewRunner(&RunnerOpts{Evaluator: env.evaluator, Logger: nopLogger{}})

	runner.sweepIdle(context.Background())
	assert.Empty(t, env.queue.jobs)
}
