package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/common/models"
)

func TestUnwrapOpaque(t *testing.T) {
	action := map[string]interface{}{
		"type":        "postgres",
		"command_b64": "U0VMRUNUIDE=",
	}

	unwrapOpaque(action)

	assert.Equal(t, "SELECT 1", action["command"])
	_, wrapped := action["command_b64"]
	assert.False(t, wrapped)
}

func TestUnwrapOpaqueIgnoresGarbage(t *testing.T) {
	action := map[string]interface{}{
		"code_b64": "not base64!!!",
		"sql_b64":  42,
	}

	unwrapOpaque(action)

	// undecodable fields stay untouched
	assert.Equal(t, "not base64!!!", action["code_b64"])
	assert.Equal(t, 42, action["sql_b64"])
}

func TestApplyLoopMeta(t *testing.T) {
	job := &models.QueueJob{
		InputContext: map[string]interface{}{
			"_loop": map[string]interface{}{
				"loop_id":       "ex1-loop-1",
				"loop_name":     "fan",
				"iterator":      "city",
				"current_index": float64(2),
				"current_item":  "paris",
			},
		},
	}

	ev := &models.Event{}
	applyLoopMeta(ev, job)

	assert.Equal(t, "ex1-loop-1", ev.LoopID)
	assert.Equal(t, "fan", ev.LoopName)
	assert.Equal(t, "city", ev.Iterator)
	require.NotNil(t, ev.CurrentIndex)
	assert.Equal(t, 2, *ev.CurrentIndex)
	assert.Equal(t, "paris", ev.CurrentItem)
}

func TestApplyLoopMetaWithoutLoop(t *testing.T) {
	ev := &models.Event{}
	applyLoopMeta(ev, &models.QueueJob{InputContext: map[string]interface{}{}})

	assert.Empty(t, ev.LoopID)
	assert.Nil(t, ev.CurrentIndex)
}

func TestToInt(t *testing.T) {
	cases := []struct {
		in   interface{}
		want int
		ok   bool
	}{
		{3, 3, true},
		{int64(7), 7, true},
		{float64(5), 5, true},
		{"9", 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := toInt(c.in)
		assert.Equal(t, c.ok, ok, "in=%v", c.in)
		assert.Equal(t, c.want, got, "in=%v", c.in)
	}
}

func TestStepName(t *testing.T) {
	job := &models.QueueJob{
		InputContext: map[string]interface{}{"step": "fetch"},
	}
	assert.Equal(t, "fetch", stepName(job))
	assert.Equal(t, "", stepName(&models.QueueJob{InputContext: map[string]interface{}{}}))
}

func TestRetryEventRecordsAttemptWithoutFailing(t *testing.T) {
	job := &models.QueueJob{
		QueueID:      7,
		ExecutionID:  "ex1",
		NodeID:       "ex1-step-1",
		Attempts:     2,
		InputContext: map[string]interface{}{"step": "fetch"},
	}

	ev := retryEvent("w1", job, errors.New("connection reset"))

	assert.Equal(t, "ex1-fail-ex1-step-1-a2", ev.EventID)
	assert.Equal(t, models.EventActionError, ev.EventType)
	// a retrying attempt must not trip the broker's failure early-stop
	assert.False(t, ev.IsFailed())
	assert.Equal(t, "fetch", ev.NodeName)
	assert.Equal(t, "connection reset", ev.Error)
	assert.Equal(t, 2, ev.Metadata["attempt"])
	assert.Equal(t, "w1", ev.Metadata["worker_id"])
}

func TestNewDefaults(t *testing.T) {
	r := New(&Opts{WorkerID: "w1", Logger: nil})

	assert.Equal(t, 60, r.leaseSeconds)
	assert.Equal(t, 1, cap(r.slots))
	assert.NotZero(t, r.pollInterval)
}
