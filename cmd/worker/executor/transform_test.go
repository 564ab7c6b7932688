package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/common/models"
)

func TestTransformExecutorTemplate(t *testing.T) {
	ex := NewTransformExecutor(testLogger{})
	job := &models.QueueJob{
		Action: map[string]interface{}{
			"type": "transform",
			"template": map[string]interface{}{
				"greeting": "hello {{ city }}",
				"units":    "{{ with.units }}",
			},
		},
		InputContext: map[string]interface{}{
			"workload": map[string]interface{}{"city": "berlin"},
			"with":     map[string]interface{}{"units": "metric"},
		},
	}

	result, err := ex.Execute(context.Background(), job)
	require.NoError(t, err)

	payload := result.(map[string]interface{})
	assert.Equal(t, "hello berlin", payload["greeting"])
	assert.Equal(t, "metric", payload["units"])
}

func TestTransformExecutorExpr(t *testing.T) {
	ex := NewTransformExecutor(testLogger{})
	job := &models.QueueJob{
		Action: map[string]interface{}{
			"type": "transform",
			"expr": "{{ threshold * 2 }}",
		},
		InputContext: map[string]interface{}{
			"workload": map[string]interface{}{"threshold": 21},
		},
	}

	result, err := ex.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.EqualValues(t, 42, result)
}

func TestTransformExecutorIteratorBinding(t *testing.T) {
	ex := NewTransformExecutor(testLogger{})
	job := &models.QueueJob{
		Action: map[string]interface{}{
			"type": "transform",
			"expr": "{{ city }}",
		},
		InputContext: map[string]interface{}{
			"workload": map[string]interface{}{},
			"_loop": map[string]interface{}{
				"iterator":     "city",
				"current_item": "oslo",
			},
		},
	}

	result, err := ex.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "oslo", result)
}

func TestTransformExecutorUnboundReferenceIsFatal(t *testing.T) {
	ex := NewTransformExecutor(testLogger{})
	job := &models.QueueJob{
		Action: map[string]interface{}{
			"type": "transform",
			"expr": "{{ no_such_var }}",
		},
		InputContext: map[string]interface{}{},
	}

	_, err := ex.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestTransformExecutorPassThrough(t *testing.T) {
	ex := NewTransformExecutor(testLogger{})
	job := &models.QueueJob{
		Action: map[string]interface{}{"type": "transform"},
		InputContext: map[string]interface{}{
			"with": map[string]interface{}{"already": "rendered"},
		},
	}

	result, err := ex.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "rendered", result.(map[string]interface{})["already"])
}
