package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/common/models"
)

func TestAggregateExecutorRendersTemplate(t *testing.T) {
	ex := NewAggregateExecutor(testLogger{})
	job := &models.QueueJob{
		ExecutionID: "ex1",
		Action:      map[string]interface{}{"type": "loop_aggregate"},
		InputContext: map[string]interface{}{
			"loop_name": "fan",
			"loop_results": []interface{}{
				map[string]interface{}{"temp": 10},
				map[string]interface{}{"temp": 30},
			},
			"result_template": map[string]interface{}{
				"reports": "{{ loop_results }}",
			},
		},
	}

	result, err := ex.Execute(context.Background(), job)
	require.NoError(t, err)

	payload := result.(map[string]interface{})
	reports := payload["reports"].([]interface{})
	require.Len(t, reports, 2)
	assert.Equal(t, 10, reports[0].(map[string]interface{})["temp"])
}

func TestAggregateExecutorDefaultsWithoutTemplate(t *testing.T) {
	ex := NewAggregateExecutor(testLogger{})
	job := &models.QueueJob{
		ExecutionID: "ex1",
		Action:      map[string]interface{}{"type": "loop_aggregate"},
		InputContext: map[string]interface{}{
			"loop_name":    "fan",
			"loop_results": []interface{}{"a", "b", "c"},
		},
	}

	result, err := ex.Execute(context.Background(), job)
	require.NoError(t, err)

	payload := result.(map[string]interface{})
	assert.Equal(t, 3, payload["count"])
	assert.Equal(t, []interface{}{"a", "b", "c"}, payload["results"])
}

func TestAggregateExecutorMissingResultsIsFatal(t *testing.T) {
	ex := NewAggregateExecutor(testLogger{})
	job := &models.QueueJob{
		ExecutionID:  "ex1",
		Action:       map[string]interface{}{"type": "loop_aggregate"},
		InputContext: map[string]interface{}{"loop_name": "fan"},
	}

	_, err := ex.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}
