package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueRequestBindsAvailableAt(t *testing.T) {
	body := `{
		"execution_id": "ex1",
		"node_id": "ex1-step-1",
		"action": {"type": "http"},
		"priority": 2,
		"max_attempts": 3,
		"available_at": "2026-08-24T10:00:00Z"
	}`

	var req EnqueueRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	assert.True(t, req.AvailableAt.Equal(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2, req.Priority)
	assert.Equal(t, 3, req.MaxAttempts)
}

func TestEnqueueRequestDefaultsAvailableAt(t *testing.T) {
	var req EnqueueRequest
	require.NoError(t, json.Unmarshal([]byte(`{"execution_id": "ex1", "node_id": "n1"}`), &req))

	// a zero value lets the repository default to immediate availability
	assert.True(t, req.AvailableAt.IsZero())
}
