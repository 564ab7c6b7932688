package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"completed":   StatusCompleted,
		"SUCCESS":     StatusCompleted,
		"done":        StatusCompleted,
		"ok":          StatusCompleted,
		"failed":      StatusFailed,
		"error":       StatusFailed,
		"dead":        StatusFailed,
		"cancelled":   StatusFailed,
		"running":     StatusRunning,
		"in_progress": StatusRunning,
		"leased":      StatusRunning,
		"pending":     StatusPending,
		"":            StatusPending,
		"weird":       StatusPending,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeStatus(raw), "raw=%q", raw)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestEventClassification(t *testing.T) {
	// failure is keyed on normalized status: a retrying action_error
	// records an attempt without failing the execution
	assert.True(t, (&Event{EventType: EventActionError, Status: "failed"}).IsFailed())
	assert.False(t, (&Event{EventType: EventActionError, Status: "retrying"}).IsFailed())
	assert.True(t, (&Event{EventType: EventResult, Status: "failed"}).IsFailed())
	assert.False(t, (&Event{EventType: EventResult, Status: "completed"}).IsFailed())

	assert.True(t, (&Event{Status: "completed"}).IsCompleted())
	assert.True(t, (&Event{Status: "SUCCESS"}).IsCompleted())
	assert.False(t, (&Event{Status: "running"}).IsCompleted())
}

func TestNodeIDHelpers(t *testing.T) {
	assert.Equal(t, "ex1-step-2", StepNodeID("ex1", 2))
	assert.Equal(t, "ex1-step-2-iter-5", IterationNodeID("ex1", 2, 5))
	assert.True(t, IsIterationNode("ex1-step-2-iter-5"))
	assert.False(t, IsIterationNode("ex1-step-2"))
}
