package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeProgress(t *testing.T) {
	assert.Equal(t, float64(100), ComputeProgress(StatusCompleted, 1, 4))
	assert.Equal(t, float64(100), ComputeProgress(StatusFailed, 0, 4))
	assert.Equal(t, float64(50), ComputeProgress(StatusRunning, 2, 4))
	assert.Equal(t, float64(0), ComputeProgress(StatusRunning, 0, 0))
	assert.Equal(t, float64(0), ComputeProgress(StatusPending, 0, 4))
}

func TestSummarizeEventsRunning(t *testing.T) {
	events := []Event{
		{EventType: EventExecutionStart, NodeName: "execution", Status: "running"},
		{EventType: EventActionCompleted, NodeName: "fetch", Status: "completed"},
		{EventType: EventActionStarted, NodeName: "store", Status: "running"},
	}

	status, steps, errMsg := SummarizeEvents(events)
	assert.Equal(t, StatusRunning, status)
	assert.Equal(t, StatusCompleted, steps["fetch"])
	assert.Equal(t, StatusRunning, steps["store"])
	assert.Empty(t, errMsg)
}

func TestSummarizeEventsCompletedStickyPerStep(t *testing.T) {
	events := []Event{
		{EventType: EventActionCompleted, NodeName: "fetch", Status: "completed"},
		// duplicate delivery after completion must not regress the step
		{EventType: EventActionStarted, NodeName: "fetch", Status: "running"},
	}

	_, steps, _ := SummarizeEvents(events)
	assert.Equal(t, StatusCompleted, steps["fetch"])
}

func TestSummarizeEventsCompletedOnEndStep(t *testing.T) {
	events := []Event{
		{EventType: EventActionCompleted, NodeName: "fetch", Status: "completed"},
		{EventType: EventActionCompleted, NodeName: "end", NodeType: "end", Status: "completed"},
	}

	status, _, _ := SummarizeEvents(events)
	assert.Equal(t, StatusCompleted, status)
}

func TestSummarizeEventsCompletedWithoutEndStep(t *testing.T) {
	events := []Event{
		{EventType: EventActionCompleted, NodeName: "fetch", Status: "completed"},
		{EventType: EventExecutionComplete, NodeName: "execution", NodeType: "execution", Status: "completed"},
	}

	status, _, _ := SummarizeEvents(events)
	assert.Equal(t, StatusCompleted, status)
}

func TestSummarizeEventsRetryableErrorKeepsRunning(t *testing.T) {
	events := []Event{
		{EventType: EventActionError, NodeName: "fetch", Status: "retrying", Error: "timeout"},
		{EventType: EventActionCompleted, NodeName: "fetch", Status: "completed"},
	}

	status, steps, errMsg := SummarizeEvents(events)
	assert.Equal(t, StatusRunning, status)
	assert.Equal(t, StatusCompleted, steps["fetch"])
	assert.Empty(t, errMsg)
}

func TestSummarizeEventsFailure(t *testing.T) {
	events := []Event{
		{EventType: EventActionCompleted, NodeName: "fetch", Status: "completed"},
		{EventType: EventActionError, NodeName: "store", Status: "failed", Error: "boom"},
	}

	status, steps, errMsg := SummarizeEvents(events)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, StatusFailed, steps["store"])
	assert.Equal(t, "boom", errMsg)
}

func TestSummarizeEventsEmpty(t *testing.T) {
	status, steps, errMsg := SummarizeEvents(nil)
	assert.Equal(t, StatusPending, status)
	assert.Empty(t, steps)
	assert.Empty(t, errMsg)
}
