package models

import (
	"fmt"
	"strings"
	"time"
)

// Event types understood by the broker. Executors may emit additional
// types; the broker only inspects the ones listed here.
const (
	EventExecutionStart    = "execution_start"
	EventExecutionComplete = "execution_complete"
	EventActionStarted     = "action_started"
	EventActionCompleted   = "action_completed"
	EventActionError       = "action_error"
	EventResult            = "result"
	EventLoopIteration     = "loop_iteration"
	EventLoopCompleted     = "loop_completed"
	EventEndLoop           = "end_loop"
	EventTransition        = "transition"
	EventContextUpdate     = "context_update"
)

// Event is one immutable record in the append-only log
type Event struct {
	ExecutionID   string                 `json:"execution_id"`
	EventID       string                 `json:"event_id"`
	ParentEventID string                 `json:"parent_event_id,omitempty"`
	EventType     string                 `json:"event_type"`
	Status        string                 `json:"status,omitempty"`
	NodeID        string                 `json:"node_id,omitempty"`
	NodeName      string                 `json:"node_name,omitempty"`
	NodeType      string                 `json:"node_type,omitempty"`
	InputContext  map[string]interface{} `json:"input_context,omitempty"`
	OutputResult  interface{}            `json:"output_result,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	LoopID        string                 `json:"loop_id,omitempty"`
	LoopName      string                 `json:"loop_name,omitempty"`
	Iterator      string                 `json:"iterator,omitempty"`
	CurrentIndex  *int                   `json:"current_index,omitempty"`
	CurrentItem   interface{}            `json:"current_item,omitempty"`
	Error         string                 `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"timestamp"`
	InsertRank    int64                  `json:"-"`
}

// NormalizedStatus returns the canonical status of the event
func (e *Event) NormalizedStatus() Status {
	return NormalizeStatus(e.Status)
}

// IsFailed reports whether the event carries a failed status. An
// action_error with a non-failed status records a retryable attempt and
// does not fail its execution.
func (e *Event) IsFailed() bool {
	return e.NormalizedStatus() == StatusFailed
}

// IsCompleted reports whether the event marks its node as done
func (e *Event) IsCompleted() bool {
	return e.NormalizedStatus() == StatusCompleted
}

// IterationNodeID builds the node id for one loop iteration.
// Format: {execution_id}-step-{N}-iter-{K}
func IterationNodeID(executionID string, stepIndex, iteration int) string {
	return fmt.Sprintf("%s-step-%d-iter-%d", executionID, stepIndex, iteration)
}

// StepNodeID builds the node id for a non-loop step
func StepNodeID(executionID string, stepIndex int) string {
	return fmt.Sprintf("%s-step-%d", executionID, stepIndex)
}

// IsIterationNode reports whether a node id names a loop iteration
func IsIterationNode(nodeID string) bool {
	return strings.Contains(nodeID, "-iter-")
}
