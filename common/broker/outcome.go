package broker

import "fmt"

// OutcomeKind classifies the result of one broker evaluation
type OutcomeKind int

const (
	// OutcomeScheduled means work was enqueued or a synthetic event advanced
	// the execution
	OutcomeScheduled OutcomeKind = iota
	// OutcomeTerminal means the execution is finished; no further scheduling
	OutcomeTerminal
	// OutcomeStalled means nothing to do right now (waiting on workers)
	OutcomeStalled
	// OutcomeInternalError means the evaluator itself failed; the error is
	// logged and recorded, never propagated as a panic
	OutcomeInternalError
)

// String returns the metric label for the outcome kind
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeScheduled:
		return "scheduled"
	case OutcomeTerminal:
		return "terminal"
	case OutcomeStalled:
		return "stalled"
	default:
		return "internal_error"
	}
}

// Outcome is the sum-type result of evaluate(execution_id)
type Outcome struct {
	Kind   OutcomeKind
	NodeID string
	Reason string
	Err    error
	// Reevaluate asks the broker loop to run another evaluation pass
	// immediately: a synthetic event advanced the state machine without
	// enqueueing worker-visible work.
	Reevaluate bool
}

func scheduled(nodeID, reason string) Outcome {
	return Outcome{Kind: OutcomeScheduled, NodeID: nodeID, Reason: reason}
}

func advanced(nodeID, reason string) Outcome {
	return Outcome{Kind: OutcomeScheduled, NodeID: nodeID, Reason: reason, Reevaluate: true}
}

func terminal(reason string) Outcome {
	return Outcome{Kind: OutcomeTerminal, Reason: reason}
}

func stalled(reason string) Outcome {
	return Outcome{Kind: OutcomeStalled, Reason: reason}
}

func internalError(err error) Outcome {
	return Outcome{Kind: OutcomeInternalError, Reason: err.Error(), Err: err}
}

func (o Outcome) String() string {
	if o.NodeID != "" {
		return fmt.Sprintf("%s(%s: %s)", o.Kind, o.NodeID, o.Reason)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
}
