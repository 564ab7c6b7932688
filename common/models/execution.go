package models

import "time"

// Execution identifies one run of a playbook
type Execution struct {
	ExecutionID  string                 `json:"execution_id"`
	PlaybookPath string                 `json:"playbook_path"`
	PlaybookVer  string                 `json:"playbook_version"`
	Workload     map[string]interface{} `json:"workload"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ExecutionSummary is the status view exposed by the API
type ExecutionSummary struct {
	ExecutionID  string            `json:"execution_id"`
	PlaybookPath string            `json:"playbook_path"`
	Status       Status            `json:"status"`
	Progress     float64           `json:"progress"`
	StepStatus   map[string]Status `json:"step_status,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ComputeProgress derives the reported progress from the execution status
// and the event counts. Terminal states report 100%.
func ComputeProgress(status Status, done, total int) float64 {
	switch status {
	case StatusCompleted, StatusFailed:
		return 100
	case StatusRunning:
		if total == 0 {
			return 0
		}
		return 100 * float64(done) / float64(total)
	default:
		return 0
	}
}

// SummarizeEvents computes the execution-level status and per-step view
// from an ordered event list.
func SummarizeEvents(events []Event) (Status, map[string]Status, string) {
	stepStatus := make(map[string]Status)
	status := StatusPending
	var errMsg string

	for i := range events {
		ev := &events[i]
		if ev.NodeName != "" {
			ns := ev.NormalizedStatus()
			// completed is sticky per step; later running events for the
			// same node (duplicate deliveries) do not regress it
			if stepStatus[ev.NodeName] != StatusCompleted || ns == StatusCompleted {
				stepStatus[ev.NodeName] = ns
			}
		}
		if ev.IsFailed() {
			status = StatusFailed
			if errMsg == "" {
				errMsg = ev.Error
			}
		}
	}

	if status != StatusFailed {
		if len(events) > 0 {
			status = StatusRunning
		}
		// the broker's terminal event or a completed end step closes the
		// execution; exhausted workflows without an end step get the former
		for i := range events {
			ev := &events[i]
			if ev.IsCompleted() && (ev.NodeType == "end" || ev.EventType == EventExecutionComplete) {
				status = StatusCompleted
			}
		}
	}

	return status, stepStatus, errMsg
}
