package models

import "strings"

// Status is the canonical normalized event status
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// NormalizeStatus maps raw status strings from events and executors to the
// canonical set. Unknown strings normalize to pending.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "success", "succeeded", "done", "ok", "finished":
		return StatusCompleted
	case "failed", "failure", "error", "dead", "cancelled", "canceled":
		return StatusFailed
	case "running", "started", "in_progress", "leased", "executing":
		return StatusRunning
	default:
		return StatusPending
	}
}

// Terminal reports whether the status ends an execution's step
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
