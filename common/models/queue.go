package models

import "time"

// Queue job states
const (
	JobQueued = "queued"
	JobLeased = "leased"
	JobDone   = "done"
	JobDead   = "dead"
)

// Job kinds carried in the action spec. Regular action jobs carry the
// executor type directly; loop_aggregate offloads heavy reductions.
const (
	JobKindLoopAggregate = "loop_aggregate"
)

// QueueJob is one row in the work queue
type QueueJob struct {
	QueueID      int64                  `json:"queue_id"`
	ExecutionID  string                 `json:"execution_id"`
	NodeID       string                 `json:"node_id"`
	Action       map[string]interface{} `json:"action"`
	InputContext map[string]interface{} `json:"input_context"`
	Status       string                 `json:"status"`
	Priority     int                    `json:"priority"`
	Attempts     int                    `json:"attempts"`
	MaxAttempts  int                    `json:"max_attempts"`
	AvailableAt  time.Time              `json:"available_at"`
	LeaseUntil   *time.Time             `json:"lease_until,omitempty"`
	WorkerID     string                 `json:"worker_id,omitempty"`
	HeartbeatAt  *time.Time             `json:"heartbeat_at,omitempty"`
	LastError    string                 `json:"last_error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ActionType returns the executor type of the job's action spec
func (j *QueueJob) ActionType() string {
	if j.Action == nil {
		return ""
	}
	if t, ok := j.Action["type"].(string); ok {
		return t
	}
	return ""
}
