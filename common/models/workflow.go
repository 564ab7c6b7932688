package models

// WorkflowRow is a denormalized projection of one playbook step,
// materialized at execution start for introspection
type WorkflowRow struct {
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id"`
	StepName    string                 `json:"step_name"`
	StepType    string                 `json:"step_type"`
	Description string                 `json:"description,omitempty"`
	RawConfig   map[string]interface{} `json:"raw_config,omitempty"`
}

// TransitionRow records one edge of the workflow graph, annotated with the
// evaluated condition text once taken
type TransitionRow struct {
	ExecutionID string                 `json:"execution_id"`
	FromStep    string                 `json:"from_step"`
	ToStep      string                 `json:"to_step"`
	Condition   string                 `json:"condition,omitempty"`
	WithParams  map[string]interface{} `json:"with_params,omitempty"`
}

// WorkbookRow is a materialized reusable task definition
type WorkbookRow struct {
	ExecutionID string                 `json:"execution_id"`
	TaskID      string                 `json:"task_id"`
	TaskName    string                 `json:"task_name"`
	TaskType    string                 `json:"task_type"`
	RawConfig   map[string]interface{} `json:"raw_config,omitempty"`
}
