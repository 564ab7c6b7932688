package repository

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/playbook"
)

// WorkflowRepository materializes playbook projections for an execution
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Materialize writes the workflow, transition and workbook projections for
// an execution. Upserts by natural key keep the operation idempotent.
func (r *WorkflowRepository) Materialize(ctx context.Context, executionID string, pb *playbook.Playbook) error {
	for i, step := range pb.Workflow {
		query := `
			INSERT INTO workflow (execution_id, step_id, step_name, step_type, description, raw_config)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (execution_id, step_id) DO NOTHING
		`
		stepID := fmt.Sprintf("step-%d", i)
		if _, err := r.db.Exec(ctx, query, executionID, stepID, step.Name, step.Type, step.Description, toJSON(step.Raw)); err != nil {
			return fmt.Errorf("failed to materialize step %s: %w", step.Name, err)
		}

		for _, c := range step.Next {
			for _, t := range append(append([]playbook.NextTarget{}, c.Then...), c.Else...) {
				if err := r.UpsertTransition(ctx, &models.TransitionRow{
					ExecutionID: executionID,
					FromStep:    step.Name,
					ToStep:      t.Step,
					Condition:   c.When,
					WithParams:  t.With,
				}); err != nil {
					return err
				}
			}
		}
	}

	for i, task := range pb.Workbook {
		query := `
			INSERT INTO workbook (execution_id, task_id, task_name, task_type, raw_config)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (execution_id, task_id) DO NOTHING
		`
		taskID := fmt.Sprintf("task-%d", i)
		if _, err := r.db.Exec(ctx, query, executionID, taskID, task.Name, task.Type, toJSON(task.Config)); err != nil {
			return fmt.Errorf("failed to materialize task %s: %w", task.Name, err)
		}
	}

	return nil
}

// UpsertTransition records a transition edge, updating the condition text
// once the edge is actually taken (audit trail).
func (r *WorkflowRepository) UpsertTransition(ctx context.Context, t *models.TransitionRow) error {
	query := `
		INSERT INTO transition (execution_id, from_step, to_step, condition, with_params)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (execution_id, from_step, to_step) DO UPDATE SET
			condition   = EXCLUDED.condition,
			with_params = EXCLUDED.with_params
	`
	_, err := r.db.Exec(ctx, query, t.ExecutionID, t.FromStep, t.ToStep, t.Condition, toJSON(t.WithParams))
	if err != nil {
		return fmt.Errorf("failed to upsert transition %s->%s: %w", t.FromStep, t.ToStep, err)
	}
	return nil
}

// ListSteps returns the materialized workflow rows for an execution
func (r *WorkflowRepository) ListSteps(ctx context.Context, executionID string) ([]models.WorkflowRow, error) {
	query := `
		SELECT execution_id, step_id, step_name, step_type, description, raw_config
		FROM workflow
		WHERE execution_id = $1
		ORDER BY step_id
	`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []models.WorkflowRow
	for rows.Next() {
		var row models.WorkflowRow
		var raw []byte
		if err := rows.Scan(&row.ExecutionID, &row.StepID, &row.StepName, &row.StepType, &row.Description, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		fromJSON(raw, &row.RawConfig)
		steps = append(steps, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}

	return steps, nil
}
