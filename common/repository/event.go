package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/models"
)

// EventRepository handles database operations for the append-only event log
type EventRepository struct {
	db *db.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(database *db.DB) *EventRepository {
	return &EventRepository{db: database}
}

const eventColumns = `
	execution_id, event_id, parent_event_id, event_type, status,
	node_id, node_name, node_type, input_context, output_result, metadata,
	loop_id, loop_name, iterator, current_index, current_item, error,
	created_at, insert_rank
`

// Emit upserts an event by (execution_id, event_id). Duplicate emits are
// idempotent. Error-class events are mirrored into error_log, and
// execution_start events upsert the execution row with its workload.
func (r *EventRepository) Emit(ctx context.Context, ev *models.Event) error {
	query := `
		INSERT INTO event (
			execution_id, event_id, parent_event_id, event_type, status,
			node_id, node_name, node_type, input_context, output_result, metadata,
			loop_id, loop_name, iterator, current_index, current_item, error
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (execution_id, event_id) DO UPDATE SET
			status        = EXCLUDED.status,
			output_result = EXCLUDED.output_result,
			metadata      = EXCLUDED.metadata,
			error         = EXCLUDED.error
	`

	_, err := r.db.Exec(
		ctx,
		query,
		ev.ExecutionID,
		ev.EventID,
		ev.ParentEventID,
		ev.EventType,
		ev.Status,
		ev.NodeID,
		ev.NodeName,
		ev.NodeType,
		toJSON(ev.InputContext),
		toJSON(ev.OutputResult),
		toJSON(ev.Metadata),
		ev.LoopID,
		ev.LoopName,
		ev.Iterator,
		ev.CurrentIndex,
		toJSON(ev.CurrentItem),
		ev.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	if ev.EventType == models.EventExecutionStart {
		if err := r.upsertExecution(ctx, ev); err != nil {
			return err
		}
	}

	if ev.IsFailed() || ev.EventType == models.EventActionError {
		if err := r.recordError(ctx, ev); err != nil {
			return err
		}
	}

	return nil
}

func (r *EventRepository) upsertExecution(ctx context.Context, ev *models.Event) error {
	path, _ := ev.Metadata["path"].(string)
	version, _ := ev.Metadata["version"].(string)
	if version == "" {
		version = "latest"
	}
	workload, _ := ev.InputContext["workload"].(map[string]interface{})

	query := `
		INSERT INTO execution (execution_id, playbook_path, playbook_ver, workload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_id) DO UPDATE SET workload = EXCLUDED.workload
	`

	_, err := r.db.Exec(ctx, query, ev.ExecutionID, path, version, toJSON(workload))
	if err != nil {
		return fmt.Errorf("failed to upsert execution: %w", err)
	}
	return nil
}

func (r *EventRepository) recordError(ctx context.Context, ev *models.Event) error {
	stack, _ := ev.Metadata["stack"].(string)
	severity, _ := ev.Metadata["severity"].(string)
	if severity == "" {
		severity = "error"
	}

	query := `
		INSERT INTO error_log (execution_id, event_id, node_id, severity, message, stack)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(ctx, query, ev.ExecutionID, ev.EventID, ev.NodeID, severity, ev.Error, stack)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// ListEvents returns all events for an execution in log order:
// timestamp first, insertion rank breaking ties.
func (r *EventRepository) ListEvents(ctx context.Context, executionID string) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM event
		WHERE execution_id = $1
		ORDER BY created_at, insert_rank
	`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetLatestByStep returns the newest event for a node name, or nil
func (r *EventRepository) GetLatestByStep(ctx context.Context, executionID, nodeName string) (*models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM event
		WHERE execution_id = $1 AND node_name = $2
		ORDER BY created_at DESC, insert_rank DESC
		LIMIT 1
	`

	rows, err := r.db.Query(ctx, query, executionID, nodeName)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest event: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// FindError returns the earliest error-class event, or nil
func (r *EventRepository) FindError(ctx context.Context, executionID string) (*models.Event, error) {
	events, err := r.ListEvents(ctx, executionID)
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].IsFailed() {
			return &events[i], nil
		}
	}
	return nil, nil
}

// GetExecution returns the execution row, or nil
func (r *EventRepository) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	query := `
		SELECT execution_id, playbook_path, playbook_ver, workload, created_at
		FROM execution
		WHERE execution_id = $1
	`

	var ex models.Execution
	var workload []byte
	err := r.db.QueryRow(ctx, query, executionID).Scan(
		&ex.ExecutionID, &ex.PlaybookPath, &ex.PlaybookVer, &workload, &ex.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	fromJSON(workload, &ex.Workload)
	return &ex, nil
}

// ListActiveExecutions returns ids of executions whose log carries neither
// the broker's terminal completion event nor a failed-status event, newest
// first. Over-inclusion is harmless: evaluation is idempotent.
func (r *EventRepository) ListActiveExecutions(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT e.execution_id
		FROM execution e
		WHERE NOT EXISTS (
			SELECT 1 FROM event ev
			WHERE ev.execution_id = e.execution_id
			  AND (ev.event_type = $1 OR ev.status = 'failed')
		)
		ORDER BY e.created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, models.EventExecutionComplete, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active executions: %w", err)
	}
	return ids, nil
}

// ListExecutions returns all executions, newest first
func (r *EventRepository) ListExecutions(ctx context.Context, limit int) ([]models.Execution, error) {
	query := `
		SELECT execution_id, playbook_path, playbook_ver, workload, created_at
		FROM execution
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []models.Execution
	for rows.Next() {
		var ex models.Execution
		var workload []byte
		if err := rows.Scan(&ex.ExecutionID, &ex.PlaybookPath, &ex.PlaybookVer, &workload, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		fromJSON(workload, &ex.Workload)
		executions = append(executions, ex)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanEvents(rows pgx.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var parentID *string
		var inputCtx, outputResult, metadata, currentItem []byte
		err := rows.Scan(
			&ev.ExecutionID, &ev.EventID, &parentID, &ev.EventType, &ev.Status,
			&ev.NodeID, &ev.NodeName, &ev.NodeType, &inputCtx, &outputResult, &metadata,
			&ev.LoopID, &ev.LoopName, &ev.Iterator, &ev.CurrentIndex, &currentItem, &ev.Error,
			&ev.CreatedAt, &ev.InsertRank,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if parentID != nil {
			ev.ParentEventID = *parentID
		}
		fromJSON(inputCtx, &ev.InputContext)
		fromJSON(outputResult, &ev.OutputResult)
		fromJSON(metadata, &ev.Metadata)
		fromJSON(currentItem, &ev.CurrentItem)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func toJSON(v interface{}) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func fromJSON[T any](data []byte, out *T) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, out)
}
