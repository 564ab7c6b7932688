package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/models"
)

// QueueRepository handles the durable lease-based work queue
type QueueRepository struct {
	db *db.DB
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(database *db.DB) *QueueRepository {
	return &QueueRepository{db: database}
}

const queueColumns = `
	queue_id, execution_id, node_id, action, input_context, status,
	priority, attempts, max_attempts, available_at, lease_until,
	worker_id, heartbeat_at, last_error, created_at
`

// EnqueueParams are the inputs for a queue insert
type EnqueueParams struct {
	ExecutionID  string
	NodeID       string
	Action       map[string]interface{}
	InputContext map[string]interface{}
	Priority     int
	MaxAttempts  int
	AvailableAt  time.Time
}

// Enqueue inserts a job, idempotent on (execution_id, node_id) while an
// active (queued or leased) row exists: the existing id is returned and
// no duplicate is created.
func (r *QueueRepository) Enqueue(ctx context.Context, p EnqueueParams) (int64, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.AvailableAt.IsZero() {
		p.AvailableAt = time.Now()
	}

	if existing, err := r.activeJobID(ctx, p.ExecutionID, p.NodeID); err != nil {
		return 0, err
	} else if existing != 0 {
		return existing, nil
	}

	// the partial unique index on active (execution_id, node_id) rows
	// serializes concurrent enqueues
	query := `
		INSERT INTO queue (execution_id, node_id, action, input_context, priority, max_attempts, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id, node_id) WHERE status IN ('queued', 'leased') DO NOTHING
		RETURNING queue_id
	`

	var queueID int64
	err := r.db.QueryRow(
		ctx,
		query,
		p.ExecutionID,
		p.NodeID,
		toJSON(p.Action),
		toJSON(p.InputContext),
		p.Priority,
		p.MaxAttempts,
		p.AvailableAt,
	).Scan(&queueID)
	if err == pgx.ErrNoRows {
		// lost the race; the winner's row is the active one
		return r.activeJobID(ctx, p.ExecutionID, p.NodeID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return queueID, nil
}

func (r *QueueRepository) activeJobID(ctx context.Context, executionID, nodeID string) (int64, error) {
	query := `
		SELECT queue_id FROM queue
		WHERE execution_id = $1 AND node_id = $2 AND status IN ('queued', 'leased')
		LIMIT 1
	`
	var queueID int64
	err := r.db.QueryRow(ctx, query, executionID, nodeID).Scan(&queueID)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check active job: %w", err)
	}
	return queueID, nil
}

// HasActive reports whether an active queued/leased job exists for the node
func (r *QueueRepository) HasActive(ctx context.Context, executionID, nodeID string) (bool, error) {
	id, err := r.activeJobID(ctx, executionID, nodeID)
	return id != 0, err
}

// Lease atomically claims the highest-priority available job. SKIP LOCKED
// lets concurrent leasers proceed without contention. Returns nil when the
// queue is empty.
func (r *QueueRepository) Lease(ctx context.Context, workerID string, leaseSeconds int) (*models.QueueJob, error) {
	query := `
		UPDATE queue SET
			status       = 'leased',
			worker_id    = $1,
			lease_until  = now() + make_interval(secs => $2),
			heartbeat_at = now(),
			attempts     = attempts + 1
		WHERE queue_id = (
			SELECT queue_id FROM queue
			WHERE status = 'queued' AND available_at <= now()
			ORDER BY priority DESC, queue_id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + queueColumns

	rows, err := r.db.Query(ctx, query, workerID, leaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// Complete marks a leased job done. Completing a terminal row is a no-op;
// the return value reports whether this call transitioned the row.
func (r *QueueRepository) Complete(ctx context.Context, queueID int64) (bool, error) {
	query := `
		UPDATE queue SET status = 'done', lease_until = NULL
		WHERE queue_id = $1 AND status = 'leased'
	`
	tag, err := r.db.Exec(ctx, query, queueID)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Fail records a job failure. With retry and attempts remaining the job
// returns to queued after retryDelay; otherwise it goes dead. Returns the
// resulting status.
func (r *QueueRepository) Fail(ctx context.Context, queueID int64, retry bool, retryDelay time.Duration, lastError string) (string, error) {
	query := `
		UPDATE queue SET
			status = CASE
				WHEN $2 AND attempts < max_attempts THEN 'queued'
				ELSE 'dead'
			END,
			available_at = now() + $3,
			lease_until  = NULL,
			worker_id    = '',
			last_error   = $4
		WHERE queue_id = $1 AND status = 'leased'
		RETURNING status
	`

	var status string
	err := r.db.QueryRow(ctx, query, queueID, retry, retryDelay, lastError).Scan(&status)
	if err == pgx.ErrNoRows {
		// already terminal or reclaimed
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to fail job: %w", err)
	}
	return status, nil
}

// Heartbeat refreshes the lease of a job held by workerID. A mismatched
// worker id is rejected: the lease was reclaimed and re-issued.
func (r *QueueRepository) Heartbeat(ctx context.Context, queueID int64, workerID string, extendSeconds int) error {
	query := `
		UPDATE queue SET
			heartbeat_at = now(),
			lease_until  = CASE WHEN $3 > 0 THEN now() + make_interval(secs => $3) ELSE lease_until END
		WHERE queue_id = $1 AND status = 'leased' AND worker_id = $2
	`
	tag, err := r.db.Exec(ctx, query, queueID, workerID, extendSeconds)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d is not leased by worker %s", queueID, workerID)
	}
	return nil
}

// ReapExpired returns all expired leases to queued. Attempts are kept:
// lease accounting already happened at lease time.
func (r *QueueRepository) ReapExpired(ctx context.Context) (int, error) {
	query := `
		UPDATE queue SET
			status = 'queued', lease_until = NULL, worker_id = ''
		WHERE status = 'leased' AND lease_until < now()
	`
	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get returns a job by id, or nil
func (r *QueueRepository) Get(ctx context.Context, queueID int64) (*models.QueueJob, error) {
	query := `SELECT ` + queueColumns + ` FROM queue WHERE queue_id = $1`

	rows, err := r.db.Query(ctx, query, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// List returns jobs filtered by optional status and execution id
func (r *QueueRepository) List(ctx context.Context, status, executionID string, limit int) ([]models.QueueJob, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM queue
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR execution_id = $2)
		ORDER BY queue_id DESC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, status, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows pgx.Rows) ([]models.QueueJob, error) {
	var jobs []models.QueueJob
	for rows.Next() {
		var job models.QueueJob
		var action, inputCtx []byte
		err := rows.Scan(
			&job.QueueID, &job.ExecutionID, &job.NodeID, &action, &inputCtx, &job.Status,
			&job.Priority, &job.Attempts, &job.MaxAttempts, &job.AvailableAt, &job.LeaseUntil,
			&job.WorkerID, &job.HeartbeatAt, &job.LastError, &job.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		fromJSON(action, &job.Action)
		fromJSON(inputCtx, &job.InputContext)
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}
