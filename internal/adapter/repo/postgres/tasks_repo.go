package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// TaskRepo persists per-item retry state. Tasks are written only for items
// whose processing failed, so most jobs leave this table empty.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// Create inserts a task and returns its id.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}
	q := `INSERT INTO tasks (id, job_id, type, status, input, output, error_message,
		attempts, max_attempts, last_attempt_at, next_retry_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.Pool.Exec(ctx, q, id, t.JobID, t.Type, t.Status, t.Input, t.Output,
		t.ErrorMessage, t.Attempts, t.MaxAttempts, t.LastAttemptAt, t.NextRetryAt, t.CompletedAt)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// UpsertFailure records a failed attempt for an item. When a task row for the
// same (job, type, input) already exists, the failure consumes one attempt on
// that row instead of inserting a duplicate.
func (r *TaskRepo) UpsertFailure(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpsertFailure")
	defer span.End()
	q := `UPDATE tasks SET status='failed', attempts=attempts+1, error_message=$4,
		last_attempt_at=$5, next_retry_at=NULL
		WHERE job_id=$1 AND type=$2 AND input=$3 AND status IN ('pending','failed')
		RETURNING id`
	var id string
	err := r.Pool.QueryRow(ctx, q, t.JobID, t.Type, t.Input, t.ErrorMessage, t.LastAttemptAt).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("op=task.upsert_failure: %w", err)
	}
	return r.Create(ctx, t)
}

// ListByJob returns all tasks for a job, oldest first.
func (r *TaskRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByJob")
	defer span.End()
	q := `SELECT id, job_id, type, status, input, output, COALESCE(error_message,''),
		attempts, max_attempts, last_attempt_at, next_retry_at, completed_at
		FROM tasks WHERE job_id=$1 ORDER BY last_attempt_at NULLS FIRST, id`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.JobID, &t.Type, &t.Status, &t.Input, &t.Output,
			&t.ErrorMessage, &t.Attempts, &t.MaxAttempts, &t.LastAttemptAt, &t.NextRetryAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("op=task.list_scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	return out, nil
}

// RetryFailed moves failed tasks that still have attempts left back to
// pending and returns how many were moved.
func (r *TaskRepo) RetryFailed(ctx domain.Context, jobID string) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RetryFailed")
	defer span.End()
	q := `UPDATE tasks SET status='pending', next_retry_at=NULL
		WHERE job_id=$1 AND status='failed' AND attempts < max_attempts`
	tag, err := r.Pool.Exec(ctx, q, jobID)
	if err != nil {
		return 0, fmt.Errorf("op=task.retry_failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CancelPending cancels every non-terminal task of a job.
func (r *TaskRepo) CancelPending(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CancelPending")
	defer span.End()
	q := `UPDATE tasks SET status='cancelled', completed_at=$2
		WHERE job_id=$1 AND status NOT IN ('completed','failed','cancelled')`
	_, err := r.Pool.Exec(ctx, q, jobID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.cancel_pending: %w", err)
	}
	return nil
}
