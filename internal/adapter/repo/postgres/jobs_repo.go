package postgres

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, kind, status, priority, total_items, processed_items, failed_items,
	config, result, COALESCE(error_message,''), error_details, COALESCE(webhook_url,''),
	created_at, updated_at, scheduled_at, started_at, completed_at, estimated_done`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.UserID, &j.Kind, &j.Status, &j.Priority,
		&j.TotalItems, &j.ProcessedItems, &j.FailedItems,
		&j.Config, &j.Result, &j.ErrorMessage, &j.ErrorDetails, &j.WebhookURL,
		&j.CreatedAt, &j.UpdatedAt, &j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.EstimatedDone)
	return j, err
}

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, user_id, kind, status, priority, total_items, processed_items, failed_items,
		config, error_message, webhook_url, created_at, updated_at, scheduled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := r.Pool.Exec(ctx, q, id, j.UserID, j.Kind, j.Status, j.Priority,
		j.TotalItems, j.ProcessedItems, j.FailedItems, j.Config, j.ErrorMessage,
		j.WebhookURL, now, now, j.ScheduledAt)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns a page of jobs matching the filter plus the unpaged total.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	where := []string{"1=1"}
	args := []any{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where = append(where, fmt.Sprintf("kind=$%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=job.list_count: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	perPage := f.PerPage
	if perPage < 1 {
		perPage = 20
	}
	args = append(args, perPage, (page-1)*perPage)
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, cond, len(args)-1, len(args))
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=job.list_scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	return out, total, nil
}

// UpdateStatus updates a job's status and optional error message. It stamps
// started_at on the first transition to running and completed_at on any
// terminal transition. Completed and cancelled are sticky: an update landing
// on either returns ErrConflict. Failed is deliberately not guarded so a
// broker redelivery can re-run a failed job.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, error_message=$3, updated_at=$4,
		started_at = CASE WHEN $2='running' AND started_at IS NULL THEN $4 ELSE started_at END,
		completed_at = CASE WHEN $2 IN ('completed','failed','cancelled') THEN $4 ELSE completed_at END
		WHERE id=$1 AND status NOT IN ('completed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, id, status, errVal, now)
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update_status: job %s is terminal: %w", id, domain.ErrConflict)
	}
	return nil
}

// Requeue flips a completed or failed job back to queued for a retry run.
// Returns false when the job is in any other state, cancelled included.
func (r *JobRepo) Requeue(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	q := `UPDATE jobs SET status='queued', error_message='', completed_at=NULL, updated_at=$2
		WHERE id=$1 AND status IN ('completed','failed')`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=job.requeue: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetResult stores the job's final result document.
func (r *JobRepo) SetResult(ctx domain.Context, id string, result json.RawMessage) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetResult")
	defer span.End()
	q := `UPDATE jobs SET result=$2, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, result, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.set_result: %w", err)
	}
	return nil
}

// UpdateProgress commits the item counters. Counters are monotonic; GREATEST
// keeps a late flush from a requeued run from moving them backwards.
func (r *JobRepo) UpdateProgress(ctx domain.Context, id string, processed, failed int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	q := `UPDATE jobs SET processed_items=GREATEST(processed_items,$2),
		failed_items=GREATEST(failed_items,$3), updated_at=$4 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, processed, failed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	return nil
}

// Cancel flips a non-terminal job to cancelled. Returns false when the job is
// already terminal so callers can report a conflict.
func (r *JobRepo) Cancel(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status='cancelled', updated_at=$2, completed_at=$2
		WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, id, now)
	if err != nil {
		return false, fmt.Errorf("op=job.cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RequeueStale moves running jobs whose last progress write is older than the
// cutoff back to queued and returns their ids. Used by the stuck-job sweeper
// to recover work orphaned by a dead worker.
func (r *JobRepo) RequeueStale(ctx domain.Context, olderThan time.Duration) ([]domain.JobCuePayload, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueStale")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status='queued', updated_at=$2
		WHERE status='running' AND updated_at < $1 RETURNING id, kind`
	rows, err := r.Pool.Query(ctx, q, now.Add(-olderThan), now)
	if err != nil {
		return nil, fmt.Errorf("op=job.requeue_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.JobCuePayload
	for rows.Next() {
		var p domain.JobCuePayload
		if err := rows.Scan(&p.JobID, &p.Kind); err != nil {
			return nil, fmt.Errorf("op=job.requeue_stale: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.requeue_stale: %w", err)
	}
	return out, nil
}
