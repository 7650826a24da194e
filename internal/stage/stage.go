// Package stage contains the job orchestrator and the per-kind stage
// implementations that do the actual enrichment and verification work.
package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// ErrCancelled is returned by a stage when it observes the job flipped to
// cancelled at an item boundary. The orchestrator acks the cue without
// touching job state.
var ErrCancelled = errors.New("job cancelled")

// VerifierFactory creates one verifier per job run. The limiter window lives
// inside the verifier, so instances must never be shared across jobs.
type VerifierFactory func() domain.EmailVerifier

// Stage runs one job kind to completion. It returns the result document to
// persist and the webhook payload to deliver on success.
type Stage interface {
	Run(ctx domain.Context, job domain.Job, rt *Runtime) (result json.RawMessage, hook any, err error)
}

// Runtime tracks per-item progress for a running stage. It flushes the
// counters to the store every flushEvery items and polls for cancellation at
// the same boundary, so abort latency is bounded by the flush cadence.
type Runtime struct {
	jobs       domain.JobRepository
	tasks      domain.TaskRepository
	jobID      string
	flushEvery int

	processed  int
	failed     int
	sinceFlush int
}

// NewRuntime constructs a Runtime for one stage run.
func NewRuntime(jobs domain.JobRepository, tasks domain.TaskRepository, jobID string, flushEvery int) *Runtime {
	if flushEvery <= 0 {
		flushEvery = 10
	}
	return &Runtime{jobs: jobs, tasks: tasks, jobID: jobID, flushEvery: flushEvery}
}

// Processed returns the success counter.
func (rt *Runtime) Processed() int { return rt.processed }

// Failed returns the failure counter.
func (rt *Runtime) Failed() int { return rt.failed }

// RecordSuccess counts one successfully processed item.
func (rt *Runtime) RecordSuccess(ctx domain.Context) error {
	rt.processed++
	return rt.boundary(ctx)
}

// RecordFailure counts one failed item and materialises a Task row so the
// failure can be retried later. A re-failure of an item that already has a
// row consumes one attempt on that row instead of inserting a duplicate.
// Task persistence is best-effort; a write error must not abort the run.
func (rt *Runtime) RecordFailure(ctx domain.Context, itemType string, input any, reason string) error {
	rt.failed++
	if rt.tasks != nil {
		now := time.Now().UTC()
		in, err := json.Marshal(input)
		if err != nil {
			in = nil
		}
		t := domain.Task{
			JobID:         rt.jobID,
			Type:          itemType,
			Status:        domain.JobFailed,
			Input:         in,
			ErrorMessage:  reason,
			Attempts:      1,
			MaxAttempts:   3,
			LastAttemptAt: &now,
		}
		if _, err := rt.tasks.UpsertFailure(ctx, t); err != nil {
			slog.Warn("failed to persist task for failed item",
				slog.String("job_id", rt.jobID),
				slog.String("type", itemType),
				slog.Any("error", err))
		}
	}
	return rt.boundary(ctx)
}

// boundary is the per-item checkpoint: flush progress and poll for
// cancellation every flushEvery items.
func (rt *Runtime) boundary(ctx domain.Context) error {
	rt.sinceFlush++
	if rt.sinceFlush < rt.flushEvery {
		return nil
	}
	rt.sinceFlush = 0
	if err := rt.Flush(ctx); err != nil {
		return err
	}
	job, err := rt.jobs.Get(ctx, rt.jobID)
	if err != nil {
		return fmt.Errorf("op=stage.poll_status: %w", err)
	}
	if job.Status == domain.JobCancelled {
		return ErrCancelled
	}
	return nil
}

// Flush commits the counters to the store.
func (rt *Runtime) Flush(ctx domain.Context) error {
	if err := rt.jobs.UpdateProgress(ctx, rt.jobID, rt.processed, rt.failed); err != nil {
		return fmt.Errorf("op=stage.flush_progress: %w", err)
	}
	return nil
}
