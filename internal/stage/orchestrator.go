package stage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/leadgen-engine/internal/adapter/observability"
	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// Orchestrator dispatches a dequeue cue to the stage registered for the
// job's kind and drives the job state machine around the run.
type Orchestrator struct {
	jobs     domain.JobRepository
	tasks    domain.TaskRepository
	webhooks domain.WebhookSender
	stages   map[domain.JobKind]Stage
	// Flush cadence per kind; defaultFlushEvery when absent.
	flushEvery map[domain.JobKind]int
}

const defaultFlushEvery = 10

// NewOrchestrator constructs an Orchestrator with an empty registry.
func NewOrchestrator(jobs domain.JobRepository, tasks domain.TaskRepository, webhooks domain.WebhookSender) *Orchestrator {
	return &Orchestrator{
		jobs:       jobs,
		tasks:      tasks,
		webhooks:   webhooks,
		stages:     make(map[domain.JobKind]Stage),
		flushEvery: make(map[domain.JobKind]int),
	}
}

// Register binds a stage implementation to a job kind.
func (o *Orchestrator) Register(kind domain.JobKind, s Stage, flushEvery int) {
	o.stages[kind] = s
	if flushEvery > 0 {
		o.flushEvery[kind] = flushEvery
	}
}

// Handle runs one job cue to completion. Completed and cancelled jobs are
// acked without work; a job found in failed is re-run, which is how the
// broker-level retry resurrects a failed run (the attempt budget lives in
// the consumer's retry policy).
func (o *Orchestrator) Handle(ctx domain.Context, payload domain.JobCuePayload) error {
	lg := slog.With(slog.String("job_id", payload.JobID), slog.String("kind", string(payload.Kind)))

	job, err := o.jobs.Get(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			lg.Warn("job cue for unknown job, acking")
			return nil
		}
		return fmt.Errorf("op=orchestrator.load: %w", err)
	}
	if job.Status == domain.JobCompleted || job.Status == domain.JobCancelled {
		lg.Info("job already terminal, acking", slog.String("status", string(job.Status)))
		return nil
	}

	s, ok := o.stages[job.Kind]
	if !ok {
		msg := fmt.Sprintf("no stage registered for kind %q", job.Kind)
		lg.Error("unroutable job", slog.String("reason", msg))
		if err := o.jobs.UpdateStatus(ctx, job.ID, domain.JobFailed, &msg); err != nil {
			return fmt.Errorf("op=orchestrator.fail_unroutable: %w", err)
		}
		return nil
	}

	if err := o.jobs.UpdateStatus(ctx, job.ID, domain.JobRunning, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Cancelled between the load above and here; the cue is spent.
			lg.Info("job turned terminal before start, acking")
			return nil
		}
		return fmt.Errorf("op=orchestrator.start: %w", err)
	}
	observability.StartJob(string(job.Kind))
	lg.Info("job started", slog.Int("total_items", job.TotalItems))

	flushEvery, ok := o.flushEvery[job.Kind]
	if !ok {
		flushEvery = defaultFlushEvery
	}
	rt := NewRuntime(o.jobs, o.tasks, job.ID, flushEvery)

	result, hook, err := s.Run(ctx, job, rt)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			observability.JobsRunning.WithLabelValues(string(job.Kind)).Dec()
			lg.Info("job cancelled mid-run",
				slog.Int("processed", rt.Processed()),
				slog.Int("failed", rt.Failed()))
			return nil
		}
		msg := err.Error()
		if uErr := o.jobs.UpdateStatus(ctx, job.ID, domain.JobFailed, &msg); uErr != nil {
			if errors.Is(uErr, domain.ErrConflict) {
				observability.JobsRunning.WithLabelValues(string(job.Kind)).Dec()
				lg.Info("job cancelled during run, acking", slog.Any("error", err))
				return nil
			}
			lg.Error("failed to mark job failed", slog.Any("error", uErr))
		}
		observability.FailJob(string(job.Kind))
		lg.Error("job failed", slog.Any("error", err))
		return err
	}

	if err := rt.Flush(ctx); err != nil {
		return err
	}
	if result != nil {
		if err := o.jobs.SetResult(ctx, job.ID, result); err != nil {
			return fmt.Errorf("op=orchestrator.set_result: %w", err)
		}
	}
	if err := o.jobs.UpdateStatus(ctx, job.ID, domain.JobCompleted, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Cancelled after the last boundary poll. Cancellation wins:
			// no completion metric, no webhook.
			observability.JobsRunning.WithLabelValues(string(job.Kind)).Dec()
			lg.Info("job cancelled at completion, acking")
			return nil
		}
		return fmt.Errorf("op=orchestrator.complete: %w", err)
	}
	observability.CompleteJob(string(job.Kind))
	lg.Info("job completed",
		slog.Int("processed", rt.Processed()),
		slog.Int("failed", rt.Failed()))

	if job.WebhookURL != "" && hook != nil && o.webhooks != nil {
		if err := o.webhooks.Send(ctx, job.WebhookURL, hook); err != nil {
			lg.Warn("webhook delivery failed", slog.Any("error", err))
		}
	}
	return nil
}
