package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// StaleRequeuer flips running jobs whose worker went silent back to queued
// and reports their cues so they can be re-published.
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) ([]domain.JobCuePayload, error)
}

// StuckJobSweeper recovers jobs orphaned by crashed workers. A job running
// longer than the visibility timeout without a progress commit is assumed
// lost and is requeued.
type StuckJobSweeper struct {
	jobs              StaleRequeuer
	queue             domain.Queue
	visibilityTimeout time.Duration
	interval          time.Duration
}

// NewStuckJobSweeper constructs a sweeper. Zero durations get safe defaults.
func NewStuckJobSweeper(jobs StaleRequeuer, queue domain.Queue, visibilityTimeout, interval time.Duration) *StuckJobSweeper {
	if jobs == nil || queue == nil {
		return nil
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckJobSweeper{
		jobs:              jobs,
		queue:             queue,
		visibilityTimeout: visibilityTimeout,
		interval:          interval,
	}
}

// Run sweeps until ctx is cancelled. The first sweep happens immediately.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.visibility_timeout_seconds", s.visibilityTimeout.Seconds()))

	cues, err := s.jobs.RequeueStale(ctx, s.visibilityTimeout)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.requeued", len(cues)))
	if len(cues) == 0 {
		return
	}

	for _, cue := range cues {
		if _, err := s.queue.EnqueueJob(ctx, cue); err != nil {
			slog.Error("failed to re-cue stale job",
				slog.String("job_id", cue.JobID),
				slog.Any("error", err))
			continue
		}
		slog.Warn("requeued stale job",
			slog.String("job_id", cue.JobID),
			slog.String("kind", string(cue.Kind)))
	}
}
