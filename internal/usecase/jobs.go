// Package usecase contains application business logic services.
package usecase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// DefaultMaxBatchItems bounds submission size when the service is built
// without an explicit limit.
const DefaultMaxBatchItems = 10000

// JobService orchestrates job submission, observation, cancellation, retry,
// and export.
type JobService struct {
	Jobs          domain.JobRepository
	Tasks         domain.TaskRepository
	Queue         domain.Queue
	MaxBatchItems int
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(j domain.JobRepository, t domain.TaskRepository, q domain.Queue, maxBatchItems int) JobService {
	if maxBatchItems <= 0 {
		maxBatchItems = DefaultMaxBatchItems
	}
	return JobService{Jobs: j, Tasks: t, Queue: q, MaxBatchItems: maxBatchItems}
}

// SubmitInput carries a validated submission from the API layer.
type SubmitInput struct {
	UserID     string
	Kind       domain.JobKind
	Config     json.RawMessage
	Priority   int
	WebhookURL string
}

var knownKinds = map[domain.JobKind]bool{
	domain.KindScrapeProfiles:   true,
	domain.KindBulkVerifyLeads:  true,
	domain.KindBulkVerifyEmails: true,
	domain.KindEnrichEmails:     true,
	domain.KindImportCSV:        true,
	domain.KindExportLeads:      true,
	domain.KindGenerateContent:  true,
}

// Submit persists a new job and hands its cue to the broker. The job is
// created pending and flipped to queued once the cue is accepted.
func (s JobService) Submit(ctx domain.Context, in SubmitInput) (string, error) {
	if !knownKinds[in.Kind] {
		return "", fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidArgument, in.Kind)
	}
	total, err := s.countItems(in.Kind, in.Config)
	if err != nil {
		return "", err
	}
	if total > s.MaxBatchItems {
		return "", fmt.Errorf("%w: batch of %d exceeds limit %d", domain.ErrInvalidArgument, total, s.MaxBatchItems)
	}
	priority := in.Priority
	if priority == 0 {
		priority = 5
	}
	if priority < 1 || priority > 10 {
		return "", fmt.Errorf("%w: priority must be 1-10", domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	j := domain.Job{
		UserID:     in.UserID,
		Kind:       in.Kind,
		Status:     domain.JobPending,
		Priority:   priority,
		TotalItems: total,
		Config:     in.Config,
		WebhookURL: in.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	jobID, err := s.Jobs.Create(ctx, j)
	if err != nil {
		return "", err
	}
	if _, err := s.Queue.EnqueueJob(ctx, domain.JobCuePayload{JobID: jobID, Kind: in.Kind}); err != nil {
		_ = s.Jobs.UpdateStatus(ctx, jobID, domain.JobFailed, ptr("enqueue failed"))
		return "", err
	}
	if err := s.Jobs.UpdateStatus(ctx, jobID, domain.JobQueued, nil); err != nil {
		return "", err
	}
	return jobID, nil
}

// countItems derives total_items from the kind-specific config. Reserved
// kinds carry opaque configs and count as zero items.
func (s JobService) countItems(kind domain.JobKind, config json.RawMessage) (int, error) {
	fail := func(err error) (int, error) {
		return 0, fmt.Errorf("%w: malformed config: %v", domain.ErrInvalidArgument, err)
	}
	switch kind {
	case domain.KindScrapeProfiles:
		var cfg domain.ScrapeProfilesConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fail(err)
		}
		if len(cfg.LinkedInURLs) == 0 {
			return 0, fmt.Errorf("%w: linkedin_urls required", domain.ErrInvalidArgument)
		}
		return len(cfg.LinkedInURLs), nil
	case domain.KindBulkVerifyLeads:
		var cfg domain.VerifyLeadsConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fail(err)
		}
		if len(cfg.Leads) == 0 {
			return 0, fmt.Errorf("%w: leads required", domain.ErrInvalidArgument)
		}
		return len(cfg.Leads), nil
	case domain.KindBulkVerifyEmails:
		var cfg domain.VerifyEmailsConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fail(err)
		}
		if len(cfg.Emails) == 0 {
			return 0, fmt.Errorf("%w: emails required", domain.ErrInvalidArgument)
		}
		return len(cfg.Emails), nil
	case domain.KindEnrichEmails:
		var cfg domain.EnrichEmailsConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fail(err)
		}
		if len(cfg.Items) == 0 {
			return 0, fmt.Errorf("%w: items required", domain.ErrInvalidArgument)
		}
		return len(cfg.Items), nil
	}
	return 0, nil
}

// Get loads a job by id.
func (s JobService) Get(ctx domain.Context, id string) (domain.Job, error) {
	return s.Jobs.Get(ctx, id)
}

// List returns a page of jobs plus the unpaged total.
func (s JobService) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	return s.Jobs.List(ctx, f)
}

// Cancel flips a non-terminal job to cancelled and cancels its pending
// tasks. Cancelling an already terminal job is a conflict.
func (s JobService) Cancel(ctx domain.Context, id string) error {
	if _, err := s.Jobs.Get(ctx, id); err != nil {
		return err
	}
	ok, err := s.Jobs.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job already terminal", domain.ErrConflict)
	}
	if err := s.Tasks.CancelPending(ctx, id); err != nil {
		return err
	}
	return nil
}

// RetryFailedTasks requeues failed tasks that still have attempts left and,
// when any moved, re-cues the job so a worker picks it up again. Only
// completed and failed jobs can be requeued; anything else is a conflict.
func (s JobService) RetryFailedTasks(ctx domain.Context, id string) (int, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if job.Status != domain.JobCompleted && job.Status != domain.JobFailed {
		return 0, fmt.Errorf("%w: job is %s, not retryable", domain.ErrConflict, job.Status)
	}
	n, err := s.Tasks.RetryFailed(ctx, id)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	ok, err := s.Jobs.Requeue(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: job no longer retryable", domain.ErrConflict)
	}
	if _, err := s.Queue.EnqueueJob(ctx, domain.JobCuePayload{JobID: id, Kind: job.Kind}); err != nil {
		return 0, err
	}
	return n, nil
}

func ptr(s string) *string { return &s }
