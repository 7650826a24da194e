// Package domain holds the core entities and ports of the lead-enrichment engine.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrInternal          = errors.New("internal error")
)

// JobKind identifies the stage implementation that processes a job.
type JobKind string

const (
	KindScrapeProfiles   JobKind = "scrape_profiles"
	KindBulkVerifyLeads  JobKind = "bulk_verify_leads"
	KindBulkVerifyEmails JobKind = "bulk_verify_emails"
	KindEnrichEmails     JobKind = "enrich_emails"
	// Reserved kinds; accepted by the store but no stage is registered for them yet.
	KindImportCSV       JobKind = "import_csv"
	KindExportLeads     JobKind = "export_leads"
	KindGenerateContent JobKind = "generate_content"
)

// JobStatus is the lifecycle state of a Job or Task.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether moving from s to next is a legal edge of the
// job state machine. Transitions are monotonic except pending<->queued and
// running<->paused. Terminal states are sticky.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case JobPending:
		return next == JobQueued || next == JobRunning || next == JobFailed || next == JobCancelled
	case JobQueued:
		return next == JobPending || next == JobRunning || next == JobFailed || next == JobCancelled
	case JobRunning:
		return next == JobPaused || next == JobCompleted || next == JobFailed || next == JobCancelled
	case JobPaused:
		return next == JobRunning || next == JobFailed || next == JobCancelled
	}
	return false
}

// Job is one unit of user-visible background work.
// Invariant: ProcessedItems + FailedItems <= TotalItems; both counters are
// monotonic non-decreasing across commits.
type Job struct {
	ID             string
	UserID         string
	Kind           JobKind
	Status         JobStatus
	Priority       int // 1-10, higher = more urgent
	TotalItems     int
	ProcessedItems int
	FailedItems    int
	Config         json.RawMessage
	Result         json.RawMessage
	ErrorMessage   string
	ErrorDetails   json.RawMessage
	WebhookURL     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ScheduledAt    *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	EstimatedDone  *time.Time
}

// Task is a per-item child of a Job, materialised lazily for items whose
// processing failed so that retry state survives the run.
type Task struct {
	ID            string
	JobID         string
	Type          string
	Status        JobStatus
	Input         json.RawMessage
	Output        json.RawMessage
	ErrorMessage  string
	Attempts      int
	MaxAttempts   int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	CompletedAt   *time.Time
}

// CanRetry reports whether the task may transition back to pending.
func (t Task) CanRetry() bool {
	return t.Status == JobFailed && t.Attempts < t.MaxAttempts
}

// VerificationStatus classifies a vendor verdict for one address.
type VerificationStatus string

const (
	VerificationValid    VerificationStatus = "valid"
	VerificationInvalid  VerificationStatus = "invalid"
	VerificationCatchAll VerificationStatus = "catch_all"
	VerificationUnknown  VerificationStatus = "unknown"
	VerificationPending  VerificationStatus = "pending"
)

// VerificationResult is the decoded answer for a single address.
type VerificationResult struct {
	Email         string             `json:"email"`
	Status        VerificationStatus `json:"status"`
	IsDeliverable bool               `json:"is_deliverable"`
	IsCatchAll    bool               `json:"is_catch_all"`
	IsDisposable  bool               `json:"is_disposable"`
	MXFound       bool               `json:"mx_found"`
	Reason        string             `json:"reason,omitempty"`
	IsRateLimited bool               `json:"is_rate_limited,omitempty"`
}

// Lead is a bulk-verify input item: a person plus their company website.
type Lead struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Website   string `json:"website"`
}

// EnrichedMember is a profile after vendor enrichment and email finding.
type EnrichedMember struct {
	LinkedInURL   string `json:"linkedin_url"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	FullName      string `json:"full_name,omitempty"`
	JobTitle      string `json:"job_title,omitempty"`
	CompanyName   string `json:"company_name,omitempty"`
	CompanyDomain string `json:"company_domain,omitempty"`
	Location      string `json:"location,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

// Company carries the learned email pattern for a domain.
type Company struct {
	ID                     string
	Domain                 string
	DetectedEmailPattern   string
	EmailPatternConfidence float64
}

// JobCuePayload is the broker message that wakes a worker for a job.
type JobCuePayload struct {
	JobID string  `json:"job_id"`
	Kind  JobKind `json:"kind"`
}

// Stage configs. Each job kind parses its Config into one of these.

// VerifyLeadsConfig configures a bulk_verify_leads job.
type VerifyLeadsConfig struct {
	Leads      []Lead `json:"leads"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// VerifyEmailsConfig configures a bulk_verify_emails job.
type VerifyEmailsConfig struct {
	Emails     []string `json:"emails"`
	WebhookURL string   `json:"webhook_url,omitempty"`
}

// ScrapeProfilesConfig configures a scrape_profiles job.
type ScrapeProfilesConfig struct {
	LinkedInURLs   []string `json:"linkedin_urls"`
	FindEmails     *bool    `json:"find_emails,omitempty"`
	EnrichProfiles *bool    `json:"enrich_profiles,omitempty"`
	WebhookURL     string   `json:"webhook_url,omitempty"`
}

// EnrichEmailsConfig configures an enrich_emails job. Items already carry a
// resolved company domain; the stage only finds and verifies addresses.
type EnrichEmailsConfig struct {
	Items      []EnrichItem `json:"items"`
	WebhookURL string       `json:"webhook_url,omitempty"`
}

// EnrichItem is one enrich_emails input row.
type EnrichItem struct {
	LinkedInURL   string `json:"linkedin_url,omitempty"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	CompanyDomain string `json:"company_domain"`
}

// JobFilter narrows List queries.
type JobFilter struct {
	UserID  string
	Status  JobStatus
	Kind    JobKind
	Page    int
	PerPage int
}

// Repositories (ports)

// JobRepository persists jobs. All writes commit immediately; the
// orchestrator treats the store as the single source of truth for job state.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, f JobFilter) ([]Job, int, error)
	// UpdateStatus stamps started_at on the first transition to running and
	// completed_at on any terminal transition. Writes landing on a completed
	// or cancelled job return ErrConflict; failed stays writable so a broker
	// redelivery can re-run the job.
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg *string) error
	SetResult(ctx Context, id string, result json.RawMessage) error
	UpdateProgress(ctx Context, id string, processed, failed int) error
	// Cancel flips a non-terminal job to cancelled and returns whether it did.
	Cancel(ctx Context, id string) (bool, error)
	// Requeue flips a completed or failed job back to queued for a retry run
	// and returns whether it did. Cancelled jobs are never requeued.
	Requeue(ctx Context, id string) (bool, error)
}

// TaskRepository persists per-item retry state.
type TaskRepository interface {
	// UpsertFailure records a failed attempt. When a row for the same
	// (job, type, input) exists it consumes one attempt on that row instead
	// of inserting a duplicate; otherwise a fresh row is inserted.
	UpsertFailure(ctx Context, t Task) (string, error)
	ListByJob(ctx Context, jobID string) ([]Task, error)
	// RetryFailed moves failed tasks with attempts < max_attempts back to
	// pending and returns how many were moved.
	RetryFailed(ctx Context, jobID string) (int, error)
	CancelPending(ctx Context, jobID string) error
}

// CompanyRepository stores learned per-domain email patterns across jobs.
type CompanyRepository interface {
	PatternsByDomains(ctx Context, domains []string) (map[string]string, error)
	UpsertPattern(ctx Context, domain, pattern string, confidence float64) error
}

// Queue (port)

// Queue delivers the dequeue cue to worker processes.
type Queue interface {
	EnqueueJob(ctx Context, payload JobCuePayload) (string, error)
}

// EmailVerifier (port)

// EmailVerifier answers deliverability for one address. Implementations own
// their vendor rate limiting and must be safe for concurrent use.
type EmailVerifier interface {
	Verify(ctx Context, email string) (VerificationResult, error)
	Close()
}

// ProfileClient (port)

// ProfileClient fetches a normalised profile for a LinkedIn URL.
type ProfileClient interface {
	Enrich(ctx Context, linkedinURL string) (EnrichedMember, error)
}

// DomainFinder (port)

// DomainFinder guesses a company's mail domain. Returns "" when no candidate
// resolves to MX records.
type DomainFinder interface {
	FindDomain(ctx Context, companyName string) (string, error)
}

// WebhookSender (port)

// WebhookSender POSTs a JSON payload to a caller-provided URL. Delivery
// failure must not affect job state.
type WebhookSender interface {
	Send(ctx Context, url string, payload any) error
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
