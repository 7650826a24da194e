package stage_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
	"github.com/fairyhunter13/leadgen-engine/internal/stage"
)

// stubStage lets orchestrator tests script the stage outcome.
type stubStage struct {
	result json.RawMessage
	hook   any
	err    error
	runs   int
	// onRun, when set, fires at the start of Run (used to flip job state
	// mid-run in race tests).
	onRun func()
}

func (s *stubStage) Run(_ domain.Context, _ domain.Job, _ *stage.Runtime) (json.RawMessage, any, error) {
	s.runs++
	if s.onRun != nil {
		s.onRun()
	}
	return s.result, s.hook, s.err
}

// staleReadJobRepo returns the job as stored on Get, then cancels it
// underneath, reproducing a cancel landing between the orchestrator's load
// and its transition to running.
type staleReadJobRepo struct {
	*fakeJobRepo
	cancelled bool
}

func (r *staleReadJobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	j, err := r.fakeJobRepo.Get(ctx, id)
	if err == nil && !r.cancelled {
		r.cancelled = true
		_, _ = r.fakeJobRepo.Cancel(ctx, id)
	}
	return j, err
}

func newOrchestrator(jobs *fakeJobRepo, wh *fakeWebhook, kind domain.JobKind, st stage.Stage) *stage.Orchestrator {
	o := stage.NewOrchestrator(jobs, &fakeTaskRepo{}, wh)
	o.Register(kind, st, 10)
	return o
}

func TestOrchestrator_UnknownJobAcked(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(newFakeJobRepo(), &fakeWebhook{}, domain.KindBulkVerifyLeads, &stubStage{})
	err := o.Handle(context.Background(), domain.JobCuePayload{JobID: "nope", Kind: domain.KindBulkVerifyLeads})
	require.NoError(t, err)
}

func TestOrchestrator_TerminalJobSkipped(t *testing.T) {
	t.Parallel()
	for _, status := range []domain.JobStatus{domain.JobCompleted, domain.JobCancelled} {
		st := &stubStage{}
		jobs := newFakeJobRepo(domain.Job{ID: "j1", Kind: domain.KindBulkVerifyLeads, Status: status})
		o := newOrchestrator(jobs, &fakeWebhook{}, domain.KindBulkVerifyLeads, st)
		require.NoError(t, o.Handle(context.Background(), domain.JobCuePayload{JobID: "j1"}))
		assert.Zero(t, st.runs, string(status))
	}
}

func TestOrchestrator_UnregisteredKindFailsJob(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobRepo(domain.Job{ID: "j1", Kind: domain.KindGenerateContent, Status: domain.JobQueued})
	o := newOrchestrator(jobs, &fakeWebhook{}, domain.KindBulkVerifyLeads, &stubStage{})
	require.NoError(t, o.Handle(context.Background(), domain.JobCuePayload{JobID: "j1"}))
	got, _ := jobs.Get(context.Background(), "j1")
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no stage registered")
}

func TestOrchestrator_SuccessPersistsResultAndFiresWebhook(t *testing.T) {
	t.Parallel()
	st := &stubStage{result: json.RawMessage(`{"ok":true}`), hook: map[string]string{"job_id": "j1"}}
	wh := &fakeWebhook{}
	jobs := newFakeJobRepo(domain.Job{
		ID: "j1", Kind: domain.KindBulkVerifyLeads, Status: domain.JobQueued,
		WebhookURL: "https://hooks.example.com/x",
	})
	o := newOrchestrator(jobs, wh, domain.KindBulkVerifyLeads, st)
	require.NoError(t, o.Handle(context.Background(), domain.JobCuePayload{JobID: "j1"}))

	got, _ := jobs.Get(context.Background(), "j1")
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, []domain.JobStatus{domain.JobRunning, domain.JobCompleted}, jobs.statusCalls)
	require.Len(t, wh.urls, 1)
	assert.Equal(t, "https://hooks.example.com/x", wh.urls[0])
}

func TestOrchestrator_WebhookFailureDoesNotChangeStatus(t *testing.T) {
	t.Parallel()
	st := &stubStage{result: json.RawMessage(`{}`), hook: map[string]string{}}
	wh := &fakeWebhook{err: errors.New("503")}
	jobs := newFakeJobRepo(domain.Job{
		ID: "j1", Kind: domain.KindBulkVerifyLeads, Status: domain.JobQueued,
		WebhookURL: "https://hooks.example.com/x",
	})
	o := newOrchestrator(jobs, wh, domain.KindBulkVerifyLeads, st)
	require.NoError(t, o.Handle(context.Background(), domain.JobCuePayload{JobID: "j1"}))
	got, _ := jobs.Get(context.Background(), "j1")
	assert.Equal(t, domain.JobCompleted, got.Status)
}

func TestOrchestrator_StageErrorFailsJobAndPropagates(t *testing.T) {
	t.Parallel()
	st := &stubStage{err: errors.New("store unavailable")}
	jobs := newFakeJobRepo(domain.Job{ID: "j1", Kind: domain.KindBulkVerifyLeads, Status: domain.JobQueued})
	wh := &fakeWebhook{}
	o := newOrchestrator(jobs, wh, domain.KindBulkVerifyLeads, st)
	err := o.Handle(context.Background(), domain.JobCuePayload{JobID: "j1"})
	require.Error(t, err)
	got, _ := jobs.Get(context.Background(), "j1")
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "store unavailable", got.ErrorMessage)
	assert.Empty(t, wh.urls)
}

func TestOrchestrator_CancelBeforeStartAcksWithoutRunning(t *testing.T) {
	t.Parallel()
	st := &stubStage{result: json.RawMessage(`{}`), hook: map[string]string{}}
	wh := &fakeWebhook{}
	inner := newFakeJobRepo(domain.Job{
		ID: "j1", Kind: domain.KindBulkVerifyLeads, Status: domain.JobQueued,
		WebhookURL: "https://hooks.example.com/x",
	})
	jobs := &staleReadJobRepo{fakeJobRepo: inner}
	o := stage.NewOrchestrator(jobs, &fakeTaskRepo{}, wh)
	o.Register(domain.KindBulkVerifyLeads, st, 10)

	require.NoError(t, o.Handle(context.Background(), domain.JobCuePayload{JobID: "j1"}))
	assert.Zero(t, st.runs)
	assert.Empty(t, wh.urls)
	got, _ := inner.Get(context.Background(), "j1")
	assert.Equal(t, domain.JobCancelled, got.Status)
}

func TestOrchestrator_CancelDuringRunIsNotOverwrittenByCompletion(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobRepo(domain.Job{
		ID: "j1", Kind: domain.KindBulkVerifyLeads, Status: domain.JobQueued,
		WebhookURL: "https://hooks.example.com/x",
	})
	st := &stubStage{
		result: json.RawMessage(`{"ok":true}`),
		hook:   map[string]string{"job_id": "j1"},
		// Cancel lands after the last boundary poll, while the stage is
		// finishing its final items.
		onRun: func() { _, _ = jobs.Cancel(context.Background(), "j1") },
	}
	wh := &fakeWebhook{}
	o := newOrchestrator(jobs, wh, domain.KindBulkVerifyLeads, st)

	require.NoError(t, o.Handle(context.Background(), domain.JobCuePayload{JobID: "j1"}))
	got, _ := jobs.Get(context.Background(), "j1")
	assert.Equal(t, domain.JobCancelled, got.Status)
	assert.Empty(t, wh.urls)
}

func TestOrchestrator_CancelledRunLeavesStateAndSkipsWebhook(t *testing.T) {
	t.Parallel()
	st := &stubStage{err: stage.ErrCancelled}
	jobs := newFakeJobRepo(domain.Job{
		ID: "j1", Kind: domain.KindBulkVerifyLeads, Status: domain.JobQueued,
		WebhookURL: "https://hooks.example.com/x",
	})
	wh := &fakeWebhook{}
	o := newOrchestrator(jobs, wh, domain.KindBulkVerifyLeads, st)
	require.NoError(t, o.Handle(context.Background(), domain.JobCuePayload{JobID: "j1"}))
	// The cancel command already wrote the terminal state; the orchestrator
	// must not overwrite it with failed or completed.
	assert.NotContains(t, jobs.statusCalls, domain.JobFailed)
	assert.NotContains(t, jobs.statusCalls, domain.JobCompleted)
	assert.Empty(t, wh.urls)
}
