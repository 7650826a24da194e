package stage_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// fakeJobRepo is an in-memory JobRepository.
type fakeJobRepo struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	statusCalls []domain.JobStatus
}

func newFakeJobRepo(jobs ...domain.Job) *fakeJobRepo {
	r := &fakeJobRepo{jobs: make(map[string]*domain.Job)}
	for i := range jobs {
		j := jobs[i]
		r.jobs[j.ID] = &j
	}
	return r
}

func (r *fakeJobRepo) Create(_ domain.Context, j domain.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%d", len(r.jobs)+1)
	}
	r.jobs[j.ID] = &j
	return j.ID, nil
}

func (r *fakeJobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (r *fakeJobRepo) List(_ domain.Context, _ domain.JobFilter) ([]domain.Job, int, error) {
	return nil, 0, nil
}

func (r *fakeJobRepo) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status == domain.JobCompleted || j.Status == domain.JobCancelled {
		return fmt.Errorf("job %s is terminal: %w", id, domain.ErrConflict)
	}
	j.Status = status
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	r.statusCalls = append(r.statusCalls, status)
	return nil
}

func (r *fakeJobRepo) Requeue(_ domain.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || (j.Status != domain.JobCompleted && j.Status != domain.JobFailed) {
		return false, nil
	}
	j.Status = domain.JobQueued
	return true, nil
}

func (r *fakeJobRepo) SetResult(_ domain.Context, id string, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Result = result
	return nil
}

func (r *fakeJobRepo) UpdateProgress(_ domain.Context, id string, processed, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if processed > j.ProcessedItems {
		j.ProcessedItems = processed
	}
	if failed > j.FailedItems {
		j.FailedItems = failed
	}
	return nil
}

func (r *fakeJobRepo) Cancel(_ domain.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = domain.JobCancelled
	return true, nil
}

// fakeTaskRepo collects created tasks.
type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func (r *fakeTaskRepo) Create(_ domain.Context, t domain.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = fmt.Sprintf("task-%d", len(r.tasks)+1)
	r.tasks = append(r.tasks, t)
	return t.ID, nil
}

func (r *fakeTaskRepo) UpsertFailure(_ domain.Context, t domain.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.tasks {
		ex := &r.tasks[i]
		if ex.JobID == t.JobID && ex.Type == t.Type && string(ex.Input) == string(t.Input) &&
			(ex.Status == domain.JobPending || ex.Status == domain.JobFailed) {
			ex.Status = domain.JobFailed
			ex.Attempts++
			ex.ErrorMessage = t.ErrorMessage
			ex.LastAttemptAt = t.LastAttemptAt
			ex.NextRetryAt = nil
			return ex.ID, nil
		}
	}
	t.ID = fmt.Sprintf("task-%d", len(r.tasks)+1)
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}
	r.tasks = append(r.tasks, t)
	return t.ID, nil
}

func (r *fakeTaskRepo) ListByJob(_ domain.Context, jobID string) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.tasks {
		if t.JobID == jobID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeTaskRepo) RetryFailed(_ domain.Context, jobID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.tasks {
		t := &r.tasks[i]
		if t.JobID == jobID && t.Status == domain.JobFailed && t.Attempts < t.MaxAttempts {
			t.Status = domain.JobPending
			t.NextRetryAt = nil
			n++
		}
	}
	return n, nil
}

func (r *fakeTaskRepo) CancelPending(_ domain.Context, _ string) error { return nil }

// fakeCompanyRepo records pattern reads and writes.
type fakeCompanyRepo struct {
	mu       sync.Mutex
	patterns map[string]string
	upserts  map[string]string
}

func newFakeCompanyRepo(patterns map[string]string) *fakeCompanyRepo {
	if patterns == nil {
		patterns = make(map[string]string)
	}
	return &fakeCompanyRepo{patterns: patterns, upserts: make(map[string]string)}
}

func (r *fakeCompanyRepo) PatternsByDomains(_ domain.Context, domains []string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string)
	for _, d := range domains {
		if p, ok := r.patterns[strings.ToLower(d)]; ok {
			out[strings.ToLower(d)] = p
		}
	}
	return out, nil
}

func (r *fakeCompanyRepo) UpsertPattern(_ domain.Context, dom, pattern string, _ float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[strings.ToLower(dom)] = pattern
	r.upserts[strings.ToLower(dom)] = pattern
	return nil
}

// scriptedVerifier answers per-address verdicts and counts calls.
type scriptedVerifier struct {
	mu      sync.Mutex
	answers map[string]domain.VerificationResult
	// fallback used when an address has no scripted answer.
	fallback domain.VerificationResult
	calls    []string
	// onCall, when set, runs before each answer (used to flip job state
	// mid-run in cancellation tests).
	onCall func(email string)
}

func newScriptedVerifier() *scriptedVerifier {
	return &scriptedVerifier{
		answers: make(map[string]domain.VerificationResult),
		fallback: domain.VerificationResult{
			Status: domain.VerificationInvalid,
			Reason: "email rejected by mail server",
		},
	}
}

func (v *scriptedVerifier) answer(email string, res domain.VerificationResult) {
	res.Email = email
	v.answers[email] = res
}

func (v *scriptedVerifier) Verify(_ domain.Context, email string) (domain.VerificationResult, error) {
	v.mu.Lock()
	v.calls = append(v.calls, email)
	onCall := v.onCall
	v.mu.Unlock()
	if onCall != nil {
		onCall(email)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if res, ok := v.answers[email]; ok {
		return res, nil
	}
	res := v.fallback
	res.Email = email
	return res, nil
}

func (v *scriptedVerifier) Close() {}

func (v *scriptedVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

// fakeProfiles returns canned EnrichedMembers per URL.
type fakeProfiles struct {
	mu      sync.Mutex
	members map[string]domain.EnrichedMember
	errs    map[string]error
	calls   []string
}

func (p *fakeProfiles) Enrich(_ domain.Context, url string) (domain.EnrichedMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, url)
	if err, ok := p.errs[url]; ok {
		return domain.EnrichedMember{LinkedInURL: url}, err
	}
	if m, ok := p.members[url]; ok {
		return m, nil
	}
	return domain.EnrichedMember{LinkedInURL: url}, nil
}

// fakeWebhook records sends.
type fakeWebhook struct {
	mu       sync.Mutex
	urls     []string
	payloads []any
	err      error
}

func (w *fakeWebhook) Send(_ domain.Context, url string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, url)
	w.payloads = append(w.payloads, payload)
	return w.err
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
