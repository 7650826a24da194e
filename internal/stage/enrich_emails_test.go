package stage_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
	"github.com/fairyhunter13/leadgen-engine/internal/stage"
)

func TestEnrichEmails_FindsAndLearnsPatterns(t *testing.T) {
	t.Parallel()
	v := newScriptedVerifier()
	v.answer("ada.lovelace@example.com", domain.VerificationResult{
		Status: domain.VerificationValid, IsDeliverable: true, MXFound: true,
	})
	v.answer("alan.turing@example.com", domain.VerificationResult{
		Status: domain.VerificationValid, IsDeliverable: true, MXFound: true,
	})
	companies := newFakeCompanyRepo(nil)

	job := domain.Job{
		ID: "j1", Kind: domain.KindEnrichEmails, Status: domain.JobRunning, TotalItems: 2,
		Config: mustJSON(domain.EnrichEmailsConfig{Items: []domain.EnrichItem{
			{FirstName: "Ada", LastName: "Lovelace", CompanyDomain: "Example.com"},
			{FirstName: "Alan", LastName: "Turing", CompanyDomain: "example.com"},
		}}),
	}
	jobs := newFakeJobRepo(job)
	s := &stage.EnrichEmails{
		Verifiers: func() domain.EmailVerifier { return v },
		Companies: companies,
	}
	rt := stage.NewRuntime(jobs, &fakeTaskRepo{}, "j1", 10)
	result, _, err := s.Run(context.Background(), job, rt)
	require.NoError(t, err)

	var out struct {
		Items []struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	require.Len(t, out.Items, 2)
	assert.Equal(t, "ada.lovelace@example.com", out.Items[0].Email)
	assert.True(t, out.Items[0].EmailVerified)
	assert.Equal(t, "alan.turing@example.com", out.Items[1].Email)

	// Item 1 learns {first}.{last}; item 2 probes exactly once.
	assert.Equal(t, 2, v.callCount())
	assert.Equal(t, "{first}.{last}", companies.upserts["example.com"])
}

func TestEnrichEmails_MissingDomainFails(t *testing.T) {
	t.Parallel()
	v := newScriptedVerifier()
	job := domain.Job{
		ID: "j1", Kind: domain.KindEnrichEmails, Status: domain.JobRunning, TotalItems: 1,
		Config: mustJSON(domain.EnrichEmailsConfig{Items: []domain.EnrichItem{
			{FirstName: "Ada", LastName: "Lovelace"},
		}}),
	}
	jobs := newFakeJobRepo(job)
	tasks := &fakeTaskRepo{}
	s := &stage.EnrichEmails{Verifiers: func() domain.EmailVerifier { return v }}
	rt := stage.NewRuntime(jobs, tasks, "j1", 10)
	_, _, err := s.Run(context.Background(), job, rt)
	require.NoError(t, err)
	require.NoError(t, rt.Flush(context.Background()))

	got, _ := jobs.Get(context.Background(), "j1")
	assert.Equal(t, 1, got.FailedItems)
	assert.Zero(t, v.callCount())
	require.Len(t, tasks.tasks, 1)
	assert.Equal(t, "enrich_email", tasks.tasks[0].Type)
}
