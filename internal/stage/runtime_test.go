package stage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
	"github.com/fairyhunter13/leadgen-engine/internal/stage"
)

func TestRuntime_RepeatedFailureConsumesAttemptsOnOneRow(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobRepo(domain.Job{ID: "j1", Status: domain.JobRunning})
	tasks := &fakeTaskRepo{}
	lead := domain.Lead{FirstName: "Ada", LastName: "Lovelace", Website: "example.com"}

	// First run fails the item.
	rt := stage.NewRuntime(jobs, tasks, "j1", 10)
	require.NoError(t, rt.RecordFailure(context.Background(), "verify_lead", lead, "no mx"))
	require.Len(t, tasks.tasks, 1)
	assert.Equal(t, 1, tasks.tasks[0].Attempts)

	// Operator retries, the item fails again on the re-run.
	n, err := tasks.RetryFailed(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rt = stage.NewRuntime(jobs, tasks, "j1", 10)
	require.NoError(t, rt.RecordFailure(context.Background(), "verify_lead", lead, "no mx"))

	require.Len(t, tasks.tasks, 1)
	assert.Equal(t, 2, tasks.tasks[0].Attempts)
	assert.Equal(t, domain.JobFailed, tasks.tasks[0].Status)
}

func TestRuntime_ExhaustedTaskIsNeverRequeued(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobRepo(domain.Job{ID: "j1", Status: domain.JobRunning})
	tasks := &fakeTaskRepo{}
	lead := domain.Lead{FirstName: "Ada", LastName: "Lovelace", Website: "example.com"}

	for i := 0; i < 3; i++ {
		rt := stage.NewRuntime(jobs, tasks, "j1", 10)
		require.NoError(t, rt.RecordFailure(context.Background(), "verify_lead", lead, "no mx"))
		if i < 2 {
			n, err := tasks.RetryFailed(context.Background(), "j1")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		}
	}

	require.Len(t, tasks.tasks, 1)
	assert.Equal(t, 3, tasks.tasks[0].Attempts)
	// Attempt budget spent; nothing moves back to pending.
	n, err := tasks.RetryFailed(context.Background(), "j1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
