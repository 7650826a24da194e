package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/leadgen-engine/internal/app"
	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

type staleStub struct {
	mu     sync.Mutex
	cues   []domain.JobCuePayload
	err    error
	sweeps int
}

func (s *staleStub) RequeueStale(_ context.Context, _ time.Duration) ([]domain.JobCuePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	if s.err != nil {
		return nil, s.err
	}
	out := s.cues
	s.cues = nil
	return out, nil
}

func (s *staleStub) sweepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

type cueQueue struct {
	mu   sync.Mutex
	cues []domain.JobCuePayload
	err  error
}

func (q *cueQueue) EnqueueJob(_ domain.Context, p domain.JobCuePayload) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.cues = append(q.cues, p)
	return p.JobID, nil
}

func (q *cueQueue) enqueued() []domain.JobCuePayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.JobCuePayload(nil), q.cues...)
}

func TestSweeper_RequeuesStaleJobs(t *testing.T) {
	t.Parallel()
	jobs := &staleStub{cues: []domain.JobCuePayload{
		{JobID: "j1", Kind: domain.KindBulkVerifyLeads},
		{JobID: "j2", Kind: domain.KindScrapeProfiles},
	}}
	q := &cueQueue{}
	s := app.NewStuckJobSweeper(jobs, q, time.Hour, time.Minute)
	require.NotNil(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return len(q.enqueued()) == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	cues := q.enqueued()
	assert.Equal(t, "j1", cues[0].JobID)
	assert.Equal(t, "j2", cues[1].JobID)
	assert.GreaterOrEqual(t, jobs.sweepCount(), 1)
}

func TestSweeper_EnqueueFailureDoesNotStopSweep(t *testing.T) {
	t.Parallel()
	jobs := &staleStub{cues: []domain.JobCuePayload{{JobID: "j1"}}}
	q := &cueQueue{err: fmt.Errorf("broker down")}
	s := app.NewStuckJobSweeper(jobs, q, time.Hour, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return jobs.sweepCount() >= 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Empty(t, q.enqueued())
}

func TestNewStuckJobSweeper_NilDepsYieldNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, app.NewStuckJobSweeper(nil, &cueQueue{}, 0, 0))
	assert.Nil(t, app.NewStuckJobSweeper(&staleStub{}, nil, 0, 0))
}
