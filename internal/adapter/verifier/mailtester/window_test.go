package mailtester

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives a slidingWindow deterministically: sleeps advance the
// clock instead of blocking.
type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	window *slidingWindow
}

func newTestWindow(max int, window time.Duration) (*slidingWindow, *fakeClock) {
	c := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	w := newSlidingWindow(max, window)
	w.now = func() time.Time { return c.now }
	w.sleep = func(_ context.Context, d time.Duration) error {
		c.slept = append(c.slept, d)
		c.now = c.now.Add(d)
		return nil
	}
	c.window = w
	return w, c
}

func TestWindow_AdmitsUpToCapWithoutWaiting(t *testing.T) {
	t.Parallel()
	w, c := newTestWindow(35, 30*time.Second)
	for i := 0; i < 35; i++ {
		require.NoError(t, w.wait(context.Background()))
	}
	assert.Empty(t, c.slept)
	assert.Equal(t, 35, w.inWindow())
}

func TestWindow_36thWaitsForOldestSlot(t *testing.T) {
	t.Parallel()
	w, c := newTestWindow(35, 30*time.Second)
	for i := 0; i < 35; i++ {
		require.NoError(t, w.wait(context.Background()))
		c.now = c.now.Add(20 * time.Millisecond) // ~0.7s to issue all 35
	}
	require.NoError(t, w.wait(context.Background()))
	require.Len(t, c.slept, 1)
	// oldest + W + 100ms: 35 requests issued over 700ms, so the wait is
	// 30s - 700ms + 100ms.
	assert.InDelta(t, (30*time.Second - 700*time.Millisecond + 100*time.Millisecond).Seconds(), c.slept[0].Seconds(), 0.05)
	// After the wait the window must be back under the cap.
	assert.LessOrEqual(t, w.inWindow(), 35)
}

func TestWindow_SlotsExpire(t *testing.T) {
	t.Parallel()
	w, c := newTestWindow(2, 30*time.Second)
	require.NoError(t, w.wait(context.Background()))
	require.NoError(t, w.wait(context.Background()))
	c.now = c.now.Add(31 * time.Second)
	assert.Equal(t, 0, w.inWindow())
	require.NoError(t, w.wait(context.Background()))
	assert.Empty(t, c.slept)
}

func TestWindow_CancelledContext(t *testing.T) {
	t.Parallel()
	w, _ := newTestWindow(1, 30*time.Second)
	w.sleep = sleepCtx // real sleep, cancelled immediately
	require.NoError(t, w.wait(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWindow_CapNeverExceeded(t *testing.T) {
	t.Parallel()
	w, _ := newTestWindow(5, 30*time.Second)
	for i := 0; i < 40; i++ {
		require.NoError(t, w.wait(context.Background()))
		assert.LessOrEqual(t, w.inWindow(), 5)
	}
}
