package mailtester

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// slidingWindow admits at most max requests per window. Admission blocks
// until the oldest recorded request falls out of the window; a small buffer
// is added to the wait so the remote counter, whose clock we cannot see, has
// certainly expired the slot too.
type slidingWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	max        int
	window     time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

const windowSkewBuffer = 100 * time.Millisecond

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		max:    max,
		window: window,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// wait blocks until a request slot is free, then records the request.
func (w *slidingWindow) wait(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		now := w.now()
		w.purge(now)
		if len(w.timestamps) < w.max {
			w.timestamps = append(w.timestamps, now)
			return nil
		}

		oldest := w.timestamps[0]
		d := w.window - now.Sub(oldest) + windowSkewBuffer
		if d <= 0 {
			continue
		}
		slog.Info("verification rate limit reached, waiting",
			slog.Int("in_window", len(w.timestamps)),
			slog.Int("max", w.max),
			slog.Duration("wait", d))
		// Hold the lock across the sleep: admission order is FIFO and no
		// other caller could be admitted before the oldest slot expires anyway.
		if err := w.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// inWindow reports how many recorded requests are still inside the window.
func (w *slidingWindow) inWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purge(w.now())
	return len(w.timestamps)
}

// purge drops timestamps older than the window. Caller holds the lock.
func (w *slidingWindow) purge(now time.Time) {
	cut := 0
	for cut < len(w.timestamps) && now.Sub(w.timestamps[cut]) >= w.window {
		cut++
	}
	if cut > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[cut:]...)
	}
}
