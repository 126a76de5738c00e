package reaper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingCleaner struct {
	calls  int32
	panics bool
}

func (c *countingCleaner) CleanupExpired() ([]string, []string) {
	atomic.AddInt32(&c.calls, 1)
	if c.panics {
		panic("cleanup exploded")
	}
	return nil, nil
}

func TestReaper_RunsOnInterval(t *testing.T) {
	cleaner := &countingCleaner{}
	r := New(cleaner, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if atomic.LoadInt32(&cleaner.calls) < 2 {
		t.Errorf("expected at least 2 sweeps in 55ms at a 10ms interval, got %d", cleaner.calls)
	}
}

func TestReaper_SurvivesPanickingPass(t *testing.T) {
	cleaner := &countingCleaner{panics: true}
	r := New(cleaner, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if atomic.LoadInt32(&cleaner.calls) < 2 {
		t.Errorf("reaper should keep ticking after a panicking pass, got %d calls", cleaner.calls)
	}
}

func TestReaper_StopsOnContextCancel(t *testing.T) {
	cleaner := &countingCleaner{}
	r := New(cleaner, 5*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
