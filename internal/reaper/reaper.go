// Package reaper runs the periodic sweep that reclaims expired work units
// and removes agents that have stopped heartbeating.
package reaper

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner is the subset of *registry.Registry the reaper depends on.
type Cleaner interface {
	CleanupExpired() (releasedPaths []string, removedAgents []string)
}

// Reaper runs Cleaner.CleanupExpired on a fixed interval until its
// context is canceled. A panic or error surfaced from a single pass is
// logged and the reaper continues on its next tick — a bad pass must
// never take the daemon down.
type Reaper struct {
	cleaner  Cleaner
	interval time.Duration
	logger   *slog.Logger
}

// New constructs a Reaper. interval defaults to 30 seconds if non-positive.
func New(cleaner Cleaner, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{cleaner: cleaner, interval: interval, logger: logger}
}

// Run blocks, sweeping on every tick, until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

// sweepOnce runs a single cleanup pass, recovering from any panic so the
// ticker loop in Run is never interrupted.
func (r *Reaper) sweepOnce() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reaper pass panicked", "recover", rec)
		}
	}()

	released, removed := r.cleaner.CleanupExpired()
	if len(released) > 0 || len(removed) > 0 {
		r.logger.Info("reaper pass completed",
			"released_work_units", released,
			"removed_agents", removed,
		)
	}
}
