package async

import (
	"context"
	"log/slog"
	"time"
)

// Reclaimer fails work that has been in flight longer than staleAfter
// and returns how many items it failed.
type Reclaimer interface {
	ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

// ReclaimerFunc adapts a function to Reclaimer.
type ReclaimerFunc func(ctx context.Context, staleAfter time.Duration) (int, error)

func (f ReclaimerFunc) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	return f(ctx, staleAfter)
}

// Sweeper runs a set of reclaimers once at start and then every interval.
// Tasks lost to a crash or an expired broker entry never reach a worker,
// so the rows they were meant to move stay in flight until swept.
type Sweeper struct {
	reclaimers map[string]Reclaimer
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
}

func NewSweeper(staleAfter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		reclaimers: make(map[string]Reclaimer),
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger,
	}
}

// Add registers r under name. Call before Run.
func (s *Sweeper) Add(name string, r Reclaimer) {
	s.reclaimers[name] = r
}

// Sweep runs every reclaimer once. One failing reclaimer does not stop the
// others.
func (s *Sweeper) Sweep(ctx context.Context) int {
	total := 0
	for name, r := range s.reclaimers {
		n, err := r.ReclaimStale(ctx, s.staleAfter)
		if err != nil {
			s.logger.Error("reclaim.failed", "reclaimer", name, "error", err)
		}
		total += n
	}
	if total > 0 {
		s.logger.Warn("reclaim.sweep", "reclaimed", total, "stale_after", s.staleAfter)
	}
	return total
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
