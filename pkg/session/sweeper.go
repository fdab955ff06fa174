package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically evicts expired sessions from a Registry on a cron
// schedule such as "@every 1m" or "*/5 * * * *".
type Sweeper struct {
	registry *Registry
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper schedules registry sweeps. Call Start to begin.
func NewSweeper(r *Registry, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sweeper{
		registry: r,
		cron:     cron.New(),
		logger:   logger.With("component", "session.sweeper"),
		now:      time.Now,
	}

	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("session: invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Sweeper) Start() {
	s.logger.Info("session sweeper started", "ttl", s.registry.TTL(), "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) runOnce() {
	n := s.registry.Sweep(s.now())
	s.logger.Debug("sweep finished", "evicted", n, "remaining", s.registry.Len())
}
