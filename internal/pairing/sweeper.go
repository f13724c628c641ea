package pairing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec runs the expiry sweep every five minutes.
const DefaultSweepSpec = "@every 5m"

// Sweeper periodically drops expired pairing requests.
type Sweeper struct {
	cron   *cron.Cron
	store  Store
	logger *slog.Logger
}

// NewSweeper schedules PruneExpired on a cron schedule.
func NewSweeper(log *slog.Logger, store Store, schedule string) (*Sweeper, error) {
	if log == nil {
		log = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultSweepSpec
	}
	s := &Sweeper{
		cron:   cron.New(),
		store:  store,
		logger: log.With(slog.String("component", "pairing_sweeper")),
	}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("schedule pairing sweep %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep prunes expired requests once.
func (s *Sweeper) Sweep() {
	removed, err := s.store.PruneExpired(context.Background())
	if err != nil {
		s.logger.Warn("pairing sweep failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		s.logger.Info("pairing requests expired", slog.Int("count", removed))
	}
}
