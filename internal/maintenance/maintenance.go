// Package maintenance runs the cross-map housekeeping jobs of spec.md §4.15:
// periodic reaping of dead registry entries and a trigger for each live
// worker's orphan-sweep pass. Both run outside any single worker's event
// loop, touching only worker handles, never a replica directly (spec.md §5).
package maintenance

import (
	"log/slog"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/registry"
	"github.com/go-co-op/gocron/v2"
)

const (
	reapInterval  = 5 * time.Minute
	sweepInterval = 1 * time.Minute
)

// Scheduler owns the gocron scheduler running the maintenance jobs.
type Scheduler struct {
	sched gocron.Scheduler
}

// Start registers and starts both jobs against reg, on their spec.md §4.15
// cadences.
func Start(reg *registry.Registry, logger *slog.Logger) (*Scheduler, error) {
	return start(reg, logger, reapInterval, sweepInterval)
}

func start(reg *registry.Registry, logger *slog.Logger, reapEvery, sweepEvery time.Duration) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(gocron.DurationJob(reapEvery), gocron.NewTask(func() {
		if n := reg.ReapDead(); n > 0 {
			logger.Info("maintenance: reaped dead worker handles", "count", n)
		}
	}))
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(gocron.DurationJob(sweepEvery), gocron.NewTask(func() {
		reg.BroadcastSweep()
	}))
	if err != nil {
		return nil, err
	}

	s.Start()
	return &Scheduler{sched: s}, nil
}

// Stop drains and stops the scheduler.
func (s *Scheduler) Stop() error {
	return s.sched.Shutdown()
}
