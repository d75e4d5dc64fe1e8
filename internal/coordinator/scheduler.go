package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultMaintenanceInterval spaces ledger, checkpoint and cache upkeep.
const DefaultMaintenanceInterval = 5 * time.Minute

const jobTimeout = time.Minute

// Scheduler runs the periodic memory check and maintenance on cron.
type Scheduler struct {
	cron *cron.Cron
	c    *Coordinator
}

// NewScheduler creates a scheduler for c. Jobs are skipped while the
// previous run of the same job is still going.
func NewScheduler(c *Coordinator) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		c:    c,
	}
}

// RegisterJobs adds the memory check (when the watchdog is enabled) at the
// policy's watchdog interval and maintenance at maintenanceEvery.
func (s *Scheduler) RegisterJobs(maintenanceEvery time.Duration) error {
	if maintenanceEvery <= 0 {
		maintenanceEvery = DefaultMaintenanceInterval
	}
	if s.c.watchdog != nil {
		if err := s.add("memory_check", s.c.pol.Watchdog.Interval, func(ctx context.Context) error {
			_, err := s.c.CheckMemory(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	return s.add("maintenance", maintenanceEvery, func(ctx context.Context) error {
		_, err := s.c.Maintain(ctx)
		return err
	})
}

func (s *Scheduler) add(name string, every time.Duration, job func(context.Context) error) error {
	spec := "@every " + every.String()
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if err := job(ctx); err != nil {
			log.Error().Err(err).Str("job", name).Msg("scheduled_job_failed")
		}
	})
	if err != nil {
		return fmt.Errorf("registering %s job %q: %w", name, spec, err)
	}
	return nil
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
