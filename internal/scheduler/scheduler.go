// Package scheduler manages background jobs and the market-close trigger.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of scheduled work. Jobs own their timeouts; Run blocks
// until the work is done so the scheduler can wait for in-flight jobs
// on shutdown.
type Job interface {
	Run() error
	Name() string
}

// Scheduler runs registered jobs on six-field cron schedules
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a scheduler
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins dispatching jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops dispatching and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job on a cron schedule ("0 * * * * *" for every
// minute, "0 30 4 * * *" for 04:30 daily). Job failures are logged,
// never fatal; the next tick retries.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	jobLog := s.log.With().Str("job", job.Name()).Logger()

	_, err := s.cron.AddFunc(schedule, func() {
		start := time.Now()
		if err := job.Run(); err != nil {
			jobLog.Error().Err(err).Dur("duration", time.Since(start)).Msg("Job failed")
			return
		}
		jobLog.Debug().Dur("duration", time.Since(start)).Msg("Job completed")
	})
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", job.Name(), err)
	}

	jobLog.Info().Str("schedule", schedule).Msg("Job registered")
	return nil
}
