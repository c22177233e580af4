/**
 * @description
 * Cron scheduler setup for the billing jobs.
 */
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/reportly/billing-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.SchedulerConfig
}

// NewScheduler creates a new scheduler instance. Schedules are evaluated in the business timezone.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(cfg.Location()),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
// It returns the number of jobs that were registered.
func (s *Scheduler) Start() int {
	registered := 0

	if _, err := s.cron.AddFunc(s.config.ExpiryJobSchedule, s.jobs.ExpireCancellations); err != nil {
		s.logger.Error("failed to schedule cancellation expiry job", "error", err)
	} else {
		registered++
		s.logger.Info("scheduled cancellation expiry job", "schedule", s.config.ExpiryJobSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.BillingJobSchedule, s.jobs.RunRecurringBilling); err != nil {
		s.logger.Error("failed to schedule recurring billing job", "error", err)
	} else {
		registered++
		s.logger.Info("scheduled recurring billing job", "schedule", s.config.BillingJobSchedule)
	}

	s.cron.Start()
	return registered
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
