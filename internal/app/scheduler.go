/**
 * @description
 * Cron scheduler setup for the scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds the cron expressions for the scheduled jobs.
type SchedulerConfig struct {
	CreditScoringSchedule string
	OverdueSweepSchedule  string
	DefaultSweepSchedule  string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.CreditScoringSchedule, s.jobs.RunCreditScoring); err != nil {
		s.logger.Error("failed to schedule credit scoring job", "error", err)
	} else {
		s.logger.Info("scheduled credit scoring job", "schedule", s.config.CreditScoringSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.OverdueSweepSchedule, s.jobs.SweepOverdueLoans); err != nil {
		s.logger.Error("failed to schedule overdue sweep job", "error", err)
	} else {
		s.logger.Info("scheduled overdue sweep job", "schedule", s.config.OverdueSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.DefaultSweepSchedule, s.jobs.SweepDefaultedLoans); err != nil {
		s.logger.Error("failed to schedule default sweep job", "error", err)
	} else {
		s.logger.Info("scheduled default sweep job", "schedule", s.config.DefaultSweepSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
