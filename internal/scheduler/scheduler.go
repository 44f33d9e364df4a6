package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Schedules are cron specs; an empty spec disables the sweep.
type Schedules struct {
	ExpiredCheckouts string
	OverdueRetries   string
	StalledOrders    string
	ProviderHealth   string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(log.StandardLogger())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{cron: c, jobs: jobs, schedules: schedules}
}

// Start registers the jobs and starts the cron scheduler. It returns the number of
// registered jobs.
func (s *Scheduler) Start() int {
	registered := 0
	for _, entry := range []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: "expired checkout sweep", schedule: s.schedules.ExpiredCheckouts, run: s.jobs.SweepExpiredCheckouts},
		{name: "overdue retry sweep", schedule: s.schedules.OverdueRetries, run: s.jobs.SweepOverdueRetries},
		{name: "stalled order sweep", schedule: s.schedules.StalledOrders, run: s.jobs.SweepStalledOrders},
		{name: "provider health probe", schedule: s.schedules.ProviderHealth, run: s.jobs.probe},
	} {
		logger := log.WithFields(log.Fields{"component": "scheduler", "job": entry.name, "schedule": entry.schedule})
		if entry.schedule == "" {
			logger.Info("Job disabled")
			continue
		}
		if _, err := s.cron.AddFunc(entry.schedule, entry.run); err != nil {
			logger.WithError(err).Error("Failed to schedule job")
			continue
		}
		logger.Info("Scheduled job")
		registered++
	}

	s.cron.Start()
	return registered
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
