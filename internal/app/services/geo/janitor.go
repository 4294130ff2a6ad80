package geo

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/crossvault/authcore/pkg/logger"
)

// Janitor periodically purges expired location records on a cron schedule.
// It implements system.Service.
type Janitor struct {
	svc      *Service
	schedule string
	log      *logger.Logger
	cron     *cron.Cron
}

// NewJanitor creates the cleanup job. schedule uses cron syntax, including
// the @every form.
func NewJanitor(svc *Service, schedule string, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.NewDefault("geo-janitor")
	}
	if schedule == "" {
		schedule = "@every 1h"
	}
	return &Janitor{svc: svc, schedule: schedule, log: log}
}

// Name implements system.Service.
func (j *Janitor) Name() string { return "geo-janitor" }

// Start schedules the cleanup job.
func (j *Janitor) Start(context.Context) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.svc.CleanupExpired(context.Background()); err != nil {
			j.log.WithError(err).Error("location record cleanup failed")
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.log.WithField("schedule", j.schedule).Info("geo janitor started")
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	j.log.Info("geo janitor stopped")
	return nil
}
