package cron

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/go-co-op/gocron/v2"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/marketplace"
)

// Scheduler runs the periodic marketplace update check. Instances
// without it still get opportunistic checks through the fallback
// throttle on the updates endpoint.
type Scheduler struct {
	scheduler gocron.Scheduler
}

// Start schedules the update check at the configured interval and kicks
// the scheduler off in the background. Returns nil without starting
// anything when the interval is zero.
func Start(checker *marketplace.Checker) (*Scheduler, error) {
	interval := config.Get().Marketplace.CheckIntervalHours
	if interval <= 0 {
		log.Info("periodic update checks are disabled, relying on fallback checks")
		return nil, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.WithMessage(err, "cron: failed to create scheduler")
	}

	_, err = s.NewJob(
		gocron.DurationJob(time.Duration(interval)*time.Hour),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			result := checker.CheckForUpdates(ctx, true)
			if !result.Success {
				log.WithField("error", result.Error).Warn("scheduled update check failed")
				return
			}
			log.WithField("updates", len(result.Updates)).Info("scheduled update check completed")
		}),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "cron: failed to schedule update check")
	}

	s.Start()
	log.WithField("interval_hours", interval).Info("scheduled periodic update checks")
	return &Scheduler{scheduler: s}, nil
}

// Stop shuts the scheduler down, waiting for a running job to finish.
func (s *Scheduler) Stop() {
	if s == nil || s.scheduler == nil {
		return
	}
	if err := s.scheduler.Shutdown(); err != nil {
		log.WithField("error", err).Warn("failed to shut down update check scheduler")
	}
}
