package api

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"powerscraper/internal/collector"
)

// Scheduler runs one collection per day at a fixed hour
type Scheduler struct {
	trigger Trigger
	log     *zap.Logger
	hour    int
	now     func() time.Time
}

// NewScheduler creates a daily scheduler firing at the given local hour
func NewScheduler(trigger Trigger, log *zap.Logger, hour int) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		trigger: trigger,
		log:     log,
		hour:    hour,
		now:     time.Now,
	}
}

// NextUpdate returns the next scheduled run time
func (s *Scheduler) NextUpdate() time.Time {
	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, now.Location())
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run blocks until ctx is canceled, firing a collection run at every
// scheduled time. A run still in progress at the next tick is skipped.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.NextUpdate()
		s.log.Info("next scheduled update", zap.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		run, err := s.trigger.Run(ctx)
		switch {
		case errors.Is(err, collector.ErrRunInProgress):
			s.log.Warn("skipping scheduled update, a run is already active")
		case err != nil:
			s.log.Error("scheduled update failed", zap.Error(err))
		default:
			s.log.Info("scheduled update finished",
				zap.String("outcome", run.Outcome),
				zap.Int("inserted", run.Inserted),
				zap.Int("updated", run.Updated))
		}
	}
}
