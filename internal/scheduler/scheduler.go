// Package scheduler triggers unattended sync runs on a fixed
// interval. It never queues: a tick that lands while a run is active
// is skipped and the next tick tries again.
package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/hadiwn/immich-gphotos-mirror/internal/db"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/errors"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/models"
)

// Runner is the part of the sync engine the scheduler drives.
type Runner interface {
	Run(ctx context.Context) (*models.RunSummary, error)
}

// Scheduler periodically triggers sync runs while enabled in config.
type Scheduler struct {
	db     *db.DB
	runner Runner
	clock  clockwork.Clock
}

// New creates a scheduler. clock may be nil for the real clock.
func New(database *db.DB, runner Runner, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{db: database, runner: runner, clock: clock}
}

// Run loops until the context is cancelled. The interval is re-read
// from configuration on every tick so changes apply without restart.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		interval := s.interval()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(interval):
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	cfg, err := s.db.GetConfig()
	if err != nil || cfg.SyncIntervalMins <= 0 {
		return time.Hour
	}
	return time.Duration(cfg.SyncIntervalMins) * time.Minute
}

func (s *Scheduler) tick(ctx context.Context) {
	cfg, err := s.db.GetConfig()
	if err != nil {
		log.WithError(err).Error("Failed to load config for scheduled sync")
		return
	}
	if !cfg.SyncEnabled {
		log.Debug("Scheduled sync disabled, skipping tick")
		return
	}

	log.Info("Running scheduled sync")
	summary, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, errors.ErrRunInProgress):
		log.Warn("Sync already running, skipping scheduled run")
	case err != nil:
		log.WithError(err).Error("Scheduled sync could not start")
	default:
		log.WithField("run_id", summary.ID).Infof(
			"Scheduled sync finished: %s (%d uploaded, %d skipped, %d failed, %d removed)",
			summary.Status, summary.Uploaded, summary.Skipped, summary.Failed, summary.Removed)
	}
}
