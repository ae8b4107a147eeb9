package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/config"
	"github.com/graphweave/graphweave-engine/pkg/models"
)

// DatasourceLister is the slice of the ingestor surface the scheduler
// needs: the datasources a given client is responsible for syncing.
type DatasourceLister interface {
	ListDatasources(ctx context.Context) ([]*models.DataSourceInfo, error)
}

// Scheduler decides when the next sync pass should run for a set of
// datasources, driving the ingest -> index -> heuristic-reconcile pipeline.
type Scheduler struct {
	cfg    config.SchedulerConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler with the given interval configuration.
func NewScheduler(cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		logger: logger.Named("scheduler"),
		now:    time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	s.now = now
}

// CalculateNextSyncTime returns how many seconds to sleep before the next
// sync pass and whether any datasources exist. With no datasources, or
// when listing fails, it returns the maximum interval so the caller backs
// off instead of busy-polling. A datasource that has never synced, or
// whose reload window has already passed, yields zero (sync now);
// otherwise the minimum remaining window across datasources is clamped
// into [min, max].
func (s *Scheduler) CalculateNextSyncTime(ctx context.Context, client DatasourceLister) (int, bool) {
	datasources, err := client.ListDatasources(ctx)
	if err != nil {
		s.logger.Warn("failed to list datasources, backing off",
			zap.Error(err))
		return s.cfg.MaxSyncIntervalSeconds, false
	}
	if len(datasources) == 0 {
		return s.cfg.MaxSyncIntervalSeconds, false
	}

	// The fallback here is the reload default, never the scheduler's own
	// polling interval: conflating them makes every source look perpetually
	// overdue and causes immediate repeated re-syncs.
	defaultReload := time.Duration(s.cfg.DefaultReloadIntervalSeconds) * time.Second
	now := s.now()

	minRemaining := time.Duration(-1)
	for _, ds := range datasources {
		if ds.NeverSynced() {
			return 0, true
		}
		reloadAt := time.Unix(ds.LastUpdated, 0).Add(ds.ReloadInterval(defaultReload))
		remaining := reloadAt.Sub(now)
		if remaining <= 0 {
			return 0, true
		}
		if minRemaining < 0 || remaining < minRemaining {
			minRemaining = remaining
		}
	}

	sleep := int(minRemaining.Seconds())
	if sleep < s.cfg.MinSyncIntervalSeconds {
		sleep = s.cfg.MinSyncIntervalSeconds
	}
	if sleep > s.cfg.MaxSyncIntervalSeconds {
		sleep = s.cfg.MaxSyncIntervalSeconds
	}
	return sleep, true
}

// Run drives the sync loop until the context is cancelled. When a sync is
// due, syncPass is invoked; its errors are logged and the loop continues
// with the next scheduling decision.
func (s *Scheduler) Run(ctx context.Context, client DatasourceLister, syncPass func(context.Context) error) {
	for {
		sleep, hasDatasources := s.CalculateNextSyncTime(ctx, client)
		if sleep == 0 && hasDatasources {
			if err := syncPass(ctx); err != nil {
				s.logger.Error("sync pass failed", zap.Error(err))
			}
			// Re-evaluate scheduling after the pass; the pass itself updates
			// datasource timestamps.
			sleep = s.cfg.MinSyncIntervalSeconds
		}

		s.logger.Debug("sleeping until next sync check",
			zap.Int("sleep_seconds", sleep),
			zap.Bool("has_datasources", hasDatasources))

		select {
		case <-time.After(time.Duration(sleep) * time.Second):
		case <-ctx.Done():
			return
		}
	}
}
