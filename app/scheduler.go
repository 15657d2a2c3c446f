// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/TacoronteRiveroCristian/backup-influxdb/config"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/metrics"
)

// Run executes the backup process until ctx is canceled. Range mode and
// schedule-less incremental mode run once; incremental mode with a
// schedule runs immediately and then on every cron trigger.
//
// Overlap policy: a tick that fires while the previous run is still
// going is skipped with a warning. Running two ticks concurrently would
// put a second worker on the same field and break the at-most-one-
// worker invariant, so this is not configurable.
func (a *App) Run(ctx context.Context) error {
	a.startMetricsServer()

	if err := a.Connect(ctx); err != nil {
		return err
	}

	a.runGuarded(ctx)

	schedule := a.cfg.Options.Incremental.Schedule
	if a.cfg.Options.BackupMode != config.ModeIncremental || schedule == "" {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		a.runGuarded(ctx)
	})
	if err != nil {
		// Validate() already parsed the expression; this is unreachable
		// with a loaded config.
		return err
	}

	a.log.Info().Str("schedule", schedule).Msg("Scheduler started")
	c.Start()

	<-ctx.Done()
	a.log.Info().Msg("Scheduler stopping")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// runGuarded runs one backup pass under the overlap flag.
func (a *App) runGuarded(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !a.running.CompareAndSwap(false, true) {
		metrics.TicksSkipped.WithLabelValues(a.cfg.Name).Inc()
		a.log.Warn().Msg("Previous run still in progress, skipping this tick")
		return
	}
	defer a.running.Store(false)

	if _, err := a.RunOnce(ctx); err != nil {
		a.anyFailed.Store(true)
		a.log.Error().Err(err).Msg("Backup run aborted")
	}
}
