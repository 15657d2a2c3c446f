// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires one backup configuration into a runnable process:
// endpoint clients, database pair resolution, the field catalog, the
// worker pool, scheduling, reporting and the metrics server.
//
// # Startup Flow
//
//  1. Construct source and destination clients from the configuration
//  2. Ping both endpoints, backing off initial_connection_retry_delay
//     between attempts to tolerate boot-order races with a sidecar
//     InfluxDB
//  3. Create every destination database on demand
//  4. Build the field catalog per database pair
//  5. Submit one job per field to the worker pool
//  6. Collect outcomes, emit the run report, archive and notify
//  7. In incremental mode with a schedule, repeat on each cron trigger;
//     ticks that fire while a run is still going are skipped with a
//     warning
//
// # Graceful Shutdown
//
// Cancellation of the run context propagates cooperatively: workers
// stop at the next window boundary and flush the batch they are
// building, so the next run resumes from an accurate watermark.
package app

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TacoronteRiveroCristian/backup-influxdb/backup"
	"github.com/TacoronteRiveroCristian/backup-influxdb/catalog"
	"github.com/TacoronteRiveroCristian/backup-influxdb/config"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/logger"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/metrics"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/notifications"
	"github.com/TacoronteRiveroCristian/backup-influxdb/storage"
)

const (
	alertContextTimeout   = 5 * time.Second
	readinessCheckTimeout = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// databasePair is a resolved (source db, destination db) mapping.
type databasePair struct {
	Source      string
	Destination string
}

// App represents one backup process.
type App struct {
	cfg         *config.Config
	metricsPort string

	source   *storage.Client
	dest     *storage.Client
	notifier *notifications.SlackNotifier
	reports  *storage.ReportStore
	server   *http.Server

	log zerolog.Logger
	wg  sync.WaitGroup

	running   atomic.Bool
	anyFailed atomic.Bool

	mu         sync.Mutex
	lastReport *backup.Report
}

// New creates the application for one configuration. metricsPort may be
// empty to disable the metrics server.
func New(cfg *config.Config, metricsPort string) (*App, error) {
	a := &App{
		cfg:         cfg,
		metricsPort: metricsPort,
		log:         logger.ForConfig(cfg.Name),
	}

	clientCfg := func(ep config.EndpointConfig) storage.ClientConfig {
		return storage.ClientConfig{
			URL:        ep.URL,
			User:       ep.User,
			Password:   ep.Password,
			VerifySSL:  ep.VerifySSL,
			Timeout:    cfg.Options.TimeoutClient.Duration(),
			Retries:    cfg.Options.Retries,
			RetryDelay: cfg.Options.RetryDelay.Duration(),
		}
	}

	var err error
	a.source, err = storage.NewClient("source", clientCfg(cfg.Source.EndpointConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}
	a.dest, err = storage.NewClient("destination", clientCfg(cfg.Destination))
	if err != nil {
		a.source.Close()
		return nil, fmt.Errorf("failed to create destination client: %w", err)
	}

	a.notifier = notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		a.log.Info().Msg("Slack notifications enabled")
	}

	if cfg.Reports.Directory != "" {
		a.reports, err = storage.NewReportStore(cfg.Reports.Directory, cfg.Reports.MaxSize, cfg.Reports.MaxAge.Duration())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize report archive: %w", err)
		}
		a.log.Info().Str("directory", cfg.Reports.Directory).Msg("Run report archive initialized")
	}

	if metricsPort != "" {
		a.server = a.newMetricsServer()
	}

	return a, nil
}

// Close releases clients and stops the metrics server.
func (a *App) Close() {
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	a.wg.Wait()
	if a.source != nil {
		a.source.Close()
	}
	if a.dest != nil {
		a.dest.Close()
	}
}

// AnyFailed reports whether any run of this process had a failed field.
func (a *App) AnyFailed() bool {
	return a.anyFailed.Load()
}

// Connect pings both endpoints, retrying with the initial connection
// retry delay until the retry budget elapses. A configuration whose
// endpoints never answer fails here and nowhere else.
func (a *App) Connect(ctx context.Context) error {
	if err := a.pingWithRetry(ctx, a.source); err != nil {
		a.notifyEndpointFailure(a.source.URL(), err)
		return err
	}
	if err := a.pingWithRetry(ctx, a.dest); err != nil {
		a.notifyEndpointFailure(a.dest.URL(), err)
		return err
	}
	a.log.Info().Msg("Source and destination endpoints reachable")
	return nil
}

func (a *App) pingWithRetry(ctx context.Context, c *storage.Client) error {
	delay := a.cfg.Options.InitialConnectionRetryDelay.Duration()
	var lastErr error
	for attempt := 1; attempt <= a.cfg.Options.Retries; attempt++ {
		lastErr = c.Ping(ctx)
		if lastErr == nil {
			return nil
		}
		a.log.Warn().Err(lastErr).
			Str("url", c.URL()).
			Int("attempt", attempt).
			Int("retries", a.cfg.Options.Retries).
			Msg("Endpoint not reachable yet")

		if attempt < a.cfg.Options.Retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("endpoint %s unreachable after %d attempts: %w", c.URL(), a.cfg.Options.Retries, lastErr)
}

// resolvePairs maps each configured source database to its destination
// database. An empty database list enumerates every source database and
// decorates its name with the configured prefix/suffix.
func (a *App) resolvePairs(ctx context.Context) ([]databasePair, error) {
	configured := a.cfg.Source.Databases
	if len(configured) == 0 {
		names, err := a.source.ListDatabases(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate source databases: %w", err)
		}
		for _, name := range names {
			configured = append(configured, config.DatabasePair{Name: name})
		}
	}

	pairs := make([]databasePair, 0, len(configured))
	for _, pair := range configured {
		pairs = append(pairs, databasePair{
			Source:      pair.Name,
			Destination: a.cfg.Source.DestinationName(pair),
		})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no source databases to back up")
	}
	return pairs, nil
}

// Validate runs the startup steps without copying anything: connect,
// resolve pairs, ensure destination databases, and build the catalog.
func (a *App) Validate(ctx context.Context) error {
	if err := a.Connect(ctx); err != nil {
		return err
	}

	pairs, err := a.resolvePairs(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	cat := catalog.New(a.source, a.cfg)
	total := 0
	for _, pair := range pairs {
		if err := a.dest.EnsureDatabase(ctx, pair.Destination); err != nil {
			return err
		}
		result, err := cat.Fields(ctx, pair.Source, now)
		if err != nil {
			return err
		}
		total += len(result.Selected)
	}

	a.log.Info().Int("fields", total).Int("databases", len(pairs)).Msg("Configuration validated")
	return nil
}

// RunOnce executes one full backup run and returns its report.
func (a *App) RunOnce(ctx context.Context) (*backup.Report, error) {
	started := time.Now().UTC()
	report := &backup.Report{
		RunID:      uuid.NewString(),
		ConfigName: a.cfg.Name,
		Mode:       a.cfg.Options.BackupMode,
		StartedAt:  started,
	}

	pairs, err := a.resolvePairs(ctx)
	if err != nil {
		return nil, err
	}

	cat := catalog.New(a.source, a.cfg)
	var jobs []*backup.Job

	for _, pair := range pairs {
		if err := a.dest.EnsureDatabase(ctx, pair.Destination); err != nil {
			return nil, err
		}

		result, err := cat.Fields(ctx, pair.Source, started)
		if err != nil {
			return nil, err
		}

		for _, ref := range result.Obsolete {
			metrics.FieldsSkipped.WithLabelValues(a.cfg.Name).Inc()
			report.Outcomes = append(report.Outcomes, backup.JobOutcome{
				Ref:        ref,
				Status:     backup.StatusSkipped,
				SkipReason: "obsolete",
			})
		}
		for _, ref := range result.Selected {
			jobs = append(jobs, backup.NewJob(a.cfg, ref, pair.Destination, a.source, a.dest))
		}
	}

	metrics.FieldsDiscovered.WithLabelValues(a.cfg.Name).Set(float64(len(jobs)))
	a.log.Info().
		Int("fields", len(jobs)).
		Int("workers", a.cfg.Options.ParallelWorkers).
		Str("mode", report.Mode).
		Str("run_id", report.RunID).
		Msg("Starting backup run")

	pool := backup.NewPool(a.cfg.Name, a.cfg.Options.ParallelWorkers)
	outcomes, stats := pool.Run(ctx, jobs, nil)

	report.Outcomes = append(report.Outcomes, outcomes...)
	report.FinishedAt = time.Now().UTC()
	report.WallTime = report.FinishedAt.Sub(report.StartedAt)
	report.Workers = stats.Workers
	report.ParallelEfficiency = stats.ParallelEfficiency

	a.finishRun(report)
	return report, nil
}

// finishRun logs, archives and notifies one completed run.
func (a *App) finishRun(report *backup.Report) {
	failed := report.Failed()
	if failed > 0 {
		a.anyFailed.Store(true)
	}

	result := "success"
	if failed > 0 {
		result = "failed"
	}
	metrics.RunsTotal.WithLabelValues(a.cfg.Name, result).Inc()

	a.mu.Lock()
	a.lastReport = report
	a.mu.Unlock()

	event := a.log.Info()
	if failed > 0 {
		event = a.log.Error()
	}
	event.
		Str("run_id", report.RunID).
		Int("succeeded", report.Succeeded()).
		Int("skipped", report.Skipped()).
		Int("failed", failed).
		Int64("records_written", report.RecordsWritten()).
		Dur("wall_time", report.WallTime).
		Float64("parallel_efficiency", report.ParallelEfficiency).
		Msg("Backup run finished")

	if a.reports != nil {
		if _, err := a.reports.Save(report.RunID, report); err != nil {
			a.log.Error().Err(err).Msg("Failed to archive run report")
		}
	}

	if a.notifier.IsEnabled() {
		alertCtx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
		defer cancel()
		if err := a.notifier.SendRunSummary(alertCtx, a.cfg.Name,
			report.Succeeded(), report.Skipped(), failed, report.WallTime); err != nil {
			a.log.Error().Err(err).Msg("Failed to send run summary notification")
		}
	}
}

func (a *App) notifyEndpointFailure(url string, err error) {
	if !a.notifier.IsEnabled() {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
	defer cancel()
	if notifyErr := a.notifier.SendEndpointFailure(alertCtx, a.cfg.Name, url, err); notifyErr != nil {
		a.log.Error().Err(notifyErr).Msg("Failed to send endpoint failure alert")
	}
}

// DumpState dumps current application state to logs (SIGUSR1).
func (a *App) DumpState() {
	a.log.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	a.log.Info().
		Bool("run_in_progress", a.running.Load()).
		Bool("any_failed", a.anyFailed.Load()).
		Msg("Run state")

	a.mu.Lock()
	last := a.lastReport
	a.mu.Unlock()
	if last != nil {
		a.log.Info().
			Str("run_id", last.RunID).
			Time("finished_at", last.FinishedAt).
			Int("succeeded", last.Succeeded()).
			Int("skipped", last.Skipped()).
			Int("failed", last.Failed()).
			Msg("Last run")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	a.log.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	a.log.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs (SIGUSR2).
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024)
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}
