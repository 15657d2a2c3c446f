// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// InfluxDB Field Backup copies time-series data between InfluxDB 1.x
// instances, treating every (measurement, field) pair as an independent
// backup unit.
//
// # Application Architecture
//
// The application runs in one of two shapes:
//   - Single configuration (--config points at a file): one process
//     runs the orchestrator directly: ping both endpoints, build the
//     field catalog, copy each field through the worker pool, report.
//   - Configuration directory (--config points at a directory): the
//     process becomes a supervisor that re-execs itself once per
//     configuration file. Configurations are fully isolated from each
//     other; a crash in one cannot affect the rest.
//
// # Incremental Watermarks
//
// There is no local state. Each field's resume point is derived at the
// start of its job from the destination database with a query that only
// sees non-null values of that field, so fields sharing a measurement
// can never contaminate each other's watermarks.
//
// # Command-Line Usage
//
// Run one configuration:
//
//	backup-influxdb --config backup.yaml
//
// Run every configuration in a directory, one process each:
//
//	backup-influxdb --config /etc/backups/ --watch
//
// Validate a configuration without copying anything:
//
//	backup-influxdb --config backup.yaml --validate-only
//
// Expose Prometheus metrics and health endpoints:
//
//	backup-influxdb --config backup.yaml --metrics-port 9090
//
// # Exit Codes
//
//	0  success
//	2  configuration invalid
//	3  at least one field failed
//	4  endpoint unreachable after retries
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TacoronteRiveroCristian/backup-influxdb/app"
	"github.com/TacoronteRiveroCristian/backup-influxdb/config"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/logger"
	"github.com/TacoronteRiveroCristian/backup-influxdb/runner"
)

var (
	flagConfig       string
	flagValidateOnly bool
	flagVerbose      bool
	flagMetricsPort  string
	flagWatch        bool
)

func main() {
	os.Exit(run())
}

func run() int {
	exitCode := runner.ExitOK

	rootCmd := &cobra.Command{
		Use:           "backup-influxdb",
		Short:         "Per-field incremental backup between InfluxDB 1.x instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exitCode = execute(cmd.Context())
			return nil
		},
	}

	rootCmd.Flags().StringVar(&flagConfig, "config", "", "configuration file or directory (required)")
	rootCmd.Flags().BoolVar(&flagValidateOnly, "validate-only", false, "validate configuration and connectivity, then exit")
	rootCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
	rootCmd.Flags().StringVar(&flagMetricsPort, "metrics-port", "", "port for Prometheus metrics and health endpoints (disabled when empty)")
	rootCmd.Flags().BoolVar(&flagWatch, "watch", false, "in directory mode, restart processes when configuration files change")
	_ = rootCmd.MarkFlagRequired("config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return runner.ExitConfigInvalid
	}
	return exitCode
}

// execute dispatches between directory (supervisor) and file
// (orchestrator) mode.
func execute(ctx context.Context) int {
	info, err := os.Stat(flagConfig)
	if err != nil {
		logger.Error().Err(err).Str("config", flagConfig).Msg("Configuration path not accessible")
		return runner.ExitConfigInvalid
	}

	if info.IsDir() && !flagValidateOnly {
		return runner.New(flagConfig, flagVerbose, flagWatch).Run(ctx)
	}
	if info.IsDir() {
		return validateDirectory(ctx)
	}

	return runSingle(ctx, flagConfig)
}

// runSingle runs the orchestrator for one configuration file.
func runSingle(ctx context.Context, path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error().Err(err).Str("config", path).Msg("Invalid configuration")
		return runner.ExitConfigInvalid
	}

	level := cfg.Logging.Level
	if flagVerbose {
		level = "debug"
	}
	logger.Initialize(level)

	application, err := app.New(cfg, flagMetricsPort)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return runner.ExitConfigInvalid
	}
	defer application.Close()

	setupDebugSignalHandlers(application)

	if flagValidateOnly {
		if err := application.Validate(ctx); err != nil {
			logger.Error().Err(err).Msg("Validation failed")
			return runner.ExitUnreachable
		}
		logger.Info().Msg("Configuration valid, endpoints reachable")
		return runner.ExitOK
	}

	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Backup process failed")
		return runner.ExitUnreachable
	}
	if application.AnyFailed() {
		return runner.ExitFieldsFailed
	}
	return runner.ExitOK
}

// validateDirectory validates every configuration in a directory.
func validateDirectory(ctx context.Context) int {
	files, err := config.Discover(flagConfig)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration discovery failed")
		return runner.ExitConfigInvalid
	}

	code := runner.ExitOK
	for _, file := range files {
		if c := runSingle(ctx, file); c != runner.ExitOK {
			code = c
		}
	}
	return code
}
