// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus instrumentation for the backup
// service. All metrics are automatically registered with Prometheus and
// exposed via the /metrics endpoint when the metrics server is enabled.
//
// The metrics include counters for fields and points processed, gauges
// for the currently running workers, and histograms for query and write
// durations.
//
// # Cardinality Considerations
//
// Per-field labels (measurement, field) are deliberately NOT used: a
// source database can easily carry tens of thousands of fields and each
// label combination is its own time series. Counters are aggregated per
// configuration instead; per-field detail lives in the run report and
// the structured logs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FieldsDiscovered tracks the number of fields selected by the catalog in the last run
	FieldsDiscovered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backup_fields_discovered",
		Help: "Number of (measurement, field) pairs selected for backup in the last catalog pass",
	}, []string{"config"})

	// FieldsSucceeded tracks fields copied without error
	FieldsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_fields_succeeded_total",
		Help: "Total field backup jobs that completed successfully (count, monotonically increasing)",
	}, []string{"config"})

	// FieldsFailed tracks fields whose backup job failed
	FieldsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_fields_failed_total",
		Help: "Total field backup jobs that failed on a fatal error or after exhausting retries (count)",
	}, []string{"config"})

	// FieldsSkipped tracks fields skipped by the obsolescence filter or with nothing to copy
	FieldsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_fields_skipped_total",
		Help: "Total field backup jobs skipped (obsolete field or nothing to copy)",
	}, []string{"config"})

	// PointsRead tracks points streamed from the source
	PointsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_points_read_total",
		Help: "Total points read from the source database (count)",
	}, []string{"config"})

	// PointsWritten tracks points written to the destination
	PointsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_points_written_total",
		Help: "Total points written to the destination database (count)",
	}, []string{"config"})

	// WriteRetries tracks retried destination writes
	WriteRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_write_retries_total",
		Help: "Total destination write attempts that were retried after a transient error (count)",
	}, []string{"config"})

	// WorkersActive tracks workers currently executing a field job
	WorkersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backup_workers_active",
		Help: "Number of pool workers currently executing a field backup job",
	}, []string{"config"})

	// ParallelEfficiency reports the efficiency of the last completed run
	ParallelEfficiency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backup_parallel_efficiency_percent",
		Help: "Parallel efficiency of the last run: sum(per-job wall) / (aggregate wall * workers) * 100",
	}, []string{"config"})

	// QueryDuration observes source window query latency
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backup_query_duration_seconds",
		Help:    "Duration of source window queries (seconds)",
		Buckets: prometheus.DefBuckets,
	}, []string{"config"})

	// WriteDuration observes destination batch write latency
	WriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backup_write_duration_seconds",
		Help:    "Duration of destination batch writes (seconds)",
		Buckets: prometheus.DefBuckets,
	}, []string{"config"})

	// RunsTotal counts completed orchestrator runs
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_runs_total",
		Help: "Total completed backup runs per configuration and result",
	}, []string{"config", "result"})

	// TicksSkipped counts scheduler ticks refused because the previous run was still going
	TicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_schedule_ticks_skipped_total",
		Help: "Scheduled ticks skipped because the previous run was still in progress (count)",
	}, []string{"config"})
)
