// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package backup implements the per-field backup core: watermark
// resolution, the time-paginated copy job, and the bounded worker pool
// that runs one job per (measurement, field) pair.
//
// # Field Isolation
//
// Each field is an independent backup unit. A job derives its resume
// point from the destination at start-of-job with a query that only
// sees non-null values of its own field, so concurrent writes of
// sibling fields (even at identical timestamps) can never advance or
// rewind its watermark. Jobs share no mutable watermark state: there is
// nothing in memory to contaminate.
//
// # Ordering
//
// Within one job, points are written in non-decreasing time order.
// Across jobs there is no ordering guarantee, which is what allows the
// pool to run fields in parallel.
package backup

import (
	"time"

	"github.com/TacoronteRiveroCristian/backup-influxdb/catalog"
)

// JobStatus is the terminal state of a field backup job.
type JobStatus string

const (
	StatusSuccess JobStatus = "success"
	StatusSkipped JobStatus = "skipped"
	StatusFailed  JobStatus = "failed"
)

// JobOutcome reports how one field backup job ended.
type JobOutcome struct {
	Ref            catalog.FieldRef `json:"field"`
	Status         JobStatus        `json:"status"`
	RecordsRead    int64            `json:"records_read"`
	RecordsWritten int64            `json:"records_written"`
	Attempts       int              `json:"attempts"`
	Duration       time.Duration    `json:"duration_ns"`
	Partial        bool             `json:"partial,omitempty"`
	SkipReason     string           `json:"skip_reason,omitempty"`
	Error          string           `json:"error,omitempty"`
	WorkerTag      string           `json:"worker_tag,omitempty"`
}

// Report is the aggregate result of one orchestrator run.
type Report struct {
	RunID              string        `json:"run_id"`
	ConfigName         string        `json:"config_name"`
	Mode               string        `json:"mode"`
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
	WallTime           time.Duration `json:"wall_time_ns"`
	Workers            int           `json:"workers"`
	ParallelEfficiency float64       `json:"parallel_efficiency_percent"`
	Outcomes           []JobOutcome  `json:"outcomes"`
}

// Succeeded counts jobs that finished with StatusSuccess.
func (r *Report) Succeeded() int {
	return r.countStatus(StatusSuccess)
}

// Skipped counts jobs that finished with StatusSkipped.
func (r *Report) Skipped() int {
	return r.countStatus(StatusSkipped)
}

// Failed counts jobs that finished with StatusFailed.
func (r *Report) Failed() int {
	return r.countStatus(StatusFailed)
}

// RecordsWritten totals the points written across all jobs.
func (r *Report) RecordsWritten() int64 {
	var total int64
	for _, o := range r.Outcomes {
		total += o.RecordsWritten
	}
	return total
}

func (r *Report) countStatus(status JobStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
