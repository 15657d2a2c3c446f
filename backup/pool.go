// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/logger"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/metrics"
)

// lowEfficiencyThreshold is the parallel efficiency below which the
// pool warns that workers spent most of their time idle.
const lowEfficiencyThreshold = 50.0

// Stats summarizes one pool run.
type Stats struct {
	Workers            int
	Wall               time.Duration
	SumJobWall         time.Duration
	ParallelEfficiency float64
}

// Pool runs field backup jobs with bounded concurrency. Each worker is
// identified by a stable tag (T01..Tn) that appears in every log record
// it emits. Outcomes are delivered to the observer as jobs complete,
// not at the end of the run.
type Pool struct {
	configName string
	workers    int
}

// NewPool creates a pool for one configuration.
func NewPool(configName string, workers int) *Pool {
	return &Pool{
		configName: configName,
		workers:    workers,
	}
}

// Run executes all jobs and returns their outcomes and the pool stats.
// observe, if non-nil, is invoked for each outcome as it completes.
// Cancellation propagates cooperatively: in-flight jobs stop at the
// next window boundary (draining the batch being built) and queued
// jobs are reported as skipped.
func (p *Pool) Run(ctx context.Context, jobs []*Job, observe func(JobOutcome)) ([]JobOutcome, Stats) {
	started := time.Now()
	log := logger.ForConfig(p.configName)

	workers := p.workers
	if len(jobs) < workers {
		workers = len(jobs)
	}
	if workers == 0 {
		return nil, Stats{Workers: 0, ParallelEfficiency: 100}
	}

	jobCh := make(chan *Job)
	resultCh := make(chan JobOutcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		tag := fmt.Sprintf("T%02d", i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerLog := logger.ForWorker(p.configName, tag)
			for job := range jobCh {
				if ctx.Err() != nil {
					resultCh <- JobOutcome{
						Ref:        job.Ref(),
						Status:     StatusSkipped,
						SkipReason: "canceled before start",
						WorkerTag:  tag,
					}
					continue
				}

				workerLog.Debug().Str("field", job.Ref().String()).Msg("Job started")
				metrics.WorkersActive.WithLabelValues(p.configName).Inc()

				job.setWorker(tag)
				outcome := job.Run(ctx)
				outcome.WorkerTag = tag

				metrics.WorkersActive.WithLabelValues(p.configName).Dec()
				resultCh <- outcome
			}
		}()
	}

	go func() {
		for _, job := range jobs {
			jobCh <- job
		}
		close(jobCh)
		wg.Wait()
		close(resultCh)
	}()

	outcomes := make([]JobOutcome, 0, len(jobs))
	var sumJobWall time.Duration
	for outcome := range resultCh {
		sumJobWall += outcome.Duration
		outcomes = append(outcomes, outcome)

		switch outcome.Status {
		case StatusSuccess:
			metrics.FieldsSucceeded.WithLabelValues(p.configName).Inc()
		case StatusSkipped:
			metrics.FieldsSkipped.WithLabelValues(p.configName).Inc()
		case StatusFailed:
			metrics.FieldsFailed.WithLabelValues(p.configName).Inc()
		}

		event := log.Info()
		if outcome.Status == StatusFailed {
			event = log.Error()
		}
		event.
			Str("worker", outcome.WorkerTag).
			Str("field", outcome.Ref.String()).
			Str("status", string(outcome.Status)).
			Int64("records_written", outcome.RecordsWritten).
			Int("attempts", outcome.Attempts).
			Dur("duration", outcome.Duration).
			Msg("Job finished")

		if observe != nil {
			observe(outcome)
		}
	}

	stats := Stats{
		Workers:    workers,
		Wall:       time.Since(started),
		SumJobWall: sumJobWall,
	}
	stats.ParallelEfficiency = efficiency(sumJobWall, stats.Wall, workers)
	metrics.ParallelEfficiency.WithLabelValues(p.configName).Set(stats.ParallelEfficiency)

	if stats.ParallelEfficiency < lowEfficiencyThreshold && len(jobs) >= workers {
		log.Warn().
			Float64("efficiency_percent", stats.ParallelEfficiency).
			Int("workers", workers).
			Msg("Low parallel efficiency, workers were mostly idle")
	}

	return outcomes, stats
}

// efficiency computes (sum of per-job wall) / (aggregate wall * workers)
// as a percentage.
func efficiency(sumJobWall, wall time.Duration, workers int) float64 {
	if wall <= 0 || workers <= 0 {
		return 100
	}
	return float64(sumJobWall) / (float64(wall) * float64(workers)) * 100
}
