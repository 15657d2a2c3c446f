// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backup

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/TacoronteRiveroCristian/backup-influxdb/catalog"
	"github.com/TacoronteRiveroCristian/backup-influxdb/config"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/errors"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/logger"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/metrics"
	"github.com/TacoronteRiveroCristian/backup-influxdb/storage"
)

const (
	modeIncremental = config.ModeIncremental
	modeRange       = config.ModeRange

	// drainTimeout bounds the final flush when a job is canceled
	// mid-window. Draining (rather than dropping) the current batch
	// keeps the next run's watermark accurate.
	drainTimeout = 30 * time.Second
)

// SourceReader is the slice of the storage client a job reads with.
type SourceReader interface {
	FirstFieldWriteTime(ctx context.Context, db, measurement, field string) (time.Time, bool, error)
	QueryFieldWindow(ctx context.Context, db, measurement, field, fieldType, groupBy string, start, end time.Time, startExclusive bool, fn func(storage.Point) error) error
}

// DestinationWriter is the slice of the storage client a job writes
// with and derives its watermark from.
type DestinationWriter interface {
	LastFieldWriteTime(ctx context.Context, db, measurement, field string) (time.Time, bool, error)
	WriteBatch(ctx context.Context, db, measurement string, points []storage.Point) error
}

// Job copies one field from source to destination: resolve the resume
// point, iterate time windows, stream each window's points and write
// them in batches.
type Job struct {
	ref    catalog.FieldRef
	destDB string

	mode       string
	rangeStart time.Time
	rangeEnd   time.Time
	groupBy    string
	span       time.Duration
	batchSize  int
	retries    int
	retryDelay time.Duration

	source SourceReader
	dest   DestinationWriter

	configName string
	log        zerolog.Logger
	now        func() time.Time
}

// NewJob builds the job for one FieldRef. destDB is the resolved
// destination database for the ref's source database.
func NewJob(cfg *config.Config, ref catalog.FieldRef, destDB string, source SourceReader, dest DestinationWriter) *Job {
	j := &Job{
		ref:        ref,
		destDB:     destDB,
		mode:       cfg.Options.BackupMode,
		groupBy:    cfg.Source.GroupBy,
		span:       time.Duration(cfg.Options.DaysOfPagination) * 24 * time.Hour,
		batchSize:  cfg.Options.BatchSize,
		retries:    cfg.Options.Retries,
		retryDelay: cfg.Options.RetryDelay.Duration(),
		source:     source,
		dest:       dest,
		configName: cfg.Name,
		log:        logger.ForConfig(cfg.Name),
		now:        time.Now,
	}
	if j.mode == modeRange {
		// Validate() guarantees the range parses in range mode.
		j.rangeStart, j.rangeEnd, _ = cfg.Options.Range.Parse()
	}
	return j
}

// Ref returns the field this job copies.
func (j *Job) Ref() catalog.FieldRef {
	return j.ref
}

// setWorker attaches the worker-tagged logger before the job runs.
func (j *Job) setWorker(workerTag string) {
	j.log = logger.ForWorker(j.configName, workerTag).With().
		Str("measurement", j.ref.Measurement).
		Str("field", j.ref.Field).
		Logger()
}

// Run executes the job to a terminal state. Cancellation is not an
// error: the batch being built is flushed and the job reports partial
// success so the next run resumes from an accurate watermark.
func (j *Job) Run(ctx context.Context) JobOutcome {
	started := j.now()
	outcome := JobOutcome{Ref: j.ref}

	finish := func(o JobOutcome) JobOutcome {
		o.Duration = j.now().Sub(started)
		return o
	}

	sp, ok, err := resolveStart(ctx, j)
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Error = errors.NewFieldBackupError(j.ref.Measurement, j.ref.Field, "resolve watermark", err).Error()
		return finish(outcome)
	}
	if !ok {
		j.log.Info().Msg("Field has no source data, nothing to copy")
		outcome.Status = StatusSkipped
		outcome.SkipReason = "no source data"
		return finish(outcome)
	}

	jobEnd := j.now().UTC()
	if j.mode == modeRange {
		jobEnd = j.rangeEnd
	}
	if !sp.at.Before(jobEnd) {
		j.log.Debug().Time("resume_at", sp.at).Time("job_end", jobEnd).Msg("Field already up to date")
		outcome.Status = StatusSkipped
		outcome.SkipReason = "up to date"
		return finish(outcome)
	}

	j.log.Info().
		Time("from", sp.at).
		Time("to", jobEnd).
		Bool("resumed", sp.exclusive).
		Msg("Starting field backup")

	windows := newWindowIterator(sp.at, jobEnd, j.span, sp.exclusive)
	for {
		if ctx.Err() != nil {
			j.log.Warn().Msg("Backup canceled at window boundary")
			outcome.Status = StatusSuccess
			outcome.Partial = true
			return finish(outcome)
		}

		window, more := windows.Next()
		if !more {
			break
		}

		read, written, err := j.copyWindow(ctx, window, &outcome.Attempts)
		outcome.RecordsRead += read
		outcome.RecordsWritten += written
		if err != nil {
			if stderrors.Is(err, errors.ErrCanceled) {
				outcome.Status = StatusSuccess
				outcome.Partial = true
				return finish(outcome)
			}
			outcome.Status = StatusFailed
			outcome.Error = err.Error()
			return finish(outcome)
		}
	}

	j.log.Info().
		Int64("records", outcome.RecordsWritten).
		Msg("Field backup finished")
	outcome.Status = StatusSuccess
	return finish(outcome)
}

// copyWindow copies one window, retrying retriable failures with the
// fixed-delay policy. A retried window is re-streamed from the start;
// rewritten batches land on identical (timestamp, tag-set) keys, so
// retries cannot duplicate rows.
func (j *Job) copyWindow(ctx context.Context, window TimeWindow, attempts *int) (int64, int64, error) {
	var lastErr error
	for attempt := 1; attempt <= j.retries; attempt++ {
		*attempts++

		read, written, err := j.copyWindowOnce(ctx, window)
		if err == nil {
			metrics.PointsRead.WithLabelValues(j.configName).Add(float64(read))
			metrics.PointsWritten.WithLabelValues(j.configName).Add(float64(written))
			j.log.Debug().
				Time("window_start", window.Start).
				Time("window_end", window.End).
				Int64("records", written).
				Msg("Window copied")
			return read, written, nil
		}

		if stderrors.Is(err, errors.ErrCanceled) {
			// The drain flush already ran; report what landed.
			metrics.PointsRead.WithLabelValues(j.configName).Add(float64(read))
			metrics.PointsWritten.WithLabelValues(j.configName).Add(float64(written))
			return read, written, err
		}

		lastErr = errors.NewFieldBackupError(j.ref.Measurement, j.ref.Field, "copy window", err)
		if storage.IsFatal(err) {
			return 0, 0, lastErr
		}

		metrics.WriteRetries.WithLabelValues(j.configName).Inc()
		j.log.Warn().Err(err).
			Int("attempt", attempt).
			Int("retries", j.retries).
			Time("window_start", window.Start).
			Msg("Window copy failed, will retry")

		if attempt < j.retries {
			select {
			case <-ctx.Done():
				return 0, 0, stderrors.Join(errors.ErrCanceled, ctx.Err())
			case <-time.After(j.retryDelay):
			}
		}
	}
	return 0, 0, lastErr
}

// copyWindowOnce streams one window and writes it in batches. On
// cancellation mid-stream the pending batch is flushed with a bounded
// detached context before the cancel is reported.
func (j *Job) copyWindowOnce(ctx context.Context, window TimeWindow) (read, written int64, err error) {
	batch := make([]storage.Point, 0, j.batchSize)

	flush := func(flushCtx context.Context) error {
		if len(batch) == 0 {
			return nil
		}
		flushStart := time.Now()
		if err := j.dest.WriteBatch(flushCtx, j.destDB, j.ref.Measurement, batch); err != nil {
			return err
		}
		metrics.WriteDuration.WithLabelValues(j.configName).Observe(time.Since(flushStart).Seconds())
		written += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	queryStart := time.Now()
	streamErr := j.source.QueryFieldWindow(ctx,
		j.ref.Database, j.ref.Measurement, j.ref.Field, j.ref.Type, j.groupBy,
		window.Start, window.End, window.StartExclusive,
		func(p storage.Point) error {
			read++
			batch = append(batch, p)
			if len(batch) >= j.batchSize {
				return flush(ctx)
			}
			return nil
		})

	metrics.QueryDuration.WithLabelValues(j.configName).Observe(time.Since(queryStart).Seconds())

	if streamErr != nil {
		if stderrors.Is(streamErr, context.Canceled) || stderrors.Is(streamErr, context.DeadlineExceeded) {
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			defer cancel()
			if flushErr := flush(drainCtx); flushErr != nil {
				j.log.Error().Err(flushErr).Msg("Failed to drain pending batch on cancel")
			}
			return read, written, stderrors.Join(errors.ErrCanceled, streamErr)
		}
		return read, written, streamErr
	}

	return read, written, flush(ctx)
}
