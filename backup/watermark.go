// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backup

import (
	"context"
	"time"
)

// The watermark is never persisted by this service: the destination
// database itself is the watermark store. Every job re-derives its
// resume point at start-of-job, so a crash can at worst re-copy the
// tail of one window onto identical (timestamp, tag-set) primary keys.

// startPoint is a resolved job start: the instant plus whether the
// first window must exclude it. A resumed job excludes its watermark
// instant (`time > last`); a fresh job includes its origin
// (`time >= start`).
type startPoint struct {
	at        time.Time
	exclusive bool
}

// resolveStart derives where a field's copy resumes, strictly from the
// destination. Fallbacks when the field has never been written there:
// the configured range start in range mode, or the field's first write
// time on the source in incremental mode. ok=false means there is
// nothing to copy (incremental mode, field absent from the source).
func resolveStart(ctx context.Context, j *Job) (startPoint, bool, error) {
	last, found, err := j.dest.LastFieldWriteTime(ctx, j.destDB, j.ref.Measurement, j.ref.Field)
	if err != nil {
		return startPoint{}, false, err
	}
	if found {
		return startPoint{at: last, exclusive: true}, true, nil
	}

	if j.mode == modeRange {
		return startPoint{at: j.rangeStart}, true, nil
	}

	first, found, err := j.source.FirstFieldWriteTime(ctx, j.ref.Database, j.ref.Measurement, j.ref.Field)
	if err != nil {
		return startPoint{}, false, err
	}
	if !found {
		return startPoint{}, false, nil
	}
	return startPoint{at: first}, true, nil
}
