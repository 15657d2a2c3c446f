// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backup

import "time"

// TimeWindow is one half-open pagination slice [Start, End). When
// StartExclusive is set the window's query uses `time > Start` instead
// of `time >= Start`; only the first window of a resumed job does this,
// so the last point already on the destination is not copied again.
type TimeWindow struct {
	Start          time.Time
	End            time.Time
	StartExclusive bool
}

// windowIterator lazily produces the contiguous windows covering
// [start, end) in spans of the pagination length. Windows never
// overlap; the last window is truncated to end.
type windowIterator struct {
	cursor         time.Time
	end            time.Time
	span           time.Duration
	startExclusive bool
	first          bool
}

// newWindowIterator creates the iterator for one job. startExclusive
// applies to the first window only.
func newWindowIterator(start, end time.Time, span time.Duration, startExclusive bool) *windowIterator {
	return &windowIterator{
		cursor:         start,
		end:            end,
		span:           span,
		startExclusive: startExclusive,
		first:          true,
	}
}

// Next returns the next window, or ok=false when [start, end) is
// covered.
func (w *windowIterator) Next() (TimeWindow, bool) {
	if !w.cursor.Before(w.end) {
		return TimeWindow{}, false
	}

	windowEnd := w.cursor.Add(w.span)
	if windowEnd.After(w.end) {
		windowEnd = w.end
	}

	window := TimeWindow{
		Start:          w.cursor,
		End:            windowEnd,
		StartExclusive: w.first && w.startExclusive,
	}
	w.first = false
	w.cursor = windowEnd
	return window, true
}
