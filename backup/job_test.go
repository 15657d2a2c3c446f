// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backup

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TacoronteRiveroCristian/backup-influxdb/catalog"
	"github.com/TacoronteRiveroCristian/backup-influxdb/config"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/errors"
	"github.com/TacoronteRiveroCristian/backup-influxdb/storage"
)

// fakeStore is an in-memory stand-in for both endpoints. Destination
// points are keyed per field and per (timestamp), mirroring InfluxDB's
// overwrite-on-duplicate-key semantics, and watermark lookups only see
// the looked-up field, mirroring the IS NOT NULL contract.
type fakeStore struct {
	mu     sync.Mutex
	source map[string][]storage.Point          // "measurement.field" -> points
	dest   map[string]map[int64]storage.Point  // "db|measurement.field" -> ts -> point
	seed   map[string]time.Time                // pre-existing destination watermarks

	writeErrs  []error // scripted, consumed one per WriteBatch call
	writeCalls int
	rawWrites  int // total points handed to WriteBatch (before dedup)
	duplicates int // points that overwrote an existing timestamp
	onWrite    func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		source: make(map[string][]storage.Point),
		dest:   make(map[string]map[int64]storage.Point),
		seed:   make(map[string]time.Time),
	}
}

func (f *fakeStore) addSource(measurement, field string, value interface{}, times ...time.Time) {
	key := measurement + "." + field
	for _, ts := range times {
		f.source[key] = append(f.source[key], storage.Point{
			Time: ts, Field: field, Value: value,
			Tags: map[string]string{"station": "ST1"},
		})
	}
}

func (f *fakeStore) destCount(db, measurement, field string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dest[db+"|"+measurement+"."+field])
}

func (f *fakeStore) FirstFieldWriteTime(_ context.Context, _, measurement, field string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pts := f.source[measurement+"."+field]
	if len(pts) == 0 {
		return time.Time{}, false, nil
	}
	first := pts[0].Time
	for _, p := range pts {
		if p.Time.Before(first) {
			first = p.Time
		}
	}
	return first, true, nil
}

func (f *fakeStore) QueryFieldWindow(ctx context.Context, _, measurement, field, _, _ string, start, end time.Time, startExclusive bool, fn func(storage.Point) error) error {
	f.mu.Lock()
	pts := append([]storage.Point(nil), f.source[measurement+"."+field]...)
	f.mu.Unlock()

	sort.Slice(pts, func(i, j int) bool { return pts[i].Time.Before(pts[j].Time) })

	for _, p := range pts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if startExclusive {
			if !p.Time.After(start) {
				continue
			}
		} else if p.Time.Before(start) {
			continue
		}
		if !p.Time.Before(end) {
			continue
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) LastFieldWriteTime(_ context.Context, db, measurement, field string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := db + "|" + measurement + "." + field
	var (
		last  time.Time
		found bool
	)
	if seeded, ok := f.seed[key]; ok {
		last, found = seeded, true
	}
	for ts := range f.dest[key] {
		t := time.Unix(0, ts).UTC()
		if !found || t.After(last) {
			last, found = t, true
		}
	}
	return last, found, nil
}

func (f *fakeStore) WriteBatch(ctx context.Context, db, measurement string, points []storage.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.writeCalls++
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return err
		}
	}
	for _, p := range points {
		key := db + "|" + measurement + "." + p.Field
		if f.dest[key] == nil {
			f.dest[key] = make(map[int64]storage.Point)
		}
		ts := p.Time.UnixNano()
		if _, exists := f.dest[key][ts]; exists {
			f.duplicates++
		}
		f.dest[key][ts] = p
		f.rawWrites++
	}
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func jobConfig() *config.Config {
	return &config.Config{
		Name: "test",
		Options: config.OptionsConfig{
			BackupMode:       config.ModeIncremental,
			DaysOfPagination: 7,
			ParallelWorkers:  2,
			BatchSize:        100,
			Retries:          3,
			RetryDelay:       config.Duration(time.Millisecond),
		},
	}
}

func tempRef() catalog.FieldRef {
	return catalog.FieldRef{
		Database:    "telemetry",
		Measurement: "weather",
		Field:       "temperature",
		Type:        storage.FieldTypeNumeric,
	}
}

func minutesFrom(base time.Time, n int) []time.Time {
	times := make([]time.Time, n)
	for i := range times {
		times[i] = base.Add(time.Duration(i) * time.Minute)
	}
	return times
}

func TestJob_FreshIncrementalCopiesEverything(t *testing.T) {
	store := newFakeStore()
	base := time.Now().UTC().Add(-10 * 24 * time.Hour).Truncate(time.Second)
	// 1,000 points over ~10 days: crosses a 7-day pagination boundary
	times := make([]time.Time, 1000)
	for i := range times {
		times[i] = base.Add(time.Duration(i) * 14 * time.Minute)
	}
	store.addSource("weather", "temperature", 21.5, times...)

	job := NewJob(jobConfig(), tempRef(), "telemetry_backup", store, store)
	outcome := job.Run(context.Background())

	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, int64(1000), outcome.RecordsRead)
	assert.Equal(t, int64(1000), outcome.RecordsWritten)
	assert.False(t, outcome.Partial)
	assert.Equal(t, 1000, store.destCount("telemetry_backup", "weather", "temperature"))
	assert.Zero(t, store.duplicates)
}

func TestJob_ResumesFromDestinationWatermark(t *testing.T) {
	store := newFakeStore()
	watermark := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	store.seed["telemetry_backup|weather.temperature"] = watermark

	// Old points at and before the watermark plus 50 new ones after it
	store.addSource("weather", "temperature", 20.0, watermark.Add(-time.Hour), watermark)
	store.addSource("weather", "temperature", 21.0, minutesFrom(watermark.Add(time.Minute), 50)...)

	job := NewJob(jobConfig(), tempRef(), "telemetry_backup", store, store)
	outcome := job.Run(context.Background())

	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, int64(50), outcome.RecordsWritten)
	assert.Equal(t, 50, store.destCount("telemetry_backup", "weather", "temperature"))
}

func TestJob_SecondRunWritesNothing(t *testing.T) {
	store := newFakeStore()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	store.addSource("weather", "temperature", 21.5, minutesFrom(base, 30)...)

	cfg := jobConfig()
	first := NewJob(cfg, tempRef(), "telemetry_backup", store, store).Run(context.Background())
	require.Equal(t, StatusSuccess, first.Status)
	require.Equal(t, int64(30), first.RecordsWritten)

	second := NewJob(cfg, tempRef(), "telemetry_backup", store, store).Run(context.Background())
	assert.Equal(t, int64(0), second.RecordsWritten)
	assert.Equal(t, 30, store.destCount("telemetry_backup", "weather", "temperature"))
	assert.Zero(t, store.duplicates)
}

func TestJob_FieldIsolation(t *testing.T) {
	// Two fields on one measurement with different watermarks, run
	// concurrently: each field's copy must be driven only by its own
	// watermark.
	store := newFakeStore()
	tempLast := time.Date(2023, 12, 1, 10, 30, 0, 0, time.UTC)
	irrLast := time.Date(2023, 11, 28, 15, 45, 0, 0, time.UTC)
	store.seed["telemetry_backup|weather.temperature"] = tempLast
	store.seed["telemetry_backup|weather.irradiance"] = irrLast

	store.addSource("weather", "temperature", 21.0, minutesFrom(tempLast.Add(time.Minute), 50)...)
	store.addSource("weather", "irradiance", 800.0, minutesFrom(irrLast.Add(time.Minute), 20)...)

	cfg := jobConfig()
	irrRef := tempRef()
	irrRef.Field = "irradiance"

	jobs := []*Job{
		NewJob(cfg, tempRef(), "telemetry_backup", store, store),
		NewJob(cfg, irrRef, "telemetry_backup", store, store),
	}

	pool := NewPool(cfg.Name, 2)
	outcomes, _ := pool.Run(context.Background(), jobs, nil)
	require.Len(t, outcomes, 2)

	for _, o := range outcomes {
		assert.Equal(t, StatusSuccess, o.Status, o.Ref.Field)
	}
	assert.Equal(t, 50, store.destCount("telemetry_backup", "weather", "temperature"))
	assert.Equal(t, 20, store.destCount("telemetry_backup", "weather", "irradiance"))
	assert.Zero(t, store.duplicates)
}

func TestJob_WindowBoundaryPointCopiedOnce(t *testing.T) {
	store := newFakeStore()
	base := time.Now().UTC().Add(-15 * 24 * time.Hour).Truncate(time.Second)
	boundary := base.Add(7 * 24 * time.Hour) // exactly the end of window one

	store.addSource("weather", "temperature", 21.5, base, boundary.Add(-time.Second), boundary, boundary.Add(time.Second))

	job := NewJob(jobConfig(), tempRef(), "telemetry_backup", store, store)
	outcome := job.Run(context.Background())

	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, int64(4), outcome.RecordsWritten)
	assert.Equal(t, 4, store.destCount("telemetry_backup", "weather", "temperature"))
	assert.Zero(t, store.duplicates, "boundary point must land in exactly one window")
}

func TestJob_TransientWriteErrorsAreRetried(t *testing.T) {
	store := newFakeStore()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	store.addSource("weather", "temperature", 21.5, minutesFrom(base, 10)...)

	// Two consecutive transient failures, third attempt succeeds
	store.writeErrs = []error{
		fmt.Errorf("service unavailable"),
		fmt.Errorf("service unavailable"),
	}

	job := NewJob(jobConfig(), tempRef(), "telemetry_backup", store, store)
	outcome := job.Run(context.Background())

	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, int64(10), outcome.RecordsWritten)
	assert.Equal(t, 10, store.destCount("telemetry_backup", "weather", "temperature"))
}

func TestJob_SchemaConflictFailsWithoutRetry(t *testing.T) {
	store := newFakeStore()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	store.addSource("weather", "temperature", 21.5, minutesFrom(base, 5)...)

	store.writeErrs = []error{
		stderrors.Join(errors.ErrSchemaConflict, fmt.Errorf("field type conflict")),
	}

	job := NewJob(jobConfig(), tempRef(), "telemetry_backup", store, store)
	outcome := job.Run(context.Background())

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Contains(t, outcome.Error, "field type conflict")
}

func TestJob_RetriesExhaustedFails(t *testing.T) {
	store := newFakeStore()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	store.addSource("weather", "temperature", 21.5, base)

	store.writeErrs = []error{
		fmt.Errorf("service unavailable"),
		fmt.Errorf("service unavailable"),
		fmt.Errorf("service unavailable"),
	}

	job := NewJob(jobConfig(), tempRef(), "telemetry_backup", store, store)
	outcome := job.Run(context.Background())

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestJob_RangeMode(t *testing.T) {
	store := newFakeStore()
	store.addSource("weather", "temperature", 21.5,
		time.Date(2022, 12, 31, 23, 0, 0, 0, time.UTC),  // before range
		time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC),    // inside
		time.Date(2023, 11, 30, 23, 59, 0, 0, time.UTC), // inside
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),     // after range
	)

	cfg := jobConfig()
	cfg.Options.BackupMode = config.ModeRange
	cfg.Options.Range = config.RangeConfig{
		StartDate: "2023-01-01T00:00:00Z",
		EndDate:   "2023-12-31T23:59:59Z",
	}

	job := NewJob(cfg, tempRef(), "telemetry_backup", store, store)
	outcome := job.Run(context.Background())

	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, int64(2), outcome.RecordsWritten)
}

func TestJob_NoSourceDataIsSkipped(t *testing.T) {
	store := newFakeStore()

	job := NewJob(jobConfig(), tempRef(), "telemetry_backup", store, store)
	outcome := job.Run(context.Background())

	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.Equal(t, "no source data", outcome.SkipReason)
}

func TestJob_CancellationReportsPartialSuccess(t *testing.T) {
	store := newFakeStore()
	base := time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(time.Second)
	// Several pagination windows of data
	times := make([]time.Time, 200)
	for i := range times {
		times[i] = base.Add(time.Duration(i) * 3 * time.Hour)
	}
	store.addSource("weather", "temperature", 21.5, times...)

	ctx, cancel := context.WithCancel(context.Background())
	store.onWrite = func() { cancel() } // cancel after the first flush

	job := NewJob(jobConfig(), tempRef(), "telemetry_backup", store, store)
	outcome := job.Run(ctx)

	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.True(t, outcome.Partial)
	assert.Greater(t, outcome.RecordsWritten, int64(0))
	assert.Less(t, outcome.RecordsWritten, int64(200))
}
