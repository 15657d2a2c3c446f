// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides the InfluxDB 1.x client used for both the
// source and the destination of a backup process.
//
// The client wraps the official v1 HTTP client and exposes exactly the
// operations the backup needs: ping, database creation, measurement and
// field enumeration, per-field watermark lookups, chunked single-field
// window reads, and batched line-protocol writes.
//
// # Connection Pooling
//
// The underlying v1 client uses net/http, so HTTP/1.1 persistent
// connections are pooled and reused automatically. A single Client is
// thread-safe and is shared by all pool workers; every request is
// independent, so concurrent use needs no locking here.
//
// # Retries
//
// Metadata operations (CREATE DATABASE, SHOW queries, watermark
// lookups) retry internally with the configured fixed delay. Ping makes
// a single attempt; the startup retry loop belongs to the caller. Window
// reads and batch writes do NOT retry here: the per-field job retries
// the whole window, which keeps the stream-then-write sequence
// idempotent (a rewritten batch lands on identical timestamps and tag
// sets, which InfluxDB overwrites in place).
//
// # Write Protection
//
// Destination writes run behind a circuit breaker. After five
// consecutive write failures the breaker opens and writes fail fast
// with ErrCircuitBreakerOpen (a retriable condition) until a probe
// succeeds.
package storage

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/influxdata/influxdb1-client/models"
	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/errors"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/logger"
)

const (
	// chunkSize is the number of rows per chunk the server streams back
	// for window reads. Bounds memory regardless of window row count.
	chunkSize = 10000

	breakerConsecutiveFailures = 5
	breakerResetTimeout        = 30 * time.Second
)

// ClientConfig holds the settings for one endpoint client.
type ClientConfig struct {
	URL        string
	User       string
	Password   string
	VerifySSL  bool
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// Client is an InfluxDB 1.x endpoint handle.
type Client struct {
	label      string
	url        string
	c          client.Client
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

// NewClient creates a client for one endpoint. label appears in log
// records ("source" or "destination").
func NewClient(label string, cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.NewConfigError(label+".url", "", fmt.Errorf("url is required"))
	}

	httpConfig := client.HTTPConfig{
		Addr:     cfg.URL,
		Username: cfg.User,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
	}
	if !cfg.VerifySSL {
		httpConfig.InsecureSkipVerify = true
		httpConfig.TLSConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}

	c, err := client.NewHTTPClient(httpConfig)
	if err != nil {
		return nil, errors.NewNetworkError("connect", cfg.URL, err)
	}

	cl := &Client{
		label:      label,
		url:        cfg.URL,
		c:          c,
		timeout:    cfg.Timeout,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		log:        logger.With().Str("endpoint", label).Logger(),
	}

	cl.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: label + "-write",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		Timeout: breakerResetTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			cl.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Write circuit breaker state changed")
		},
	})

	return cl, nil
}

// URL returns the endpoint base URL.
func (c *Client) URL() string {
	return c.url
}

// Close releases the underlying HTTP client.
func (c *Client) Close() {
	if err := c.c.Close(); err != nil {
		c.log.Error().Err(err).Msg("Failed to close InfluxDB client")
	}
}

// Ping checks the endpoint is reachable with a single request. Used by
// the startup connection loop, whose result gates the whole
// configuration, and by the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, version, err := c.c.Ping(c.timeout)
	if err != nil {
		return errors.NewNetworkError("ping", c.url, err)
	}
	c.log.Debug().Str("version", version).Msg("InfluxDB ping ok")
	return nil
}

// EnsureDatabase creates a database if it does not exist. CREATE
// DATABASE is idempotent in InfluxDB 1.x. Auth errors are permanent;
// transport errors are retried.
func (c *Client) EnsureDatabase(ctx context.Context, db string) error {
	err := c.queryWithRetry(ctx, "", createDatabaseQuery(db), func(results []client.Result) error {
		return nil
	})
	if err != nil {
		return errors.NewQueryError("CREATE DATABASE", db, err)
	}
	c.log.Debug().Str("db", db).Msg("Database ensured")
	return nil
}

// ListDatabases enumerates user databases, skipping InfluxDB's
// _internal bookkeeping database.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	var dbs []string
	err := c.queryWithRetry(ctx, "", showDatabasesQuery(), func(results []client.Result) error {
		dbs = dbs[:0]
		for _, row := range seriesOf(results) {
			for _, values := range row.Values {
				if len(values) == 0 {
					continue
				}
				name, ok := values[0].(string)
				if !ok || name == "_internal" {
					continue
				}
				dbs = append(dbs, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewQueryError("SHOW DATABASES", "", err)
	}
	return dbs, nil
}

// ListMeasurements enumerates the measurements of a database.
func (c *Client) ListMeasurements(ctx context.Context, db string) ([]string, error) {
	var measurements []string
	err := c.queryWithRetry(ctx, db, showMeasurementsQuery(), func(results []client.Result) error {
		measurements = measurements[:0]
		for _, row := range seriesOf(results) {
			for _, values := range row.Values {
				if len(values) == 0 {
					continue
				}
				if name, ok := values[0].(string); ok {
					measurements = append(measurements, name)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewQueryError("SHOW MEASUREMENTS", db, err)
	}
	return measurements, nil
}

// ListFieldKeys enumerates the fields of a measurement with their
// collapsed types. Fields with types outside float/integer/string/
// boolean are skipped.
func (c *Client) ListFieldKeys(ctx context.Context, db, measurement string) ([]FieldKey, error) {
	var keys []FieldKey
	err := c.queryWithRetry(ctx, db, showFieldKeysQuery(measurement), func(results []client.Result) error {
		keys = keys[:0]
		for _, row := range seriesOf(results) {
			for _, values := range row.Values {
				if len(values) < 2 {
					continue
				}
				field, okField := values[0].(string)
				influxType, okType := values[1].(string)
				if !okField || !okType {
					continue
				}
				collapsed, ok := collapseFieldType(influxType)
				if !ok {
					c.log.Warn().Str("measurement", measurement).Str("field", field).Str("type", influxType).Msg("Skipping field with unsupported type")
					continue
				}
				keys = append(keys, FieldKey{Field: field, Type: collapsed})
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewQueryError("SHOW FIELD KEYS", db, err)
	}
	return keys, nil
}

// LastFieldWriteTime returns the timestamp of the newest row whose
// target field is non-null, or ok=false when the field has never been
// written. The IS NOT NULL predicate keeps sibling fields from
// advancing this field's watermark.
func (c *Client) LastFieldWriteTime(ctx context.Context, db, measurement, field string) (time.Time, bool, error) {
	return c.edgeWriteTime(ctx, db, lastWriteQuery(measurement, field), true)
}

// FirstFieldWriteTime returns the timestamp of the oldest row whose
// target field is non-null. Used to find the beginning of source data
// for a field on its first incremental run.
func (c *Client) FirstFieldWriteTime(ctx context.Context, db, measurement, field string) (time.Time, bool, error) {
	return c.edgeWriteTime(ctx, db, firstWriteQuery(measurement, field), false)
}

func (c *Client) edgeWriteTime(ctx context.Context, db, cmd string, newest bool) (time.Time, bool, error) {
	var (
		ts    time.Time
		found bool
	)
	err := c.queryWithRetry(ctx, db, cmd, func(results []client.Result) error {
		ts, found = time.Time{}, false
		for _, row := range seriesOf(results) {
			for _, values := range row.Values {
				if len(values) < 2 || values[1] == nil {
					continue
				}
				t, err := decodeTimestamp(values[0])
				if err != nil {
					return err
				}
				if !found || (newest && t.After(ts)) || (!newest && t.Before(ts)) {
					ts, found = t, true
				}
			}
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, errors.NewQueryError(cmd, db, err)
	}
	return ts, found, nil
}

// QueryFieldWindow streams the points of one field over [start, end) in
// ascending time order, invoking fn for each. The server streams the
// result set in chunks so a multi-million-row window never buffers in
// memory. Rows with a null field value are dropped. No internal retry:
// the caller retries the whole window.
func (c *Client) QueryFieldWindow(ctx context.Context, db, measurement, field, fieldType, groupBy string, start, end time.Time, startExclusive bool, fn func(Point) error) error {
	cmd := windowQuery(measurement, field, fieldType, groupBy, start, end, startExclusive)

	q := client.NewQuery(cmd, db, "ns")
	q.Chunked = true
	q.ChunkSize = chunkSize

	chunks, err := c.c.QueryAsChunk(q)
	if err != nil {
		return errors.NewQueryError(cmd, db, classify(err))
	}
	defer func() { _ = chunks.Close() }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := chunks.NextResponse()
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				return nil
			}
			return errors.NewQueryError(cmd, db, classify(err))
		}
		if err := resp.Error(); err != nil {
			return errors.NewQueryError(cmd, db, classify(err))
		}

		for _, result := range resp.Results {
			for _, row := range result.Series {
				for _, values := range row.Values {
					if len(values) < 2 || values[1] == nil {
						continue
					}
					ts, err := decodeTimestamp(values[0])
					if err != nil {
						return errors.NewQueryError(cmd, db, err)
					}
					value, err := decodeValue(values[1])
					if err != nil {
						return errors.NewQueryError(cmd, db, err)
					}
					if value == nil {
						continue
					}
					point := Point{
						Time:  ts,
						Tags:  row.Tags,
						Field: field,
						Value: value,
					}
					if err := fn(point); err != nil {
						return err
					}
				}
			}
		}
	}
}

// WriteBatch writes a batch of points for one field to a destination
// database using line protocol at nanosecond precision. Runs behind the
// write circuit breaker; no internal retry (see package doc).
func (c *Client) WriteBatch(ctx context.Context, db, measurement string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  db,
		Precision: "ns",
	})
	if err != nil {
		return errors.NewWriteError(db, measurement, points[0].Field, err)
	}

	for _, p := range points {
		pt, err := client.NewPoint(measurement, p.Tags, map[string]interface{}{p.Field: p.Value}, p.Time)
		if err != nil {
			return errors.NewWriteError(db, measurement, p.Field, classify(err))
		}
		bp.AddPoint(pt)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.c.Write(bp)
	})
	if err != nil {
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return errors.NewWriteError(db, measurement, points[0].Field,
				stderrors.Join(errors.ErrCircuitBreakerOpen, err))
		}
		return errors.NewWriteError(db, measurement, points[0].Field, classify(err))
	}
	return nil
}

// queryWithRetry runs a metadata statement with the fixed-delay retry
// policy: up to retries attempts, fatal errors abort immediately.
func (c *Client) queryWithRetry(ctx context.Context, db, cmd string, decode func([]client.Result) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := c.c.Query(client.NewQuery(cmd, db, "ns"))
		if err == nil {
			err = resp.Error()
		}
		if err == nil {
			return decode(resp.Results)
		}

		lastErr = classify(err)
		if IsFatal(lastErr) {
			return lastErr
		}
		c.log.Warn().Err(lastErr).Int("attempt", attempt).Int("retries", c.retries).Str("query", cmd).Msg("Query failed, will retry")

		if attempt < c.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
	return lastErr
}

// seriesOf flattens the series of a result set.
func seriesOf(results []client.Result) []models.Row {
	var rows []models.Row
	for _, result := range results {
		rows = append(rows, result.Series...)
	}
	return rows
}
