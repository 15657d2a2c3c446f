// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/errors"
)

// newTestClient builds a client against a fake server with a fast
// retry policy.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient("source", ClientConfig{
		URL:        server.URL,
		Timeout:    5 * time.Second,
		Retries:    3,
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, server
}

func jsonResults(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func TestPing(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.Header().Set("X-Influxdb-Version", "1.8.10")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	}))

	assert.NoError(t, c.Ping(context.Background()))
}

func TestPing_Unreachable(t *testing.T) {
	c, err := NewClient("source", ClientConfig{
		URL:        "http://127.0.0.1:1",
		Timeout:    200 * time.Millisecond,
		Retries:    1,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	assert.Error(t, c.Ping(context.Background()))
}

func TestEnsureDatabase(t *testing.T) {
	var gotQuery atomic.Value
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.FormValue("q"))
		jsonResults(w, `{"results":[{}]}`)
	}))

	require.NoError(t, c.EnsureDatabase(context.Background(), "telemetry_backup"))
	assert.Equal(t, `CREATE DATABASE "telemetry_backup"`, gotQuery.Load())
}

func TestEnsureDatabase_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":"service unavailable"}`)
			return
		}
		jsonResults(w, `{"results":[{}]}`)
	}))

	require.NoError(t, c.EnsureDatabase(context.Background(), "telemetry_backup"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestEnsureDatabase_AuthErrorIsFatal(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"unauthorized access"}`)
	}))

	err := c.EnsureDatabase(context.Background(), "telemetry_backup")
	require.Error(t, err)
	// No retry on auth errors
	assert.Equal(t, int32(1), calls.Load())
}

func TestListDatabases(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonResults(w, `{"results":[{"series":[{"name":"databases","columns":["name"],"values":[["telemetry"],["_internal"],["power"]]}]}]}`)
	}))

	dbs, err := c.ListDatabases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"telemetry", "power"}, dbs)
}

func TestListMeasurements(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "telemetry", r.FormValue("db"))
		jsonResults(w, `{"results":[{"series":[{"name":"measurements","columns":["name"],"values":[["weather"],["power"]]}]}]}`)
	}))

	measurements, err := c.ListMeasurements(context.Background(), "telemetry")
	require.NoError(t, err)
	assert.Equal(t, []string{"weather", "power"}, measurements)
}

func TestListFieldKeys(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.FormValue("q"), `SHOW FIELD KEYS FROM "weather"`)
		jsonResults(w, `{"results":[{"series":[{"name":"weather","columns":["fieldKey","fieldType"],"values":[["temperature","float"],["count","integer"],["status","string"],["raining","boolean"],["blob","unsigned"]]}]}]}`)
	}))

	keys, err := c.ListFieldKeys(context.Background(), "telemetry", "weather")
	require.NoError(t, err)
	assert.Equal(t, []FieldKey{
		{Field: "temperature", Type: FieldTypeNumeric},
		{Field: "count", Type: FieldTypeNumeric},
		{Field: "status", Type: FieldTypeString},
		{Field: "raining", Type: FieldTypeBoolean},
	}, keys)
}

func TestLastFieldWriteTime(t *testing.T) {
	var gotQuery atomic.Value
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.FormValue("q"))
		jsonResults(w, `{"results":[{"series":[{"name":"weather","columns":["time","temperature"],"values":[[1672531200000000000,21.5]]}]}]}`)
	}))

	ts, found, err := c.LastFieldWriteTime(context.Background(), "telemetry", "weather", "temperature")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), ts)

	q := gotQuery.Load().(string)
	assert.Contains(t, q, `"temperature" IS NOT NULL`)
	assert.Contains(t, q, `LAST("temperature")`)
}

func TestLastFieldWriteTime_NeverWritten(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonResults(w, `{"results":[{}]}`)
	}))

	_, found, err := c.LastFieldWriteTime(context.Background(), "telemetry", "weather", "temperature")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueryFieldWindow(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.FormValue("chunked"))
		assert.Equal(t, "ns", r.FormValue("epoch"))
		assert.Contains(t, r.FormValue("q"), `"temperature" IS NOT NULL`)

		// Two chunks streamed back-to-back, one with a null row.
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"results":[{"series":[{"name":"weather","tags":{"station":"ST1"},"columns":["time","temperature"],"values":[[1672531200000000000,20.5],[1672531260000000000,null]]}]}]}`)
		_, _ = io.WriteString(w, `{"results":[{"series":[{"name":"weather","tags":{"station":"ST1"},"columns":["time","temperature"],"values":[[1672531320000000000,21]]}]}]}`)
	}))

	var points []Point
	err := c.QueryFieldWindow(context.Background(), "telemetry", "weather", "temperature", FieldTypeNumeric, "",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), false,
		func(p Point) error {
			points = append(points, p)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, points, 2)
	assert.Equal(t, 20.5, points[0].Value)
	assert.Equal(t, int64(21), points[1].Value)
	assert.Equal(t, map[string]string{"station": "ST1"}, points[0].Tags)
	assert.True(t, points[0].Time.Before(points[1].Time))
}

func TestQueryFieldWindow_CallbackErrorAborts(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonResults(w, `{"results":[{"series":[{"name":"weather","columns":["time","temperature"],"values":[[1672531200000000000,20.5],[1672531260000000000,21.5]]}]}]}`)
	}))

	sentinel := fmt.Errorf("stop here")
	var seen int
	err := c.QueryFieldWindow(context.Background(), "telemetry", "weather", "temperature", FieldTypeNumeric, "",
		time.Unix(0, 0), time.Now(), false,
		func(Point) error {
			seen++
			return sentinel
		})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, seen)
}

func TestWriteBatch(t *testing.T) {
	var body atomic.Value
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/write", r.URL.Path)
		assert.Equal(t, "telemetry_backup", r.URL.Query().Get("db"))
		data, _ := io.ReadAll(r.Body)
		body.Store(string(data))
		w.WriteHeader(http.StatusNoContent)
	}))

	ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []Point{
		{Time: ts, Tags: map[string]string{"station": "ST1"}, Field: "temperature", Value: 21.5},
		{Time: ts.Add(time.Second), Tags: map[string]string{"station": "ST1"}, Field: "temperature", Value: int64(42)},
		{Time: ts.Add(2 * time.Second), Field: "temperature", Value: "offline"},
		{Time: ts.Add(3 * time.Second), Field: "temperature", Value: true},
	}

	require.NoError(t, c.WriteBatch(context.Background(), "telemetry_backup", "weather", points))

	lines := strings.Split(strings.TrimSpace(body.Load().(string)), "\n")
	require.Len(t, lines, 4)
	// Floats bare, integers suffixed, strings quoted, booleans bare
	assert.Equal(t, fmt.Sprintf("weather,station=ST1 temperature=21.5 %d", ts.UnixNano()), lines[0])
	assert.Contains(t, lines[1], "temperature=42i")
	assert.Contains(t, lines[2], `temperature="offline"`)
	assert.Contains(t, lines[3], "temperature=true")
}

func TestWriteBatch_EmptyIsNoop(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.WriteBatch(context.Background(), "db", "weather", nil))
	assert.Equal(t, int32(0), calls.Load())
}

func TestWriteBatch_SchemaConflictIsFatal(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"partial write: field type conflict: input field \"temperature\" on measurement \"weather\" is type float, already exists as type string"}`)
	}))

	err := c.WriteBatch(context.Background(), "db", "weather", []Point{
		{Time: time.Now(), Field: "temperature", Value: 21.5},
	})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSchemaConflict))
	assert.True(t, IsFatal(err))
}

func TestWriteBatch_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"service unavailable"}`)
	}))

	points := []Point{{Time: time.Now(), Field: "temperature", Value: 1.0}}
	for i := 0; i < breakerConsecutiveFailures; i++ {
		err := c.WriteBatch(context.Background(), "db", "weather", points)
		require.Error(t, err)
		assert.False(t, stderrors.Is(err, errors.ErrCircuitBreakerOpen))
	}

	err := c.WriteBatch(context.Background(), "db", "weather", points)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCircuitBreakerOpen))
	// The open breaker fails fast without another request
	assert.Equal(t, int32(breakerConsecutiveFailures), calls.Load())
	assert.True(t, IsRetriable(err))
}
