// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"fmt"
	"strings"
	"time"
)

// Every statement that reads a single field carries the
// `"<field>" IS NOT NULL` predicate. This is what keeps per-field
// watermarks isolated: a row whose other fields are populated but
// whose target field is null must never be visible to a watermark
// lookup or a window read. All statements are built here so the
// predicate cannot drift between call sites.

// escapeIdentifier quotes a measurement, field or database identifier
// for InfluxQL, escaping embedded double quotes.
func escapeIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
}

func showDatabasesQuery() string {
	return "SHOW DATABASES"
}

func createDatabaseQuery(db string) string {
	return fmt.Sprintf("CREATE DATABASE %s", escapeIdentifier(db))
}

func showMeasurementsQuery() string {
	return "SHOW MEASUREMENTS"
}

func showFieldKeysQuery(measurement string) string {
	return fmt.Sprintf("SHOW FIELD KEYS FROM %s", escapeIdentifier(measurement))
}

func lastWriteQuery(measurement, field string) string {
	f := escapeIdentifier(field)
	return fmt.Sprintf("SELECT LAST(%s) AS %s FROM %s WHERE %s IS NOT NULL",
		f, f, escapeIdentifier(measurement), f)
}

func firstWriteQuery(measurement, field string) string {
	f := escapeIdentifier(field)
	return fmt.Sprintf("SELECT FIRST(%s) AS %s FROM %s WHERE %s IS NOT NULL",
		f, f, escapeIdentifier(measurement), f)
}

// windowQuery reads one field over [start, end). startExclusive selects
// `time > start` for the first window of a resumed job, so the last
// point already on the destination is not read again; later windows use
// `time >= start`. When groupBy is set the field is aggregated per
// interval (MEAN for numeric fields, LAST otherwise) and empty
// intervals are dropped with fill(none).
func windowQuery(measurement, field, fieldType, groupBy string, start, end time.Time, startExclusive bool) string {
	f := escapeIdentifier(field)
	m := escapeIdentifier(measurement)

	cmp := ">="
	if startExclusive {
		cmp = ">"
	}
	where := fmt.Sprintf("%s IS NOT NULL AND time %s %d AND time < %d",
		f, cmp, start.UnixNano(), end.UnixNano())

	if groupBy == "" {
		return fmt.Sprintf("SELECT %s FROM %s WHERE %s GROUP BY * ORDER BY time ASC", f, m, where)
	}

	agg := "MEAN"
	if fieldType != FieldTypeNumeric {
		agg = "LAST"
	}
	return fmt.Sprintf("SELECT %s(%s) AS %s FROM %s WHERE %s GROUP BY time(%s), * fill(none) ORDER BY time ASC",
		agg, f, f, m, where, groupBy)
}
