// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Field type names as this service reports them. InfluxDB's float and
// integer collapse into "numeric"; the distinction is preserved per
// point so integer values keep their `i` suffix on the destination.
const (
	FieldTypeNumeric = "numeric"
	FieldTypeString  = "string"
	FieldTypeBoolean = "boolean"
)

// FieldKey is one field of a measurement with its collapsed type.
type FieldKey struct {
	Field string
	Type  string
}

// Point is one row returned by a single-field query. Value holds one of
// float64, int64, string or bool; the line-protocol encoder renders the
// correct type suffix from the concrete Go type.
type Point struct {
	Time  time.Time
	Tags  map[string]string
	Field string
	Value interface{}
}

// collapseFieldType maps InfluxDB's SHOW FIELD KEYS types onto the
// service's three type buckets.
func collapseFieldType(influxType string) (string, bool) {
	switch influxType {
	case "float", "integer":
		return FieldTypeNumeric, true
	case "string":
		return FieldTypeString, true
	case "boolean":
		return FieldTypeBoolean, true
	default:
		return "", false
	}
}

// decodeValue converts a raw query result value into the typed scalar
// carried through the pipeline. The v1 client decodes JSON with
// UseNumber, so numbers arrive as json.Number; integers are kept as
// int64 so they round-trip with the `i` suffix.
func decodeValue(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("numeric value %q: %w", v.String(), err)
		}
		return f, nil
	case float64:
		return v, nil
	case int64:
		return v, nil
	case string:
		return v, nil
	case bool:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", raw)
	}
}

// decodeTimestamp converts a raw ns-precision time column value.
func decodeTimestamp(raw interface{}) (time.Time, error) {
	n, ok := raw.(json.Number)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected time column type %T", raw)
	}
	ns, err := n.Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("time column %q: %w", n.String(), err)
	}
	return time.Unix(0, ns).UTC(), nil
}
