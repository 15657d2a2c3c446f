// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollapseFieldType(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"float", FieldTypeNumeric, true},
		{"integer", FieldTypeNumeric, true},
		{"string", FieldTypeString, true},
		{"boolean", FieldTypeBoolean, true},
		{"unsigned", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := collapseFieldType(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDecodeValue(t *testing.T) {
	// Integers must stay int64 so they round-trip with the `i` suffix.
	v, err := decodeValue(json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = decodeValue(json.Number("21.5"))
	require.NoError(t, err)
	assert.Equal(t, 21.5, v)

	v, err = decodeValue("stormy")
	require.NoError(t, err)
	assert.Equal(t, "stormy", v)

	v, err = decodeValue(true)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = decodeValue(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = decodeValue(struct{}{})
	assert.Error(t, err)
}

func TestDecodeTimestamp(t *testing.T) {
	ts, err := decodeTimestamp(json.Number("1672531200000000000"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), ts)

	_, err = decodeTimestamp("2023-01-01T00:00:00Z")
	assert.Error(t, err)

	_, err = decodeTimestamp(json.Number("not-a-number"))
	assert.Error(t, err)
}
