// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	stderrors "errors"
	"net"
	"strings"

	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/errors"
)

// The v1 wire protocol surfaces server errors as message strings, so
// classification works on the message plus the Go error type. Fatal
// conditions are the ones retrying cannot fix: rejected credentials,
// malformed line protocol, and destination schema conflicts. Everything
// else (timeouts, 5xx bodies, connection resets, an open breaker) is
// retriable.

var fatalMessageFragments = []string{
	"unauthorized",
	"authentication failed",
	"authorization",
	"forbidden",
	"field type conflict",
	"unable to parse",
	"invalid field format",
	"database name required",
}

// IsRetriable reports whether an operation that returned err may
// succeed on a later attempt.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err)
}

// IsFatal reports whether err is permanent: retrying with the same
// request cannot succeed.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, errors.ErrUnauthorized) || stderrors.Is(err, errors.ErrSchemaConflict) {
		return true
	}
	if stderrors.Is(err, errors.ErrCircuitBreakerOpen) || stderrors.Is(err, errors.ErrTimeout) {
		return false
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range fatalMessageFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// classify wraps a raw server error with the matching sentinel so
// callers can test with errors.Is instead of re-parsing messages.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "field type conflict"):
		return stderrors.Join(errors.ErrSchemaConflict, err)
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "forbidden"):
		return stderrors.Join(errors.ErrUnauthorized, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return stderrors.Join(errors.ErrTimeout, err)
	default:
		return err
	}
}
