// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the backup service.
//
// This package defines custom error types that provide better error
// handling, inspection, and debugging capabilities compared to plain
// string errors.
//
// # Benefits of Structured Errors
//
//   - Type-safe error inspection with errors.As() and errors.Is()
//   - Context-rich error messages with operation and underlying error details
//   - Consistent error formatting across the application
//   - Better error wrapping and unwrapping support
//   - Enhanced logging with structured error fields
//
// # Example Usage
//
//	err := errors.NewQueryError("SHOW MEASUREMENTS", "telemetry", fmt.Errorf("connection refused"))
//	if errors.IsQueryError(err) {
//	    log.Printf("Query failed: %v", err)
//	}
//
//	var queryErr *errors.QueryError
//	if errors.As(err, &queryErr) {
//	    log.Printf("Failed statement: %s", queryErr.Statement)
//	}
package errors

import (
	"errors"
	"fmt"
)

// QueryError represents an error running an InfluxQL statement.
type QueryError struct {
	Statement string // Statement being executed (possibly truncated)
	Database  string // Database the statement ran against
	Err       error  // Underlying error
}

func (e *QueryError) Error() string {
	if e.Database != "" {
		return fmt.Sprintf("query %q (db=%s): %v", e.Statement, e.Database, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("query %q: %v", e.Statement, e.Err)
	}
	return fmt.Sprintf("query %q failed", e.Statement)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// NewQueryError creates a new query error.
func NewQueryError(statement, database string, err error) *QueryError {
	return &QueryError{Statement: statement, Database: database, Err: err}
}

// IsQueryError checks if an error is a QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}

// WriteError represents an error writing points to the destination.
type WriteError struct {
	Database    string // Destination database
	Measurement string // Measurement being written (if applicable)
	Field       string // Field being written (if applicable)
	Err         error  // Underlying error
}

func (e *WriteError) Error() string {
	if e.Measurement != "" {
		return fmt.Sprintf("write %s.%s (field=%s): %v", e.Database, e.Measurement, e.Field, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("write %s: %v", e.Database, e.Err)
	}
	return fmt.Sprintf("write %s failed", e.Database)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// NewWriteError creates a new write error.
func NewWriteError(database, measurement, field string, err error) *WriteError {
	return &WriteError{Database: database, Measurement: measurement, Field: field, Err: err}
}

// IsWriteError checks if an error is a WriteError.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// FieldBackupError represents a failure of one field's backup job.
// The measurement and field identify the unit of work so one field's
// failure can be reported without touching its siblings.
type FieldBackupError struct {
	Measurement string // Source measurement
	Field       string // Source field
	Op          string // Operation being performed (e.g., "resolve watermark", "write window")
	Err         error  // Underlying error
}

func (e *FieldBackupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backup %s.%s: %s: %v", e.Measurement, e.Field, e.Op, e.Err)
	}
	return fmt.Sprintf("backup %s.%s: %s failed", e.Measurement, e.Field, e.Op)
}

func (e *FieldBackupError) Unwrap() error {
	return e.Err
}

// NewFieldBackupError creates a new field backup error.
func NewFieldBackupError(measurement, field, op string, err error) *FieldBackupError {
	return &FieldBackupError{Measurement: measurement, Field: field, Op: op, Err: err}
}

// IsFieldBackupError checks if an error is a FieldBackupError.
func IsFieldBackupError(err error) bool {
	var fe *FieldBackupError
	return errors.As(err, &fe)
}

// NetworkError represents a network-related error.
type NetworkError struct {
	Op   string // Operation being performed (e.g., "ping", "query")
	Addr string // Network address (if applicable)
	Err  error  // Underlying error
}

func (e *NetworkError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("network %s (%s): %v", e.Op, e.Addr, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("network %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network %s failed", e.Op)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error.
func NewNetworkError(op string, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

// IsNetworkError checks if an error is a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Sentinel errors for common conditions
var (
	// ErrUnreachable indicates an endpoint could not be reached after retries
	ErrUnreachable = errors.New("endpoint unreachable")

	// ErrUnauthorized indicates authentication or permission failure
	ErrUnauthorized = errors.New("authentication failed")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timeout")

	// ErrCircuitBreakerOpen indicates the destination write breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSchemaConflict indicates the destination rejected a write because
	// the field type does not match what was written previously
	ErrSchemaConflict = errors.New("field type conflict on destination")

	// ErrCanceled indicates a job was asked to stop before draining all windows
	ErrCanceled = errors.New("backup canceled")
)
