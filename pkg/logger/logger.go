// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package logger provides structured logging using zerolog.
//
// The backup service copies many fields in parallel, so every log
// record must be attributable to its unit of work. Besides the global
// logger this package exposes helpers that derive child loggers
// carrying the correlation fields used across the codebase:
//
//   - config:      name of the backup configuration
//   - worker:      worker tag (T01..Tn)
//   - measurement: source measurement
//   - field:       source field
//
// # Configuration
//
// The logger is configured via the Initialize() function, typically
// called during application startup with the log level from
// configuration:
//
//	logger.Initialize("info")
//
// # Safe Initialization
//
// The logger uses an init() function to set up a safe default
// configuration that prevents panics if logging functions are called
// before Initialize(). This default configuration logs at info level
// to stdout.
//
// # Structured Logging
//
//	logger.Info().
//	    Str("measurement", "weather").
//	    Str("field", "temperature").
//	    Int("points", n).
//	    Msg("Window written")
//
// # Thread Safety
//
// All logger operations are thread-safe and can be called concurrently
// from multiple goroutines.
package logger

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	log                zerolog.Logger
	errInvalidLogLevel = errors.New("invalid log level")
)

// init initializes the logger with a default configuration to prevent panics
// before Initialize() is called. The logger will be reconfigured when Initialize() is called.
func init() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log = zerolog.New(output).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()
}

// Initialize sets up the global logger with the specified level
func Initialize(level string) {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		tempOutput := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		tempLog := zerolog.New(tempOutput).With().Timestamp().Logger()
		tempLog.Warn().Str("invalid_level", level).Str("using", "info").Msg("Invalid log level, defaulting to info")
		logLevel = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	log = zerolog.New(output).
		Level(logLevel).
		With().
		Timestamp().
		Caller().
		Logger()
}

// parseLogLevel converts string log level to zerolog.Level
func parseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	case "panic":
		return zerolog.PanicLevel, nil
	case "":
		// Empty string is acceptable, default to info without warning
		return zerolog.InfoLevel, nil
	default:
		return zerolog.InfoLevel, errInvalidLogLevel
	}
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return &log
}

// Debug logs a debug message
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info logs an info message
func Info() *zerolog.Event {
	return log.Info()
}

// Warn logs a warning message
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error logs an error message
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal logs a fatal message and exits
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// With creates a child logger with additional fields
func With() zerolog.Context {
	return log.With()
}

// ForConfig returns a child logger scoped to one backup configuration.
func ForConfig(configName string) zerolog.Logger {
	return log.With().Str("config", configName).Logger()
}

// ForWorker returns a child logger scoped to one worker within a
// configuration. The worker tag appears on every record the worker
// emits so interleaved field copies can be untangled in the output.
func ForWorker(configName, workerTag string) zerolog.Logger {
	return log.With().Str("config", configName).Str("worker", workerTag).Logger()
}

// SetOutput sets the output writer for the logger
func SetOutput(w io.Writer) {
	log = log.Output(w)
}
