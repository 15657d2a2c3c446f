// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the backup service.
//
// This package handles loading, validating, and managing backup process
// configuration from YAML files with environment variable overrides. One
// configuration file describes one backup process: a source endpoint, a
// destination endpoint, the database pairs to copy, measurement and
// field filters, and transport/scheduling options.
//
// # Configuration Sources
//
// Configuration is loaded in the following order of precedence:
//  1. YAML configuration file
//  2. Environment variable overrides
//  3. Default values for optional settings
//
// # Environment Variables
//
// The following environment variables can override YAML configuration:
//   - BACKUP_SOURCE_URL: Source InfluxDB URL
//   - BACKUP_DESTINATION_URL: Destination InfluxDB URL
//   - BACKUP_SOURCE_USER / BACKUP_SOURCE_PASSWORD: Source credentials
//   - BACKUP_DESTINATION_USER / BACKUP_DESTINATION_PASSWORD: Destination credentials
//   - LOG_LEVEL: Logging level (debug, info, warn, error, fatal, panic)
//   - SLACK_WEBHOOK_URL: Slack webhook URL for notifications
//   - REPORTS_DIRECTORY: Run report archive directory
//
// # Validation
//
// Validation happens in two stages: the raw YAML document is checked
// against schema.json (see schema.go), then the decoded struct is
// validated with struct tags plus the invariants the schema cannot
// express (include/exclude disjointness, range ordering, cron syntax).
//
// # Example Usage
//
//	cfg, err := config.Load("backup.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("Source: %s\n", cfg.Source.URL)
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Backup modes.
const (
	ModeIncremental = "incremental"
	ModeRange       = "range"
)

// Field type filter values. "numeric" collapses InfluxDB float and integer.
const (
	TypeNumeric = "numeric"
	TypeString  = "string"
	TypeBoolean = "boolean"
)

// AllFieldTypes is the default type filter.
var AllFieldTypes = []string{TypeNumeric, TypeString, TypeBoolean}

// Config represents one backup process configuration
type Config struct {
	Name          string              `yaml:"name"`
	Source        SourceConfig        `yaml:"source"`
	Destination   EndpointConfig      `yaml:"destination"`
	Measurements  MeasurementsConfig  `yaml:"measurements"`
	Options       OptionsConfig       `yaml:"options"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Reports       ReportsConfig       `yaml:"reports"`
}

// EndpointConfig holds one InfluxDB server endpoint
type EndpointConfig struct {
	URL       string `yaml:"url" validate:"required"`
	SSL       bool   `yaml:"ssl"`
	VerifySSL bool   `yaml:"verify_ssl"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
}

// SourceConfig is the source endpoint plus what to copy from it
type SourceConfig struct {
	EndpointConfig `yaml:",inline"`
	Databases      []DatabasePair `yaml:"databases"`
	Prefix         string         `yaml:"prefix"`
	Suffix         string         `yaml:"suffix"`
	GroupBy        string         `yaml:"group_by"`
}

// DatabasePair maps one source database to its destination database.
// An empty Destination falls back to the source name decorated with the
// configured prefix/suffix.
type DatabasePair struct {
	Name        string `yaml:"name" validate:"required"`
	Destination string `yaml:"destination"`
}

// MeasurementsConfig holds measurement- and field-level filters
type MeasurementsConfig struct {
	Include  []string                   `yaml:"include"`
	Exclude  []string                   `yaml:"exclude"`
	Types    []string                   `yaml:"types"`
	Specific map[string]MeasurementSpec `yaml:"specific"`
}

// MeasurementSpec holds per-measurement field filters
type MeasurementSpec struct {
	Fields FieldFilter `yaml:"fields"`
}

// FieldFilter selects fields by name and type. Missing include means "all".
type FieldFilter struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	Types   []string `yaml:"types"`
}

// OptionsConfig holds backup mode and transport policy
type OptionsConfig struct {
	BackupMode                  string            `yaml:"backup_mode" validate:"oneof=incremental range"`
	Range                       RangeConfig       `yaml:"range"`
	Incremental                 IncrementalConfig `yaml:"incremental"`
	TimeoutClient               Duration          `yaml:"timeout_client"`
	Retries                     int               `yaml:"retries" validate:"gte=1"`
	RetryDelay                  Duration          `yaml:"retry_delay"`
	InitialConnectionRetryDelay Duration          `yaml:"initial_connection_retry_delay"`
	DaysOfPagination            int               `yaml:"days_of_pagination" validate:"gte=1"`
	ParallelWorkers             int               `yaml:"parallel_workers" validate:"gte=1"`
	BatchSize                   int               `yaml:"batch_size" validate:"gte=1"`
	FieldObsoleteThreshold      string            `yaml:"field_obsolete_threshold"`
}

// RangeConfig bounds a range-mode backup. Timestamps are ISO-8601 with
// a Z suffix; EndDate is exclusive.
type RangeConfig struct {
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date"`
}

// IncrementalConfig holds the incremental-mode schedule. An empty
// schedule means run once and exit.
type IncrementalConfig struct {
	Schedule string `yaml:"schedule"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// ReportsConfig holds the run report archive settings. An empty
// directory disables the archive.
type ReportsConfig struct {
	Directory string   `yaml:"directory"`
	MaxSize   int64    `yaml:"max_size"` // bytes
	MaxAge    Duration `yaml:"max_age"`
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	if err := ValidateWithSchema(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("BACKUP_SOURCE_URL"); v != "" {
		c.Source.URL = v
	}
	if v := os.Getenv("BACKUP_DESTINATION_URL"); v != "" {
		c.Destination.URL = v
	}
	if v := os.Getenv("BACKUP_SOURCE_USER"); v != "" {
		c.Source.User = v
	}
	if v := os.Getenv("BACKUP_SOURCE_PASSWORD"); v != "" {
		c.Source.Password = v
	}
	if v := os.Getenv("BACKUP_DESTINATION_USER"); v != "" {
		c.Destination.User = v
	}
	if v := os.Getenv("BACKUP_DESTINATION_PASSWORD"); v != "" {
		c.Destination.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Notifications.SlackWebhookURL = v
	}
	if v := os.Getenv("REPORTS_DIRECTORY"); v != "" {
		c.Reports.Directory = v
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Options.BackupMode == "" {
		c.Options.BackupMode = ModeIncremental
	}
	if c.Options.TimeoutClient == 0 {
		c.Options.TimeoutClient = Duration(30 * time.Second)
	}
	if c.Options.Retries == 0 {
		c.Options.Retries = 3
	}
	if c.Options.RetryDelay == 0 {
		c.Options.RetryDelay = Duration(5 * time.Second)
	}
	if c.Options.InitialConnectionRetryDelay == 0 {
		c.Options.InitialConnectionRetryDelay = Duration(10 * time.Second)
	}
	if c.Options.DaysOfPagination == 0 {
		c.Options.DaysOfPagination = 7
	}
	if c.Options.ParallelWorkers == 0 {
		c.Options.ParallelWorkers = 4
	}
	if c.Options.BatchSize == 0 {
		c.Options.BatchSize = 5000
	}
	if len(c.Measurements.Types) == 0 {
		c.Measurements.Types = AllFieldTypes
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Reports.Directory != "" {
		if c.Reports.MaxSize == 0 {
			c.Reports.MaxSize = 50 * 1024 * 1024 // 50 MB
		}
		if c.Reports.MaxAge == 0 {
			c.Reports.MaxAge = Duration(30 * 24 * time.Hour)
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}

	if err := c.validateEndpoint("source", &c.Source.EndpointConfig); err != nil {
		return err
	}
	if err := c.validateEndpoint("destination", &c.Destination); err != nil {
		return err
	}
	if err := c.validateFilters(); err != nil {
		return err
	}
	if err := c.validateOptions(); err != nil {
		return err
	}

	return nil
}

// validateEndpoint validates one server endpoint
func (c *Config) validateEndpoint(which string, ep *EndpointConfig) error {
	parsedURL, err := url.Parse(ep.URL)
	if err != nil {
		return fmt.Errorf("%s.url is not a valid URL: %w", which, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%s.url must use http or https, got %q", which, parsedURL.Scheme)
	}
	if ep.SSL && parsedURL.Scheme != "https" {
		return fmt.Errorf("%s.ssl is set but %s.url scheme is %q", which, which, parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("%s.url has no host", which)
	}
	if ep.Password != "" && ep.User == "" {
		return fmt.Errorf("%s.password is set but %s.user is empty", which, which)
	}
	return nil
}

// validateFilters enforces include/exclude disjointness at every level
func (c *Config) validateFilters() error {
	if overlap := intersect(c.Measurements.Include, c.Measurements.Exclude); len(overlap) > 0 {
		return fmt.Errorf("measurements.include and measurements.exclude overlap: %v", overlap)
	}
	if err := validateTypes("measurements.types", c.Measurements.Types); err != nil {
		return err
	}
	for name, spec := range c.Measurements.Specific {
		if overlap := intersect(spec.Fields.Include, spec.Fields.Exclude); len(overlap) > 0 {
			return fmt.Errorf("measurements.specific.%s fields include and exclude overlap: %v", name, overlap)
		}
		if err := validateTypes(fmt.Sprintf("measurements.specific.%s.fields.types", name), spec.Fields.Types); err != nil {
			return err
		}
	}
	return nil
}

// validateOptions checks mode-dependent options
func (c *Config) validateOptions() error {
	switch c.Options.BackupMode {
	case ModeRange:
		start, end, err := c.Options.Range.Parse()
		if err != nil {
			return err
		}
		if !start.Before(end) {
			return fmt.Errorf("options.range.start_date must be before end_date")
		}
		if c.Options.Incremental.Schedule != "" {
			return fmt.Errorf("options.incremental.schedule is only valid in incremental mode")
		}
	case ModeIncremental:
		if c.Options.Range.StartDate != "" || c.Options.Range.EndDate != "" {
			return fmt.Errorf("options.range is only valid in range mode")
		}
		if c.Options.Incremental.Schedule != "" {
			if _, err := cron.ParseStandard(c.Options.Incremental.Schedule); err != nil {
				return fmt.Errorf("options.incremental.schedule is not a valid cron expression: %w", err)
			}
		}
	}

	if c.Options.FieldObsoleteThreshold != "" {
		if _, err := ParseThreshold(c.Options.FieldObsoleteThreshold); err != nil {
			return fmt.Errorf("options.field_obsolete_threshold: %w", err)
		}
	}
	return nil
}

// Parse decodes the range bounds. Both must be ISO-8601 with Z suffix.
func (r RangeConfig) Parse() (start, end time.Time, err error) {
	if r.StartDate == "" || r.EndDate == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("options.range requires both start_date and end_date")
	}
	start, err = time.Parse(time.RFC3339, r.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("options.range.start_date: %w", err)
	}
	end, err = time.Parse(time.RFC3339, r.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("options.range.end_date: %w", err)
	}
	return start.UTC(), end.UTC(), nil
}

// ObsoleteThreshold returns the parsed obsolescence threshold, or zero
// when the filter is disabled.
func (o OptionsConfig) ObsoleteThreshold() time.Duration {
	if o.FieldObsoleteThreshold == "" {
		return 0
	}
	d, err := ParseThreshold(o.FieldObsoleteThreshold)
	if err != nil {
		// Validate() rejects unparseable thresholds at load time.
		return 0
	}
	return d
}

// DestinationName resolves the destination database name for a pair,
// applying prefix/suffix decoration when no explicit name is mapped.
func (s SourceConfig) DestinationName(pair DatabasePair) string {
	if pair.Destination != "" {
		return pair.Destination
	}
	return s.Prefix + pair.Name + s.Suffix
}

// FieldFilterFor returns the field filter for a measurement, falling
// back to the global type filter when the measurement has no specific
// entry or its entry leaves types unset.
func (c *Config) FieldFilterFor(measurement string) FieldFilter {
	f := c.Measurements.Specific[measurement].Fields
	if len(f.Types) == 0 {
		f.Types = c.Measurements.Types
	}
	return f
}

func validateTypes(key string, types []string) error {
	for _, t := range types {
		switch t {
		case TypeNumeric, TypeString, TypeBoolean:
		default:
			return fmt.Errorf("%s: unknown field type %q", key, t)
		}
	}
	return nil
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range b {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
