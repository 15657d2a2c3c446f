// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package catalog discovers the (measurement, field) pairs a backup
// process has to copy.
//
// Discovery walks the source database in four passes: enumerate
// measurements, apply the measurement include/exclude filter, enumerate
// each retained measurement's fields, and apply the per-measurement
// field filters (name include/exclude plus allowed types). An optional
// obsolescence filter then drops fields whose newest source write is
// older than the configured threshold.
//
// Note the obsolescence filter looks at the SOURCE's last write time,
// not the destination's. For a never-yet-backed-up field that is the
// only sensible choice; for a field that was once active and has gone
// silent it means late-arriving points stop being copied once the
// field ages past the threshold.
//
// The output ordering is deterministic (sorted by measurement, then
// field) so diagnostics are reproducible across runs.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/TacoronteRiveroCristian/backup-influxdb/config"
	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/logger"
	"github.com/TacoronteRiveroCristian/backup-influxdb/storage"
)

// FieldRef identifies one field of one measurement in one database.
// It is the unit of parallelism and the unit of watermarking: a
// FieldRef is processed by at most one worker at a time within a
// configuration.
type FieldRef struct {
	Database    string `json:"database"`
	Measurement string `json:"measurement"`
	Field       string `json:"field"`
	Type        string `json:"type"`
}

func (r FieldRef) String() string {
	return fmt.Sprintf("%s.%s.%s", r.Database, r.Measurement, r.Field)
}

// SourceInventory is the slice of the storage client the catalog needs.
type SourceInventory interface {
	ListMeasurements(ctx context.Context, db string) ([]string, error)
	ListFieldKeys(ctx context.Context, db, measurement string) ([]storage.FieldKey, error)
	LastFieldWriteTime(ctx context.Context, db, measurement, field string) (time.Time, bool, error)
}

// Catalog enumerates and filters the fields of a source database.
type Catalog struct {
	source SourceInventory
	cfg    *config.Config
	log    zerolog.Logger
}

// New creates a catalog for one configuration.
func New(source SourceInventory, cfg *config.Config) *Catalog {
	return &Catalog{
		source: source,
		cfg:    cfg,
		log:    logger.ForConfig(cfg.Name),
	}
}

// Result is the catalog outcome for one database: the fields to copy
// and the fields dropped by the obsolescence filter (reported so the
// run report accounts for every discovered field).
type Result struct {
	Selected []FieldRef
	Obsolete []FieldRef
}

// Fields produces the final, deterministically ordered list of
// FieldRefs to process for a database.
func (c *Catalog) Fields(ctx context.Context, db string, now time.Time) (Result, error) {
	measurements, err := c.source.ListMeasurements(ctx, db)
	if err != nil {
		return Result{}, fmt.Errorf("failed to enumerate measurements of %s: %w", db, err)
	}

	var result Result
	threshold := c.cfg.Options.ObsoleteThreshold()

	for _, measurement := range measurements {
		if !selectedByName(measurement, c.cfg.Measurements.Include, c.cfg.Measurements.Exclude) {
			c.log.Debug().Str("measurement", measurement).Msg("Measurement filtered out")
			continue
		}

		keys, err := c.source.ListFieldKeys(ctx, db, measurement)
		if err != nil {
			return Result{}, fmt.Errorf("failed to enumerate fields of %s.%s: %w", db, measurement, err)
		}

		filter := c.cfg.FieldFilterFor(measurement)
		for _, key := range keys {
			if !selectedByName(key.Field, filter.Include, filter.Exclude) {
				continue
			}
			if !typeAllowed(key.Type, filter.Types) {
				continue
			}

			ref := FieldRef{
				Database:    db,
				Measurement: measurement,
				Field:       key.Field,
				Type:        key.Type,
			}

			if threshold > 0 {
				last, found, err := c.source.LastFieldWriteTime(ctx, db, measurement, key.Field)
				if err != nil {
					return Result{}, fmt.Errorf("failed to check last write of %s: %w", ref, err)
				}
				if !found || last.Before(now.Add(-threshold)) {
					c.log.Info().
						Str("measurement", measurement).
						Str("field", key.Field).
						Time("last_write", last).
						Msg("Field dropped by obsolescence filter")
					result.Obsolete = append(result.Obsolete, ref)
					continue
				}
			}

			result.Selected = append(result.Selected, ref)
		}
	}

	sortRefs(result.Selected)
	sortRefs(result.Obsolete)

	c.log.Info().
		Str("db", db).
		Int("selected", len(result.Selected)).
		Int("obsolete", len(result.Obsolete)).
		Msg("Field catalog built")

	return result, nil
}

// selectedByName applies an include/exclude name filter. A missing
// include list means "all"; include wins when both are set, exclude is
// applied after.
func selectedByName(name string, include, exclude []string) bool {
	if len(include) > 0 {
		if !contains(include, name) {
			return false
		}
	}
	return !contains(exclude, name)
}

func typeAllowed(fieldType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	return contains(allowed, fieldType)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortRefs(refs []FieldRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Measurement != refs[j].Measurement {
			return refs[i].Measurement < refs[j].Measurement
		}
		return refs[i].Field < refs[j].Field
	})
}
