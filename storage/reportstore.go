// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/logger"
)

const (
	reportFilePrefix = "report_"
	reportFileExt    = ".json"

	defaultReportMaxSize = 50 * 1024 * 1024 // 50 MB
	defaultReportMaxAge  = 30 * 24 * time.Hour
)

// ReportStore archives run reports as JSON files with size and age
// limits. The archive is purely diagnostic: watermarks are never read
// from it, only from the destination database.
type ReportStore struct {
	dir         string
	maxSize     int64
	maxAge      time.Duration
	mu          sync.Mutex
	currentSize int64
}

// NewReportStore creates a report archive under dir.
func NewReportStore(dir string, maxSize int64, maxAge time.Duration) (*ReportStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("report directory is required")
	}
	if maxSize <= 0 {
		maxSize = defaultReportMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultReportMaxAge
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	rs := &ReportStore{
		dir:     dir,
		maxSize: maxSize,
		maxAge:  maxAge,
	}

	if err := rs.updateCurrentSize(); err != nil {
		logger.Warn().Err(err).Msg("Failed to calculate initial report archive size")
	}

	if err := rs.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to cleanup old report files")
	}

	return rs, nil
}

// Save writes one run report. runID makes the filename unique across
// runs that finish within the same second.
func (rs *ReportStore) Save(runID string, report interface{}) (string, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.currentSize >= rs.maxSize {
		return "", fmt.Errorf("report archive is full (%d >= %d bytes)", rs.currentSize, rs.maxSize)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	filename := filepath.Join(rs.dir, fmt.Sprintf("%s%s_%s%s",
		reportFilePrefix, time.Now().UTC().Format("20060102T150405Z"), runID, reportFileExt))

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}

	rs.currentSize += int64(len(data))
	logger.Debug().
		Str("filename", filepath.Base(filename)).
		Int64("archive_size", rs.currentSize).
		Msg("Run report archived")

	return filename, nil
}

// CleanupOld removes report files older than the configured max age.
func (rs *ReportStore) CleanupOld() error {
	files, err := filepath.Glob(filepath.Join(rs.dir, reportFilePrefix+"*"+reportFileExt))
	if err != nil {
		return fmt.Errorf("failed to list report files: %w", err)
	}

	cutoff := time.Now().Add(-rs.maxAge)
	removed := 0
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(file); err != nil {
				logger.Warn().Err(err).Str("file", file).Msg("Failed to remove old report file")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		logger.Info().Int("removed", removed).Msg("Pruned old run reports")
		if err := rs.updateCurrentSize(); err != nil {
			logger.Warn().Err(err).Msg("Failed to recalculate report archive size")
		}
	}
	return nil
}

// updateCurrentSize recalculates the archive size from disk.
func (rs *ReportStore) updateCurrentSize() error {
	files, err := filepath.Glob(filepath.Join(rs.dir, reportFilePrefix+"*"+reportFileExt))
	if err != nil {
		return fmt.Errorf("failed to list report files: %w", err)
	}

	var total int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	rs.currentSize = total
	return nil
}
