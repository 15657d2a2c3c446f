// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TacoronteRiveroCristian/backup-influxdb/pkg/logger"
)

const (
	// debounceDuration is the time to wait for file system events to settle
	debounceDuration = 500 * time.Millisecond
)

// ChangedConfig reports a configuration file that was written or
// created inside the watched directory.
type ChangedConfig struct {
	Path  string
	Error error
}

// DirWatcher monitors a configuration directory and reports files that
// change so the runner can restart the matching backup process.
type DirWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	// Changed channel reports changed config files or watcher errors
	Changed chan ChangedConfig
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDirWatcher creates a new DirWatcher for a config directory
func NewDirWatcher(dir string) (*DirWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	dw := &DirWatcher{
		dir:     dir,
		watcher: watcher,
		Changed: make(chan ChangedConfig),
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := dw.watcher.Add(dir); err != nil {
		dw.watcher.Close()
		cancel()
		return nil, fmt.Errorf("failed to add config directory to watcher: %w", err)
	}

	go dw.run()

	return dw, nil
}

// Close stops the watcher
func (dw *DirWatcher) Close() {
	dw.cancel()
	dw.watcher.Close()
	close(dw.Changed)
}

// run starts the event loop for the watcher
func (dw *DirWatcher) run() {
	lastEvent := make(map[string]time.Time)
	for {
		select {
		case <-dw.ctx.Done():
			logger.Info().Msg("Config watcher shutting down")
			return
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			// Only react to Write or Create events on YAML files, and
			// debounce per file to avoid multiple restarts for a single
			// save operation
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if time.Since(lastEvent[event.Name]) < debounceDuration {
					continue
				}
				lastEvent[event.Name] = time.Now()

				logger.Info().Str("event", event.String()).Msg("Config file changed")
				dw.Changed <- ChangedConfig{Path: event.Name}
			}
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Config watcher error")
			dw.Changed <- ChangedConfig{Error: fmt.Errorf("config watcher error: %w", err)}
		}
	}
}
