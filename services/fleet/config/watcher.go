// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Catalogue Change Watcher
// =============================================================================

// Watch logs whenever the catalogue file changes on disk.
//
// # Description
//
// The catalogue is never hot-reloaded; a changed file applies on the
// next model start after a daemon restart. The watcher exists so an
// operator editing the catalogue gets immediate feedback that the
// running daemon has not picked up the change.
//
// Watches the parent directory rather than the file itself so that
// editors which replace the file (rename-over) keep being observed.
//
// # Inputs
//
//   - ctx: Cancels the watcher.
//   - logger: Destination for change notices.
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be created.
func (s *Store) Watch(ctx context.Context, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalogue watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				logger.Warn("model catalogue changed on disk; running daemon keeps the loaded copy, changes apply after restart",
					"path", s.path,
					"op", event.Op.String(),
				)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("catalogue watcher error", "error", err)
			}
		}
	}()

	return nil
}
