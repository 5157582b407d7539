// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeType is the kind of change observed on a watched file.
type ChangeType int

const (
	// ChangeWrite means the file was written or created in place.
	ChangeWrite ChangeType = iota

	// ChangeReplace means the file was replaced by a rename onto its path.
	ChangeReplace

	// ChangeDelete means the file was removed or renamed away.
	ChangeDelete
)

// String returns a human-readable name.
func (c ChangeType) String() string {
	switch c {
	case ChangeWrite:
		return "write"
	case ChangeReplace:
		return "replace"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeEvent describes a change to a watched file.
type ChangeEvent struct {
	Path string
	Type ChangeType
}

// Watch reports changes to a single file until ctx is cancelled.
//
// # Description
//
// The parent directory is watched rather than the file itself, because the
// state file is replaced by rename and a file-level watch would be lost with
// the old inode. Events for other names in the directory are ignored.
// The callback runs on the watcher goroutine and must not block for long.
//
// # Inputs
//
//   - ctx: Stops the watcher when cancelled.
//   - path: File to watch. The parent directory must exist.
//   - logger: Receives watcher errors. Nil uses slog.Default().
//   - callback: Invoked for each relevant change.
//
// # Outputs
//
//   - error: Non-nil if the watcher cannot be created.
func Watch(ctx context.Context, path string, logger *slog.Logger, callback func(ChangeEvent)) error {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve watch path: %w", err)
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

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
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				change, relevant := classify(event)
				if !relevant {
					continue
				}
				callback(ChangeEvent{Path: absPath, Type: change})

			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("state file watcher error",
					slog.String("path", absPath),
					slog.String("error", werr.Error()))
			}
		}
	}()

	return nil
}

// classify maps an fsnotify event onto a ChangeType.
//
// A Create on the watched name is what an atomic rename onto it looks like
// from the directory's point of view.
func classify(event fsnotify.Event) (ChangeType, bool) {
	switch {
	case event.Has(fsnotify.Create):
		return ChangeReplace, true
	case event.Has(fsnotify.Write):
		return ChangeWrite, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return ChangeDelete, true
	default:
		return 0, false
	}
}
