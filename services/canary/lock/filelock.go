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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// defaultRetryInterval is how often Acquire retries a contended lock.
const defaultRetryInterval = 10 * time.Millisecond

// FileLock is a held advisory lock on "<target>.lock".
//
// # Thread Safety
//
// A FileLock is owned by the goroutine that acquired it. Release is
// idempotent.
type FileLock struct {
	file   *os.File
	locker FileLocker
	path   string
}

// Acquire takes an exclusive lock guarding target.
//
// # Description
//
// Opens (creating if needed) the sidecar file "<target>.lock" and retries a
// non-blocking flock until it succeeds, the context ends, or timeout elapses.
// The target file itself is never opened, so atomic renames onto it are
// unaffected by the lock.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - target: Path of the file being protected.
//   - timeout: Maximum wait. Zero means wait until ctx is done.
//
// # Outputs
//
//   - *FileLock: The held lock. Caller must call Release.
//   - error: ErrLockTimeout on deadline, ctx.Err() on cancellation, or an
//     I/O error opening the lock file.
func Acquire(ctx context.Context, target string, timeout time.Duration) (*FileLock, error) {
	lockPath := target + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	locker := newFileLocker()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		err := locker.TryLock(f)
		if err == nil {
			return &FileLock{file: f, locker: locker, path: lockPath}, nil
		}
		if !errors.Is(err, ErrFileLocked) {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", lockPath, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-deadline:
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		case <-time.After(defaultRetryInterval):
		}
	}
}

// Path returns the sidecar lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := l.locker.Unlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}
