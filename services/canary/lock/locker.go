// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides cross-process coordination for the deployment state file.
//
// Two primitives live here:
//
//   - FileLock: an advisory exclusive lock on a sidecar ".lock" file, used to
//     serialize read-modify-write cycles on the state file across processes
//     (for example the canary server and the canary CLI).
//   - Watch: an fsnotify-backed watcher that reports writes, renames and
//     removals of a single file, used to notice state changes made elsewhere.
//
// Neither primitive protects readers. Readers rely on the writer side
// replacing the file atomically (write temp, fsync, rename).
package lock

import (
	"errors"
	"os"
)

// ErrFileLocked indicates the lock is held by another process.
var ErrFileLocked = errors.New("file is locked by another process")

// ErrLockTimeout indicates the lock could not be acquired before the deadline.
var ErrLockTimeout = errors.New("timed out waiting for file lock")

// FileLocker abstracts platform-specific file locking operations.
//
// # Description
//
// Unix implementations use flock(2). Platforms without advisory locking
// fall back to a no-op locker, which leaves only the in-process mutex of
// the caller as protection.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	// TryLock attempts a non-blocking exclusive lock.
	//
	// # Outputs
	//
	//   - error: nil on success, ErrFileLocked if another holder exists.
	TryLock(f *os.File) error

	// Unlock releases the lock. Safe to call even if not locked.
	Unlock(f *os.File) error
}

// newFileLocker creates a platform-appropriate FileLocker.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}
