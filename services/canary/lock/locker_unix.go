// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// unixFileLocker implements FileLocker using flock(2).
//
// # Description
//
// Locks are advisory, released on close or process exit, and never block:
// LOCK_NB makes TryLock return immediately when another process holds it.
type unixFileLocker struct{}

// TryLock acquires an exclusive lock using LOCK_EX|LOCK_NB.
func (l *unixFileLocker) TryLock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrFileLocked
		}
		return err
	}
	return nil
}

// Unlock releases the lock using LOCK_UN.
func (l *unixFileLocker) Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func newPlatformLocker() FileLocker {
	return &unixFileLocker{}
}
