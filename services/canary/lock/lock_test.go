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
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "state.json")

		l, err := Acquire(context.Background(), target, time.Second)
		require.NoError(t, err)
		assert.Equal(t, target+".lock", l.Path())

		_, statErr := os.Stat(l.Path())
		assert.NoError(t, statErr)

		require.NoError(t, l.Release())
		require.NoError(t, l.Release(), "release is idempotent")
	})

	t.Run("contended lock times out", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("advisory locking unavailable")
		}
		target := filepath.Join(t.TempDir(), "state.json")

		held, err := Acquire(context.Background(), target, time.Second)
		require.NoError(t, err)
		defer held.Release()

		_, err = Acquire(context.Background(), target, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrLockTimeout)
	})

	t.Run("lock is reacquirable after release", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "state.json")

		first, err := Acquire(context.Background(), target, time.Second)
		require.NoError(t, err)
		require.NoError(t, first.Release())

		second, err := Acquire(context.Background(), target, time.Second)
		require.NoError(t, err)
		require.NoError(t, second.Release())
	})

	t.Run("cancelled context", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("advisory locking unavailable")
		}
		target := filepath.Join(t.TempDir(), "state.json")

		held, err := Acquire(context.Background(), target, time.Second)
		require.NoError(t, err)
		defer held.Release()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = Acquire(ctx, target, 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan ChangeEvent, 16)
	require.NoError(t, Watch(ctx, target, nil, func(ev ChangeEvent) {
		events <- ev
	}))

	// Unrelated file in the same directory must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644))

	tmp := target + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(`{"canary_status":"idle"}`), 0o644))
	require.NoError(t, os.Rename(tmp, target))

	select {
	case ev := <-events:
		assert.Equal(t, target, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event for replaced state file")
	}
}

func TestChangeType_String(t *testing.T) {
	assert.Equal(t, "write", ChangeWrite.String())
	assert.Equal(t, "replace", ChangeReplace.String())
	assert.Equal(t, "delete", ChangeDelete.String())
	assert.Equal(t, "unknown", ChangeType(42).String())
}
