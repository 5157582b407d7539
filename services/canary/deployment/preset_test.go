// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deployment

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresetStore_RoundTrip(t *testing.T) {
	store, err := NewPresetStore(t.TempDir(), quietLogger())
	require.NoError(t, err)

	require.NoError(t, store.Save(testPreset("cand_A")))

	first, err := store.Load("cand_A")
	require.NoError(t, err)

	// Re-save what was loaded and read it back from disk, bypassing the cache.
	require.NoError(t, store.Save(first))
	store.Invalidate("")
	second, err := store.Load("cand_A")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "cand_A", second.Name())
	assert.Equal(t, 1200.0, second.SLO.P95Ms)
	assert.Equal(t, 0.8, second.SLO.RecallAt10)
	assert.Equal(t, []string{"test", "canary"}, second.Metadata.Tags)
	assert.Equal(t, "hybrid", second.Retriever["type"])
}

func TestPresetStore_Load(t *testing.T) {
	t.Run("missing preset is not found", func(t *testing.T) {
		store, err := NewPresetStore(t.TempDir(), quietLogger())
		require.NoError(t, err)

		_, err = store.Load("nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, store.Exists("nope"))
	})

	t.Run("missing required section is a validation error", func(t *testing.T) {
		dir := t.TempDir()
		doc := `metadata:
  name: broken
macro_knobs: {}
derived_params: {}
retriever: {}
slo:
  p95_ms: 1000
  recall_at_10: 0.9
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(doc), 0o644))

		store, err := NewPresetStore(dir, quietLogger())
		require.NoError(t, err)

		_, err = store.Load("broken")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("out of range slo is a validation error", func(t *testing.T) {
		dir := t.TempDir()
		doc := `metadata: {name: bad_slo}
macro_knobs: {}
derived_params: {}
retriever: {}
reranker: {}
slo: {p95_ms: 1000, recall_at_10: 1.5}
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad_slo.yaml"), []byte(doc), 0o644))

		store, err := NewPresetStore(dir, quietLogger())
		require.NoError(t, err)

		_, err = store.Load("bad_slo")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("name mismatch is a validation error", func(t *testing.T) {
		dir := t.TempDir()
		doc := `metadata: {name: other}
macro_knobs: {}
derived_params: {}
retriever: {}
reranker: {}
slo: {p95_ms: 1000, recall_at_10: 0.9}
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "renamed.yaml"), []byte(doc), 0o644))

		store, err := NewPresetStore(dir, quietLogger())
		require.NoError(t, err)

		_, err = store.Load("renamed")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unquoted version and yml extension load", func(t *testing.T) {
		dir := t.TempDir()
		doc := `metadata:
  name: legacy
  version: 2
  created_at: 2024-06-01
macro_knobs: {}
derived_params: {}
retriever: {top_k: 20}
reranker: {}
slo: {p95_ms: 800, recall_at_10: 0.7}
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.yml"), []byte(doc), 0o644))

		store, err := NewPresetStore(dir, quietLogger())
		require.NoError(t, err)

		cfg, err := store.Load("legacy")
		require.NoError(t, err)
		assert.Equal(t, "2", cfg.Metadata.Version)
		assert.Equal(t, 800.0, cfg.SLO.P95Ms)
	})

	t.Run("path traversal is rejected", func(t *testing.T) {
		store, err := NewPresetStore(t.TempDir(), quietLogger())
		require.NoError(t, err)

		for _, name := range []string{"", "../etc/passwd", "a/b", ".hidden"} {
			_, err := store.Load(name)
			assert.ErrorIs(t, err, ErrValidation, "name %q", name)
		}
	})
}

func TestPresetStore_LoadReturnsClones(t *testing.T) {
	store, err := NewPresetStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	require.NoError(t, store.Save(testPreset("cand_A")))

	a, err := store.Load("cand_A")
	require.NoError(t, err)
	a.Retriever["top_k"] = 999
	a.DerivedParams["nested"].(map[string]any)["candidates"] = nil

	b, err := store.Load("cand_A")
	require.NoError(t, err)
	assert.Equal(t, 50, b.Retriever["top_k"])
	assert.NotNil(t, b.DerivedParams["nested"].(map[string]any)["candidates"])
}

func TestPresetStore_ConcurrentLoads(t *testing.T) {
	store, err := NewPresetStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	require.NoError(t, store.Save(testPreset("cand_A")))
	store.Invalidate("")

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Load("cand_A")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestPresetStore_Save(t *testing.T) {
	t.Run("rejects invalid slo", func(t *testing.T) {
		store, err := NewPresetStore(t.TempDir(), quietLogger())
		require.NoError(t, err)

		cfg := testPreset("bad")
		cfg.SLO.P95Ms = 0
		assert.ErrorIs(t, store.Save(cfg), ErrValidation)
		assert.False(t, store.Exists("bad"))
	})

	t.Run("rejects nil", func(t *testing.T) {
		store, err := NewPresetStore(t.TempDir(), quietLogger())
		require.NoError(t, err)
		assert.ErrorIs(t, store.Save(nil), ErrValidation)
	})

	t.Run("overwrites by name", func(t *testing.T) {
		store, err := NewPresetStore(t.TempDir(), quietLogger())
		require.NoError(t, err)

		cfg := testPreset("cand_A")
		require.NoError(t, store.Save(cfg))
		cfg.SLO.P95Ms = 900
		require.NoError(t, store.Save(cfg))

		store.Invalidate("cand_A")
		got, err := store.Load("cand_A")
		require.NoError(t, err)
		assert.Equal(t, 900.0, got.SLO.P95Ms)
	})
}

func TestPresetStore_List(t *testing.T) {
	t.Run("missing directory is empty", func(t *testing.T) {
		store, err := NewPresetStore(filepath.Join(t.TempDir(), "absent"), quietLogger())
		require.NoError(t, err)

		names, err := store.List()
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("sorted names without temp files", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewPresetStore(dir, quietLogger())
		require.NoError(t, err)
		require.NoError(t, store.Save(testPreset("zeta")))
		require.NoError(t, store.Save(testPreset("alpha")))
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".alpha.yaml.123.tmp"), nil, 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

		names, err := store.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "zeta"}, names)
	})
}
