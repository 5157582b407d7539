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
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPreset(name string) *ConfigVersion {
	return &ConfigVersion{
		Metadata: Metadata{
			Name:        name,
			Description: "test preset " + name,
			CreatedAt:   "2025-01-15T10:00:00Z",
			Version:     "1.0.0",
			Tags:        []string{"test", "canary"},
		},
		MacroKnobs: map[string]any{
			"latency_budget": "balanced",
			"quality_bias":   0.6,
		},
		DerivedParams: map[string]any{
			"ef_search": 128,
			"nested": map[string]any{
				"candidates": []any{10, 20, 40},
			},
		},
		Retriever: map[string]any{
			"type":  "hybrid",
			"alpha": 0.5,
			"top_k": 50,
		},
		Reranker: map[string]any{
			"enabled": true,
			"top_n":   10,
		},
		SLO: SLOThresholds{P95Ms: 1200, RecallAt10: 0.8},
	}
}

// newTestManager returns a manager over a fresh temp dir with the given
// presets already saved.
func newTestManager(t *testing.T, presets ...string) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(Config{
		PresetsDir:    filepath.Join(dir, "presets"),
		StateFile:     filepath.Join(dir, "state", "deployment_state.json"),
		DefaultActive: "baseline",
		LockTimeout:   time.Second,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	for _, p := range presets {
		require.NoError(t, m.SavePreset(testPreset(p)))
	}
	return m, dir
}
