// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCanary/cmd/canary/config"
	"github.com/AleutianAI/AleutianCanary/services/canary/deployment"
	"github.com/AleutianAI/AleutianCanary/services/canary/pipeline"
	"github.com/AleutianAI/AleutianCanary/services/canary/slo"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// setupWorkspace writes a config file pointing at a temp state directory
// and saves two presets.
func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	presets := filepath.Join(dir, "presets")
	state := filepath.Join(dir, "state.json")

	doc := fmt.Sprintf("paths:\n  presets_dir: %s\n  state_file: %s\nlogging:\n  level: error\ntelemetry:\n  metric_exporter: none\n  trace_exporter: none\n", presets, state)
	cfgPath := filepath.Join(dir, "canary.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o644))

	mcfg := deployment.DefaultConfig()
	mcfg.PresetsDir = presets
	mcfg.StateFile = state
	mcfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := deployment.NewManager(mcfg)
	require.NoError(t, err)
	for _, name := range []string{"baseline", "cand_A"} {
		require.NoError(t, mgr.SavePreset(&deployment.ConfigVersion{
			Metadata:      deployment.Metadata{Name: name, Version: "1"},
			MacroKnobs:    map[string]any{},
			DerivedParams: map[string]any{},
			Retriever:     map[string]any{"top_k": 10},
			Reranker:      map[string]any{},
			SLO:           deployment.SLOThresholds{P95Ms: 1200, RecallAt10: 0.8},
		}))
	}
	return cfgPath
}

func runCLI(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

func TestCLI_Lifecycle(t *testing.T) {
	cfgPath := setupWorkspace(t)

	out, err := runCLI(t, cfgPath, "status")
	require.NoError(t, err)
	var st deployment.State
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, deployment.StatusIdle, st.CanaryStatus)
	assert.Equal(t, "baseline", st.ActiveConfig)

	out, err = runCLI(t, cfgPath, "start", "cand_A")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, deployment.StatusRunning, st.CanaryStatus)
	assert.Equal(t, "cand_A", st.Candidate())

	_, err = runCLI(t, cfgPath, "promote")
	require.NoError(t, err)

	out, err = runCLI(t, cfgPath, "status")
	require.NoError(t, err)
	st = deployment.State{}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, deployment.StatusPromoted, st.CanaryStatus)
	assert.Equal(t, "cand_A", st.ActiveConfig)
	assert.Equal(t, "baseline", st.LastGoodConfig)

	_, err = runCLI(t, cfgPath, "promote")
	assert.ErrorIs(t, err, deployment.ErrInvalidState)
	assert.Equal(t, exitConflict, exitCode(err))
}

func TestCLI_Rollback(t *testing.T) {
	cfgPath := setupWorkspace(t)

	_, err := runCLI(t, cfgPath, "start", "cand_A")
	require.NoError(t, err)

	out, err := runCLI(t, cfgPath, "rollback", "--reason", "p95 regression")
	require.NoError(t, err)
	var st deployment.State
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, deployment.StatusRolledBack, st.CanaryStatus)
	assert.Nil(t, st.CandidateConfig)
	assert.Equal(t, "baseline", st.ActiveConfig)
}

func TestCLI_StartUnknownPreset(t *testing.T) {
	cfgPath := setupWorkspace(t)

	_, err := runCLI(t, cfgPath, "start", "missing")
	assert.ErrorIs(t, err, deployment.ErrNotFound)
	assert.Equal(t, exitNotFound, exitCode(err))
}

func TestCLI_Presets(t *testing.T) {
	cfgPath := setupWorkspace(t)

	out, err := runCLI(t, cfgPath, "preset", "list")
	require.NoError(t, err)
	assert.Equal(t, "baseline\ncand_A\n", out)

	out, err = runCLI(t, cfgPath, "preset", "validate", "cand_A", "nope")
	assert.ErrorIs(t, err, deployment.ErrNotFound)
	assert.Contains(t, out, "OK   cand_A (p95_ms=1200 recall_at_10=0.8)")
	assert.Contains(t, out, "FAIL nope")
}

func TestCLI_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canary.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644))

	_, err := runCLI(t, path, "status")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Equal(t, exitInvalid, exitCode(err))

	cfgPath := setupWorkspace(t)
	_, err = runCLI(t, cfgPath, "--log-level", "loud", "status")
	assert.Equal(t, exitInvalid, exitCode(err))
}

// -----------------------------------------------------------------------------
// Wiring
// -----------------------------------------------------------------------------

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), exitFailure},
		{fmt.Errorf("x: %w", deployment.ErrValidation), exitInvalid},
		{fmt.Errorf("x: %w", deployment.ErrNotFound), exitNotFound},
		{fmt.Errorf("x: %w", deployment.ErrConflict), exitConflict},
		{fmt.Errorf("x: %w", deployment.ErrStateIO), exitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestBuildPipeline(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := buildPipeline(config.PipelineConfig{Type: config.PipelineNone}, logger)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = buildPipeline(config.PipelineConfig{Type: config.PipelineStatic}, logger)
	require.NoError(t, err)
	static, ok := p.(*pipeline.StaticPipeline)
	require.True(t, ok)
	assert.Len(t, static.Results, 10)

	p, err = buildPipeline(config.PipelineConfig{Type: config.PipelineHTTP, URL: "http://rag:8000"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &pipeline.HTTPPipeline{}, p)

	_, err = buildPipeline(config.PipelineConfig{Type: config.PipelineHTTP}, logger)
	assert.Error(t, err)

	_, err = buildPipeline(config.PipelineConfig{Type: "grpc"}, logger)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestBuildContainerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Paths.PresetsDir = "/srv/presets"
	cfg.Paths.StateFile = "/srv/state.json"
	cfg.Executor.TrafficSplit = 0.3
	cfg.AB.MinBuckets = 7
	cfg.Strategy.RollbackInterval = 2 * time.Minute
	cfg.Strategy.AutoRollback = false
	cfg.SLO.Rules = slo.DefaultRules(500, 0.9)

	cc := buildContainerConfig(cfg, nil, nil, nil)
	assert.Equal(t, "/srv/presets", cc.Deployment.PresetsDir)
	assert.Equal(t, "/srv/state.json", cc.Deployment.StateFile)
	assert.Equal(t, 0.3, cc.Executor.TrafficSplit)
	assert.Equal(t, 7, cc.AB.MinBuckets)
	require.NotNil(t, cc.Alerting)
	assert.Equal(t, 2*time.Minute, cc.Alerting.RollbackInterval)
	assert.False(t, cc.Alerting.AutoRollback)
	assert.Len(t, cc.Rules, 2)
	assert.Equal(t, "state/audit", cc.AuditPath)

	cfg.Strategy.Enabled = false
	assert.Nil(t, buildContainerConfig(cfg, nil, nil, nil).Alerting)
}
