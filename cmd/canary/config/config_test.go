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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCanary/services/canary/slo"
)

func TestLoad_CreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "canary.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
	assert.Equal(t, 0.10, cfg.Executor.TrafficSplit)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should be written")

	// The written file must load back to the same values.
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Metrics, again.Metrics)
	assert.Equal(t, cfg.Strategy, again.Strategy)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canary.yaml")
	doc := `
server:
  port: 9000
executor:
  traffic_split: 0.25
  monitor_interval: 500ms
slo:
  rules:
    - name: p95_tight
      metric: p95_ms
      operator: le
      threshold: 800
      consecutive_buckets: 3
pipeline:
  type: http
  url: http://rag-engine:8000
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 0.25, cfg.Executor.TrafficSplit)
	assert.Equal(t, 500*time.Millisecond, cfg.Executor.MonitorInterval)
	assert.Equal(t, 5*time.Second, cfg.Executor.StopTimeout)
	assert.Equal(t, 90, cfg.AB.SplitA)
	require.Len(t, cfg.SLO.Rules, 1)
	assert.Equal(t, slo.Rule{
		Name:               "p95_tight",
		Metric:             slo.MetricP95Ms,
		Operator:           slo.OpLE,
		Threshold:          800,
		ConsecutiveBuckets: 3,
	}, cfg.SLO.Rules[0])
	assert.Equal(t, PipelineHTTP, cfg.Pipeline.Type)
	assert.Equal(t, "/v1/search", cfg.Pipeline.Path)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canary.yaml")
	t.Setenv("CANARY_PORT", "12345")
	t.Setenv("CANARY_INFLUX_TOKEN", "secret")
	t.Setenv("CANARY_PIPELINE_URL", "http://weaviate:8080")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12345, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Influx.Token)
	assert.Equal(t, "http://weaviate:8080", cfg.Pipeline.URL)
	assert.Equal(t, ":12345", ServerConfig{Port: 12345}.Addr())

	t.Setenv("CANARY_PORT", "abc")
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "canary.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "canary.yaml")
		require.NoError(t, os.WriteFile(path, []byte("executor:\n  traffic_split: 1.5\n"), 0o644))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "traffic_split")
	})
}

func TestServiceConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServiceConfig)
		wantErr string
	}{
		{"defaults", func(*ServiceConfig) {}, ""},
		{"port", func(c *ServiceConfig) { c.Server.Port = 0 }, "server.port"},
		{"presets dir", func(c *ServiceConfig) { c.Paths.PresetsDir = "" }, "presets_dir"},
		{"state file", func(c *ServiceConfig) { c.Paths.StateFile = "" }, "state_file"},
		{"split a", func(c *ServiceConfig) { c.AB.SplitA = 101 }, "split_a"},
		{"pipeline type", func(c *ServiceConfig) { c.Pipeline.Type = "grpc" }, "pipeline.type"},
		{"pipeline url", func(c *ServiceConfig) { c.Pipeline.Type = PipelineWeaviate }, "pipeline.url"},
		{"influx url", func(c *ServiceConfig) {
			c.Influx.Enabled = true
			c.Influx.URL = ""
		}, "influx.url"},
		{"rule", func(c *ServiceConfig) {
			c.SLO.Rules = []slo.Rule{{Name: "x", Metric: slo.MetricP95Ms, Operator: slo.OpLE, ConsecutiveBuckets: 0}}
		}, "slo.rules[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultConfig_YAMLDurations(t *testing.T) {
	data, err := yaml.Marshal(DefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, string(data), "monitor_interval: 1s")
	assert.Contains(t, string(data), "bucket_duration: 5s")
}

func TestResolvePath(t *testing.T) {
	t.Setenv("CANARY_CONFIG", "/etc/canary/canary.yaml")
	assert.Equal(t, "/tmp/x.yaml", ResolvePath("/tmp/x.yaml"))
	assert.Equal(t, "/etc/canary/canary.yaml", ResolvePath(""))

	t.Setenv("CANARY_CONFIG", "")
	assert.Equal(t, DefaultPath(), ResolvePath(""))
}
