// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the canary service configuration.
//
// The configuration is a single YAML file. On first run a file holding
// DefaultConfig() is written so operators have something to edit. A few
// values can be overridden from the environment for container use:
//
//   - CANARY_CONFIG: Path of the configuration file
//   - CANARY_PORT: HTTP listen port
//   - CANARY_PIPELINE_URL: Search pipeline URL (HTTP or Weaviate)
//   - CANARY_INFLUX_TOKEN: InfluxDB API token
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCanary/services/canary/slo"
	"github.com/AleutianAI/AleutianCanary/services/canary/telemetry"
)

// ErrInvalidConfig is returned when a loaded configuration fails Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Pipeline types.
const (
	PipelineNone     = "none"
	PipelineStatic   = "static"
	PipelineHTTP     = "http"
	PipelineWeaviate = "weaviate"
)

// ServiceConfig is the root of the configuration file.
type ServiceConfig struct {
	Server    ServerConfig     `yaml:"server"`
	Paths     PathsConfig      `yaml:"paths"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Executor  ExecutorConfig   `yaml:"executor"`
	AB        ABConfig         `yaml:"ab"`
	SLO       SLOConfig        `yaml:"slo"`
	Strategy  StrategyConfig   `yaml:"strategy"`
	Audit     AuditConfig      `yaml:"audit"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Influx    InfluxConfig     `yaml:"influx"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the control API listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PathsConfig locates the preset directory and the deployment state file.
type PathsConfig struct {
	PresetsDir    string `yaml:"presets_dir"`
	StateFile     string `yaml:"state_file"`
	DefaultActive string `yaml:"default_active"`
}

// MetricsConfig configures bucket aggregation.
type MetricsConfig struct {
	BucketDuration time.Duration `yaml:"bucket_duration"`
	Retention      time.Duration `yaml:"retention"`
}

// ExecutorConfig configures traffic routing and the monitor loop.
type ExecutorConfig struct {
	// TrafficSplit is the fraction of searches routed to the candidate.
	TrafficSplit      float64       `yaml:"traffic_split"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	DefaultCollection string        `yaml:"default_collection"`
}

// ABConfig configures the A/B evaluator.
type ABConfig struct {
	// SplitA is the percentage of hash space assigned to branch A.
	SplitA              int           `yaml:"split_a"`
	History             time.Duration `yaml:"history"`
	MinBuckets          int           `yaml:"min_buckets"`
	MinResponses        int           `yaml:"min_responses"`
	MinValidPercentage  float64       `yaml:"min_valid_percentage"`
	MaxP95RegressionMs  float64       `yaml:"max_p95_regression_ms"`
	MaxRecallRegression float64       `yaml:"max_recall_regression"`
}

// SLOConfig pins the SLO rule set. Empty Rules derive rules from each
// candidate's own thresholds.
type SLOConfig struct {
	Rules []slo.Rule `yaml:"rules"`
}

// StrategyConfig configures the alerting strategy. Disabled means every
// sustained violation rolls back immediately.
type StrategyConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AutoRollback     bool          `yaml:"auto_rollback"`
	RollbackInterval time.Duration `yaml:"rollback_interval"`
	Burst            int           `yaml:"burst"`
}

// AuditConfig configures the persistent audit log. An empty Path keeps
// audit events in the service log only.
type AuditConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// PipelineConfig selects the search pipeline.
type PipelineConfig struct {
	// Type is one of none, static, http, weaviate.
	Type    string        `yaml:"type"`
	URL     string        `yaml:"url"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`

	// TextProperty is the Weaviate property returned as result content.
	TextProperty string `yaml:"text_property"`
}

// InfluxConfig configures the InfluxDB exporter.
type InfluxConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	Org      string        `yaml:"org"`
	Bucket   string        `yaml:"bucket"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() ServiceConfig {
	return ServiceConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            12230,
			ShutdownTimeout: 10 * time.Second,
		},
		Paths: PathsConfig{
			PresetsDir:    "configs/presets",
			StateFile:     "state/deployment_state.json",
			DefaultActive: "baseline",
		},
		Metrics: MetricsConfig{
			BucketDuration: 5 * time.Second,
			Retention:      time.Hour,
		},
		Executor: ExecutorConfig{
			TrafficSplit:      0.10,
			MonitorInterval:   time.Second,
			StopTimeout:       5 * time.Second,
			DefaultCollection: "Document",
		},
		AB: ABConfig{
			SplitA:              90,
			History:             time.Hour,
			MinBuckets:          3,
			MinResponses:        10,
			MinValidPercentage:  80,
			MaxP95RegressionMs:  50,
			MaxRecallRegression: 0.01,
		},
		Strategy: StrategyConfig{
			Enabled:          true,
			AutoRollback:     true,
			RollbackInterval: time.Minute,
			Burst:            1,
		},
		Audit: AuditConfig{
			Path: "state/audit",
			TTL:  30 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			Type:         PipelineNone,
			Path:         "/v1/search",
			Timeout:      30 * time.Second,
			TextProperty: "content",
		},
		Influx: InfluxConfig{
			URL:      "http://localhost:8086",
			Org:      "aleutian",
			Bucket:   "canary",
			Interval: 10 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns ~/.aleutian/canary.yaml, or canary.yaml in the
// working directory when there is no home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "canary.yaml"
	}
	return filepath.Join(home, ".aleutian", "canary.yaml")
}

// ResolvePath picks the configuration file: the flag value, then
// CANARY_CONFIG, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CANARY_CONFIG"); env != "" {
		return env
	}
	return DefaultPath()
}

// Load reads the configuration at path.
//
// # Description
//
// A missing file is created from DefaultConfig(). Keys absent from the
// file keep their default values. Environment overrides are applied after
// the file, then the result is validated.
//
// # Outputs
//
//   - ServiceConfig: The effective configuration.
//   - error: Wrapped I/O or YAML error, or ErrInvalidConfig.
func Load(path string) (ServiceConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return ServiceConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return ServiceConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

// Validate checks values the components would otherwise reject or
// silently replace.
func (c ServiceConfig) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Paths.PresetsDir == "" {
		errs = append(errs, errors.New("paths.presets_dir is required"))
	}
	if c.Paths.StateFile == "" {
		errs = append(errs, errors.New("paths.state_file is required"))
	}
	if c.Executor.TrafficSplit < 0 || c.Executor.TrafficSplit > 1 {
		errs = append(errs, fmt.Errorf("executor.traffic_split %v not in [0, 1]", c.Executor.TrafficSplit))
	}
	if c.AB.SplitA < 0 || c.AB.SplitA > 100 {
		errs = append(errs, fmt.Errorf("ab.split_a %d not in [0, 100]", c.AB.SplitA))
	}
	for i, r := range c.SLO.Rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("slo.rules[%d]: %w", i, err))
		}
	}
	switch c.Pipeline.Type {
	case "", PipelineNone, PipelineStatic:
	case PipelineHTTP, PipelineWeaviate:
		if c.Pipeline.URL == "" {
			errs = append(errs, fmt.Errorf("pipeline.url is required for type %q", c.Pipeline.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown pipeline.type %q", c.Pipeline.Type))
	}
	if c.Influx.Enabled && c.Influx.URL == "" {
		errs = append(errs, errors.New("influx.url is required when influx is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *ServiceConfig) applyEnv() error {
	if v := os.Getenv("CANARY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CANARY_PORT %q is not a number", ErrInvalidConfig, v)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("CANARY_PIPELINE_URL"); v != "" {
		c.Pipeline.URL = v
	}
	if v := os.Getenv("CANARY_INFLUX_TOKEN"); v != "" {
		c.Influx.Token = v
	}
	return nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
