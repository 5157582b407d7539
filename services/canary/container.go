// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package canary wires the canary control plane together and exposes it
// over HTTP.
//
// Container builds every component from explicit configuration; nothing
// in the control plane is a process-wide singleton. Handlers is a thin gin
// adapter over the container.
package canary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/ab"
	"github.com/AleutianAI/AleutianCanary/services/canary/audit"
	"github.com/AleutianAI/AleutianCanary/services/canary/deployment"
	"github.com/AleutianAI/AleutianCanary/services/canary/executor"
	"github.com/AleutianAI/AleutianCanary/services/canary/metrics"
	"github.com/AleutianAI/AleutianCanary/services/canary/pipeline"
	"github.com/AleutianAI/AleutianCanary/services/canary/slo"
	storage "github.com/AleutianAI/AleutianCanary/services/canary/storage/badger"
	"github.com/AleutianAI/AleutianCanary/services/canary/telemetry"
)

// ServiceVersion is the control plane version.
const ServiceVersion = "1.0.0"

// ContainerConfig holds the settings of every component.
type ContainerConfig struct {
	Deployment deployment.Config
	Metrics    metrics.Config
	AB         ab.Config
	Executor   executor.Config

	// Rules pins the SLO rule set. When empty the executor derives rules
	// from each candidate's SLO thresholds.
	Rules []slo.Rule

	// Alerting enables the rate-limited alerting strategy. Nil means every
	// sustained violation rolls back immediately.
	Alerting *slo.AlertingConfig

	// AuditPath is the BadgerDB directory for audit events. Empty keeps
	// audit events in the log only.
	AuditPath string

	// AuditInMemory keeps audit events in an in-memory BadgerDB.
	AuditInMemory bool

	// AuditTTL expires persisted audit events. Zero keeps them forever.
	AuditTTL time.Duration

	// Pipeline serves searches. Nil makes searches fail with
	// pipeline.ErrPipelineUnavailable.
	Pipeline pipeline.Pipeline

	// Telemetry receives control-plane instruments. Nil disables them.
	Telemetry *telemetry.CanaryMetrics

	// Logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultContainerConfig returns defaults for every component.
func DefaultContainerConfig() ContainerConfig {
	alerting := slo.DefaultAlertingConfig()
	return ContainerConfig{
		Deployment: deployment.DefaultConfig(),
		Metrics:    metrics.DefaultConfig(),
		AB:         ab.DefaultConfig(),
		Executor:   executor.DefaultConfig(),
		Alerting:   &alerting,
		AuditTTL:   30 * 24 * time.Hour,
	}
}

// Container owns the control plane components.
//
// # Thread Safety
//
// Components are safe for concurrent use. Close must be called once.
type Container struct {
	Manager   *deployment.Manager
	Collector *metrics.Collector
	Monitor   *slo.Monitor
	Evaluator *ab.Evaluator
	Executor  *executor.Executor

	// Audit is the sink every component records to.
	Audit audit.Sink

	// AuditStore is the persistent audit sink, nil when not configured.
	AuditStore *audit.BadgerSink

	db     *storage.DB
	logger *slog.Logger
}

// NewContainer builds and wires every component.
//
// # Outputs
//
//   - *Container: Ready to serve. Call Close on shutdown.
//   - error: Non-nil if any component fails to initialize; anything
//     already opened is closed.
func NewContainer(cfg ContainerConfig) (*Container, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger
	c := &Container{logger: logger.With(slog.String("component", "container"))}

	sinks := audit.MultiSink{audit.NewLogSink(logger)}
	if cfg.AuditPath != "" || cfg.AuditInMemory {
		dbCfg := storage.DefaultConfig(cfg.AuditPath)
		dbCfg.InMemory = cfg.AuditInMemory
		dbCfg.Logger = logger
		if cfg.AuditInMemory {
			dbCfg.GCInterval = 0
		}
		db, err := storage.Open(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		c.db = db
		c.AuditStore = audit.NewBadgerSink(db.DB, cfg.AuditTTL)
		sinks = append(sinks, c.AuditStore)
	}
	c.Audit = sinks

	cfg.Deployment.Logger = logger
	mgr, err := deployment.NewManager(cfg.Deployment)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("deployment manager: %w", err)
	}
	c.Manager = mgr

	cfg.Metrics.Logger = logger
	cfg.Metrics.Metrics = cfg.Telemetry
	c.Collector = metrics.NewCollector(cfg.Metrics)

	var strategy slo.Strategy
	if cfg.Alerting != nil {
		alerting := *cfg.Alerting
		alerting.Sink = c.Audit
		alerting.Logger = logger
		strategy = slo.NewAlertingStrategy(alerting)
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		// Placeholder until a candidate supplies its thresholds.
		rules = slo.DefaultRules(1200, 0.8)
		cfg.Executor.RulesFromPreset = true
	} else {
		cfg.Executor.RulesFromPreset = false
	}
	mon, err := slo.NewMonitor(slo.Config{
		Rules:      rules,
		Rollbacker: mgr,
		Strategy:   strategy,
		Audit:      c.Audit,
		Metrics:    cfg.Telemetry,
		Logger:     logger,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("SLO monitor: %w", err)
	}
	c.Monitor = mon

	cfg.AB.Logger = logger
	c.Evaluator = ab.NewEvaluator(cfg.AB, mgr)

	ex, err := executor.New(executor.Deps{
		Manager:   mgr,
		Collector: c.Collector,
		Monitor:   mon,
		Evaluator: c.Evaluator,
		Pipeline:  cfg.Pipeline,
		Audit:     c.Audit,
		Metrics:   cfg.Telemetry,
		Logger:    logger,
	}, cfg.Executor)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("executor: %w", err)
	}
	c.Executor = ex

	return c, nil
}

// Start reconciles with the persisted state, adopting a canary left
// running by an earlier process, and watches the state file until ctx is
// cancelled.
func (c *Container) Start(ctx context.Context) error {
	st := c.Executor.Sync(ctx)
	c.logger.Info("control plane started",
		slog.String("status", st.CanaryStatus.String()),
		slog.String("active", st.ActiveConfig),
		slog.String("candidate", st.Candidate()))
	if err := c.Executor.Watch(ctx); err != nil {
		return fmt.Errorf("watch deployment state: %w", err)
	}
	return nil
}

// Close stops the monitor and closes the audit store. The deployment
// state is left as is.
func (c *Container) Close() error {
	if c.Executor != nil {
		c.Executor.Close()
	}
	var errs []error
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit store: %w", err))
		}
	}
	return errors.Join(errs...)
}
