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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCanary/cmd/canary/config"
	"github.com/AleutianAI/AleutianCanary/services/canary"
	"github.com/AleutianAI/AleutianCanary/services/canary/export"
	"github.com/AleutianAI/AleutianCanary/services/canary/pipeline"
	"github.com/AleutianAI/AleutianCanary/services/canary/slo"
	"github.com/AleutianAI/AleutianCanary/services/canary/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API, SLO monitor and exporters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, a.logger)
		},
	}
}

// serve runs until ctx is cancelled or a component fails.
//
// A canary left running at shutdown stays running in the state file and
// is adopted by the next server.
func serve(ctx context.Context, cfg config.ServiceConfig, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	instruments, err := telemetry.NewCanaryMetrics(nil)
	if err != nil {
		logger.Warn("canary instruments disabled", "error", err)
		instruments = nil
	}

	p, err := buildPipeline(cfg.Pipeline, logger)
	if err != nil {
		return err
	}

	c, err := canary.NewContainer(buildContainerConfig(cfg, p, instruments, logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("container close failed", "error", err)
		}
	}()

	if instruments != nil {
		reg, err := instruments.RegisterCanaryRunning(nil, c.Executor.Running)
		if err != nil {
			logger.Warn("canary_running gauge disabled", "error", err)
		} else {
			defer reg.Unregister()
		}
	}

	var exp *export.InfluxExporter
	if cfg.Influx.Enabled {
		exp, err = export.NewInfluxExporter(export.Config{
			URL:      cfg.Influx.URL,
			Token:    cfg.Influx.Token,
			Org:      cfg.Influx.Org,
			Bucket:   cfg.Influx.Bucket,
			Interval: cfg.Influx.Interval,
			Logger:   logger,
		}, c.Collector, c.Monitor)
		if err != nil {
			return err
		}
		defer exp.Close()
		if err := exp.Health(ctx); err != nil {
			logger.Warn("influxdb not reachable, export will retry", "error", err)
		}
		logger.Info("influx export enabled", "url", cfg.Influx.URL, "token_present", cfg.Influx.Token != "")
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := c.Start(gctx); err != nil {
		return err
	}

	router := canary.NewRouter(canary.NewHandlers(c, logger), cfg.Telemetry.ServiceName, telemetry.MetricsHandler())
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("control API listening", "addr", srv.Addr, "pipeline", cfg.Pipeline.Type)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down control API")
		return srv.Shutdown(sctx)
	})

	if exp != nil {
		g.Go(func() error { return exp.Run(gctx) })
	}

	return g.Wait()
}

// buildContainerConfig maps the service configuration onto the
// control-plane components.
func buildContainerConfig(cfg config.ServiceConfig, p pipeline.Pipeline, instruments *telemetry.CanaryMetrics, logger *slog.Logger) canary.ContainerConfig {
	cc := canary.DefaultContainerConfig()

	cc.Deployment.PresetsDir = cfg.Paths.PresetsDir
	cc.Deployment.StateFile = cfg.Paths.StateFile
	if cfg.Paths.DefaultActive != "" {
		cc.Deployment.DefaultActive = cfg.Paths.DefaultActive
	}

	cc.Metrics.BucketDuration = cfg.Metrics.BucketDuration
	cc.Metrics.Retention = cfg.Metrics.Retention

	cc.Executor.TrafficSplit = cfg.Executor.TrafficSplit
	cc.Executor.MonitorInterval = cfg.Executor.MonitorInterval
	cc.Executor.StopTimeout = cfg.Executor.StopTimeout
	cc.Executor.DefaultCollection = cfg.Executor.DefaultCollection

	cc.AB.SplitA = cfg.AB.SplitA
	cc.AB.History = cfg.AB.History
	cc.AB.MinBuckets = cfg.AB.MinBuckets
	cc.AB.MinResponses = cfg.AB.MinResponses
	cc.AB.MinValidPercentage = cfg.AB.MinValidPercentage
	cc.AB.MaxP95RegressionMs = cfg.AB.MaxP95RegressionMs
	cc.AB.MaxRecallRegression = cfg.AB.MaxRecallRegression

	cc.Rules = cfg.SLO.Rules
	if cfg.Strategy.Enabled {
		alerting := slo.DefaultAlertingConfig()
		alerting.AutoRollback = cfg.Strategy.AutoRollback
		if cfg.Strategy.RollbackInterval > 0 {
			alerting.RollbackInterval = cfg.Strategy.RollbackInterval
		}
		if cfg.Strategy.Burst > 0 {
			alerting.Burst = cfg.Strategy.Burst
		}
		cc.Alerting = &alerting
	} else {
		cc.Alerting = nil
	}

	cc.AuditPath = cfg.Audit.Path
	cc.AuditTTL = cfg.Audit.TTL
	cc.Pipeline = p
	cc.Telemetry = instruments
	cc.Logger = logger
	return cc
}

// buildPipeline creates the configured search pipeline. "none" returns a
// nil pipeline; searches then fail with pipeline.ErrPipelineUnavailable.
func buildPipeline(cfg config.PipelineConfig, logger *slog.Logger) (pipeline.Pipeline, error) {
	switch cfg.Type {
	case "", config.PipelineNone:
		return nil, nil
	case config.PipelineStatic:
		results := make([]pipeline.Result, 10)
		for i := range results {
			results[i] = pipeline.Result{
				ID:      fmt.Sprintf("static-%d", i),
				Content: "static result",
				Score:   1 - float64(i)/10,
			}
		}
		return &pipeline.StaticPipeline{Results: results}, nil
	case config.PipelineHTTP:
		p, err := pipeline.NewHTTPPipeline(pipeline.HTTPConfig{
			BaseURL: cfg.URL,
			Path:    cfg.Path,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("http pipeline: %w", err)
		}
		return p, nil
	case config.PipelineWeaviate:
		p, err := pipeline.NewWeaviatePipeline(pipeline.WeaviateConfig{
			URL:          cfg.URL,
			TextProperty: cfg.TextProperty,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("weaviate pipeline: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown pipeline type %q", config.ErrInvalidConfig, cfg.Type)
	}
}
