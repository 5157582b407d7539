// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export ships closed metric buckets and SLO violations to
// InfluxDB.
//
// The exporter polls the read-only accessors of the collector and the SLO
// monitor; the control plane never pushes to it.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianCanary/services/canary/metrics"
	"github.com/AleutianAI/AleutianCanary/services/canary/slo"
)

// Measurement names.
const (
	MeasurementBucket    = "canary_bucket"
	MeasurementViolation = "canary_slo_violation"
)

// BucketSource exposes closed buckets. *metrics.Collector implements it.
type BucketSource interface {
	GetAllBuckets() []metrics.Bucket
}

// ViolationSource exposes the violation log. *slo.Monitor implements it.
type ViolationSource interface {
	GetViolations() []slo.Violation
}

// Config configures an InfluxExporter.
type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	// Interval between exports.
	// Default: 10s
	Interval time.Duration `yaml:"interval"`

	// Logger. Nil uses slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a local InfluxDB configuration.
func DefaultConfig() Config {
	return Config{
		URL:      "http://localhost:8086",
		Org:      "aleutian",
		Bucket:   "canary",
		Interval: 10 * time.Second,
	}
}

// InfluxExporter writes new buckets and violations on every Export.
//
// Each bucket and violation is written once. A failed write is retried on
// the next export. Seen entries are forgotten once they leave the sources'
// own retention.
//
// # Thread Safety
//
// Export is serialized internally.
type InfluxExporter struct {
	client     influxdb2.Client
	writer     api.WriteAPIBlocking
	buckets    BucketSource
	violations ViolationSource
	interval   time.Duration
	logger     *slog.Logger

	mu             sync.Mutex
	seenBuckets    map[metrics.Bucket]struct{}
	seenViolations map[slo.Violation]struct{}
}

// NewInfluxExporter connects to InfluxDB with the blocking write API.
//
// # Outputs
//
//   - *InfluxExporter: Call Close when done.
//   - error: Non-nil if URL, Org or Bucket is empty.
func NewInfluxExporter(cfg Config, buckets BucketSource, violations ViolationSource) (*InfluxExporter, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx exporter: url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	e := NewWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg, buckets, violations)
	e.client = client
	return e, nil
}

// NewWithWriter creates an exporter over an existing write API.
func NewWithWriter(w api.WriteAPIBlocking, cfg Config, buckets BucketSource, violations ViolationSource) *InfluxExporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InfluxExporter{
		writer:         w,
		buckets:        buckets,
		violations:     violations,
		interval:       cfg.Interval,
		logger:         cfg.Logger.With(slog.String("component", "influx_exporter")),
		seenBuckets:    make(map[metrics.Bucket]struct{}),
		seenViolations: make(map[slo.Violation]struct{}),
	}
}

// Health checks the InfluxDB server. Exporters built with NewWithWriter
// have no client and always report healthy.
func (e *InfluxExporter) Health(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	h, err := e.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health: %w", err)
	}
	if h.Status != "pass" {
		return fmt.Errorf("influx health: status %s", h.Status)
	}
	return nil
}

// Export writes everything not yet exported.
//
// # Outputs
//
//   - int: Points written.
//   - error: The write error; nothing is marked exported when it fails.
func (e *InfluxExporter) Export(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		points []*write.Point
		newB   []metrics.Bucket
		newV   []slo.Violation
		liveB  = make(map[metrics.Bucket]struct{})
		liveV  = make(map[slo.Violation]struct{})
	)
	if e.buckets != nil {
		for _, b := range e.buckets.GetAllBuckets() {
			liveB[b] = struct{}{}
			if _, ok := e.seenBuckets[b]; ok {
				continue
			}
			newB = append(newB, b)
			points = append(points, BucketPoint(b))
		}
	}
	if e.violations != nil {
		for _, v := range e.violations.GetViolations() {
			liveV[v] = struct{}{}
			if _, ok := e.seenViolations[v]; ok {
				continue
			}
			newV = append(newV, v)
			points = append(points, ViolationPoint(v))
		}
	}

	// Entries the sources have purged can never reappear.
	for b := range e.seenBuckets {
		if _, ok := liveB[b]; !ok {
			delete(e.seenBuckets, b)
		}
	}
	for v := range e.seenViolations {
		if _, ok := liveV[v]; !ok {
			delete(e.seenViolations, v)
		}
	}

	if len(points) == 0 {
		return 0, nil
	}
	if err := e.writer.WritePoint(ctx, points...); err != nil {
		return 0, fmt.Errorf("write %d points: %w", len(points), err)
	}
	for _, b := range newB {
		e.seenBuckets[b] = struct{}{}
	}
	for _, v := range newV {
		e.seenViolations[v] = struct{}{}
	}
	e.logger.Debug("exported canary points",
		slog.Int("buckets", len(newB)),
		slog.Int("violations", len(newV)))
	return len(points), nil
}

// Run exports every interval until ctx is cancelled, then makes a final
// export. Write failures are logged and retried on the next tick.
func (e *InfluxExporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := e.Export(flushCtx); err != nil {
				e.logger.Warn("final export failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
			if _, err := e.Export(ctx); err != nil {
				e.logger.Warn("export failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close releases the client.
func (e *InfluxExporter) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

// BucketPoint converts a bucket to a canary_bucket point.
//
// The point is written at the bucket's close time. Several buckets of one
// config can share a window boundary, and InfluxDB keeps only the last
// point per series and timestamp. The window boundary goes into the
// window_start field.
func BucketPoint(b metrics.Bucket) *write.Point {
	ts := b.ClosedAt
	if ts.IsZero() {
		ts = b.Timestamp
	}
	return influxdb2.NewPoint(
		MeasurementBucket,
		map[string]string{
			"config": b.ConfigName,
		},
		map[string]interface{}{
			"p95_ms":         b.P95Ms,
			"recall_at_10":   b.RecallAt10,
			"response_count": b.ResponseCount,
			"slo_violations": b.SLOViolations,
			"duration_sec":   b.DurationSec,
			"window_start":   b.Timestamp.Unix(),
		},
		ts,
	)
}

// ViolationPoint converts a violation to a canary_slo_violation point.
func ViolationPoint(v slo.Violation) *write.Point {
	return influxdb2.NewPoint(
		MeasurementViolation,
		map[string]string{
			"config":   v.ConfigName,
			"rule":     v.RuleName,
			"metric":   string(v.Metric),
			"operator": string(v.Operator),
			"action":   string(v.ActionTaken),
		},
		map[string]interface{}{
			"value":                v.MetricValue,
			"threshold":            v.Threshold,
			"consecutive_failures": v.ConsecutiveFailures,
		},
		v.Timestamp,
	)
}
