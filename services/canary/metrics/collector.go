// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianCanary/services/canary/telemetry"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Collector.
type Config struct {
	// BucketDuration is the fixed window each bucket covers.
	// Default: 5s
	BucketDuration time.Duration

	// Retention is how long closed buckets stay in history.
	// Default: 1h
	Retention time.Duration

	// Logger for bucket lifecycle. Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics receives ingestion telemetry. Nil disables it.
	Metrics *telemetry.CanaryMetrics

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// DefaultConfig returns the standard 5s buckets with one hour of history.
func DefaultConfig() Config {
	return Config{
		BucketDuration: 5 * time.Second,
		Retention:      time.Hour,
	}
}

// =============================================================================
// Collector
// =============================================================================

// Collector ingests search samples and closes them into buckets.
//
// # Description
//
// Samples accumulate per config until GetCompletedBuckets is called; each
// call closes one bucket per config with pending samples, stamped at the
// current window boundary, and purges history older than the retention.
// Pending samples older than the retention are dropped on ingestion, so a
// collector nobody drains holds at most one retention window of samples.
//
// # Thread Safety
//
// Safe for concurrent use. RecordSearch only appends under the mutex.
type Collector struct {
	bucketDuration time.Duration
	retention      time.Duration
	logger         *slog.Logger
	metrics        *telemetry.CanaryMetrics
	now            func() time.Time

	mu        sync.Mutex
	pending   map[string][]Sample
	history   []Bucket
	lastClose time.Time
}

// NewCollector creates a Collector. Zero config fields take defaults.
func NewCollector(cfg Config) *Collector {
	def := DefaultConfig()
	if cfg.BucketDuration <= 0 {
		cfg.BucketDuration = def.BucketDuration
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Collector{
		bucketDuration: cfg.BucketDuration,
		retention:      cfg.Retention,
		logger:         cfg.Logger.With(slog.String("component", "metrics")),
		metrics:        telemetry.OrNoop(cfg.Metrics),
		now:            cfg.Now,
		pending:        make(map[string][]Sample),
	}
}

// BucketDuration returns the configured window length.
func (c *Collector) BucketDuration() time.Duration {
	return c.bucketDuration
}

// RecordSearch appends one sample to the open bucket for configName.
//
// # Inputs
//
//   - ctx: Carries the request span for telemetry only.
//   - traceID: Request identifier.
//   - latencyMs: Observed pipeline latency.
//   - recallAt10: Recall estimate in [0, 1].
//   - configName: Config that served the request.
//   - sloP95Ms: The config's latency SLO. The sample is flagged as a
//     violation when latencyMs exceeds it.
func (c *Collector) RecordSearch(ctx context.Context, traceID string, latencyMs, recallAt10 float64, configName string, sloP95Ms float64) {
	s := Sample{
		TraceID:     traceID,
		Timestamp:   c.now(),
		LatencyMs:   latencyMs,
		RecallAt10:  recallAt10,
		ConfigName:  configName,
		SLOViolated: latencyMs > sloP95Ms,
	}

	c.mu.Lock()
	c.pending[configName] = append(c.pending[configName], s)
	dropped := c.trimPendingLocked(configName, s.Timestamp)
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Debug("dropped expired pending samples",
			slog.String("config", configName),
			slog.Int("count", dropped))
	}

	attrs := metric.WithAttributes(telemetry.AttrConfig.String(configName))
	c.metrics.SamplesTotal.Add(ctx, 1, attrs)
	c.metrics.SearchLatency.Record(ctx, latencyMs, attrs)
}

// GetCompletedBuckets closes the pending samples into buckets.
//
// # Description
//
// One bucket per config with pending samples, ordered by config name and
// stamped with the current time truncated to the bucket duration. Pending
// samples are cleared and history older than the retention is purged on
// every call, so a second call without new samples returns nothing.
//
// # Outputs
//
//   - []Bucket: Newly closed buckets. Empty, never nil, when nothing was
//     pending.
func (c *Collector) GetCompletedBuckets() []Bucket {
	now := c.now()
	stamp := now.Truncate(c.bucketDuration)

	c.mu.Lock()
	names := make([]string, 0, len(c.pending))
	for name, samples := range c.pending {
		if len(samples) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	closedAt := now
	if !closedAt.After(c.lastClose) {
		closedAt = c.lastClose.Add(time.Nanosecond)
	}

	closed := make([]Bucket, 0, len(names))
	for _, name := range names {
		b := c.closeBucket(name, c.pending[name], stamp)
		b.ClosedAt = closedAt
		closed = append(closed, b)
		c.history = append(c.history, b)
		delete(c.pending, name)
	}
	if len(closed) > 0 {
		c.lastClose = closedAt
	}
	purged := c.purgeLocked(now)
	c.mu.Unlock()

	for _, b := range closed {
		c.metrics.BucketsClosedTotal.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.AttrConfig.String(b.ConfigName)))
		c.logger.Debug("bucket closed",
			slog.String("config", b.ConfigName),
			slog.Int("responses", b.ResponseCount),
			slog.Float64("p95_ms", b.P95Ms),
			slog.Int("slo_violations", b.SLOViolations))
	}
	if purged > 0 {
		c.logger.Debug("purged expired buckets", slog.Int("count", purged))
	}
	return closed
}

// closeBucket aggregates samples into a bucket.
func (c *Collector) closeBucket(name string, samples []Sample, stamp time.Time) Bucket {
	b := Bucket{
		Timestamp:   stamp,
		DurationSec: int(c.bucketDuration / time.Second),
		ConfigName:  name,
	}
	if len(samples) == 0 {
		return b
	}

	latencies := make([]float64, len(samples))
	recalls := make([]float64, len(samples))
	for i, s := range samples {
		latencies[i] = s.LatencyMs
		recalls[i] = s.RecallAt10
		if s.SLOViolated {
			b.SLOViolations++
		}
	}
	b.ResponseCount = len(samples)
	b.P95Ms = p95(latencies)
	b.RecallAt10 = mean(recalls)
	return b
}

// trimPendingLocked drops pending samples of configName older than the
// retention, measured from now. Samples are appended in time order, so the
// expired ones form a prefix. Caller holds c.mu.
func (c *Collector) trimPendingLocked(configName string, now time.Time) int {
	samples := c.pending[configName]
	if len(samples) == 0 || !samples[0].Timestamp.Before(now.Add(-c.retention)) {
		return 0
	}
	cutoff := now.Add(-c.retention)
	i := sort.Search(len(samples), func(i int) bool {
		return !samples[i].Timestamp.Before(cutoff)
	})
	c.pending[configName] = append([]Sample(nil), samples[i:]...)
	return i
}

// DiscardPending drops every sample not yet closed into a bucket and
// returns how many were dropped. Closed history is kept.
func (c *Collector) DiscardPending() int {
	c.mu.Lock()
	n := 0
	for name, samples := range c.pending {
		n += len(samples)
		delete(c.pending, name)
	}
	c.mu.Unlock()

	if n > 0 {
		c.logger.Debug("discarded pending samples", slog.Int("count", n))
	}
	return n
}

// purgeLocked drops buckets older than the retention. Caller holds c.mu.
func (c *Collector) purgeLocked(now time.Time) int {
	cutoff := now.Add(-c.retention)
	kept := c.history[:0]
	for _, b := range c.history {
		if !b.Timestamp.Before(cutoff) {
			kept = append(kept, b)
		}
	}
	purged := len(c.history) - len(kept)
	// Zero the tail so dropped buckets can be collected.
	for i := len(kept); i < len(c.history); i++ {
		c.history[i] = Bucket{}
	}
	c.history = kept
	return purged
}

// GetSummaryStats aggregates the closed buckets of configName whose
// timestamp falls within the last windowMinutes.
func (c *Collector) GetSummaryStats(configName string, windowMinutes int) Summary {
	cutoff := c.now().Add(-time.Duration(windowMinutes) * time.Minute)

	c.mu.Lock()
	var matched []Bucket
	for _, b := range c.history {
		if b.ConfigName == configName && !b.Timestamp.Before(cutoff) {
			matched = append(matched, b)
		}
	}
	c.mu.Unlock()

	return Summarize(configName, windowMinutes, matched)
}

// Summarize aggregates buckets into a Summary.
func Summarize(configName string, windowMinutes int, buckets []Bucket) Summary {
	s := Summary{
		ConfigName:    configName,
		WindowMinutes: windowMinutes,
		BucketCount:   len(buckets),
	}
	if len(buckets) == 0 {
		return s
	}

	p95s := make([]float64, len(buckets))
	recalls := make([]float64, len(buckets))
	for i, b := range buckets {
		p95s[i] = b.P95Ms
		recalls[i] = b.RecallAt10
		s.TotalResponses += b.ResponseCount
		s.TotalSLOViolations += b.SLOViolations
	}
	s.AvgP95Ms = mean(p95s)
	s.AvgRecallAt10 = mean(recalls)
	if s.TotalResponses > 0 {
		s.SLOViolationRate = float64(s.TotalSLOViolations) / float64(s.TotalResponses)
	}
	return s
}

// GetAllBuckets returns a copy of the bucket history, oldest first.
func (c *Collector) GetAllBuckets() []Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Bucket, len(c.history))
	copy(out, c.history)
	return out
}

// PendingCount returns the number of samples not yet closed into a bucket.
func (c *Collector) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, samples := range c.pending {
		n += len(samples)
	}
	return n
}
