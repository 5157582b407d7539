// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCanary/services/canary/pipeline"
	"github.com/AleutianAI/AleutianCanary/services/canary/telemetry"
)

// recallProxyDepth is the result count that counts as full recall@10.
const recallProxyDepth = 10

// ExecuteSearch routes one search and records its sample.
//
// # Description
//
// Without a running canary every search goes to the active config. While
// one runs, each search independently goes to the candidate with
// probability TrafficSplit. The pipeline call is timed outside every lock;
// its recall proxy is min(len(results)/10, 1). A failed call is still
// recorded, with recall 0, and its error returned. The response carries
// the trace's stable A/B bucket for correlating requests with the
// comparison.
//
// # Outputs
//
//   - *SearchResponse: Routing decision and results. Non-nil whenever the
//     pipeline was called, even on error.
//   - error: Preset load failures, pipeline.ErrPipelineUnavailable when no
//     pipeline is configured, or the pipeline's error.
func (e *Executor) ExecuteSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "canary.executor.ExecuteSearch")
	defer span.End()

	if req.TraceID == "" {
		req.TraceID = telemetry.TraceID(ctx)
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.Collection == "" {
		req.Collection = e.cfg.DefaultCollection
	}

	st := e.trySync(ctx)
	configName, route := st.ActiveConfig, RouteActive
	if st.Running() && e.cfg.Rand() < e.cfg.TrafficSplit {
		configName, route = st.Candidate(), RouteCandidate
	}
	bucket := e.deps.Evaluator.AssignBucket(req.TraceID)
	span.SetAttributes(
		attribute.String("canary.trace_id", req.TraceID),
		attribute.String("canary.config", configName),
		attribute.String("canary.route", string(route)),
		attribute.String("canary.ab_bucket", string(bucket)),
	)

	if e.deps.Pipeline == nil {
		telemetry.RecordError(span, pipeline.ErrPipelineUnavailable)
		return nil, pipeline.ErrPipelineUnavailable
	}
	cfg, err := e.deps.Manager.LoadPreset(configName)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load config %s: %w", configName, err)
	}

	start := time.Now()
	results, err := e.deps.Pipeline.Search(ctx, pipeline.Request{
		Query:      req.Query,
		Collection: req.Collection,
		TraceID:    req.TraceID,
		Retriever:  cfg.Retriever,
		Reranker:   cfg.Reranker,
	})
	latencyMs := float64(time.Since(start).Microseconds()) / 1000

	recall := 0.0
	if err == nil {
		recall = min(float64(len(results))/recallProxyDepth, 1)
	}
	e.deps.Collector.RecordSearch(ctx, req.TraceID, latencyMs, recall, configName, cfg.SLO.P95Ms)

	resp := &SearchResponse{
		TraceID:    req.TraceID,
		ConfigName: configName,
		Route:      route,
		ABBucket:   bucket,
		Results:    results,
		LatencyMs:  latencyMs,
		RecallAt10: recall,
	}
	if err != nil {
		e.metrics.SearchErrorsTotal.Add(ctx, 1, metric.WithAttributes(telemetry.AttrConfig.String(configName)))
		telemetry.RecordError(span, err, attribute.String("canary.config", configName))
		telemetry.LoggerWithTrace(ctx, e.logger).Warn("search pipeline failed",
			"config", configName,
			"route", string(route),
			"error", err)
		return resp, fmt.Errorf("search via %s: %w", configName, err)
	}
	span.AddEvent("search complete", trace.WithAttributes(attribute.Int("canary.results", len(results))))
	return resp, nil
}
