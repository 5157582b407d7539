// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline defines the search pipeline the canary executor routes
// traffic to, with HTTP, Weaviate and static implementations.
//
// The executor treats a pipeline as an opaque synchronous call: it passes
// the retriever and reranker sections of the selected configuration and
// measures the wall-clock latency of Search.
package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrPipelineUnavailable indicates the search backend could not serve the
// request.
var ErrPipelineUnavailable = errors.New("search pipeline unavailable")

// Request is one search call.
type Request struct {
	Query      string         `json:"query"`
	Collection string         `json:"collection"`
	TraceID    string         `json:"trace_id"`
	Retriever  map[string]any `json:"retriever"`
	Reranker   map[string]any `json:"reranker"`
}

// Result is one retrieved document.
type Result struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Pipeline executes searches.
//
// Implementations must be safe for concurrent use.
type Pipeline interface {
	Search(ctx context.Context, req Request) ([]Result, error)
}

// Func adapts a function to Pipeline.
type Func func(ctx context.Context, req Request) ([]Result, error)

// Search implements Pipeline.
func (f Func) Search(ctx context.Context, req Request) ([]Result, error) {
	return f(ctx, req)
}

// StaticPipeline returns a fixed result set after an optional delay.
type StaticPipeline struct {
	Results []Result
	Delay   time.Duration
	Err     error
}

// Search implements Pipeline.
func (s *StaticPipeline) Search(ctx context.Context, _ Request) ([]Result, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]Result, len(s.Results))
	copy(out, s.Results)
	return out, nil
}

// =============================================================================
// Knob helpers
// =============================================================================

// Float returns section[key] as a float64, or def when absent or not numeric.
func Float(section map[string]any, key string, def float64) float64 {
	switch v := section[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	default:
		return def
	}
}

// Int returns section[key] as an int, or def when absent or not numeric.
func Int(section map[string]any, key string, def int) int {
	switch v := section[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Bool returns section[key] as a bool, or def when absent.
func Bool(section map[string]any, key string, def bool) bool {
	if v, ok := section[key].(bool); ok {
		return v
	}
	return def
}

// Strings returns section[key] as a string slice, skipping non-strings.
func Strings(section map[string]any, key string) []string {
	switch v := section[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Rerank applies the reranker section to results: when enabled (the
// default) and top_n is positive, results are truncated to top_n.
func Rerank(results []Result, reranker map[string]any) []Result {
	if !Bool(reranker, "enabled", true) {
		return results
	}
	if n := Int(reranker, "top_n", 0); n > 0 && len(results) > n {
		return results[:n]
	}
	return results
}
