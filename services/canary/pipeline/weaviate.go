// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateConfig configures a WeaviatePipeline.
type WeaviateConfig struct {
	// URL of the Weaviate instance, with or without scheme.
	URL string

	// TextProperty is the property returned as Result.Content.
	// Default: "content"
	TextProperty string

	// DefaultTopK is used when the retriever section has no top_k.
	// Default: 10
	DefaultTopK int

	// Logger for query diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// WeaviatePipeline runs hybrid (BM25 + vector) searches against Weaviate.
//
// # Description
//
// Retriever knobs: alpha (vector weight, default 0.5), top_k, and
// properties (BM25 fields). Reranker knobs: enabled and top_n, applied as
// a truncation of the hybrid ranking. Request.Collection is the class name.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviatePipeline struct {
	client       *weaviate.Client
	textProperty string
	defaultTopK  int
	logger       *slog.Logger
}

// NewWeaviatePipeline creates a client for cfg.URL.
func NewWeaviatePipeline(cfg WeaviateConfig) (*WeaviatePipeline, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("weaviate URL is required")
	}
	if cfg.TextProperty == "" {
		cfg.TextProperty = "content"
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	wcfg := weaviate.Config{Host: cfg.URL, Scheme: "http"}
	switch {
	case strings.HasPrefix(cfg.URL, "https://"):
		wcfg.Scheme = "https"
		wcfg.Host = strings.TrimPrefix(cfg.URL, "https://")
	case strings.HasPrefix(cfg.URL, "http://"):
		wcfg.Host = strings.TrimPrefix(cfg.URL, "http://")
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	return &WeaviatePipeline{
		client:       client,
		textProperty: cfg.TextProperty,
		defaultTopK:  cfg.DefaultTopK,
		logger:       cfg.Logger.With(slog.String("component", "weaviate_pipeline")),
	}, nil
}

// Search implements Pipeline.
func (p *WeaviatePipeline) Search(ctx context.Context, req Request) ([]Result, error) {
	if req.Collection == "" {
		return nil, fmt.Errorf("weaviate search: collection is required")
	}

	alpha := Float(req.Retriever, "alpha", 0.5)
	topK := Int(req.Retriever, "top_k", p.defaultTopK)

	hybrid := p.client.GraphQL().HybridArgumentBuilder().
		WithQuery(req.Query).
		WithAlpha(float32(alpha))
	if props := Strings(req.Retriever, "properties"); len(props) > 0 {
		hybrid = hybrid.WithProperties(props)
	}

	fields := []graphql.Field{
		{Name: p.textProperty},
		{Name: "_additional { id score }"},
	}

	resp, err := p.client.GraphQL().Get().
		WithClassName(req.Collection).
		WithHybrid(hybrid).
		WithFields(fields...).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: hybrid search: %v", ErrPipelineUnavailable, err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("%w: hybrid search: %s", ErrPipelineUnavailable, resp.Errors[0].Message)
	}

	results, err := parseHybridResponse(resp, req.Collection, p.textProperty)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("hybrid search complete",
		slog.String("trace_id", req.TraceID),
		slog.String("collection", req.Collection),
		slog.Int("hits", len(results)),
		slog.Float64("alpha", alpha))

	return Rerank(results, req.Reranker), nil
}

// hybridHit is one object in a Get response.
type hybridHit map[string]any

// parseHybridResponse extracts results for class from a GraphQL response.
//
// The response data is round-tripped through JSON so the nested
// interface{} maps decode into a typed shape.
func parseHybridResponse(resp *models.GraphQLResponse, class, textProperty string) ([]Result, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL response data: %w", err)
	}

	var parsed struct {
		Get map[string][]hybridHit `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal GraphQL response data: %w", err)
	}

	hits := parsed.Get[class]
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		r := Result{Metadata: map[string]any{}}
		for k, v := range hit {
			switch k {
			case textProperty:
				r.Content, _ = v.(string)
			case "_additional":
				add, _ := v.(map[string]any)
				r.ID, _ = add["id"].(string)
				r.Score = parseScore(add["score"])
			default:
				r.Metadata[k] = v
			}
		}
		results = append(results, r)
	}
	return results, nil
}

// parseScore accepts the string scores Weaviate returns for hybrid queries
// as well as plain numbers.
func parseScore(v any) float64 {
	switch s := v.(type) {
	case string:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	case float64:
		return s
	default:
		return 0
	}
}
