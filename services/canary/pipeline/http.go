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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPConfig configures an HTTPPipeline.
type HTTPConfig struct {
	// BaseURL of the RAG engine, e.g. "http://rag-engine:8000".
	BaseURL string

	// Path of the search endpoint.
	// Default: "/v1/search"
	Path string

	// Timeout bounds each request.
	// Default: 30s
	Timeout time.Duration

	// Client overrides the HTTP client. Its transport is used as-is.
	Client *http.Client
}

// HTTPPipeline posts search requests as JSON to a RAG engine.
//
// The request body is the Request itself; the response must be
// {"results": [...]}. Non-2xx statuses and transport failures wrap
// ErrPipelineUnavailable.
type HTTPPipeline struct {
	url    string
	client *http.Client
}

// NewHTTPPipeline creates an HTTPPipeline.
func NewHTTPPipeline(cfg HTTPConfig) (*HTTPPipeline, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pipeline base URL is required")
	}
	if cfg.Path == "" {
		cfg.Path = "/v1/search"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPPipeline{
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		client: client,
	}, nil
}

type httpSearchResponse struct {
	Results []Result `json:"results"`
}

// Search implements Pipeline.
func (p *HTTPPipeline) Search(ctx context.Context, req Request) ([]Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.TraceID != "" {
		httpReq.Header.Set("X-Trace-ID", req.TraceID)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPipelineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrPipelineUnavailable, resp.StatusCode,
			strings.TrimSpace(string(snippet)))
	}

	var out httpSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Results, nil
}
