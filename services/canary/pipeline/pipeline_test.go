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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func TestStaticPipeline(t *testing.T) {
	t.Run("returns a copy of results", func(t *testing.T) {
		p := &StaticPipeline{Results: []Result{{ID: "a"}, {ID: "b"}}}
		got, err := p.Search(context.Background(), Request{Query: "q"})
		require.NoError(t, err)
		got[0].ID = "mutated"
		assert.Equal(t, "a", p.Results[0].ID)
	})

	t.Run("returns configured error", func(t *testing.T) {
		p := &StaticPipeline{Err: ErrPipelineUnavailable}
		_, err := p.Search(context.Background(), Request{})
		assert.ErrorIs(t, err, ErrPipelineUnavailable)
	})

	t.Run("delay honours cancellation", func(t *testing.T) {
		p := &StaticPipeline{Delay: time.Minute}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := p.Search(ctx, Request{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestFunc(t *testing.T) {
	var seen Request
	p := Func(func(_ context.Context, req Request) ([]Result, error) {
		seen = req
		return []Result{{ID: req.TraceID}}, nil
	})
	got, err := p.Search(context.Background(), Request{TraceID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", got[0].ID)
	assert.Equal(t, "t-1", seen.TraceID)
}

func TestKnobHelpers(t *testing.T) {
	section := map[string]any{
		"alpha":      0.75,
		"top_k":      25,
		"top_k_f":    12.0,
		"enabled":    false,
		"properties": []any{"title", 3, "body"},
		"name":       "hybrid",
	}

	assert.Equal(t, 0.75, Float(section, "alpha", 0.5))
	assert.Equal(t, 25.0, Float(section, "top_k", 0))
	assert.Equal(t, 0.5, Float(section, "name", 0.5))
	assert.Equal(t, 0.5, Float(nil, "alpha", 0.5))

	assert.Equal(t, 25, Int(section, "top_k", 10))
	assert.Equal(t, 12, Int(section, "top_k_f", 10))
	assert.Equal(t, 10, Int(section, "missing", 10))

	assert.False(t, Bool(section, "enabled", true))
	assert.True(t, Bool(section, "missing", true))

	assert.Equal(t, []string{"title", "body"}, Strings(section, "properties"))
	assert.Nil(t, Strings(section, "alpha"))
}

func TestRerank(t *testing.T) {
	results := []Result{{ID: "1"}, {ID: "2"}, {ID: "3"}}

	assert.Len(t, Rerank(results, map[string]any{"top_n": 2}), 2)
	assert.Len(t, Rerank(results, map[string]any{"top_n": 2, "enabled": false}), 3)
	assert.Len(t, Rerank(results, map[string]any{"top_n": 10}), 3)
	assert.Len(t, Rerank(results, nil), 3)
}

func TestHTTPPipeline(t *testing.T) {
	t.Run("posts request and decodes results", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/search", r.URL.Path)
			assert.Equal(t, "trace-7", r.Header.Get("X-Trace-ID"))

			var req Request
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "what is a canary", req.Query)
			assert.Equal(t, "Docs", req.Collection)
			assert.Equal(t, 0.3, req.Retriever["alpha"])

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []Result{{ID: "d1", Content: "x", Score: 0.9}, {ID: "d2"}},
			})
		}))
		defer srv.Close()

		p, err := NewHTTPPipeline(HTTPConfig{BaseURL: srv.URL + "/"})
		require.NoError(t, err)

		got, err := p.Search(context.Background(), Request{
			Query:      "what is a canary",
			Collection: "Docs",
			TraceID:    "trace-7",
			Retriever:  map[string]any{"alpha": 0.3},
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "d1", got[0].ID)
		assert.Equal(t, 0.9, got[0].Score)
	})

	t.Run("non-2xx is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p, err := NewHTTPPipeline(HTTPConfig{BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = p.Search(context.Background(), Request{Query: "q"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPipelineUnavailable))
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("connection failure is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		p, err := NewHTTPPipeline(HTTPConfig{BaseURL: url, Timeout: time.Second})
		require.NoError(t, err)

		_, err = p.Search(context.Background(), Request{Query: "q"})
		assert.ErrorIs(t, err, ErrPipelineUnavailable)
	})

	t.Run("base URL required", func(t *testing.T) {
		_, err := NewHTTPPipeline(HTTPConfig{})
		assert.Error(t, err)
	})
}

func TestParseHybridResponse(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]any{
				"Docs": []any{
					map[string]any{
						"content":     "canaries sing",
						"source":      "wiki",
						"_additional": map[string]any{"id": "id-1", "score": "0.82"},
					},
					map[string]any{
						"content":     "birds",
						"_additional": map[string]any{"id": "id-2", "score": 0.4},
					},
				},
			},
		},
	}

	got, err := parseHybridResponse(resp, "Docs", "content")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "id-1", got[0].ID)
	assert.Equal(t, "canaries sing", got[0].Content)
	assert.InDelta(t, 0.82, got[0].Score, 1e-9)
	assert.Equal(t, "wiki", got[0].Metadata["source"])
	assert.InDelta(t, 0.4, got[1].Score, 1e-9)

	t.Run("other class yields nothing", func(t *testing.T) {
		got, err := parseHybridResponse(resp, "Other", "content")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("nil response", func(t *testing.T) {
		_, err := parseHybridResponse(nil, "Docs", "content")
		assert.Error(t, err)
	})
}
