// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deployment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const presetSchemaURL = "mem://aleutian/canary/preset.schema.json"

// presetSchemaJSON describes a configuration preset file.
//
// Knob sections are objects with arbitrary content; only their presence is
// required. version may be written unquoted in YAML, which decodes as a number.
const presetSchemaJSON = `{
  "type": "object",
  "required": ["metadata", "macro_knobs", "derived_params", "retriever", "reranker", "slo"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "created_at": {"type": "string"},
        "version": {"type": ["string", "number"]},
        "tags": {"type": ["array", "null"], "items": {"type": "string"}}
      }
    },
    "macro_knobs": {"type": "object"},
    "derived_params": {"type": "object"},
    "retriever": {"type": "object"},
    "reranker": {"type": "object"},
    "slo": {
      "type": "object",
      "required": ["p95_ms", "recall_at_10"],
      "properties": {
        "p95_ms": {"type": "number", "exclusiveMinimum": 0},
        "recall_at_10": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

// compilePresetSchema compiles the embedded preset schema.
func compilePresetSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(presetSchemaURL, strings.NewReader(presetSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add preset schema resource: %w", err)
	}
	schema, err := compiler.Compile(presetSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile preset schema: %w", err)
	}
	return schema, nil
}

// validateDocument checks a decoded preset document against the schema.
//
// The document is normalised through JSON first so YAML-specific scalar
// types (timestamps, ints) reach the validator as JSON types.
func validateDocument(schema *jsonschema.Schema, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: preset is not representable as JSON: %v", ErrValidation, err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
