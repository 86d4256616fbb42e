// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package handoff

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema is the JSON Schema for committed handoff envelopes.
// Kept in source rather than embedded files so the schema versions with
// the types it validates.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "HandoffEnvelope",
  "type": "object",
  "required": ["step_id", "flow_key", "run_id", "status", "summary"],
  "properties": {
    "step_id": {"type": "string", "minLength": 1, "pattern": "^[^-]+$"},
    "flow_key": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "status": {"enum": ["VERIFIED", "UNVERIFIED", "PARTIAL", "BLOCKED"]},
    "summary": {"type": "string", "maxLength": 2048},
    "artifacts": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "file_changes": {"type": "object"},
    "test_summary": {"type": "object"},
    "can_further_iteration_help": {"type": "boolean"},
    "routing_signal": {"$ref": "#/definitions/routing_signal"},
    "duration_ms": {"type": "integer", "minimum": 0},
    "timestamp": {"type": "string"},
    "error": {"type": "string"},
    "_envelope_source": {
      "enum": ["lifecycle", "orchestrator_fallback", "minimal_envelope"]
    }
  },
  "definitions": {
    "routing_signal": {
      "type": "object",
      "required": ["decision", "reason"],
      "properties": {
        "decision": {"enum": ["advance", "loop", "terminate", "branch"]},
        "next_step_id": {"type": "string"},
        "route": {"type": "string"},
        "reason": {"type": "string"},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "needs_human": {"type": "boolean"},
        "routing_source": {"type": "string"},
        "chosen_candidate_id": {"type": "string"},
        "routing_candidates": {"type": "array"}
      }
    }
  }
}`

// routingSignalSchema validates a standalone routing signal, as produced
// by a router LLM session.
const routingSignalSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "RoutingSignal",
  "type": "object",
  "required": ["decision", "reason"],
  "properties": {
    "decision": {"type": "string", "minLength": 1},
    "next_step_id": {"type": "string"},
    "route": {"type": "string"},
    "reason": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "needs_human": {"type": "boolean"}
  }
}`

// validateAgainstSchema checks doc (any JSON-marshalable value) against
// the given schema source and returns every violation message.
func validateAgainstSchema(schema string, doc any) ([]string, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, len(result.Errors()))
	for i, verr := range result.Errors() {
		violations[i] = verr.String()
	}
	return violations, nil
}

// ValidateEnvelopeDoc validates a decoded envelope document.
func ValidateEnvelopeDoc(doc any) ([]string, error) {
	return validateAgainstSchema(envelopeSchema, doc)
}

// ValidateRoutingSignalDoc validates a decoded routing-signal document.
func ValidateRoutingSignalDoc(doc any) ([]string, error) {
	return validateAgainstSchema(routingSignalSchema, doc)
}
