// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package handoff reads and writes handoff envelopes: the durable
// per-step records at <flow>/handoff/<step>.json, and the routing
// signals nested inside them. All writes go through one canonical path
// so validation and timestamping happen uniformly.
package handoff

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

// EnvStrictValidation makes schema violations fail the write instead of
// logging warnings.
const EnvStrictValidation = "SWARM_STRICT_ENVELOPE_VALIDATION"

func strictValidation() bool {
	return strings.EqualFold(os.Getenv(EnvStrictValidation), "true")
}

// WriteOptions control the canonical envelope write path.
type WriteOptions struct {
	// WriteDraft also writes <step>.draft.json before the committed file.
	WriteDraft bool

	Logger *zap.Logger
}

// WriteEnvelope writes an envelope through the canonical path: ensure
// the handoff directory exists, inject a timestamp if absent, validate
// against the envelope schema (fatal under strict validation, logged
// otherwise), then write draft and committed files. Returns the
// committed path.
func WriteEnvelope(flowDir string, env *types.HandoffEnvelope, opts WriteOptions) (string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(runstore.HandoffDir(flowDir), 0o755); err != nil {
		return "", fmt.Errorf("create handoff dir: %w", err)
	}
	if env.Timestamp == "" {
		env.Timestamp = types.Now()
	}

	violations, err := ValidateEnvelopeDoc(env)
	if err != nil {
		return "", err
	}
	if len(violations) > 0 {
		if strictValidation() {
			return "", fmt.Errorf("envelope for step %s violates schema: %s",
				env.StepID, strings.Join(violations, "; "))
		}
		logger.Warn("envelope schema violations",
			zap.String("step_id", env.StepID),
			zap.Strings("violations", violations))
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')

	if opts.WriteDraft {
		if err := os.WriteFile(runstore.DraftPath(flowDir, env.StepID), data, 0o644); err != nil {
			return "", fmt.Errorf("write draft envelope: %w", err)
		}
	}

	committed := runstore.EnvelopePath(flowDir, env.StepID)
	tmp := committed + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write envelope: %w", err)
	}
	if err := os.Rename(tmp, committed); err != nil {
		return "", fmt.Errorf("commit envelope: %w", err)
	}
	return committed, nil
}

// ReadEnvelope loads the committed envelope for a step. Returns
// os.ErrNotExist-wrapped errors when no envelope has been committed.
func ReadEnvelope(flowDir string, step types.StepID) (*types.HandoffEnvelope, error) {
	return readEnvelopeFile(runstore.EnvelopePath(flowDir, step))
}

// ReadDraft loads the draft envelope for a step, if any.
func ReadDraft(flowDir string, step types.StepID) (*types.HandoffEnvelope, error) {
	return readEnvelopeFile(runstore.DraftPath(flowDir, step))
}

// HasCommitted reports whether a committed envelope exists for the step.
func HasCommitted(flowDir string, step types.StepID) bool {
	_, err := os.Stat(runstore.EnvelopePath(flowDir, step))
	return err == nil
}

func readEnvelopeFile(path string) (*types.HandoffEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env types.HandoffEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope %s: %w", path, err)
	}
	return &env, nil
}

// UpdateEnvelopeRouting reads the committed envelope, sets its routing
// signal, and rewrites it atomically. The routing signal is write-through:
// a later update replaces an earlier one wholesale.
func UpdateEnvelopeRouting(flowDir string, step types.StepID, signal *types.RoutingSignal) error {
	env, err := ReadEnvelope(flowDir, step)
	if err != nil {
		return fmt.Errorf("update routing for %s: %w", step, err)
	}
	env.RoutingSignal = signal
	if _, err := WriteEnvelope(flowDir, env, WriteOptions{}); err != nil {
		return fmt.Errorf("update routing for %s: %w", step, err)
	}
	return nil
}

// ReadRoutingFromEnvelope returns the routing signal of the committed
// envelope, or nil when the envelope or its signal is absent. This is
// the envelope-first routing primitive the orchestrator consults before
// falling back to the routing driver.
func ReadRoutingFromEnvelope(flowDir string, step types.StepID) *types.RoutingSignal {
	env, err := ReadEnvelope(flowDir, step)
	if err != nil {
		return nil
	}
	return env.RoutingSignal
}
