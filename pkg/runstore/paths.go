// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package runstore owns the canonical on-disk layout for runs: the
// per-run directory tree, spec/meta persistence, and the append-only
// event journal.
package runstore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/teradata-labs/swarm/pkg/types"
)

// Canonical filenames inside a run directory.
const (
	SpecFilename   = "spec.json"
	MetaFilename   = "meta.json"
	EventsFilename = "events.jsonl"
	StateFilename  = "state.json"
)

// RunDir returns <runsRoot>/<runID>.
func RunDir(runsRoot string, runID types.RunID) string {
	return filepath.Join(runsRoot, runID)
}

// FlowDir returns <runsRoot>/<runID>/<flowKey>.
func FlowDir(runsRoot string, runID types.RunID, flow types.FlowKey) string {
	return filepath.Join(runsRoot, runID, flow)
}

// SpecPath returns the RunSpec location for a run.
func SpecPath(runDir string) string { return filepath.Join(runDir, SpecFilename) }

// MetaPath returns the RunSummary location for a run.
func MetaPath(runDir string) string { return filepath.Join(runDir, MetaFilename) }

// EventsPath returns the event journal location for a run.
func EventsPath(runDir string) string { return filepath.Join(runDir, EventsFilename) }

// StatePath returns the per-flow RunState location.
func StatePath(flowDir string) string { return filepath.Join(flowDir, StateFilename) }

// HandoffDir returns the envelope directory of a flow.
func HandoffDir(flowDir string) string { return filepath.Join(flowDir, "handoff") }

// EnvelopePath returns the committed envelope path for a step.
func EnvelopePath(flowDir string, step types.StepID) string {
	return filepath.Join(HandoffDir(flowDir), step+".json")
}

// DraftPath returns the working draft envelope path for a step.
func DraftPath(flowDir string, step types.StepID) string {
	return filepath.Join(HandoffDir(flowDir), step+".draft.json")
}

// TranscriptPath returns <flow>/llm/<step>-<agent>-<engine>.jsonl.
// Step ids never contain '-' and the engine token never does either, so
// the name parses unambiguously even though agent keys may use '-'.
func TranscriptPath(flowDir string, step types.StepID, agent types.AgentKey, engine string) string {
	return filepath.Join(flowDir, "llm", fmt.Sprintf("%s-%s-%s.jsonl", step, agent, engine))
}

// ReceiptPath returns <flow>/receipts/<step>-<agent>.json.
func ReceiptPath(flowDir string, step types.StepID, agent types.AgentKey) string {
	return filepath.Join(flowDir, "receipts", fmt.Sprintf("%s-%s.json", step, agent))
}

// ForensicsPath returns the out-of-line diff location for a step.
func ForensicsPath(flowDir string, step types.StepID) string {
	return filepath.Join(flowDir, "forensics", fmt.Sprintf("file_changes_%s.json", step))
}

// ParseTranscriptName splits a transcript filename into step id, agent
// key, and engine. The step id ends at the first '-'; the engine is the
// final '-'-delimited token; everything between is the agent key.
func ParseTranscriptName(name string) (step types.StepID, agent types.AgentKey, engine string, err error) {
	base := strings.TrimSuffix(filepath.Base(name), ".jsonl")
	first := strings.Index(base, "-")
	last := strings.LastIndex(base, "-")
	if first < 0 || first == last {
		return "", "", "", fmt.Errorf("transcript name %q: want <step>-<agent>-<engine>", name)
	}
	step = base[:first]
	agent = base[first+1 : last]
	engine = base[last+1:]
	if step == "" || agent == "" || engine == "" {
		return "", "", "", fmt.Errorf("transcript name %q: empty component", name)
	}
	return step, agent, engine, nil
}
