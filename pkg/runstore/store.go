// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/types"
)

// NewRunID generates a sortable, globally unique run identifier.
func NewRunID() types.RunID {
	return fmt.Sprintf("run-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Store materializes run directories and persists run-level records.
type Store struct {
	runsRoot string
	logger   *zap.Logger
}

// NewStore creates a run store rooted at runsRoot.
func NewStore(runsRoot string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{runsRoot: runsRoot, logger: logger}
}

// RunsRoot returns the root directory holding all runs.
func (s *Store) RunsRoot() string { return s.runsRoot }

// RunDir returns the base directory for a run.
func (s *Store) RunDir(runID types.RunID) string { return RunDir(s.runsRoot, runID) }

// FlowDir returns the base directory for one flow of a run.
func (s *Store) FlowDir(runID types.RunID, flow types.FlowKey) string {
	return FlowDir(s.runsRoot, runID, flow)
}

// CreateRun materializes the run directory, writes spec.json and an
// initial meta.json, and returns the run id.
func (s *Store) CreateRun(spec types.RunSpec) (types.RunID, error) {
	runID := NewRunID()
	dir := s.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	if err := writeJSONAtomic(SpecPath(dir), spec); err != nil {
		return "", fmt.Errorf("write spec: %w", err)
	}

	now := types.Now()
	summary := types.RunSummary{
		ID:         runID,
		Spec:       spec,
		Status:     types.RunPending,
		SDLCStatus: types.SDLCUnknown,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := writeJSONAtomic(MetaPath(dir), summary); err != nil {
		return "", fmt.Errorf("write meta: %w", err)
	}
	return runID, nil
}

// ReadSpec loads spec.json for a run.
func (s *Store) ReadSpec(runID types.RunID) (types.RunSpec, error) {
	var spec types.RunSpec
	if err := readJSON(SpecPath(s.RunDir(runID)), &spec); err != nil {
		return spec, fmt.Errorf("read spec for %s: %w", runID, err)
	}
	return spec, nil
}

// ReadSummary loads meta.json for a run.
func (s *Store) ReadSummary(runID types.RunID) (types.RunSummary, error) {
	var sum types.RunSummary
	if err := readJSON(MetaPath(s.RunDir(runID)), &sum); err != nil {
		return sum, fmt.Errorf("read summary for %s: %w", runID, err)
	}
	return sum, nil
}

// WriteSummary persists meta.json, refreshing UpdatedAt.
func (s *Store) WriteSummary(sum types.RunSummary) error {
	sum.UpdatedAt = types.Now()
	return writeJSONAtomic(MetaPath(s.RunDir(sum.ID)), sum)
}

// ListSummaries returns the summary of every run under the root, sorted
// by directory order. Unreadable runs are skipped with a warning.
func (s *Store) ListSummaries() ([]types.RunSummary, error) {
	entries, err := os.ReadDir(s.runsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var out []types.RunSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sum, err := s.ReadSummary(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable run", zap.String("run_id", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}

// WriteState persists the per-flow RunState.
func (s *Store) WriteState(state types.RunState) error {
	dir := s.FlowDir(state.RunID, state.FlowKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create flow dir: %w", err)
	}
	state.Timestamp = types.Now()
	return writeJSONAtomic(StatePath(dir), state)
}

// ReadState restores the per-flow RunState. A missing file yields a
// fresh state rather than an error so a flow can always be (re)started.
func (s *Store) ReadState(runID types.RunID, flow types.FlowKey) (types.RunState, error) {
	var state types.RunState
	err := readJSON(StatePath(s.FlowDir(runID, flow)), &state)
	if os.IsNotExist(err) {
		return types.RunState{
			RunID:     runID,
			FlowKey:   flow,
			Status:    types.RunPending,
			LoopState: map[string]int{},
		}, nil
	}
	if err != nil {
		return state, fmt.Errorf("read state for %s/%s: %w", runID, flow, err)
	}
	if state.LoopState == nil {
		state.LoopState = map[string]int{}
	}
	return state, nil
}

// WriteReceipt persists a step receipt at the canonical path.
func (s *Store) WriteReceipt(receipt types.StepReceipt) (string, error) {
	path := ReceiptPath(s.FlowDir(receipt.RunID, receipt.FlowKey), receipt.StepID, receipt.AgentKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create receipts dir: %w", err)
	}
	if err := writeJSONAtomic(path, receipt); err != nil {
		return "", fmt.Errorf("write receipt: %w", err)
	}
	return path, nil
}

// WriteJSON atomically writes v as indented JSON at path, creating
// parent directories as needed. Engines use it for receipts and
// forensics records they place inside a flow directory.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(path, v)
}

// writeJSONAtomic writes v as indented JSON via a temp file and rename,
// so readers never observe a partially written record.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
