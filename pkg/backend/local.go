// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package backend

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

// LocalID is the id of the in-process backend.
const LocalID types.BackendID = "local"

// Local runs everything in-process against a runstore. Cancellation is
// cooperative, delivered through the per-run cancel funcs registered by
// whoever drives execution.
type Local struct {
	store  *runstore.Store
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[types.RunID]context.CancelFunc
}

// NewLocal creates the local backend over a run store.
func NewLocal(store *runstore.Store, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{store: store, logger: logger, cancels: map[types.RunID]context.CancelFunc{}}
}

// ID implements Backend.
func (l *Local) ID() types.BackendID { return LocalID }

// Capabilities implements Backend.
func (l *Local) Capabilities() Capabilities {
	return Capabilities{
		ID:                LocalID,
		Label:             "Local (in-process)",
		SupportsStreaming: true,
		SupportsEvents:    true,
		SupportsCancel:    true,
		SupportsReplay:    true,
	}
}

// Start materializes the run directory, spec.json, meta.json, and the
// initial journal events, then returns. It does not execute flows.
func (l *Local) Start(ctx context.Context, spec types.RunSpec) (types.RunID, error) {
	if spec.Backend == "" {
		spec.Backend = LocalID
	}
	runID, err := l.store.CreateRun(spec)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	journal, err := runstore.OpenJournal(l.store.RunDir(runID), runID, l.logger)
	if err != nil {
		return "", fmt.Errorf("open journal: %w", err)
	}
	journal.Emit(types.EventRunCreated, "", "", "", map[string]any{
		"initiator": spec.Initiator,
		"flows":     spec.FlowKeys,
	})
	journal.Emit(types.EventBackendInit, "", "", "", map[string]any{
		"backend": string(LocalID),
	})
	journal.Emit(types.EventRunStarted, "", "", "", nil)

	l.logger.Info("run materialized",
		zap.String("run_id", runID), zap.Int("flows", len(spec.FlowKeys)))
	return runID, nil
}

// BindCancel associates the cancel func of the run's execution context
// so Cancel can reach it.
func (l *Local) BindCancel(runID types.RunID, cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancels[runID] = cancel
}

// GetSummary implements Backend.
func (l *Local) GetSummary(runID types.RunID) (types.RunSummary, error) {
	return l.store.ReadSummary(runID)
}

// ListSummaries implements Backend.
func (l *Local) ListSummaries() ([]types.RunSummary, error) {
	return l.store.ListSummaries()
}

// GetEvents implements Backend.
func (l *Local) GetEvents(runID types.RunID) ([]types.RunEvent, error) {
	return runstore.ReadRunEvents(l.store.RunsRoot(), runID)
}

// Cancel implements Backend. Unknown runs and runs without a bound
// execution context return an error.
func (l *Local) Cancel(runID types.RunID) error {
	l.mu.Lock()
	cancel, ok := l.cancels[runID]
	delete(l.cancels, runID)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %q has no cancelable execution", runID)
	}
	cancel()
	return nil
}
