// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package projection

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/types"
)

// DefaultFailureThreshold is how many consecutive query failures trigger
// a health check.
const DefaultFailureThreshold = 3

// Health is the wrapper's self-diagnostic state.
type Health struct {
	Healthy           bool  `json:"healthy"`
	RebuildCount      int   `json:"rebuild_count"`
	ConsecutiveErrors int   `json:"consecutive_errors"`
	EventCount        int64 `json:"event_count"`
}

// Resilient wraps the projection for API consumers: queries degrade to
// typed defaults instead of erroring, and repeated failures trigger a
// health check that recreates and rebuilds a vanished database.
type Resilient struct {
	mu        sync.RWMutex
	store     *Store
	tailer    *Tailer
	path      string
	runsRoot  string
	threshold int
	logger    *zap.Logger

	consecutiveErrors int
	rebuildCount      int
}

// NewResilient opens the projection at path, rebuilding it when the file
// is missing or carries a stale schema version.
func NewResilient(ctx context.Context, path, runsRoot string, logger *zap.Logger) (*Resilient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := Open(ctx, path, logger)
	if err != nil {
		return nil, err
	}
	r := &Resilient{
		store:     store,
		tailer:    NewTailer(store, runsRoot, logger),
		path:      path,
		runsRoot:  runsRoot,
		threshold: DefaultFailureThreshold,
		logger:    logger,
	}
	if store.NeedsRebuild() {
		if _, err := r.tailer.Rebuild(ctx); err != nil {
			logger.Warn("initial projection rebuild failed", zap.Error(err))
		} else {
			r.rebuildCount++
		}
	}
	return r, nil
}

// Store exposes the wrapped projection for ingest paths.
func (r *Resilient) Store() *Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store
}

// Tailer exposes the wrapped tailer.
func (r *Resilient) Tailer() *Tailer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tailer
}

// current reads the live store pointer. CheckHealth swaps the store
// under the write lock, so queries must not cache it across calls.
func (r *Resilient) current() *Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store
}

// Close closes the underlying projection.
func (r *Resilient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Close()
}

// GetRunSafe returns the projected run, or nil on any failure.
func (r *Resilient) GetRunSafe(ctx context.Context, runID types.RunID) *RunRow {
	row, err := r.current().GetRun(ctx, runID)
	if err != nil {
		r.noteFailure(ctx, "get_run", err)
		return nil
	}
	r.noteSuccess()
	return row
}

// ListRunsSafe returns every projected run, or an empty slice on failure.
func (r *Resilient) ListRunsSafe(ctx context.Context) []RunRow {
	rows, err := r.current().ListRuns(ctx)
	if err != nil {
		r.noteFailure(ctx, "list_runs", err)
		return nil
	}
	r.noteSuccess()
	return rows
}

// GetStepsSafe returns the projected steps of a run, or an empty slice.
func (r *Resilient) GetStepsSafe(ctx context.Context, runID types.RunID) []StepRow {
	rows, err := r.current().GetSteps(ctx, runID)
	if err != nil {
		r.noteFailure(ctx, "get_steps", err)
		return nil
	}
	r.noteSuccess()
	return rows
}

// EventCountSafe returns the projected event count of a run, or zero.
func (r *Resilient) EventCountSafe(ctx context.Context, runID types.RunID) int64 {
	n, err := r.current().EventCount(ctx, runID)
	if err != nil {
		r.noteFailure(ctx, "event_count", err)
		return 0
	}
	r.noteSuccess()
	return n
}

// CheckHealth recreates and rebuilds the projection when its file has
// vanished. Returns the current health snapshot.
func (r *Resilient) CheckHealth(ctx context.Context) Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		r.logger.Warn("projection file vanished, recreating", zap.String("path", r.path))
		r.store.Close()
		store, err := Open(ctx, r.path, r.logger)
		if err != nil {
			r.logger.Error("projection recreate failed", zap.Error(err))
			return r.healthLocked(ctx, false)
		}
		r.store = store
		r.tailer = NewTailer(store, r.runsRoot, r.logger)
		if _, err := r.tailer.Rebuild(ctx); err != nil {
			r.logger.Error("projection rebuild failed", zap.Error(err))
			return r.healthLocked(ctx, false)
		}
		r.rebuildCount++
		r.consecutiveErrors = 0
	}
	return r.healthLocked(ctx, true)
}

func (r *Resilient) healthLocked(ctx context.Context, healthy bool) Health {
	h := Health{
		Healthy:           healthy,
		RebuildCount:      r.rebuildCount,
		ConsecutiveErrors: r.consecutiveErrors,
	}
	if healthy {
		var n int64
		if err := r.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err == nil {
			h.EventCount = n
		}
	}
	return h
}

func (r *Resilient) noteFailure(ctx context.Context, op string, err error) {
	r.mu.Lock()
	r.consecutiveErrors++
	trip := r.consecutiveErrors >= r.threshold
	if trip {
		r.consecutiveErrors = 0
	}
	r.mu.Unlock()

	r.logger.Warn("projection query failed",
		zap.String("op", op), zap.Error(err))
	if trip {
		r.CheckHealth(ctx)
	}
}

func (r *Resilient) noteSuccess() {
	r.mu.Lock()
	r.consecutiveErrors = 0
	r.mu.Unlock()
}
