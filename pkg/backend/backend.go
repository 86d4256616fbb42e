// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package backend abstracts run scheduling. Backends are values looked
// up by id in a registry; each advertises a capability record instead of
// relying on type hierarchy.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/teradata-labs/swarm/pkg/types"
)

// Capabilities describes what a backend can do.
type Capabilities struct {
	ID                types.BackendID `json:"id"`
	Label             string          `json:"label"`
	SupportsStreaming bool            `json:"supports_streaming"`
	SupportsEvents    bool            `json:"supports_events"`
	SupportsCancel    bool            `json:"supports_cancel"`
	SupportsReplay    bool            `json:"supports_replay"`
}

// Backend schedules runs. Start is non-blocking: it materializes the run
// directory and initial events, then returns; execution is driven
// separately (by the orchestrator or autopilot).
type Backend interface {
	ID() types.BackendID
	Capabilities() Capabilities
	Start(ctx context.Context, spec types.RunSpec) (types.RunID, error)
	GetSummary(runID types.RunID) (types.RunSummary, error)
	ListSummaries() ([]types.RunSummary, error)
	GetEvents(runID types.RunID) ([]types.RunEvent, error)
	Cancel(runID types.RunID) error
}

var (
	regMu    sync.RWMutex
	backends = map[types.BackendID]Backend{}
)

// Register makes a backend available by id. Later registrations replace
// earlier ones.
func Register(b Backend) {
	regMu.Lock()
	defer regMu.Unlock()
	backends[b.ID()] = b
}

// Lookup returns the backend registered under id.
func Lookup(id types.BackendID) (Backend, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	b, ok := backends[id]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", id)
	}
	return b, nil
}

// Registered lists the ids of every registered backend.
func Registered() []types.BackendID {
	regMu.RLock()
	defer regMu.RUnlock()
	ids := make([]types.BackendID, 0, len(backends))
	for id := range backends {
		ids = append(ids, id)
	}
	return ids
}
