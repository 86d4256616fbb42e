// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package engine executes one flow step through the four-phase
// contract: hydrate, work, finalize, route. Two engines ship with
// swarm: a session engine driving a real LLM provider and a stub
// engine for tests and offline runs. Every invocation leaves a
// transcript and exactly one receipt behind.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teradata-labs/swarm/pkg/llm"
	"github.com/teradata-labs/swarm/pkg/types"
)

// DefaultStepTimeout bounds one step's wall-clock time unless the step's
// engine profile overrides it.
const DefaultStepTimeout = 300 * time.Second

// Execution modes recorded in receipts.
const (
	ModeStub = "stub"
	ModeSDK  = "sdk"
	ModeCLI  = "cli"

	ExecLegacy  = "legacy"
	ExecSession = "session"
)

// StepTxnInput is everything the orchestrator assembles before handing a
// step to an engine.
type StepTxnInput struct {
	RunID   types.RunID
	FlowKey types.FlowKey

	// FlowDir is the flow's directory under the run root; envelopes,
	// transcripts, and receipts land beneath it.
	FlowDir string

	// WorkDir is the working tree the step operates on (diff scans).
	WorkDir string

	Flow  *types.FlowDefinition
	Step  *types.StepDefinition
	Agent types.AgentKey

	History       []types.HistoryEntry
	LoopIteration int
	Params        map[string]any
}

// StepContext carries a step through the engine phases. Engines attach
// hydration and session state to it as they go.
type StepContext struct {
	StepTxnInput

	Pack       *ContextPack
	Session    *SessionState
	Truncation *types.ContextTruncation

	StartedAt time.Time
}

// SessionState is the hot conversation shared by work, finalize, and
// route within one step.
type SessionState struct {
	Messages []llm.Message
	Usage    llm.Usage
	Turns    int
}

// AddUsage accumulates token usage from one provider call.
func (s *SessionState) AddUsage(u llm.Usage) {
	s.Usage.InputTokens += u.InputTokens
	s.Usage.OutputTokens += u.OutputTokens
	s.Usage.TotalTokens += u.TotalTokens
}

// NewStepContext wraps a transaction input for engine execution.
func NewStepContext(txn StepTxnInput) *StepContext {
	return &StepContext{StepTxnInput: txn, StartedAt: time.Now()}
}

// Timeout returns the step's effective timeout.
func (sc *StepContext) Timeout() time.Duration {
	if sc.Step != nil && sc.Step.EngineProfile != nil && sc.Step.EngineProfile.TimeoutMs > 0 {
		return time.Duration(sc.Step.EngineProfile.TimeoutMs) * time.Millisecond
	}
	return DefaultStepTimeout
}

// Engine is the step execution contract. RunStep is the convenience
// form the orchestrator normally calls; the phase methods exist for
// callers that need to interleave their own logic.
type Engine interface {
	// ID identifies the engine in receipts and transcript filenames.
	ID() string

	// RunWorker executes the work phase and returns the step result,
	// any events to append, and a work summary for finalization.
	RunWorker(ctx context.Context, sc *StepContext) (*types.StepResult, []types.RunEvent, string, error)

	// FinalizeStep produces the committed handoff envelope.
	FinalizeStep(ctx context.Context, sc *StepContext, result *types.StepResult, workSummary string) (*types.FinalizationResult, error)

	// RouteStep computes the routing signal for the committed envelope.
	// A nil signal means the engine declined to decide and the
	// orchestrator should invoke the fallback driver.
	RouteStep(ctx context.Context, sc *StepContext, env *types.HandoffEnvelope) (*types.RoutingSignal, error)

	// RunStep runs work, finalize, and route, and writes the receipt.
	RunStep(ctx context.Context, sc *StepContext) (*types.StepResult, []types.RunEvent, error)
}

// ============================================================================
// Engine registry
// ============================================================================

var (
	registryMu sync.RWMutex
	registry   = map[string]Engine{}
)

// Register makes an engine available for lookup by id. Later
// registrations replace earlier ones.
func Register(e Engine) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[e.ID()] = e
}

// Lookup returns the engine registered under id.
func Lookup(id string) (Engine, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("no engine registered as %q", id)
	}
	return e, nil
}

// Registered lists registered engine ids in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
