// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/engine"
	"github.com/teradata-labs/swarm/pkg/flows"
	"github.com/teradata-labs/swarm/pkg/handoff"
	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

const flowsYAML = `flows:
  - key: build
    index: 1
    title: Build
    short_title: Build
    description: implement the change
    is_sdlc: true
`

const buildYAML = `steps:
  - id: author_tests
    agents: [test_author]
    role: write failing tests
    routing:
      kind: linear
      next: critique_tests
  - id: critique_tests
    agents: [critic]
    role: review the tests
    routing:
      kind: microloop
      next: implement
      loop_target: author_tests
      max_iterations: 3
  - id: implement
    agents: [builder]
    role: make the tests pass
    routing:
      kind: linear
      next: commit
  - id: commit
    agents: [committer]
    role: commit the change
    routing:
      kind: terminal
`

func setupRegistry(t *testing.T, perFlow map[string]string) *flows.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flows.yaml"), []byte(flowsYAML), 0o644))
	for key, body := range perFlow {
		require.NoError(t, os.WriteFile(filepath.Join(dir, key+".yaml"), []byte(body), 0o644))
	}
	reg, err := flows.Load(dir, zap.NewNop())
	require.NoError(t, err)
	return reg
}

func setupRun(t *testing.T, store *runstore.Store) types.RunID {
	t.Helper()
	runID, err := store.CreateRun(types.RunSpec{
		FlowKeys: []types.FlowKey{"build"},
		Backend:  "local",
	})
	require.NoError(t, err)
	return runID
}

func newOrchestrator(t *testing.T, store *runstore.Store, reg *flows.Registry, eng engine.Engine) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Store:       store,
		Registry:    reg,
		Engine:      eng,
		CompleteRun: true,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return o
}

func eventKinds(t *testing.T, store *runstore.Store, runID types.RunID) []types.EventKind {
	t.Helper()
	events, err := runstore.ReadRunEvents(store.RunsRoot(), runID)
	require.NoError(t, err)
	kinds := make([]types.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestRunFlow_LinearHappyPath(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())
	reg := setupRegistry(t, map[string]string{"build": buildYAML})
	runID := setupRun(t, store)

	o := newOrchestrator(t, store, reg, engine.NewStubEngine(engine.StubConfig{}))
	result, err := o.RunFlow(context.Background(), runID, "build", "")
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, result.Status)
	assert.Equal(t, 4, result.StepsExecuted)
	assert.Equal(t, "commit", result.FinalStep)
	assert.False(t, result.NeedsHuman)

	flowDir := store.FlowDir(runID, "build")
	for _, step := range []types.StepID{"author_tests", "critique_tests", "implement", "commit"} {
		env, err := handoff.ReadEnvelope(flowDir, step)
		require.NoError(t, err, "envelope for %s", step)
		assert.Equal(t, types.StatusVerified, env.Status)

		_, statErr := os.Stat(runstore.ReceiptPath(flowDir, step, env2agent(step)))
		assert.NoError(t, statErr, "receipt for %s", step)
	}

	state, err := store.ReadState(runID, "build")
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, state.Status)
	assert.Zero(t, state.LoopState["critique_tests:author_tests"])
	assert.Len(t, state.History, 4)

	events, err := runstore.ReadRunEvents(store.RunsRoot(), runID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, types.EventRunCompleted, last.Kind)
	assert.Equal(t, "succeeded", last.Payload["status"])

	issues := runstore.ValidateEvents(events, false)
	assert.False(t, runstore.HasErrors(issues), "journal issues: %v", issues)

	sum, err := store.ReadSummary(runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, sum.Status)
	assert.Equal(t, types.SDLCOK, sum.SDLCStatus)
}

func env2agent(step types.StepID) types.AgentKey {
	switch step {
	case "author_tests":
		return "test_author"
	case "critique_tests":
		return "critic"
	case "implement":
		return "builder"
	default:
		return "committer"
	}
}

func TestRunFlow_MicroloopLoopsThenConverges(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())
	reg := setupRegistry(t, map[string]string{"build": buildYAML})
	runID := setupRun(t, store)

	eng := engine.NewStubEngine(engine.StubConfig{
		Statuses: map[types.StepID][]types.EnvelopeStatus{
			"critique_tests": {types.StatusUnverified, types.StatusVerified},
		},
	})
	o := newOrchestrator(t, store, reg, eng)

	result, err := o.RunFlow(context.Background(), runID, "build", "")
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, result.Status)
	// author, critique(loop), author, critique, implement, commit
	assert.Equal(t, 6, result.StepsExecuted)

	state, err := store.ReadState(runID, "build")
	require.NoError(t, err)
	assert.Equal(t, 1, state.LoopState["critique_tests:author_tests"])

	// step_start counts per invariant 3: author_tests twice within cap
	starts := map[types.StepID]int{}
	events, err := runstore.ReadRunEvents(store.RunsRoot(), runID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Kind == types.EventStepStart {
			starts[ev.StepID]++
		}
	}
	assert.Equal(t, 2, starts["author_tests"])
	assert.Equal(t, 2, starts["critique_tests"])
}

func TestRunFlow_MicroloopMaxIterationsAdvancesWithNeedsHuman(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())
	reg := setupRegistry(t, map[string]string{"build": buildYAML})
	runID := setupRun(t, store)

	// critique never verifies: loop until the cap, then advance
	eng := engine.NewStubEngine(engine.StubConfig{
		Statuses: map[types.StepID][]types.EnvelopeStatus{
			"critique_tests": {types.StatusUnverified},
		},
	})
	o := newOrchestrator(t, store, reg, eng)

	result, err := o.RunFlow(context.Background(), runID, "build", "")
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, result.Status)
	assert.True(t, result.NeedsHuman)

	state, err := store.ReadState(runID, "build")
	require.NoError(t, err)
	assert.Equal(t, 3, state.LoopState["critique_tests:author_tests"])
}

// noRouteEngine writes envelopes without routing signals, forcing the
// orchestrator's fallback driver to decide and persist.
type noRouteEngine struct {
	*engine.StubEngine
}

func (e *noRouteEngine) RouteStep(context.Context, *engine.StepContext, *types.HandoffEnvelope) (*types.RoutingSignal, error) {
	return nil, nil
}

func (e *noRouteEngine) RunStep(ctx context.Context, sc *engine.StepContext) (*types.StepResult, []types.RunEvent, error) {
	result, events, summary, err := e.RunWorker(ctx, sc)
	if err != nil {
		return result, events, err
	}
	_, err = e.FinalizeStep(ctx, sc, result, summary)
	return result, events, err
}

func TestRunFlow_EnvelopeFirstRoutingFallback(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())
	reg := setupRegistry(t, map[string]string{"build": buildYAML})
	runID := setupRun(t, store)

	eng := &noRouteEngine{engine.NewStubEngine(engine.StubConfig{})}
	o := newOrchestrator(t, store, reg, eng)

	result, err := o.RunFlow(context.Background(), runID, "build", "")
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, result.Status)

	// the fallback driver's signal was persisted into the envelope
	flowDir := store.FlowDir(runID, "build")
	sig := handoff.ReadRoutingFromEnvelope(flowDir, "author_tests")
	require.NotNil(t, sig)
	assert.Equal(t, types.DecisionAdvance, sig.Decision)
	assert.Equal(t, "critique_tests", sig.NextStepID)
}

func TestRunFlow_EngineFallbackEnvelopeOnMissing(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())
	reg := setupRegistry(t, map[string]string{"build": buildYAML})
	runID := setupRun(t, store)

	eng := engine.NewStubEngine(engine.StubConfig{FailSteps: map[types.StepID]bool{"implement": true}})
	o := newOrchestrator(t, store, reg, eng)

	result, err := o.RunFlow(context.Background(), runID, "build", "")
	require.NoError(t, err)
	// implement fails, its envelope is UNVERIFIED, but routing advances
	// to commit which succeeds, so the flow completes
	assert.Equal(t, types.RunSucceeded, result.Status)

	flowDir := store.FlowDir(runID, "build")
	env, err := handoff.ReadEnvelope(flowDir, "implement")
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnverified, env.Status)
	assert.NotEmpty(t, env.Error)

	var sawStepError bool
	for _, kind := range eventKinds(t, store, runID) {
		if kind == types.EventStepError {
			sawStepError = true
		}
	}
	assert.True(t, sawStepError)
}

func TestRunFlow_RequiredArtifactGating(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())

	gated := `steps:
  - id: author_tests
    agents: [test_author]
    role: write failing tests
    required_artifacts: [tests/test_router.py]
    gate_status_on_fail: BLOCKED
    routing:
      kind: terminal
`
	reg := setupRegistry(t, map[string]string{"build": gated})
	runID := setupRun(t, store)

	o, err := New(Config{
		Store:       store,
		Registry:    reg,
		Engine:      engine.NewStubEngine(engine.StubConfig{}),
		WorkDir:     t.TempDir(), // artifact does not exist there
		CompleteRun: true,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	result, err := o.RunFlow(context.Background(), runID, "build", "")
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, result.Status)

	env, err := handoff.ReadEnvelope(store.FlowDir(runID, "build"), "author_tests")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, env.Status)
	assert.Contains(t, env.Error, "tests/test_router.py")
}

func TestRunFlow_Cancel(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())
	reg := setupRegistry(t, map[string]string{"build": buildYAML})
	runID := setupRun(t, store)

	o := newOrchestrator(t, store, reg, engine.NewStubEngine(engine.StubConfig{}))
	o.Cancel()

	result, err := o.RunFlow(context.Background(), runID, "build", "")
	require.NoError(t, err)
	assert.Equal(t, types.RunCanceled, result.Status)
	assert.Zero(t, result.StepsExecuted)

	var sawCancel bool
	for _, kind := range eventKinds(t, store, runID) {
		if kind == types.EventRunCanceled {
			sawCancel = true
		}
	}
	assert.True(t, sawCancel)
}

func TestRunFlow_UnknownFlow(t *testing.T) {
	store := runstore.NewStore(t.TempDir(), zap.NewNop())
	reg := setupRegistry(t, map[string]string{"build": buildYAML})

	o := newOrchestrator(t, store, reg, engine.NewStubEngine(engine.StubConfig{}))
	_, err := o.RunFlow(context.Background(), "run-x", "nope", "")
	require.Error(t, err)
}
