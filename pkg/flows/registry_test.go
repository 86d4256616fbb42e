// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package flows

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/swarm/pkg/types"
)

const flowsYAML = `
flows:
  - key: signal
    index: 1
    title: Signal Intake
    short_title: Signal
    description: Capture and triage the incoming issue.
    is_sdlc: true
  - key: build
    index: 2
    title: Build
    short_title: Build
    description: Implement with test-first microloops.
    is_sdlc: true
  - key: demo
    index: 3
    title: Demo Utilities
    short_title: Demo
    description: Utility flows for demos.
    is_sdlc: false
`

const buildYAML = `
steps:
  - id: author_tests
    agents: [test-author]
    role: Write failing tests for the change.
    routing:
      kind: linear
      next: critique_tests
  - id: critique_tests
    agents: [test-critic]
    role: Review test quality.
    routing:
      kind: microloop
      loop_target: author_tests
      loop_condition_field: status
      loop_success_values: [VERIFIED]
      max_iterations: 3
      next: implement
  - id: implement
    agents: [implementer]
    role: Make the tests pass.
    routing:
      kind: linear
      next: commit
  - id: commit
    agents: [committer]
    role: Land the change.
    routing:
      kind: terminal
cross_cutting: [scope-guard]
`

const signalYAML = `
steps:
  - id: triage
    agents: [triager]
    role: Classify the signal.
    routing:
      kind: terminal
`

func writeRegistry(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flows.yaml"), []byte(flowsYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.yaml"), []byte(buildYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "signal.yaml"), []byte(signalYAML), 0o644))
	return dir
}

func TestLoad_BuildsOrderAndIndexes(t *testing.T) {
	r, err := Load(writeRegistry(t), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, r.TotalFlows())
	assert.Equal(t, 5, r.TotalSteps())

	order := r.FlowOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "signal", order[0].Key)
	assert.Equal(t, "build", order[1].Key)

	assert.Equal(t, []types.FlowKey{"signal", "build"}, r.SDLCFlowKeys())

	build := r.GetFlow("build")
	require.NotNil(t, build)
	assert.Equal(t, 2, build.Index)
	require.Len(t, build.Steps, 4)
	assert.Equal(t, 1, build.Steps[0].Index)
	assert.Equal(t, 4, build.Steps[3].Index)

	loop := build.Step("critique_tests").Routing
	require.NotNil(t, loop)
	assert.Equal(t, types.RoutingMicroloop, loop.Kind)
	assert.Equal(t, "author_tests", loop.LoopTarget)
	assert.Equal(t, 3, loop.MaxIterations)
}

func TestRegistry_Lookups(t *testing.T) {
	r, err := Load(writeRegistry(t), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, r.GetStepIndex("build", "implement"))
	assert.Equal(t, 0, r.GetStepIndex("build", "missing"))
	assert.Equal(t, 0, r.GetStepIndex("nope", "implement"))

	assert.Equal(t, 2, r.GetIndex("build"))
	assert.Equal(t, UnknownFlowIndex, r.GetIndex("nope"))

	assert.Equal(t, "2-build", r.SpecID("build"))
	assert.Equal(t, "99-nope", r.SpecID("nope"))

	positions := r.GetAgentPositions("test-critic")
	require.Len(t, positions, 1)
	assert.Equal(t, "build", positions[0].FlowKey)
	assert.Equal(t, "critique_tests", positions[0].StepID)
	assert.Equal(t, 2, positions[0].StepIdx)

	cross := r.GetAgentPositions("scope-guard")
	require.Len(t, cross, 1)
	assert.Empty(t, cross[0].StepID)
	assert.Zero(t, cross[0].StepIdx)
}

func TestLoad_MissingStepFileLeavesFlowEmpty(t *testing.T) {
	r, err := Load(writeRegistry(t), nil)
	require.NoError(t, err)

	demo := r.GetFlow("demo")
	require.NotNil(t, demo)
	assert.Empty(t, demo.Steps)
	assert.Empty(t, demo.CrossCutting)
}

func TestLoad_RejectsNonContiguousIndices(t *testing.T) {
	dir := t.TempDir()
	bad := `
flows:
  - key: signal
    index: 1
    is_sdlc: true
  - key: build
    index: 3
    is_sdlc: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flows.yaml"), []byte(bad), 0o644))
	_, err := Load(dir, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contiguous")
}

func TestLoad_RejectsHyphenatedStepID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flows.yaml"), []byte(`
flows:
  - key: build
    index: 1
    is_sdlc: true
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.yaml"), []byte(`
steps:
  - id: author-tests
    agents: [a]
    role: r
`), 0o644))
	_, err := Load(dir, nil)
	require.Error(t, err)
}

func TestDefault_LoadOnceAndReset(t *testing.T) {
	ResetDefault()
	t.Cleanup(ResetDefault)

	dir := writeRegistry(t)
	r1, err := Default(dir, nil)
	require.NoError(t, err)
	r2, err := Default(t.TempDir(), nil) // ignored; already loaded
	require.NoError(t, err)
	assert.Same(t, r1, r2)
}
