// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/swarm/pkg/types"
)

func TestParseTranscriptName(t *testing.T) {
	step, agent, engine, err := ParseTranscriptName("author_tests-test-author-sdk.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "author_tests", step)
	assert.Equal(t, "test-author", agent)
	assert.Equal(t, "sdk", engine)

	_, _, _, err = ParseTranscriptName("nodashes.jsonl")
	require.Error(t, err)
}

func TestTranscriptPath_RoundTrip(t *testing.T) {
	path := TranscriptPath("/runs/r1/build", "critique_tests", "test-critic", "stub")
	step, agent, engine, err := ParseTranscriptName(path)
	require.NoError(t, err)
	assert.Equal(t, "critique_tests", step)
	assert.Equal(t, "test-critic", agent)
	assert.Equal(t, "stub", engine)
}

func TestStore_CreateAndReadRun(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	spec := types.RunSpec{
		FlowKeys:       []string{"signal", "build"},
		Backend:        "local",
		Initiator:      "cli",
		NoHumanMidFlow: true,
	}

	runID, err := store.CreateRun(spec)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	gotSpec, err := store.ReadSpec(runID)
	require.NoError(t, err)
	assert.Equal(t, spec.FlowKeys, gotSpec.FlowKeys)
	assert.True(t, gotSpec.NoHumanMidFlow)

	sum, err := store.ReadSummary(runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunPending, sum.Status)
	assert.Equal(t, types.SDLCUnknown, sum.SDLCStatus)

	sum.Status = types.RunRunning
	sum.StartedAt = types.Now()
	require.NoError(t, store.WriteSummary(sum))

	sum2, err := store.ReadSummary(runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, sum2.Status)

	all, err := store.ListSummaries()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, runID, all[0].ID)
}

func TestStore_ReadStateFreshAndRestore(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	state, err := store.ReadState("run-x", "build")
	require.NoError(t, err)
	assert.Equal(t, types.RunPending, state.Status)
	assert.NotNil(t, state.LoopState)

	state.Status = types.RunRunning
	state.LoopState["critique_tests:author_tests"] = 2
	require.NoError(t, store.WriteState(state))

	restored, err := store.ReadState("run-x", "build")
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, restored.Status)
	assert.Equal(t, 2, restored.LoopState["critique_tests:author_tests"])
}

func TestJournal_AppendAssignsMonotonicSeq(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "run-1", nil)
	require.NoError(t, err)

	e1, err := j.Append(types.RunEvent{Kind: types.EventRunStarted})
	require.NoError(t, err)
	e2, err := j.Append(types.RunEvent{Kind: types.EventStepStart, StepID: "author_tests"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)
	assert.NotEmpty(t, e1.EventID)
	assert.NotEmpty(t, e1.Ts)
	assert.Equal(t, "run-1", e1.RunID)

	// Reopening resumes after the last seq.
	j2, err := OpenJournal(dir, "run-1", nil)
	require.NoError(t, err)
	e3, err := j2.Append(types.RunEvent{Kind: types.EventStepEnd, StepID: "author_tests"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), e3.Seq)
}

func TestReadEvents_IgnoresPartialFinalLine(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "run-1", nil)
	require.NoError(t, err)
	_, err = j.Append(types.RunEvent{Kind: types.EventRunStarted})
	require.NoError(t, err)

	// Simulate a crash mid-append.
	f, err := os.OpenFile(j.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"run_id":"run-1","seq":2,"kind":"step_st`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := ReadEvents(j.Path())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventRunStarted, events[0].Kind)
}

func TestValidateEvents(t *testing.T) {
	ev := func(seq int64, kind types.EventKind, step types.StepID) types.RunEvent {
		return types.RunEvent{RunID: "r", Seq: seq, EventID: string(kind) + "-" + step + "-" + string(rune('0'+seq)), Kind: kind, StepID: step}
	}

	t.Run("clean stream", func(t *testing.T) {
		events := []types.RunEvent{
			ev(1, types.EventRunStarted, ""),
			ev(2, types.EventStepStart, "a"),
			ev(3, types.EventStepEnd, "a"),
			ev(4, types.EventRunCompleted, ""),
		}
		assert.Empty(t, ValidateEvents(events, true))
	})

	t.Run("duplicate seq is error", func(t *testing.T) {
		events := []types.RunEvent{
			ev(1, types.EventRunStarted, ""),
			{RunID: "r", Seq: 1, EventID: "other", Kind: types.EventLog},
		}
		issues := ValidateEvents(events, false)
		assert.True(t, HasErrors(issues))
	})

	t.Run("gap warns by default, errors in strict", func(t *testing.T) {
		events := []types.RunEvent{
			ev(1, types.EventRunStarted, ""),
			ev(3, types.EventLog, ""),
		}
		assert.False(t, HasErrors(ValidateEvents(events, false)))
		assert.True(t, HasErrors(ValidateEvents(events, true)))
	})

	t.Run("step_end without step_start is error", func(t *testing.T) {
		events := []types.RunEvent{
			ev(1, types.EventRunStarted, ""),
			ev(2, types.EventStepEnd, "a"),
		}
		assert.True(t, HasErrors(ValidateEvents(events, false)))
	})

	t.Run("step_error counts as step_end", func(t *testing.T) {
		events := []types.RunEvent{
			ev(1, types.EventRunStarted, ""),
			ev(2, types.EventStepStart, "a"),
			ev(3, types.EventStepError, "a"),
		}
		assert.False(t, HasErrors(ValidateEvents(events, false)))
	})

	t.Run("orphan step_start with run_completed warns", func(t *testing.T) {
		events := []types.RunEvent{
			ev(1, types.EventRunStarted, ""),
			ev(2, types.EventStepStart, "a"),
			ev(3, types.EventRunCompleted, ""),
		}
		issues := ValidateEvents(events, false)
		assert.NotEmpty(t, issues)
		assert.False(t, HasErrors(issues))
		assert.True(t, HasErrors(ValidateEvents(events, true)))
	})

	t.Run("missing run start warns", func(t *testing.T) {
		events := []types.RunEvent{ev(1, types.EventLog, "")}
		issues := ValidateEvents(events, false)
		require.Len(t, issues, 1)
		assert.Equal(t, LevelWarning, issues[0].Level)
	})
}
