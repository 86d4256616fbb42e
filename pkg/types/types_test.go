// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision_CanonicalAndAliases(t *testing.T) {
	tests := []struct {
		raw  string
		want Decision
	}{
		{"advance", DecisionAdvance},
		{"proceed", DecisionAdvance},
		{"continue", DecisionAdvance},
		{"next", DecisionAdvance},
		{"loop", DecisionLoop},
		{"rerun", DecisionLoop},
		{"retry", DecisionLoop},
		{"repeat", DecisionLoop},
		{"terminate", DecisionTerminate},
		{"blocked", DecisionTerminate},
		{"stop", DecisionTerminate},
		{"end", DecisionTerminate},
		{"exit", DecisionTerminate},
		{"branch", DecisionBranch},
		{"route", DecisionBranch},
		{"switch", DecisionBranch},
		{"redirect", DecisionBranch},
		{"  ADVANCE  ", DecisionAdvance},
		{"Terminate", DecisionTerminate},
		{"nonsense", DecisionAdvance},
		{"", DecisionAdvance},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseDecision(tt.raw), "raw=%q", tt.raw)
	}
}

func TestParseDecision_RoundTripCanonical(t *testing.T) {
	for _, d := range []Decision{DecisionAdvance, DecisionLoop, DecisionTerminate, DecisionBranch} {
		assert.Equal(t, d, ParseDecision(string(d)))
	}
}

func TestStatusRank_TotalOrder(t *testing.T) {
	assert.Less(t, StatusRank(StatusBlocked), StatusRank(StatusUnverified))
	assert.Less(t, StatusRank(StatusUnverified), StatusRank(StatusPartial))
	assert.Less(t, StatusRank(StatusPartial), StatusRank(StatusVerified))
	assert.Equal(t, -1, StatusRank(EnvelopeStatus("bogus")))
}

func TestCanonicalEventKind(t *testing.T) {
	assert.Equal(t, EventStepEnd, CanonicalEventKind(EventStepError))
	assert.Equal(t, EventRunStarted, CanonicalEventKind(EventRunCreated))
	assert.Equal(t, EventStepEnd, CanonicalEventKind(EventStepEnd))
	assert.Equal(t, EventToolStart, CanonicalEventKind(EventToolStart))
}

func TestHandoffEnvelope_JSONRoundTrip(t *testing.T) {
	yes := true
	env := &HandoffEnvelope{
		StepID:  "critique_tests",
		FlowKey: "build",
		RunID:   "run-1",
		Status:  StatusVerified,
		Summary: "tests reviewed",
		Artifacts: map[string]string{
			"review": "build/artifacts/review.md",
		},
		FileChanges: &FileChanges{
			Files:           []FileDiff{{Path: "a.go", Status: "M", Insertions: 3, Deletions: 1}},
			TotalInsertions: 3,
			TotalDeletions:  1,
		},
		CanFurtherIterationHelp: &yes,
		RoutingSignal: &RoutingSignal{
			Decision:   DecisionAdvance,
			NextStepID: "implement",
			Reason:     "verified",
			Confidence: 1.0,
		},
		DurationMs:     1234,
		Timestamp:      Now(),
		EnvelopeSource: EnvelopeSourceLifecycle,
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var back HandoffEnvelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, env.StepID, back.StepID)
	assert.Equal(t, env.Status, back.Status)
	assert.Equal(t, env.Artifacts, back.Artifacts)
	require.NotNil(t, back.CanFurtherIterationHelp)
	assert.True(t, *back.CanFurtherIterationHelp)
	require.NotNil(t, back.RoutingSignal)
	assert.Equal(t, DecisionAdvance, back.RoutingSignal.Decision)
	assert.Equal(t, env.FileChanges.TotalInsertions, back.FileChanges.TotalInsertions)
}

func TestTimestamp_UTCWithZ(t *testing.T) {
	ts := Timestamp(time.Date(2026, 2, 24, 15, 30, 0, 0, time.UTC))
	assert.Equal(t, "2026-02-24T15:30:00.000Z", ts)
}

func TestValidateStepID(t *testing.T) {
	assert.NoError(t, ValidateStepID("author_tests"))
	assert.Error(t, ValidateStepID("author-tests"))
	assert.Error(t, ValidateStepID(""))
}

func TestLoopKey(t *testing.T) {
	assert.Equal(t, "critique_tests:author_tests", LoopKey("critique_tests", "author_tests"))
}

func TestFlowDefinition_Step(t *testing.T) {
	flow := &FlowDefinition{
		Key: "build",
		Steps: []StepDefinition{
			{ID: "author_tests", Index: 1},
			{ID: "implement", Index: 2},
		},
	}
	require.NotNil(t, flow.Step("implement"))
	assert.Equal(t, 2, flow.Step("implement").Index)
	assert.Nil(t, flow.Step("missing"))
}
