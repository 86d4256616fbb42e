// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

// EventKind classifies a RunEvent. The set of kinds is closed; unknown
// kinds are preserved on disk but ignored by validators and projections.
type EventKind string

// Lifecycle events.
const (
	EventRunCreated   EventKind = "run_created"
	EventRunStarted   EventKind = "run_started"
	EventRunCompleted EventKind = "run_completed"
	EventRunCanceled  EventKind = "run_canceled"
	EventStepStart    EventKind = "step_start"
	EventStepEnd      EventKind = "step_end"
	EventStepError    EventKind = "step_error"
	EventToolStart    EventKind = "tool_start"
	EventToolEnd      EventKind = "tool_end"
	EventFileChanges  EventKind = "file_changes"
	EventBackendInit  EventKind = "backend_init"
	EventLog          EventKind = "log"
	EventError        EventKind = "error"
)

// Autopilot events.
const (
	EventAutopilotStarted       EventKind = "autopilot_started"
	EventAutopilotFlowStarted   EventKind = "autopilot_flow_started"
	EventAutopilotFlowCompleted EventKind = "autopilot_flow_completed"
	EventAutopilotFlowFailed    EventKind = "autopilot_flow_failed"
	EventAutopilotPausing       EventKind = "autopilot_pausing"
	EventAutopilotPaused        EventKind = "autopilot_paused"
	EventAutopilotResumed       EventKind = "autopilot_resumed"
	EventAutopilotStopping      EventKind = "autopilot_stopping"
	EventAutopilotStopped       EventKind = "autopilot_stopped"
	EventAutopilotCanceled      EventKind = "autopilot_canceled"
	EventAutopilotCompleted     EventKind = "autopilot_completed"
)

// Evolution events.
const (
	EventEvolutionProcessingStarted   EventKind = "evolution_processing_started"
	EventEvolutionProcessingCompleted EventKind = "evolution_processing_completed"
	EventEvolutionApplied             EventKind = "evolution_applied"
	EventEvolutionSuggested           EventKind = "evolution_suggested"
	EventEvolutionRejected            EventKind = "evolution_rejected"
)

// canonicalKinds is the single normalization table shared by the event
// validator and the projection. step_error is a failed step_end; both
// run_created and run_started open a run.
var canonicalKinds = map[EventKind]EventKind{
	EventStepError:  EventStepEnd,
	EventRunCreated: EventRunStarted,
}

// CanonicalEventKind maps an event kind to its canonical form for
// validation and projection purposes.
func CanonicalEventKind(k EventKind) EventKind {
	if c, ok := canonicalKinds[k]; ok {
		return c
	}
	return k
}

// KnownEventKinds lists every kind swarm itself emits.
var KnownEventKinds = []EventKind{
	EventRunCreated, EventRunStarted, EventRunCompleted, EventRunCanceled,
	EventStepStart, EventStepEnd, EventStepError,
	EventToolStart, EventToolEnd, EventFileChanges,
	EventBackendInit, EventLog, EventError,
	EventAutopilotStarted, EventAutopilotFlowStarted, EventAutopilotFlowCompleted,
	EventAutopilotFlowFailed, EventAutopilotPausing, EventAutopilotPaused,
	EventAutopilotResumed, EventAutopilotStopping, EventAutopilotStopped,
	EventAutopilotCanceled, EventAutopilotCompleted,
	EventEvolutionProcessingStarted, EventEvolutionProcessingCompleted,
	EventEvolutionApplied, EventEvolutionSuggested, EventEvolutionRejected,
}

// RunEvent is one append-only record in a run's events.jsonl.
type RunEvent struct {
	RunID    RunID          `json:"run_id"`
	Ts       string         `json:"ts"`
	Seq      int64          `json:"seq"`
	EventID  string         `json:"event_id"`
	Kind     EventKind      `json:"kind"`
	FlowKey  FlowKey        `json:"flow_key,omitempty"`
	StepID   StepID         `json:"step_id,omitempty"`
	AgentKey AgentKey       `json:"agent_key,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}
