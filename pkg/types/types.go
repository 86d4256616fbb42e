// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains shared types used across the swarm framework.
// This package breaks import cycles by providing the common data model
// that the registry, engine, routing, orchestrator, and projection
// packages all depend on. It deliberately has no third-party imports.
package types

import (
	"fmt"
	"time"
)

// ============================================================================
// Identifiers
// ============================================================================

// RunID is an opaque ASCII string, globally unique per run.
type RunID = string

// FlowKey is a short ASCII slug identifying a flow (e.g. "signal", "build").
type FlowKey = string

// StepID is an ASCII identifier. Step ids never contain '-'; words are
// separated with '_' so that transcript filenames stay parseable.
type StepID = string

// AgentKey is an ASCII slug identifying an agent persona. '-' is allowed.
type AgentKey = string

// BackendID identifies a run-scheduler backend.
type BackendID = string

// ============================================================================
// Flow definitions
// ============================================================================

// RoutingKind tags a step's routing configuration.
type RoutingKind string

const (
	RoutingLinear    RoutingKind = "linear"
	RoutingMicroloop RoutingKind = "microloop"
	RoutingBranch    RoutingKind = "branch"
	RoutingTerminal  RoutingKind = "terminal"
	RoutingFork      RoutingKind = "fork"
	RoutingJoin      RoutingKind = "join"
)

// StepRouting is the tagged routing configuration attached to a step.
// Only the fields for the active Kind are meaningful.
type StepRouting struct {
	Kind RoutingKind `json:"kind" yaml:"kind"`

	// Default next step for linear, microloop, and branch routing. Empty
	// means the flow ends after this step for linear routing.
	Next StepID `json:"next,omitempty" yaml:"next,omitempty"`

	// Microloop fields.
	LoopTarget         StepID   `json:"loop_target,omitempty" yaml:"loop_target,omitempty"`
	LoopConditionField string   `json:"loop_condition_field,omitempty" yaml:"loop_condition_field,omitempty"`
	LoopSuccessValues  []string `json:"loop_success_values,omitempty" yaml:"loop_success_values,omitempty"`
	MaxIterations      int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// Branch: status label -> target step.
	Branches map[string]StepID `json:"branches,omitempty" yaml:"branches,omitempty"`

	// Fork: parallel targets, collected again at the matching join point.
	ForkTargets []StepID    `json:"fork_targets,omitempty" yaml:"fork_targets,omitempty"`
	Fork        *ForkConfig `json:"fork,omitempty" yaml:"fork,omitempty"`

	// Join.
	JoinPoint bool        `json:"join_point,omitempty" yaml:"join_point,omitempty"`
	Join      *JoinConfig `json:"join,omitempty" yaml:"join,omitempty"`
}

// ExecutionPolicy controls how forked branches are dispatched.
type ExecutionPolicy string

const (
	ExecutionConcurrent ExecutionPolicy = "concurrent"
	ExecutionBatch      ExecutionPolicy = "batch"
)

// FailurePolicy controls how a fork reacts to branch failures.
type FailurePolicy string

const (
	FailureContinueAll FailurePolicy = "continue_all"
	FailureFailFast    FailurePolicy = "fail_fast"
	FailureBestEffort  FailurePolicy = "best_effort"
)

// ForkConfig governs parallel branch dispatch at a fork step.
type ForkConfig struct {
	ExecutionPolicy ExecutionPolicy `json:"execution_policy" yaml:"execution_policy"`
	BatchSize       int             `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	FailurePolicy   FailurePolicy   `json:"failure_policy" yaml:"failure_policy"`
	Isolation       string          `json:"isolation,omitempty" yaml:"isolation,omitempty"`
}

// JoinStrategy decides when a join point is satisfied.
type JoinStrategy string

const (
	JoinAllComplete JoinStrategy = "all_complete"
	JoinAllVerified JoinStrategy = "all_verified"
	JoinAnyVerified JoinStrategy = "any_verified"
	JoinQuorum      JoinStrategy = "quorum"
)

// AggregateMode selects how branch statuses combine at a join point.
type AggregateMode string

const (
	AggregateWorst  AggregateMode = "worst"
	AggregateBest   AggregateMode = "best"
	AggregateStrict AggregateMode = "strict"
)

// JoinConfig governs result aggregation at a join step.
type JoinConfig struct {
	Strategy        JoinStrategy  `json:"strategy" yaml:"strategy"`
	QuorumCount     int           `json:"quorum_count,omitempty" yaml:"quorum_count,omitempty"`
	MergeArtifacts  bool          `json:"merge_artifacts" yaml:"merge_artifacts"`
	MergeConcerns   bool          `json:"merge_concerns" yaml:"merge_concerns"`
	AggregateStatus AggregateMode `json:"aggregate_status" yaml:"aggregate_status"`
}

// TeachingNotes carry the prompt-template hints attached to a step.
type TeachingNotes struct {
	Inputs      []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Emphasizes  []string `json:"emphasizes,omitempty" yaml:"emphasizes,omitempty"`
	Constraints []string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// EngineProfile overrides engine behavior for a single step.
type EngineProfile struct {
	Engine    string `json:"engine,omitempty" yaml:"engine,omitempty"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTurns  int    `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// StepDefinition describes one step of a flow. Immutable after registry load.
type StepDefinition struct {
	ID            StepID         `json:"id" yaml:"id"`
	Index         int            `json:"index" yaml:"index"`
	Agents        []AgentKey     `json:"agents" yaml:"agents"`
	Role          string         `json:"role" yaml:"role"`
	TeachingNotes *TeachingNotes `json:"teaching_notes,omitempty" yaml:"teaching_notes,omitempty"`
	Routing       *StepRouting   `json:"routing,omitempty" yaml:"routing,omitempty"`
	EngineProfile *EngineProfile `json:"engine_profile,omitempty" yaml:"engine_profile,omitempty"`

	// Verification hooks applied by the orchestrator after finalize.
	RequiredArtifacts []string       `json:"required_artifacts,omitempty" yaml:"required_artifacts,omitempty"`
	GateStatusOnFail  EnvelopeStatus `json:"gate_status_on_fail,omitempty" yaml:"gate_status_on_fail,omitempty"`
}

// PrimaryAgent returns the first agent assigned to the step, or "".
func (s *StepDefinition) PrimaryAgent() AgentKey {
	if len(s.Agents) == 0 {
		return ""
	}
	return s.Agents[0]
}

// FlowDefinition describes one flow. Immutable after registry load.
type FlowDefinition struct {
	Key          FlowKey          `json:"key" yaml:"key"`
	Index        int              `json:"index" yaml:"index"`
	Title        string           `json:"title" yaml:"title"`
	ShortTitle   string           `json:"short_title" yaml:"short_title"`
	Description  string           `json:"description" yaml:"description"`
	Steps        []StepDefinition `json:"steps" yaml:"steps"`
	CrossCutting []AgentKey       `json:"cross_cutting,omitempty" yaml:"cross_cutting,omitempty"`
	IsSDLC       bool             `json:"is_sdlc" yaml:"is_sdlc"`
}

// Step returns the step with the given id, or nil.
func (f *FlowDefinition) Step(id StepID) *StepDefinition {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}

// ============================================================================
// Run specification and summary
// ============================================================================

// RunSpec is the immutable specification of a run.
type RunSpec struct {
	FlowKeys       []FlowKey      `json:"flow_keys"`
	ProfileID      string         `json:"profile_id,omitempty"`
	Backend        BackendID      `json:"backend"`
	Initiator      string         `json:"initiator"`
	Params         map[string]any `json:"params,omitempty"`
	NoHumanMidFlow bool           `json:"no_human_mid_flow"`
}

// RunStatus is the coarse lifecycle status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// SDLCStatus reports overall SDLC health derived from step envelopes.
type SDLCStatus string

const (
	SDLCUnknown SDLCStatus = "unknown"
	SDLCOK      SDLCStatus = "ok"
	SDLCError   SDLCStatus = "error"
)

// RunSummary is persisted to meta.json and updated as the run progresses.
type RunSummary struct {
	ID          RunID      `json:"id"`
	Spec        RunSpec    `json:"spec"`
	Status      RunStatus  `json:"status"`
	SDLCStatus  SDLCStatus `json:"sdlc_status"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
	StartedAt   string     `json:"started_at,omitempty"`
	CompletedAt string     `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RunState is the per-flow scratchpad the orchestrator persists between steps.
type RunState struct {
	RunID   RunID     `json:"run_id"`
	FlowKey FlowKey   `json:"flow_key"`
	Status  RunStatus `json:"status"`

	Timestamp string `json:"timestamp"`

	// LoopState counts microloop iterations, keyed "step:target".
	LoopState map[string]int `json:"loop_state,omitempty"`

	// History records step outputs in execution order.
	History []HistoryEntry `json:"history,omitempty"`

	// Interruptions is the stack of steps preempted by utility-flow
	// injection, most recent last.
	Interruptions []StepID `json:"interruptions,omitempty"`
}

// LoopKey builds the loop-state key for a (step, target) pair.
func LoopKey(step StepID, target StepID) string {
	return step + ":" + target
}

// HistoryEntry is one completed step's contribution to the prompt history.
type HistoryEntry struct {
	StepID   StepID         `json:"step_id"`
	AgentKey AgentKey       `json:"agent_key,omitempty"`
	Status   EnvelopeStatus `json:"status"`
	Summary  string         `json:"summary"`
	Output   string         `json:"output,omitempty"`
	Priority Priority       `json:"priority"`
	Ts       string         `json:"ts"`
}

// Priority classes for history budgeting. Higher is admitted first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityMedium   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// ============================================================================
// Handoff envelope and routing signal
// ============================================================================

// EnvelopeStatus is the verification status a step reports in its envelope.
type EnvelopeStatus string

const (
	StatusVerified   EnvelopeStatus = "VERIFIED"
	StatusUnverified EnvelopeStatus = "UNVERIFIED"
	StatusPartial    EnvelopeStatus = "PARTIAL"
	StatusBlocked    EnvelopeStatus = "BLOCKED"
)

// StatusRank places envelope statuses on the total order used by join
// aggregation: BLOCKED < UNVERIFIED < PARTIAL < VERIFIED.
func StatusRank(s EnvelopeStatus) int {
	switch s {
	case StatusBlocked:
		return 0
	case StatusUnverified:
		return 1
	case StatusPartial:
		return 2
	case StatusVerified:
		return 3
	default:
		return -1
	}
}

// Envelope source markers.
const (
	EnvelopeSourceLifecycle    = "lifecycle"
	EnvelopeSourceOrchFallback = "orchestrator_fallback"
	EnvelopeSourceMinimal      = "minimal_envelope"
)

// HandoffEnvelope is the durable per-step handoff record, committed once
// at <flow>/handoff/<step_id>.json.
type HandoffEnvelope struct {
	StepID  StepID  `json:"step_id"`
	FlowKey FlowKey `json:"flow_key"`
	RunID   RunID   `json:"run_id"`

	Status  EnvelopeStatus `json:"status"`
	Summary string         `json:"summary"`

	// Artifacts maps artifact name to a path relative to the run base.
	Artifacts map[string]string `json:"artifacts,omitempty"`

	FileChanges *FileChanges `json:"file_changes,omitempty"`
	TestSummary *TestSummary `json:"test_summary,omitempty"`

	// CanFurtherIterationHelp, when set on a microloop step's envelope,
	// lets the agent short-circuit further iterations.
	CanFurtherIterationHelp *bool `json:"can_further_iteration_help,omitempty"`

	RoutingSignal *RoutingSignal `json:"routing_signal,omitempty"`

	DurationMs int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp,omitempty"`
	Error      string `json:"error,omitempty"`

	EnvelopeSource string `json:"_envelope_source,omitempty"`
}

// RoutingCandidate is one routing option considered during a decision.
type RoutingCandidate struct {
	ID         string   `json:"id"`
	Action     Decision `json:"action"`
	TargetNode StepID   `json:"target_node,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Priority   int      `json:"priority"`
	Source     string   `json:"source"`
	IsDefault  bool     `json:"is_default"`
}

// RoutingSignal is the decision record telling the orchestrator what to
// do after a step completes.
type RoutingSignal struct {
	Decision   Decision `json:"decision"`
	NextStepID StepID   `json:"next_step_id,omitempty"`
	Route      string   `json:"route,omitempty"`

	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	NeedsHuman bool    `json:"needs_human"`

	RoutingSource     string             `json:"routing_source,omitempty"`
	ChosenCandidateID string             `json:"chosen_candidate_id,omitempty"`
	RoutingCandidates []RoutingCandidate `json:"routing_candidates,omitempty"`
}

// ============================================================================
// File changes
// ============================================================================

// FileDiff is one changed file from a forensic scan.
type FileDiff struct {
	Path       string `json:"path"`
	Status     string `json:"status"` // A, M, D, R, ...
	Insertions int    `json:"insertions"`
	Deletions  int    `json:"deletions"`
	OldPath    string `json:"old_path,omitempty"`
}

// FileChanges is the result of a forensic diff scan between step boundaries.
type FileChanges struct {
	Files           []FileDiff `json:"files,omitempty"`
	TotalInsertions int        `json:"total_insertions"`
	TotalDeletions  int        `json:"total_deletions"`
	Untracked       []string   `json:"untracked,omitempty"`
	Staged          []string   `json:"staged,omitempty"`
	ScanError       string     `json:"scan_error,omitempty"`
}

// Empty reports whether the scan found no activity at all.
func (fc *FileChanges) Empty() bool {
	return fc == nil || (len(fc.Files) == 0 && len(fc.Untracked) == 0 && len(fc.Staged) == 0)
}

// ============================================================================
// Test summary
// ============================================================================

// TestFailure is one failed test extracted from runner output.
type TestFailure struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// TestSummary is the uniform representation of test-runner output.
type TestSummary struct {
	Total      int   `json:"total"`
	Passed     int   `json:"passed"`
	Failed     int   `json:"failed"`
	Errors     int   `json:"errors"`
	Skipped    int   `json:"skipped"`
	DurationMs int64 `json:"duration_ms"`

	// ErrorSignatures are stable 16-char hash prefixes of normalized
	// (test name, message) pairs, used for stall detection.
	ErrorSignatures []string `json:"error_signatures,omitempty"`

	CoveragePercent *float64      `json:"coverage_percent,omitempty"`
	SourceFormat    string        `json:"source_format"` // pytest, junit, jest, playwright
	Failures        []TestFailure `json:"failures,omitempty"`
	RawOutputPath   string        `json:"raw_output_path,omitempty"`
}

// ============================================================================
// Step execution results
// ============================================================================

// StepStatus is the engine-level outcome of a step invocation.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the structured outcome an engine returns for a step.
type StepResult struct {
	StepID     StepID            `json:"step_id"`
	Status     StepStatus        `json:"status"`
	Output     string            `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
}

// FinalizationResult is the outcome of the finalize phase.
type FinalizationResult struct {
	Envelope    *HandoffEnvelope `json:"envelope"`
	HandoffData map[string]any   `json:"handoff_data,omitempty"`
	Events      []RunEvent       `json:"events,omitempty"`
}

// ============================================================================
// Receipts
// ============================================================================

// TokenCounts records prompt/completion token usage for one step.
type TokenCounts struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// ContextTruncation records how history budgeting trimmed the prompt.
type ContextTruncation struct {
	Truncated        bool             `json:"truncated"`
	IncludedItems    int              `json:"included_items"`
	DroppedItems     int              `json:"dropped_items"`
	BudgetChars      int              `json:"budget_chars"`
	UsedChars        int              `json:"used_chars"`
	PriorityIncluded map[Priority]int `json:"priority_included,omitempty"`
}

// StepReceipt is the per-(step, agent) audit record describing how the
// LLM call was made and what it cost. Exactly one per engine invocation.
type StepReceipt struct {
	Engine        string `json:"engine"`
	Mode          string `json:"mode"`           // stub | sdk | cli
	ExecutionMode string `json:"execution_mode"` // legacy | session
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`

	RunID    RunID    `json:"run_id"`
	FlowKey  FlowKey  `json:"flow_key"`
	StepID   StepID   `json:"step_id"`
	AgentKey AgentKey `json:"agent_key"`

	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
	DurationMs  int64  `json:"duration_ms"`

	Status StepStatus  `json:"status"`
	Tokens TokenCounts `json:"tokens"`

	TranscriptPath      string             `json:"transcript_path,omitempty"`
	HandoffEnvelopePath string             `json:"handoff_envelope_path,omitempty"`
	RoutingSignal       *RoutingSignal     `json:"routing_signal,omitempty"`
	ContextTruncation   *ContextTruncation `json:"context_truncation,omitempty"`

	// Fallback markers, set when the effective mode differs from the
	// requested one (e.g. sdk requested, stub used).
	RequestedMode  string `json:"requested_mode,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// ============================================================================
// Timestamps
// ============================================================================

// Timestamp formats t as UTC ISO-8601 with a trailing Z, the on-disk
// format for every swarm record.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Now returns the current time in the canonical timestamp format.
func Now() string {
	return Timestamp(time.Now())
}

// ValidateStepID rejects step ids containing '-', which would break
// transcript filename parsing.
func ValidateStepID(id StepID) error {
	if id == "" {
		return fmt.Errorf("step id is empty")
	}
	for _, r := range id {
		if r == '-' {
			return fmt.Errorf("step id %q contains '-': use '_' separators", id)
		}
	}
	return nil
}
