// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package orchestrator owns the execution of one flow within a run: it
// walks steps, enforces the envelope invariant, applies envelope-first
// routing, maintains loop counters and history, and appends the run's
// events. There is exactly one orchestrator per run.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/engine"
	"github.com/teradata-labs/swarm/pkg/flows"
	"github.com/teradata-labs/swarm/pkg/handoff"
	"github.com/teradata-labs/swarm/pkg/routing"
	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

// DefaultMaxSteps caps step executions per flow as a last line of
// defense against routing cycles the microloop caps miss.
const DefaultMaxSteps = 100

// Config configures an orchestrator.
type Config struct {
	Store    *runstore.Store
	Registry *flows.Registry
	Engine   engine.Engine
	Router   *routing.Driver

	// WorkDir is the working tree steps operate on; empty disables
	// diff scanning and artifact verification against the tree.
	WorkDir string

	// MaxWorkers bounds fork/join parallelism.
	MaxWorkers int

	// MaxSteps caps step executions per flow.
	MaxSteps int

	// CompleteRun controls whether RunFlow emits the final
	// run_completed event. The autopilot turns this off and emits its
	// own once all flows are done.
	CompleteRun bool

	Logger *zap.Logger
}

// FlowResult summarizes one flow execution.
type FlowResult struct {
	FlowKey       types.FlowKey   `json:"flow_key"`
	Status        types.RunStatus `json:"status"`
	StepsExecuted int             `json:"steps_executed"`
	FinalStep     types.StepID    `json:"final_step,omitempty"`
	NeedsHuman    bool            `json:"needs_human"`
	Error         string          `json:"error,omitempty"`
}

// Orchestrator drives flows step by step.
type Orchestrator struct {
	cfg      Config
	logger   *zap.Logger
	canceled atomic.Bool
}

// New validates the configuration and creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("orchestrator requires store, registry, and engine")
	}
	if cfg.Router == nil {
		cfg.Router = routing.NewDriver(routing.Config{Logger: cfg.Logger})
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger}, nil
}

// Cancel requests cooperative cancellation; the orchestrator stops at
// the next step boundary.
func (o *Orchestrator) Cancel() { o.canceled.Store(true) }

// RunFlow executes one flow of a run from startStep (or the first step
// when empty) until a terminate decision or the end of the flow.
func (o *Orchestrator) RunFlow(ctx context.Context, runID types.RunID, flowKey types.FlowKey, startStep types.StepID) (*FlowResult, error) {
	flow := o.cfg.Registry.GetFlow(flowKey)
	if flow == nil {
		return nil, fmt.Errorf("unknown flow %q", flowKey)
	}
	if len(flow.Steps) == 0 {
		return &FlowResult{FlowKey: flowKey, Status: types.RunSucceeded}, nil
	}

	flowDir := o.cfg.Store.FlowDir(runID, flowKey)
	if err := os.MkdirAll(flowDir, 0o755); err != nil {
		return nil, fmt.Errorf("create flow dir: %w", err)
	}

	journal, err := runstore.OpenJournal(o.cfg.Store.RunDir(runID), runID, o.logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	state, err := o.cfg.Store.ReadState(runID, flowKey)
	if err != nil {
		return nil, fmt.Errorf("read run state: %w", err)
	}
	state.Status = types.RunRunning

	current := flow.Step(startStep)
	if current == nil {
		current = &flow.Steps[0]
	}

	result := &FlowResult{FlowKey: flowKey, Status: types.RunRunning}
	for result.StepsExecuted < o.cfg.MaxSteps {
		if o.canceled.Load() || ctx.Err() != nil {
			result.Status = types.RunCanceled
			state.Status = types.RunCanceled
			journal.Emit(types.EventRunCanceled, flowKey, current.ID, "", nil)
			break
		}

		next, stepErr := o.executeStep(ctx, journal, flowDir, flow, current, &state, result)
		result.StepsExecuted++
		result.FinalStep = current.ID
		o.persistState(&state)

		if stepErr != nil {
			result.Status = types.RunFailed
			result.Error = stepErr.Error()
			state.Status = types.RunFailed
			break
		}
		if next == nil {
			if result.Error != "" {
				result.Status = types.RunFailed
				state.Status = types.RunFailed
			} else {
				result.Status = types.RunSucceeded
				state.Status = types.RunSucceeded
			}
			break
		}
		current = next
	}

	if result.Status == types.RunRunning {
		result.Status = types.RunFailed
		result.Error = fmt.Sprintf("flow exceeded %d step executions", o.cfg.MaxSteps)
		state.Status = types.RunFailed
	}
	o.persistState(&state)

	if o.cfg.CompleteRun {
		journal.Emit(types.EventRunCompleted, flowKey, "", "", map[string]any{
			"status": string(result.Status),
		})
		o.updateSummary(runID, result)
	}
	return result, nil
}

// executeStep runs one step end to end and returns the next step, or
// nil when the flow is done.
func (o *Orchestrator) executeStep(ctx context.Context, journal *runstore.Journal, flowDir string, flow *types.FlowDefinition, step *types.StepDefinition, state *types.RunState, flowResult *FlowResult) (*types.StepDefinition, error) {
	agent := step.PrimaryAgent()
	journal.Emit(types.EventStepStart, flow.Key, step.ID, agent, nil)
	started := time.Now()

	iteration := 0
	if step.Routing != nil && step.Routing.Kind == types.RoutingMicroloop {
		iteration = state.LoopState[types.LoopKey(step.ID, step.Routing.LoopTarget)]
	}

	sc := engine.NewStepContext(engine.StepTxnInput{
		RunID:         state.RunID,
		FlowKey:       flow.Key,
		FlowDir:       flowDir,
		WorkDir:       o.cfg.WorkDir,
		Flow:          flow,
		Step:          step,
		Agent:         agent,
		History:       state.History,
		LoopIteration: iteration,
	})

	result, events, runErr := o.cfg.Engine.RunStep(ctx, sc)
	for _, ev := range events {
		if _, err := journal.Append(ev); err != nil {
			o.logger.Warn("event append failed", zap.String("step", step.ID), zap.Error(err))
		}
	}

	env := o.ensureEnvelope(flowDir, flow.Key, state.RunID, step, result, runErr, time.Since(started))
	o.verifyStep(flowDir, step, env)

	if !env.FileChanges.Empty() {
		journal.Emit(types.EventFileChanges, flow.Key, step.ID, agent, map[string]any{
			"files":      len(env.FileChanges.Files),
			"insertions": env.FileChanges.TotalInsertions,
			"deletions":  env.FileChanges.TotalDeletions,
		})
	}

	// fork steps skip signal resolution: the fork config itself decides
	// what happens next
	if step.Routing != nil && step.Routing.Kind == types.RoutingFork {
		state.History = append(state.History, types.HistoryEntry{
			StepID:   step.ID,
			AgentKey: agent,
			Status:   env.Status,
			Summary:  env.Summary,
			Priority: priorityFor(env.Status),
			Ts:       types.Now(),
		})
		journal.Emit(types.EventStepEnd, flow.Key, step.ID, agent, map[string]any{
			"status": string(env.Status),
		})
		return o.runFork(ctx, journal, flowDir, flow, step, state, flowResult)
	}

	// envelope-first routing: the committed envelope's signal wins;
	// the fallback driver decides (and persists) otherwise
	sig := env.RoutingSignal
	fromDriver := false
	if sig == nil {
		var err error
		sig, err = o.cfg.Router.RouteStep(ctx, flowDir, step, env, state)
		if err != nil {
			return nil, fmt.Errorf("routing for step %s: %w", step.ID, err)
		}
		fromDriver = true
	}
	if sig.NeedsHuman {
		flowResult.NeedsHuman = true
	}

	state.History = append(state.History, types.HistoryEntry{
		StepID:   step.ID,
		AgentKey: agent,
		Status:   env.Status,
		Summary:  env.Summary,
		Output:   stepOutput(result),
		Priority: priorityFor(env.Status),
		Ts:       types.Now(),
	})

	if runErr != nil || (result != nil && result.Status == types.StepFailed) {
		// a later successful step clears this; only the flow's final
		// step determines overall failure
		flowResult.Error = stepError(result, runErr)
		journal.Emit(types.EventStepError, flow.Key, step.ID, agent, map[string]any{
			"error":  flowResult.Error,
			"status": string(env.Status),
		})
	} else {
		flowResult.Error = ""
		journal.Emit(types.EventStepEnd, flow.Key, step.ID, agent, map[string]any{
			"status":   string(env.Status),
			"decision": string(sig.Decision),
		})
	}

	return o.applyDecision(flow, step, sig, state, fromDriver)
}

// applyDecision maps a routing signal to the next step.
func (o *Orchestrator) applyDecision(flow *types.FlowDefinition, step *types.StepDefinition, sig *types.RoutingSignal, state *types.RunState, fromDriver bool) (*types.StepDefinition, error) {
	r := step.Routing

	switch sig.Decision {
	case types.DecisionTerminate:
		return nil, nil

	case types.DecisionAdvance:
		target := sig.NextStepID
		if target == "" && r != nil {
			target = r.Next
		}
		if target == "" {
			return nil, nil
		}
		next := flow.Step(target)
		if next == nil {
			return nil, fmt.Errorf("routing advance to unknown step %q", target)
		}
		return next, nil

	case types.DecisionLoop:
		target := sig.NextStepID
		if target == "" && r != nil {
			target = r.LoopTarget
		}
		next := flow.Step(target)
		if next == nil {
			return nil, fmt.Errorf("routing loop to unknown step %q", target)
		}
		// the fallback driver already counted this loop
		if !fromDriver {
			if state.LoopState == nil {
				state.LoopState = map[string]int{}
			}
			state.LoopState[types.LoopKey(step.ID, target)]++
		}
		return next, nil

	case types.DecisionBranch:
		target := sig.NextStepID
		if target == "" && r != nil {
			if t, ok := r.Branches[sig.Route]; ok {
				target = t
			} else {
				for label, t := range r.Branches {
					if strings.EqualFold(label, sig.Route) {
						target = t
						break
					}
				}
			}
			if target == "" {
				target = r.Next
			}
		}
		if target == "" {
			return nil, fmt.Errorf("branch routing unresolved for step %s (route %q)", step.ID, sig.Route)
		}
		next := flow.Step(target)
		if next == nil {
			return nil, fmt.Errorf("routing branch to unknown step %q", target)
		}
		return next, nil

	default:
		return nil, fmt.Errorf("unknown routing decision %q", sig.Decision)
	}
}

// ensureEnvelope enforces the envelope invariant: every executed step
// leaves a committed envelope behind, engine-written or fallback. An
// engine-written envelope is never overwritten.
func (o *Orchestrator) ensureEnvelope(flowDir string, flowKey types.FlowKey, runID types.RunID, step *types.StepDefinition, result *types.StepResult, runErr error, elapsed time.Duration) *types.HandoffEnvelope {
	if env, err := handoff.ReadEnvelope(flowDir, step.ID); err == nil {
		return env
	}

	env := &types.HandoffEnvelope{
		StepID:         step.ID,
		FlowKey:        flowKey,
		RunID:          runID,
		Status:         types.StatusUnverified,
		Summary:        fallbackSummary(result, runErr),
		DurationMs:     elapsed.Milliseconds(),
		EnvelopeSource: types.EnvelopeSourceOrchFallback,
	}
	if runErr != nil && strings.Contains(runErr.Error(), context.DeadlineExceeded.Error()) {
		env.Error = "timeout"
	} else if runErr != nil {
		env.Error = runErr.Error()
	} else if result != nil && result.Error != "" {
		env.Error = result.Error
	}

	if _, err := handoff.WriteEnvelope(flowDir, env, handoff.WriteOptions{Logger: o.logger}); err != nil {
		o.logger.Error("fallback envelope write failed",
			zap.String("step", step.ID), zap.Error(err))
	}
	return env
}

// verifyStep checks required artifacts and demotes the envelope status
// when they are missing.
func (o *Orchestrator) verifyStep(flowDir string, step *types.StepDefinition, env *types.HandoffEnvelope) {
	if len(step.RequiredArtifacts) == 0 {
		return
	}
	root := o.cfg.WorkDir
	if root == "" {
		root = flowDir
	}

	var missing []string
	for _, rel := range step.RequiredArtifacts {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			missing = append(missing, rel)
		}
	}
	if len(missing) == 0 {
		return
	}

	gate := step.GateStatusOnFail
	if gate == "" {
		gate = types.StatusUnverified
	}
	o.logger.Warn("required artifacts missing, gating envelope status",
		zap.String("step", step.ID),
		zap.Strings("missing", missing),
		zap.String("gate", string(gate)))

	env.Status = gate
	if env.Error == "" {
		env.Error = fmt.Sprintf("missing required artifacts: %s", strings.Join(missing, ", "))
	}
	if _, err := handoff.WriteEnvelope(flowDir, env, handoff.WriteOptions{Logger: o.logger}); err != nil {
		o.logger.Warn("gated envelope rewrite failed", zap.String("step", step.ID), zap.Error(err))
	}
}

func (o *Orchestrator) persistState(state *types.RunState) {
	state.Timestamp = types.Now()
	if err := o.cfg.Store.WriteState(*state); err != nil {
		o.logger.Warn("state persist failed", zap.String("run", state.RunID), zap.Error(err))
	}
}

func (o *Orchestrator) updateSummary(runID types.RunID, result *FlowResult) {
	sum, err := o.cfg.Store.ReadSummary(runID)
	if err != nil {
		o.logger.Warn("summary read failed", zap.String("run", runID), zap.Error(err))
		return
	}
	sum.Status = result.Status
	sum.CompletedAt = types.Now()
	if result.Status == types.RunSucceeded {
		sum.SDLCStatus = types.SDLCOK
	} else {
		sum.SDLCStatus = types.SDLCError
		sum.Error = result.Error
	}
	if err := o.cfg.Store.WriteSummary(sum); err != nil {
		o.logger.Warn("summary write failed", zap.String("run", runID), zap.Error(err))
	}
}

func fallbackSummary(result *types.StepResult, runErr error) string {
	if result != nil && result.Output != "" {
		s := result.Output
		if len(s) > 2000 {
			s = s[:2000]
		}
		return s
	}
	if runErr != nil {
		return "step failed before producing a handoff: " + runErr.Error()
	}
	return "step produced no handoff envelope"
}

func stepOutput(result *types.StepResult) string {
	if result == nil {
		return ""
	}
	return result.Output
}

func stepError(result *types.StepResult, runErr error) string {
	if runErr != nil {
		return runErr.Error()
	}
	if result != nil {
		return result.Error
	}
	return ""
}

func priorityFor(status types.EnvelopeStatus) types.Priority {
	switch status {
	case types.StatusBlocked:
		return types.PriorityCritical
	case types.StatusUnverified, types.StatusPartial:
		return types.PriorityHigh
	default:
		return types.PriorityMedium
	}
}
