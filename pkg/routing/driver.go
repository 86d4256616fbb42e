// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package routing decides what happens after a step completes. The
// deterministic driver covers steps whose routing config is complete;
// the fallback driver adds a router-LLM session for ambiguous handoffs
// and owns loop-state mutation and stall detection.
package routing

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/handoff"
	"github.com/teradata-labs/swarm/pkg/llm"
	"github.com/teradata-labs/swarm/pkg/types"
)

// Routing-source markers recorded on emitted signals.
const (
	SourceDeterministic = "deterministic"
	SourceRouterLLM     = "router_llm"
	SourceStall         = "stall_detection"
)

// Config configures a fallback routing driver.
type Config struct {
	// Provider, when set, enables the router-LLM fallback for handoffs
	// the deterministic driver cannot resolve.
	Provider llm.Provider

	// StallWindow is the number of consecutive iterations with identical
	// error signatures that counts as a stall.
	StallWindow int

	Logger *zap.Logger
}

// Driver is the fallback routing driver the orchestrator invokes when a
// step's engine did not produce a routing signal.
type Driver struct {
	provider llm.Provider
	stall    *StallDetector
	logger   *zap.Logger
}

// NewDriver creates a fallback driver. Provider may be nil, in which
// case ambiguous handoffs resolve to terminate with needs_human.
func NewDriver(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.StallWindow
	if window <= 0 {
		window = DefaultStallWindow
	}
	return &Driver{
		provider: cfg.Provider,
		stall:    NewStallDetector(window),
		logger:   logger,
	}
}

// RouteFromRoutingConfig computes a routing signal purely from the
// step's routing configuration and the committed envelope. Returns nil
// when the configuration cannot decide (ambiguous branch, fork/join, or
// missing config with a non-terminal shape).
func RouteFromRoutingConfig(step *types.StepDefinition, env *types.HandoffEnvelope, iteration int) *types.RoutingSignal {
	r := step.Routing
	if r == nil {
		return signal(types.DecisionTerminate, "", "no routing config, flow ends", 1.0, false)
	}

	switch r.Kind {
	case types.RoutingTerminal:
		return signal(types.DecisionTerminate, "", "terminal step", 1.0, false)

	case types.RoutingLinear, types.RoutingJoin:
		if r.Next == "" {
			return signal(types.DecisionTerminate, "", "linear step with no next, flow ends", 1.0, false)
		}
		return signal(types.DecisionAdvance, r.Next, "linear advance", 1.0, false)

	case types.RoutingMicroloop:
		return routeMicroloop(r, env, iteration)

	case types.RoutingBranch:
		return routeBranch(r, env)

	default:
		// fork and join are orchestrator territory
		return nil
	}
}

func routeMicroloop(r *types.StepRouting, env *types.HandoffEnvelope, iteration int) *types.RoutingSignal {
	value := loopConditionValue(r, env)
	success := r.LoopSuccessValues
	if len(success) == 0 {
		success = []string{string(types.StatusVerified)}
	}
	for _, v := range success {
		if strings.EqualFold(value, v) {
			return signal(types.DecisionAdvance, r.Next,
				fmt.Sprintf("loop condition satisfied (%s)", value), 1.0, false)
		}
	}

	if r.MaxIterations > 0 && iteration >= r.MaxIterations {
		s := signal(types.DecisionAdvance, r.Next,
			fmt.Sprintf("max iterations reached (%d)", r.MaxIterations), 0.7, true)
		return s
	}

	if env != nil && env.CanFurtherIterationHelp != nil && !*env.CanFurtherIterationHelp {
		return signal(types.DecisionAdvance, r.Next,
			"agent reports further iteration cannot help", 0.8, true)
	}

	return signal(types.DecisionLoop, r.LoopTarget,
		fmt.Sprintf("loop condition not met (%s)", value), 1.0, false)
}

func loopConditionValue(r *types.StepRouting, env *types.HandoffEnvelope) string {
	if env == nil {
		return ""
	}
	field := r.LoopConditionField
	if field == "" || field == "status" {
		return string(env.Status)
	}
	// non-status condition fields are looked up in the artifacts map
	if v, ok := env.Artifacts[field]; ok {
		return v
	}
	return string(env.Status)
}

func routeBranch(r *types.StepRouting, env *types.HandoffEnvelope) *types.RoutingSignal {
	if env != nil {
		status := string(env.Status)
		if target, ok := r.Branches[status]; ok {
			s := signal(types.DecisionBranch, target, "branch match on status", 1.0, false)
			s.Route = status
			return s
		}
		for label, target := range r.Branches {
			if strings.EqualFold(label, status) {
				s := signal(types.DecisionBranch, target, "branch match on status (case-insensitive)", 0.9, false)
				s.Route = label
				return s
			}
		}
	}
	if r.Next != "" {
		return signal(types.DecisionAdvance, r.Next, "no branch matched, default next", 0.8, false)
	}
	// ambiguous: no match and no default
	return nil
}

// RouteStep resolves routing for a completed step: deterministic first,
// router LLM if ambiguous, with stall detection guarding loop decisions.
// It mutates state.LoopState on loop decisions and persists the signal
// into the committed envelope.
func (d *Driver) RouteStep(ctx context.Context, flowDir string, step *types.StepDefinition, env *types.HandoffEnvelope, state *types.RunState) (*types.RoutingSignal, error) {
	iteration := 0
	loopKey := ""
	if step.Routing != nil && step.Routing.Kind == types.RoutingMicroloop {
		loopKey = types.LoopKey(step.ID, step.Routing.LoopTarget)
		iteration = state.LoopState[loopKey]
	}

	sig := RouteFromRoutingConfig(step, env, iteration)
	if sig != nil {
		sig.RoutingSource = SourceDeterministic
	} else {
		var err error
		sig, err = d.routeViaLLM(ctx, step, env)
		if err != nil {
			d.logger.Warn("router llm failed, terminating flow",
				zap.String("step", step.ID), zap.Error(err))
			sig = signal(types.DecisionTerminate, "", "routing unresolved: "+err.Error(), 0.0, true)
			sig.RoutingSource = SourceRouterLLM
		}
	}
	sig.RoutingCandidates = Candidates(step)

	if sig.Decision == types.DecisionLoop && loopKey != "" {
		delta := d.stall.Observe(loopKey, env)
		if delta.Stalled {
			d.logger.Warn("stall detected, promoting loop to terminate",
				zap.String("loop_key", loopKey),
				zap.Strings("signatures", delta.Signatures))
			sig = signal(types.DecisionTerminate, "", "stall_detected", 0.9, true)
			sig.RoutingSource = SourceStall
			sig.RoutingCandidates = append(Candidates(step), types.RoutingCandidate{
				ID:        "utility_flow",
				Action:    types.DecisionBranch,
				Reason:    "inject utility flow to break the stall",
				Priority:  1,
				Source:    SourceStall,
				IsDefault: false,
			})
		} else {
			if state.LoopState == nil {
				state.LoopState = map[string]int{}
			}
			state.LoopState[loopKey]++
		}
	}

	if err := handoff.UpdateEnvelopeRouting(flowDir, step.ID, sig); err != nil {
		d.logger.Warn("failed to persist routing signal",
			zap.String("step", step.ID), zap.Error(err))
	}
	return sig, nil
}

// Candidates enumerates the routing options a step's config admits,
// recorded on every signal for audit.
func Candidates(step *types.StepDefinition) []types.RoutingCandidate {
	r := step.Routing
	if r == nil {
		return []types.RoutingCandidate{{
			ID: "terminate", Action: types.DecisionTerminate,
			Reason: "no routing config", Source: SourceDeterministic, IsDefault: true,
		}}
	}

	var cands []types.RoutingCandidate
	switch r.Kind {
	case types.RoutingTerminal:
		cands = append(cands, types.RoutingCandidate{
			ID: "terminate", Action: types.DecisionTerminate,
			Reason: "terminal step", Source: SourceDeterministic, IsDefault: true,
		})
	case types.RoutingLinear, types.RoutingJoin:
		cands = append(cands, types.RoutingCandidate{
			ID: "advance", Action: types.DecisionAdvance, TargetNode: r.Next,
			Reason: "linear next", Source: SourceDeterministic, IsDefault: true,
		})
	case types.RoutingMicroloop:
		cands = append(cands,
			types.RoutingCandidate{
				ID: "advance", Action: types.DecisionAdvance, TargetNode: r.Next,
				Reason: "loop condition satisfied", Priority: 1, Source: SourceDeterministic,
			},
			types.RoutingCandidate{
				ID: "loop", Action: types.DecisionLoop, TargetNode: r.LoopTarget,
				Reason: "loop condition not met", Source: SourceDeterministic, IsDefault: true,
			})
	case types.RoutingBranch:
		for label, target := range r.Branches {
			cands = append(cands, types.RoutingCandidate{
				ID: "branch:" + label, Action: types.DecisionBranch, TargetNode: target,
				Reason: "status " + label, Source: SourceDeterministic,
			})
		}
		if r.Next != "" {
			cands = append(cands, types.RoutingCandidate{
				ID: "advance", Action: types.DecisionAdvance, TargetNode: r.Next,
				Reason: "default next", Source: SourceDeterministic, IsDefault: true,
			})
		}
	}
	return cands
}

func signal(d types.Decision, next types.StepID, reason string, confidence float64, needsHuman bool) *types.RoutingSignal {
	return &types.RoutingSignal{
		Decision:   d,
		NextStepID: next,
		Reason:     reason,
		Confidence: confidence,
		NeedsHuman: needsHuman,
	}
}
