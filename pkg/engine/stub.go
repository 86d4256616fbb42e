// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/handoff"
	"github.com/teradata-labs/swarm/pkg/llm"
	"github.com/teradata-labs/swarm/pkg/routing"
	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

// StubConfig configures the deterministic stub engine.
type StubConfig struct {
	// DefaultStatus is the envelope status reported for every step
	// unless overridden. Empty means VERIFIED.
	DefaultStatus types.EnvelopeStatus

	// Statuses overrides the envelope status per step id. A slice lets
	// successive visits to the same step report different statuses,
	// which is how microloop convergence is simulated.
	Statuses map[types.StepID][]types.EnvelopeStatus

	// FailSteps lists steps whose work phase fails outright.
	FailSteps map[types.StepID]bool

	// Artifacts seeds the committed envelope's artifact map per step id.
	Artifacts map[types.StepID]map[string]string

	Logger *zap.Logger
}

// StubEngine produces deterministic results without a provider. It
// still leaves a transcript and a receipt per invocation, so everything
// downstream of an engine behaves identically in tests.
type StubEngine struct {
	cfg    StubConfig
	mu     sync.Mutex
	visits map[types.StepID]int
	logger *zap.Logger
}

// NewStubEngine creates a stub engine.
func NewStubEngine(cfg StubConfig) *StubEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultStatus == "" {
		cfg.DefaultStatus = types.StatusVerified
	}
	return &StubEngine{cfg: cfg, visits: map[types.StepID]int{}, logger: logger}
}

func (e *StubEngine) ID() string { return "stub" }

func (e *StubEngine) statusFor(step types.StepID) types.EnvelopeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	visit := e.visits[step]
	e.visits[step] = visit + 1
	if seq, ok := e.cfg.Statuses[step]; ok && len(seq) > 0 {
		if visit >= len(seq) {
			visit = len(seq) - 1
		}
		return seq[visit]
	}
	return e.cfg.DefaultStatus
}

// RunWorker returns a canned result and writes a one-line transcript.
func (e *StubEngine) RunWorker(_ context.Context, sc *StepContext) (*types.StepResult, []types.RunEvent, string, error) {
	start := time.Now()
	sc.Hydrate()

	output := fmt.Sprintf("stub output for step %s (agent %s)", sc.Step.ID, sc.Agent)
	if sc.Session == nil {
		sc.Session = &SessionState{}
	}
	sc.Session.AddUsage(llm.Usage{InputTokens: len(output) / 4, OutputTokens: len(output) / 4, TotalTokens: len(output) / 2})

	tw, err := NewTranscriptWriter(runstore.TranscriptPath(sc.FlowDir, sc.Step.ID, sc.Agent, e.ID()))
	if err == nil {
		tw.WriteResponse(&llm.Response{Content: output, StopReason: "end_turn", Model: "stub"})
		tw.Close()
	}

	if e.cfg.FailSteps[sc.Step.ID] {
		failure := fmt.Errorf("stub failure for step %s", sc.Step.ID)
		return failedResult(sc, start, failure), nil, "", failure
	}

	result := &types.StepResult{
		StepID:     sc.Step.ID,
		Status:     types.StepSucceeded,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
	}
	return result, nil, output, nil
}

// FinalizeStep writes a deterministic envelope for the step.
func (e *StubEngine) FinalizeStep(_ context.Context, sc *StepContext, result *types.StepResult, workSummary string) (*types.FinalizationResult, error) {
	env := &types.HandoffEnvelope{
		StepID:         sc.Step.ID,
		FlowKey:        sc.FlowKey,
		RunID:          sc.RunID,
		Status:         e.statusFor(sc.Step.ID),
		Summary:        workSummary,
		EnvelopeSource: types.EnvelopeSourceLifecycle,
		Artifacts:      e.cfg.Artifacts[sc.Step.ID],
	}
	if result != nil {
		env.DurationMs = result.DurationMs
		if result.Status == types.StepFailed {
			env.Status = types.StatusUnverified
			env.Error = result.Error
		}
	}
	if _, err := handoff.WriteEnvelope(sc.FlowDir, env, handoff.WriteOptions{WriteDraft: true, Logger: e.logger}); err != nil {
		return nil, fmt.Errorf("stub finalize %s: %w", sc.Step.ID, err)
	}
	return &types.FinalizationResult{Envelope: env}, nil
}

// RouteStep decides deterministically; the stub never consults an LLM,
// so ambiguous configs return nil for the orchestrator's fallback.
func (e *StubEngine) RouteStep(_ context.Context, sc *StepContext, env *types.HandoffEnvelope) (*types.RoutingSignal, error) {
	sig := routing.RouteFromRoutingConfig(sc.Step, env, sc.LoopIteration)
	if sig == nil {
		return nil, nil
	}
	sig.RoutingSource = routing.SourceDeterministic
	if err := handoff.UpdateEnvelopeRouting(sc.FlowDir, sc.Step.ID, sig); err != nil {
		e.logger.Warn("routing persist failed", zap.String("step", sc.Step.ID), zap.Error(err))
	}
	return sig, nil
}

// RunStep runs the full phase sequence and writes the receipt.
func (e *StubEngine) RunStep(ctx context.Context, sc *StepContext) (*types.StepResult, []types.RunEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, sc.Timeout())
	defer cancel()

	result, events, summary, workErr := e.RunWorker(ctx, sc)

	var sig *types.RoutingSignal
	var envelopePath string
	fin, err := e.FinalizeStep(ctx, sc, result, summary)
	if err == nil {
		envelopePath = runstore.EnvelopePath(sc.FlowDir, sc.Step.ID)
		sig, _ = e.RouteStep(ctx, sc, fin.Envelope)
	} else {
		e.logger.Warn("stub finalize failed", zap.String("step", sc.Step.ID), zap.Error(err))
	}

	if _, err := writeReceipt(sc, receiptInput{
		engineID:       e.ID(),
		mode:           ModeStub,
		executionMode:  ExecSession,
		result:         result,
		transcriptPath: runstore.TranscriptPath(sc.FlowDir, sc.Step.ID, sc.Agent, e.ID()),
		envelopePath:   envelopePath,
		signal:         sig,
	}); err != nil {
		e.logger.Warn("receipt write failed", zap.String("step", sc.Step.ID), zap.Error(err))
	}

	return result, events, workErr
}
