// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teradata-labs/swarm/pkg/engine"
	"github.com/teradata-labs/swarm/pkg/handoff"
	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

// DefaultMaxWorkers bounds concurrent fork branches.
const DefaultMaxWorkers = 4

// BranchResult is one fork branch's outcome.
type BranchResult struct {
	StepID   types.StepID           `json:"step_id"`
	Result   *types.StepResult      `json:"result,omitempty"`
	Envelope *types.HandoffEnvelope `json:"envelope,omitempty"`
	Err      error                  `json:"-"`
}

// Status returns the branch's envelope status, or BLOCKED when the
// branch failed without one.
func (b BranchResult) Status() types.EnvelopeStatus {
	if b.Envelope != nil {
		return b.Envelope.Status
	}
	return types.StatusBlocked
}

// ParallelExecutor dispatches fork branches through a bounded worker
// pool with the fork's execution and failure policies.
type ParallelExecutor struct {
	engine     engine.Engine
	maxWorkers int
	logger     *zap.Logger
}

// NewParallelExecutor creates an executor; maxWorkers <= 0 uses the
// default bound.
func NewParallelExecutor(e engine.Engine, maxWorkers int, logger *zap.Logger) *ParallelExecutor {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParallelExecutor{engine: e, maxWorkers: maxWorkers, logger: logger}
}

// Execute runs all branch contexts under the fork config and returns
// one result per branch, in input order.
func (p *ParallelExecutor) Execute(ctx context.Context, cfg *types.ForkConfig, branches []*engine.StepContext) []BranchResult {
	policy := types.ExecutionConcurrent
	failure := types.FailureContinueAll
	batchSize := len(branches)
	if cfg != nil {
		if cfg.ExecutionPolicy != "" {
			policy = cfg.ExecutionPolicy
		}
		if cfg.FailurePolicy != "" {
			failure = cfg.FailurePolicy
		}
		if policy == types.ExecutionBatch && cfg.BatchSize > 0 {
			batchSize = cfg.BatchSize
		}
	}

	results := make([]BranchResult, len(branches))
	for start := 0; start < len(branches); start += batchSize {
		end := start + batchSize
		if end > len(branches) {
			end = len(branches)
		}
		if stop := p.runBatch(ctx, failure, branches[start:end], results[start:end]); stop {
			// fail_fast: mark undispatched branches as skipped
			for i := end; i < len(branches); i++ {
				results[i] = BranchResult{
					StepID: branches[i].Step.ID,
					Err:    fmt.Errorf("branch skipped: fail_fast after earlier failure"),
				}
			}
			break
		}
	}
	return results
}

// runBatch executes one batch concurrently. Returns true when fail_fast
// tripped and later batches must not run.
func (p *ParallelExecutor) runBatch(ctx context.Context, failure types.FailurePolicy, branches []*engine.StepContext, results []BranchResult) bool {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)

	for i, sc := range branches {
		i, sc := i, sc
		g.Go(func() error {
			res, _, err := p.engine.RunStep(gctx, sc)
			env, envErr := handoff.ReadEnvelope(sc.FlowDir, sc.Step.ID)
			if envErr != nil {
				env = nil
			}
			results[i] = BranchResult{StepID: sc.Step.ID, Result: res, Envelope: env, Err: err}
			if err != nil {
				p.logger.Warn("fork branch failed",
					zap.String("step", sc.Step.ID), zap.Error(err))
				if failure == types.FailureFailFast {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait() != nil
}

// AggregateStatus folds branch statuses on the total order
// BLOCKED < UNVERIFIED < PARTIAL < VERIFIED.
func AggregateStatus(statuses []types.EnvelopeStatus, mode types.AggregateMode) types.EnvelopeStatus {
	if len(statuses) == 0 {
		return types.StatusBlocked
	}
	switch mode {
	case types.AggregateBest:
		best := statuses[0]
		for _, s := range statuses[1:] {
			if types.StatusRank(s) > types.StatusRank(best) {
				best = s
			}
		}
		return best
	case types.AggregateStrict:
		for _, s := range statuses {
			if s != types.StatusVerified {
				return types.StatusBlocked
			}
		}
		return types.StatusVerified
	default: // worst
		worst := statuses[0]
		for _, s := range statuses[1:] {
			if types.StatusRank(s) < types.StatusRank(worst) {
				worst = s
			}
		}
		return worst
	}
}

// JoinSatisfied evaluates the join strategy against branch results.
func JoinSatisfied(cfg *types.JoinConfig, results []BranchResult) bool {
	strategy := types.JoinAllComplete
	if cfg != nil && cfg.Strategy != "" {
		strategy = cfg.Strategy
	}

	verified := 0
	completed := 0
	for _, r := range results {
		if r.Err == nil && r.Envelope != nil {
			completed++
		}
		if r.Status() == types.StatusVerified {
			verified++
		}
	}

	switch strategy {
	case types.JoinAllVerified:
		return verified == len(results)
	case types.JoinAnyVerified:
		return verified > 0
	case types.JoinQuorum:
		quorum := 0
		if cfg != nil {
			quorum = cfg.QuorumCount
		}
		if quorum <= 0 {
			quorum = len(results)/2 + 1
		}
		return verified >= quorum
	default: // all_complete
		return completed == len(results)
	}
}

// runFork dispatches a fork step's targets and lands on the matching
// join point.
func (o *Orchestrator) runFork(ctx context.Context, journal *runstore.Journal, flowDir string, flow *types.FlowDefinition, step *types.StepDefinition, state *types.RunState, flowResult *FlowResult) (*types.StepDefinition, error) {
	r := step.Routing
	if len(r.ForkTargets) == 0 {
		return nil, fmt.Errorf("fork step %s has no targets", step.ID)
	}

	var branches []*engine.StepContext
	for _, target := range r.ForkTargets {
		branchStep := flow.Step(target)
		if branchStep == nil {
			return nil, fmt.Errorf("fork target %q not in flow %s", target, flow.Key)
		}
		branches = append(branches, engine.NewStepContext(engine.StepTxnInput{
			RunID:   state.RunID,
			FlowKey: flow.Key,
			FlowDir: flowDir,
			WorkDir: o.cfg.WorkDir,
			Flow:    flow,
			Step:    branchStep,
			Agent:   branchStep.PrimaryAgent(),
			History: state.History,
		}))
	}

	executor := NewParallelExecutor(o.cfg.Engine, o.cfg.MaxWorkers, o.logger)
	results := executor.Execute(ctx, r.Fork, branches)
	flowResult.StepsExecuted += len(results)

	joinStep := findJoinStep(flow, step)
	var joinCfg *types.JoinConfig
	if joinStep != nil && joinStep.Routing != nil {
		joinCfg = joinStep.Routing.Join
	}

	statuses := make([]types.EnvelopeStatus, len(results))
	for i, br := range results {
		statuses[i] = br.Status()
		state.History = append(state.History, types.HistoryEntry{
			StepID:   br.StepID,
			Status:   br.Status(),
			Summary:  branchSummary(br),
			Priority: priorityFor(br.Status()),
			Ts:       types.Now(),
		})
		if br.Err != nil {
			journal.Emit(types.EventStepError, flow.Key, br.StepID, "", map[string]any{"error": br.Err.Error()})
		} else {
			journal.Emit(types.EventStepEnd, flow.Key, br.StepID, "", map[string]any{"status": string(br.Status())})
		}
	}

	mode := types.AggregateWorst
	if joinCfg != nil && joinCfg.AggregateStatus != "" {
		mode = joinCfg.AggregateStatus
	}
	aggregate := AggregateStatus(statuses, mode)
	satisfied := JoinSatisfied(joinCfg, results)

	o.logger.Info("fork complete",
		zap.String("step", step.ID),
		zap.Int("branches", len(results)),
		zap.String("aggregate", string(aggregate)),
		zap.Bool("join_satisfied", satisfied))

	if !satisfied {
		flowResult.NeedsHuman = true
		return nil, fmt.Errorf("join strategy not satisfied after fork %s (aggregate %s)", step.ID, aggregate)
	}
	if joinStep == nil {
		return nil, nil
	}
	return joinStep, nil
}

// findJoinStep locates the first join point after the fork step.
func findJoinStep(flow *types.FlowDefinition, fork *types.StepDefinition) *types.StepDefinition {
	past := false
	for i := range flow.Steps {
		s := &flow.Steps[i]
		if s.ID == fork.ID {
			past = true
			continue
		}
		if !past || s.Routing == nil {
			continue
		}
		if s.Routing.JoinPoint || s.Routing.Kind == types.RoutingJoin {
			return s
		}
	}
	return nil
}

func branchSummary(br BranchResult) string {
	if br.Envelope != nil {
		return br.Envelope.Summary
	}
	if br.Err != nil {
		return br.Err.Error()
	}
	return ""
}
