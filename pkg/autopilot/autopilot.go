// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package autopilot chains flows into an unattended run. The controller
// advances one flow per tick, honors cooperative pause/stop requests at
// flow boundaries, and hands wisdom output to the evolution processor.
package autopilot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/engine"
	"github.com/teradata-labs/swarm/pkg/evolution"
	"github.com/teradata-labs/swarm/pkg/flows"
	"github.com/teradata-labs/swarm/pkg/handoff"
	"github.com/teradata-labs/swarm/pkg/orchestrator"
	"github.com/teradata-labs/swarm/pkg/routing"
	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

// Status is the autopilot lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPausing   Status = "PAUSING"
	StatusPaused    Status = "PAUSED"
	StatusStopping  Status = "STOPPING"
	StatusStopped   Status = "STOPPED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// DefaultWisdomFlow is the flow whose artifacts feed evolution.
const DefaultWisdomFlow types.FlowKey = "wisdom"

// StopReportFilename is written when a run is stopped early.
const StopReportFilename = "stop_report.md"

// Config configures a controller.
type Config struct {
	Store    *runstore.Store
	Registry *flows.Registry
	Engine   engine.Engine
	Router   *routing.Driver

	// WorkDir is the working tree flows (and evolution patches) operate on.
	WorkDir string

	// MaxWorkers bounds fork/join parallelism inside each flow.
	MaxWorkers int

	// EvolutionPolicy gates automatic patch application. Empty means
	// SUGGEST_ONLY.
	EvolutionPolicy evolution.Policy

	// EvolutionBoundary is when patches are processed. Default run_end.
	EvolutionBoundary evolution.Boundary

	// WisdomFlowKey names the flow that emits evolution candidates.
	WisdomFlowKey types.FlowKey

	Logger *zap.Logger
}

// Result aggregates an autopilot run's outcome.
type Result struct {
	RunID          types.RunID               `json:"run_id"`
	Status         Status                    `json:"status"`
	FlowsCompleted int                       `json:"flows_completed"`
	FlowsFailed    int                       `json:"flows_failed"`
	CurrentFlow    types.FlowKey             `json:"current_flow,omitempty"`
	StopReason     string                    `json:"stop_reason,omitempty"`
	DurationMs     int64                     `json:"duration_ms"`
	FlowResults    []*orchestrator.FlowResult `json:"flow_results,omitempty"`
	WisdomApply    *evolution.Summary        `json:"wisdom_apply_result,omitempty"`

	// WisdomArtifacts maps artifact name to path, merged from the
	// wisdom flow's committed envelopes.
	WisdomArtifacts map[string]string `json:"wisdom_artifacts,omitempty"`

	Error string `json:"error,omitempty"`
}

type runCtl struct {
	runID       types.RunID
	status      Status
	flowKeys    []types.FlowKey
	idx         int
	completed   int
	failed      int
	startedAt   time.Time
	stopReason  string
	lastError   string
	journal     *runstore.Journal
	flowResults []*orchestrator.FlowResult
	wisdom      *evolution.Summary
	wisdomArts  map[string]string
}

// Controller drives autopilot runs.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	runs map[types.RunID]*runCtl
}

// New validates the configuration and creates a controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("autopilot requires store, registry, and engine")
	}
	if cfg.WisdomFlowKey == "" {
		cfg.WisdomFlowKey = DefaultWisdomFlow
	}
	if cfg.EvolutionBoundary == "" {
		cfg.EvolutionBoundary = evolution.BoundaryRunEnd
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, logger: cfg.Logger, runs: map[types.RunID]*runCtl{}}, nil
}

// Start materializes a run, precomputes its flow list, and records the
// autopilot_started event. The run stays PENDING until the first tick.
func (c *Controller) Start(issueRef string, flowKeys []types.FlowKey, params map[string]any) (types.RunID, error) {
	if len(flowKeys) == 0 {
		flowKeys = c.cfg.Registry.SDLCFlowKeys()
	}
	if len(flowKeys) == 0 {
		return "", fmt.Errorf("no flows to run")
	}
	for _, key := range flowKeys {
		if c.cfg.Registry.GetFlow(key) == nil {
			return "", fmt.Errorf("unknown flow %q", key)
		}
	}

	if params == nil {
		params = map[string]any{}
	}
	if issueRef != "" {
		params["issue_ref"] = issueRef
	}
	runID, err := c.cfg.Store.CreateRun(types.RunSpec{
		FlowKeys:       flowKeys,
		Backend:        "local",
		Initiator:      "autopilot",
		Params:         params,
		NoHumanMidFlow: true,
	})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	journal, err := runstore.OpenJournal(c.cfg.Store.RunDir(runID), runID, c.logger)
	if err != nil {
		return "", fmt.Errorf("open journal: %w", err)
	}
	journal.Emit(types.EventRunStarted, "", "", "", map[string]any{"initiator": "autopilot"})
	journal.Emit(types.EventAutopilotStarted, "", "", "", map[string]any{
		"issue_ref": issueRef,
		"flows":     flowKeysToStrings(flowKeys),
	})

	c.mu.Lock()
	c.runs[runID] = &runCtl{
		runID:    runID,
		status:   StatusPending,
		flowKeys: flowKeys,
		journal:  journal,
	}
	c.mu.Unlock()

	c.logger.Info("autopilot run created",
		zap.String("run_id", runID), zap.Int("flows", len(flowKeys)))
	return runID, nil
}

// Tick advances a run by at most one flow. It returns true when more
// work remains; paused, stopped, and terminal runs return false.
func (c *Controller) Tick(ctx context.Context, runID types.RunID) (bool, error) {
	ctl, err := c.ctl(runID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	switch ctl.status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		c.mu.Unlock()
		return false, nil

	case StatusPaused, StatusStopped:
		c.mu.Unlock()
		return false, nil

	case StatusPausing:
		ctl.status = StatusPaused
		ctl.journal.Emit(types.EventAutopilotPaused, "", "", "", map[string]any{
			"flows_completed": ctl.completed,
		})
		c.mu.Unlock()
		return false, nil

	case StatusStopping:
		ctl.status = StatusStopped
		ctl.journal.Emit(types.EventAutopilotStopped, "", "", "", map[string]any{
			"reason":          ctl.stopReason,
			"flows_completed": ctl.completed,
		})
		c.mu.Unlock()
		if err := c.writeStopReport(ctl); err != nil {
			c.logger.Warn("stop report write failed", zap.String("run_id", runID), zap.Error(err))
		}
		return false, nil

	case StatusPending:
		ctl.status = StatusRunning
		ctl.startedAt = time.Now()
		if sum, err := c.cfg.Store.ReadSummary(runID); err == nil {
			sum.Status = types.RunRunning
			sum.StartedAt = types.Now()
			if werr := c.cfg.Store.WriteSummary(sum); werr != nil {
				c.logger.Warn("summary update failed", zap.Error(werr))
			}
		}
	}
	if ctl.idx >= len(ctl.flowKeys) {
		c.mu.Unlock()
		c.complete(ctl)
		return false, nil
	}
	flowKey := ctl.flowKeys[ctl.idx]
	c.mu.Unlock()

	c.executeFlow(ctx, ctl, flowKey)

	c.mu.Lock()
	terminal := ctl.status.Terminal()
	done := ctl.idx >= len(ctl.flowKeys)
	c.mu.Unlock()

	if terminal {
		return false, nil
	}
	if done {
		c.complete(ctl)
		return false, nil
	}
	// pause/stop requested mid-flow takes effect on the next tick
	return true, nil
}

// executeFlow runs one flow through a fresh orchestrator and records the
// boundary events.
func (c *Controller) executeFlow(ctx context.Context, ctl *runCtl, flowKey types.FlowKey) {
	ctl.journal.Emit(types.EventAutopilotFlowStarted, flowKey, "", "", map[string]any{
		"index": ctl.idx, "total": len(ctl.flowKeys),
	})

	orch, err := orchestrator.New(orchestrator.Config{
		Store:      c.cfg.Store,
		Registry:   c.cfg.Registry,
		Engine:     c.cfg.Engine,
		Router:     c.cfg.Router,
		WorkDir:    c.cfg.WorkDir,
		MaxWorkers: c.cfg.MaxWorkers,
		Logger:     c.logger,
	})
	var result *orchestrator.FlowResult
	if err == nil {
		result, err = orch.RunFlow(ctx, ctl.runID, flowKey, "")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A Cancel that landed while the flow executed already finished the
	// run; the flow's outcome must not reopen it.
	if ctl.status.Terminal() {
		return
	}

	if err != nil || result.Status != types.RunSucceeded {
		ctl.failed++
		ctl.lastError = flowFailure(flowKey, result, err)
		if result != nil {
			ctl.flowResults = append(ctl.flowResults, result)
		}
		ctl.journal.Emit(types.EventAutopilotFlowFailed, flowKey, "", "", map[string]any{
			"error": ctl.lastError,
		})
		ctl.status = StatusFailed
		c.finishRun(ctl, types.RunFailed)
		return
	}

	ctl.completed++
	ctl.idx++
	ctl.flowResults = append(ctl.flowResults, result)
	ctl.journal.Emit(types.EventAutopilotFlowCompleted, flowKey, "", "", map[string]any{
		"steps_executed": result.StepsExecuted,
	})

	if flowKey == c.cfg.WisdomFlowKey {
		ctl.wisdomArts = c.collectWisdomArtifacts(ctl, flowKey)
	}
	if c.cfg.EvolutionBoundary == evolution.BoundaryFlowEnd || flowKey == c.cfg.WisdomFlowKey {
		c.processEvolution(ctl, flowKey)
	}
}

// complete finishes a run whose flow list is exhausted.
func (c *Controller) complete(ctl *runCtl) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctl.status.Terminal() {
		return
	}
	if c.cfg.EvolutionBoundary == evolution.BoundaryRunEnd && ctl.wisdom == nil {
		c.processEvolution(ctl, c.cfg.WisdomFlowKey)
	}
	ctl.status = StatusSucceeded
	ctl.journal.Emit(types.EventAutopilotCompleted, "", "", "", map[string]any{
		"flows_completed": ctl.completed,
	})
	c.finishRun(ctl, types.RunSucceeded)
}

// finishRun emits the final run_completed event and updates meta.json.
// Callers hold c.mu.
func (c *Controller) finishRun(ctl *runCtl, status types.RunStatus) {
	ctl.journal.Emit(types.EventRunCompleted, "", "", "", map[string]any{
		"status": string(status),
	})
	sum, err := c.cfg.Store.ReadSummary(ctl.runID)
	if err != nil {
		c.logger.Warn("summary read failed", zap.String("run_id", ctl.runID), zap.Error(err))
		return
	}
	sum.Status = status
	sum.CompletedAt = types.Now()
	if status == types.RunSucceeded {
		sum.SDLCStatus = types.SDLCOK
	} else {
		sum.SDLCStatus = types.SDLCError
		sum.Error = ctl.lastError
	}
	if err := c.cfg.Store.WriteSummary(sum); err != nil {
		c.logger.Warn("summary write failed", zap.String("run_id", ctl.runID), zap.Error(err))
	}
}

// processEvolution feeds the wisdom flow's candidate patches through the
// policy gate. A missing candidates file is a no-op. Callers hold c.mu.
func (c *Controller) processEvolution(ctl *runCtl, flowKey types.FlowKey) {
	flowDir := c.cfg.Store.FlowDir(ctl.runID, flowKey)
	patches, err := evolution.LoadPatches(filepath.Join(flowDir, evolution.PatchesFilename))
	if err != nil {
		c.logger.Warn("evolution patches unreadable",
			zap.String("run_id", ctl.runID), zap.Error(err))
		return
	}
	if len(patches) == 0 {
		return
	}

	workDir := c.cfg.WorkDir
	if workDir == "" {
		workDir = c.cfg.Store.RunDir(ctl.runID)
	}
	proc, err := evolution.NewProcessor(evolution.Config{
		WorkDir:  workDir,
		StateDir: filepath.Join(flowDir, "evolution"),
		Policy:   c.cfg.EvolutionPolicy,
		Logger:   c.logger,
	})
	if err != nil {
		c.logger.Warn("evolution processor init failed", zap.Error(err))
		return
	}
	summary, err := proc.Process(patches, ctl.journal, flowKey)
	if err != nil {
		c.logger.Warn("evolution processing failed", zap.Error(err))
	}
	ctl.wisdom = summary
}

// collectWisdomArtifacts merges the artifact maps of the wisdom flow's
// committed envelopes, later steps winning on name collisions. Callers
// hold c.mu.
func (c *Controller) collectWisdomArtifacts(ctl *runCtl, flowKey types.FlowKey) map[string]string {
	flow := c.cfg.Registry.GetFlow(flowKey)
	if flow == nil {
		return nil
	}
	flowDir := c.cfg.Store.FlowDir(ctl.runID, flowKey)
	arts := map[string]string{}
	for _, step := range flow.Steps {
		env, err := handoff.ReadEnvelope(flowDir, step.ID)
		if err != nil || env == nil {
			continue
		}
		for name, path := range env.Artifacts {
			arts[name] = path
		}
	}
	if len(arts) == 0 {
		return nil
	}
	return arts
}

// RunToCompletion ticks until the run reaches a resting state.
func (c *Controller) RunToCompletion(ctx context.Context, runID types.RunID) (*Result, error) {
	for {
		more, err := c.Tick(ctx, runID)
		if err != nil {
			return c.GetResult(runID), err
		}
		if !more {
			return c.GetResult(runID), nil
		}
	}
}

// Pause requests a cooperative pause; the run finishes its current flow
// first. Returns false when the run cannot be paused.
func (c *Controller) Pause(runID types.RunID) bool {
	ctl, err := c.ctl(runID)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctl.status != StatusRunning && ctl.status != StatusPending {
		return false
	}
	ctl.status = StatusPausing
	ctl.journal.Emit(types.EventAutopilotPausing, "", "", "", nil)
	return true
}

// Resume restarts a paused or stopped run at its next flow.
func (c *Controller) Resume(runID types.RunID) bool {
	ctl, err := c.ctl(runID)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctl.status != StatusPaused && ctl.status != StatusStopped {
		return false
	}
	ctl.status = StatusRunning
	ctl.journal.Emit(types.EventAutopilotResumed, "", "", "", map[string]any{
		"flows_completed": ctl.completed,
	})
	return true
}

// Stop requests a cooperative stop with a reason; a stop report is
// written once the run reaches STOPPED.
func (c *Controller) Stop(runID types.RunID, reason string) bool {
	ctl, err := c.ctl(runID)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ctl.status {
	case StatusRunning, StatusPending, StatusPausing, StatusPaused:
	default:
		return false
	}
	ctl.status = StatusStopping
	ctl.stopReason = reason
	ctl.journal.Emit(types.EventAutopilotStopping, "", "", "", map[string]any{"reason": reason})
	return true
}

// Cancel aborts a run immediately. Terminal runs reject the transition.
func (c *Controller) Cancel(runID types.RunID) bool {
	ctl, err := c.ctl(runID)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctl.status.Terminal() {
		return false
	}
	ctl.status = StatusCanceled
	ctl.journal.Emit(types.EventAutopilotCanceled, "", "", "", nil)
	c.finishRun(ctl, types.RunCanceled)
	return true
}

// Status returns the autopilot state of a run.
func (c *Controller) Status(runID types.RunID) (Status, error) {
	ctl, err := c.ctl(runID)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ctl.status, nil
}

// GetResult aggregates the run's outcome so far.
func (c *Controller) GetResult(runID types.RunID) *Result {
	ctl, err := c.ctl(runID)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	res := &Result{
		RunID:           runID,
		Status:          ctl.status,
		FlowsCompleted:  ctl.completed,
		FlowsFailed:     ctl.failed,
		StopReason:      ctl.stopReason,
		FlowResults:     ctl.flowResults,
		WisdomApply:     ctl.wisdom,
		WisdomArtifacts: ctl.wisdomArts,
		Error:           ctl.lastError,
	}
	if ctl.idx < len(ctl.flowKeys) {
		res.CurrentFlow = ctl.flowKeys[ctl.idx]
	}
	if !ctl.startedAt.IsZero() {
		res.DurationMs = time.Since(ctl.startedAt).Milliseconds()
	}
	return res
}

func (c *Controller) ctl(runID types.RunID) (*runCtl, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctl, ok := c.runs[runID]
	if !ok {
		return nil, fmt.Errorf("unknown autopilot run %q", runID)
	}
	return ctl, nil
}

// writeStopReport records why and where a run stopped.
func (c *Controller) writeStopReport(ctl *runCtl) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Stop Report\n\n")
	fmt.Fprintf(&b, "- Run: %s\n", ctl.runID)
	fmt.Fprintf(&b, "- Stopped at: %s\n", types.Now())
	if ctl.stopReason != "" {
		fmt.Fprintf(&b, "- Reason: %s\n", ctl.stopReason)
	}
	fmt.Fprintf(&b, "- Flows completed: %d of %d\n", ctl.completed, len(ctl.flowKeys))
	if ctl.idx < len(ctl.flowKeys) {
		fmt.Fprintf(&b, "- Next flow on resume: %s\n", ctl.flowKeys[ctl.idx])
	}
	path := filepath.Join(c.cfg.Store.RunDir(ctl.runID), StopReportFilename)
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func flowKeysToStrings(keys []types.FlowKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

func flowFailure(flowKey types.FlowKey, result *orchestrator.FlowResult, err error) string {
	if err != nil {
		return fmt.Sprintf("flow %s: %v", flowKey, err)
	}
	if result != nil && result.Error != "" {
		return fmt.Sprintf("flow %s: %s", flowKey, result.Error)
	}
	return fmt.Sprintf("flow %s did not succeed", flowKey)
}
