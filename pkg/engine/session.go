// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/diffscan"
	"github.com/teradata-labs/swarm/pkg/handoff"
	"github.com/teradata-labs/swarm/pkg/llm"
	"github.com/teradata-labs/swarm/pkg/routing"
	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

const defaultMaxTurns = 8

// SessionConfig configures a session engine.
type SessionConfig struct {
	Provider llm.Provider
	Budget   BudgetConfig
	MaxTurns int
	Logger   *zap.Logger
}

// SessionEngine runs work, finalize, and route inside one hot provider
// conversation per step. Tool calls are transcribed and answered with a
// policy notice; commands matching the destructive-pattern guard are
// rejected outright.
type SessionEngine struct {
	provider llm.Provider
	budget   BudgetConfig
	maxTurns int
	logger   *zap.Logger
}

// NewSessionEngine creates a session engine around a provider.
func NewSessionEngine(cfg SessionConfig) (*SessionEngine, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("session engine requires a provider")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	budget := cfg.Budget
	if budget.ContextBudgetChars <= 0 {
		budget = DefaultBudget()
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &SessionEngine{provider: cfg.Provider, budget: budget, maxTurns: maxTurns, logger: logger}, nil
}

func (e *SessionEngine) ID() string { return "session" }

func (e *SessionEngine) transcriptPath(sc *StepContext) string {
	return runstore.TranscriptPath(sc.FlowDir, sc.Step.ID, sc.Agent, e.ID())
}

// RunWorker executes the work phase: hydrate, assemble the prompt, and
// drive the provider conversation until it stops asking for tools.
func (e *SessionEngine) RunWorker(ctx context.Context, sc *StepContext) (*types.StepResult, []types.RunEvent, string, error) {
	start := time.Now()
	sc.Hydrate()
	if sc.Session == nil {
		sc.Session = &SessionState{}
	}

	system := e.systemPrompt(sc)
	task := e.taskPrompt(sc)
	sc.Session.Messages = append(sc.Session.Messages,
		llm.Message{Role: "system", Content: system},
		llm.Message{Role: "user", Content: task},
	)

	tw, err := NewTranscriptWriter(e.transcriptPath(sc))
	if err != nil {
		return failedResult(sc, start, err), nil, "", err
	}
	defer tw.Close()
	for _, m := range sc.Session.Messages {
		if werr := tw.WriteMessage(m); werr != nil {
			e.logger.Warn("transcript write failed", zap.Error(werr))
		}
	}

	var events []types.RunEvent
	var resp *llm.Response
	for turn := 0; turn < e.maxTurns; turn++ {
		resp, err = e.provider.Chat(ctx, sc.Session.Messages)
		if err != nil {
			return failedResult(sc, start, err), events, "", fmt.Errorf("work phase: %w", err)
		}
		sc.Session.AddUsage(resp.Usage)
		sc.Session.Turns++
		if werr := tw.WriteResponse(resp); werr != nil {
			e.logger.Warn("transcript write failed", zap.Error(werr))
		}
		sc.Session.Messages = append(sc.Session.Messages, llm.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			break
		}
		for _, tc := range resp.ToolCalls {
			toolMsg, ev := e.answerToolCall(sc, tc)
			events = append(events, ev...)
			sc.Session.Messages = append(sc.Session.Messages, toolMsg)
			if werr := tw.WriteMessage(toolMsg); werr != nil {
				e.logger.Warn("transcript write failed", zap.Error(werr))
			}
		}
	}

	output := ""
	if resp != nil {
		output = resp.Content
	}
	result := &types.StepResult{
		StepID:     sc.Step.ID,
		Status:     types.StepSucceeded,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
	}
	return result, events, output, nil
}

// answerToolCall transcribes a tool request. Commands are screened by
// the destructive-pattern guard; execution itself is delegated to the
// provider-side tool runtime, so the session answers with a policy
// notice rather than local output.
func (e *SessionEngine) answerToolCall(sc *StepContext, tc llm.ToolCall) (llm.Message, []types.RunEvent) {
	events := []types.RunEvent{
		{Kind: types.EventToolStart, FlowKey: sc.FlowKey, StepID: sc.Step.ID, AgentKey: sc.Agent,
			Payload: map[string]any{"tool": tc.Name, "tool_use_id": tc.ID}},
	}

	success := true
	content := "acknowledged"
	if cmd, ok := tc.Input["command"].(string); ok {
		if err := CheckCommand(cmd); err != nil {
			success = false
			content = err.Error()
			e.logger.Warn("tool call rejected",
				zap.String("step", sc.Step.ID), zap.String("tool", tc.Name), zap.String("command", cmd))
		}
	}

	events = append(events, types.RunEvent{
		Kind: types.EventToolEnd, FlowKey: sc.FlowKey, StepID: sc.Step.ID, AgentKey: sc.Agent,
		Payload: map[string]any{"tool": tc.Name, "tool_use_id": tc.ID, "success": success},
	})
	return llm.Message{Role: "tool", Content: content, ToolUseID: tc.ID, ToolSuccess: &success}, events
}

// FinalizeStep commits the handoff envelope: an agent-written draft is
// committed as-is (inline finalization); otherwise the session is
// prompted for a structured envelope. The post-step diff scan is
// attached either way.
func (e *SessionEngine) FinalizeStep(ctx context.Context, sc *StepContext, result *types.StepResult, workSummary string) (*types.FinalizationResult, error) {
	env, inline := e.draftEnvelope(sc)
	if env == nil {
		env = e.promptForEnvelope(ctx, sc, result, workSummary)
	}

	env.StepID = sc.Step.ID
	env.FlowKey = sc.FlowKey
	env.RunID = sc.RunID
	if env.DurationMs == 0 && result != nil {
		env.DurationMs = result.DurationMs
	}
	if env.EnvelopeSource == "" {
		env.EnvelopeSource = types.EnvelopeSourceLifecycle
	}

	if sc.WorkDir != "" {
		fc := diffscan.NewScanner(sc.WorkDir, e.logger).Scan(ctx)
		env.FileChanges = fc
		if err := runstore.WriteJSON(runstore.ForensicsPath(sc.FlowDir, sc.Step.ID), fc); err != nil {
			e.logger.Warn("forensics write failed", zap.String("step", sc.Step.ID), zap.Error(err))
		}
	}

	path, err := handoff.WriteEnvelope(sc.FlowDir, env, handoff.WriteOptions{WriteDraft: !inline, Logger: e.logger})
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", sc.Step.ID, err)
	}
	e.logger.Debug("envelope committed",
		zap.String("step", sc.Step.ID), zap.String("path", path), zap.Bool("inline", inline))

	return &types.FinalizationResult{Envelope: env}, nil
}

// draftEnvelope returns the agent-written draft, if any.
func (e *SessionEngine) draftEnvelope(sc *StepContext) (*types.HandoffEnvelope, bool) {
	env, err := handoff.ReadDraft(sc.FlowDir, sc.Step.ID)
	if err != nil {
		return nil, false
	}
	return env, true
}

// promptForEnvelope asks the hot session for a structured envelope,
// degrading to a minimal one when the reply does not parse.
func (e *SessionEngine) promptForEnvelope(ctx context.Context, sc *StepContext, result *types.StepResult, workSummary string) *types.HandoffEnvelope {
	prompt := `Summarize this step as a handoff envelope. Reply with a single JSON object:
{"status": "VERIFIED|UNVERIFIED|PARTIAL|BLOCKED", "summary": "...", "artifacts": {"name": "path"}, "can_further_iteration_help": true}`

	if sc.Session == nil {
		sc.Session = &SessionState{}
	}
	sc.Session.Messages = append(sc.Session.Messages, llm.Message{Role: "user", Content: prompt})

	tw, twErr := NewTranscriptWriter(e.transcriptPath(sc))
	if twErr == nil {
		defer tw.Close()
		tw.WriteMessage(sc.Session.Messages[len(sc.Session.Messages)-1])
	}

	resp, err := e.provider.Chat(ctx, sc.Session.Messages)
	if err != nil {
		e.logger.Warn("finalization prompt failed, writing minimal envelope",
			zap.String("step", sc.Step.ID), zap.Error(err))
		return minimalEnvelope(result, workSummary, err.Error())
	}
	sc.Session.AddUsage(resp.Usage)
	sc.Session.Messages = append(sc.Session.Messages, llm.Message{Role: "assistant", Content: resp.Content})
	if twErr == nil {
		tw.WriteResponse(resp)
	}

	raw := routing.ExtractJSONObject(resp.Content)
	if raw == "" {
		return minimalEnvelope(result, workSummary, "finalization reply contained no JSON")
	}
	var env types.HandoffEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		e.logger.Warn("finalization reply did not parse",
			zap.String("step", sc.Step.ID), zap.Error(err))
		return minimalEnvelope(result, workSummary, "finalization reply did not parse")
	}
	if env.Status == "" {
		env.Status = types.StatusUnverified
	}
	return &env
}

func minimalEnvelope(result *types.StepResult, workSummary, reason string) *types.HandoffEnvelope {
	status := types.StatusUnverified
	if result != nil && result.Status == types.StepSucceeded {
		status = types.StatusPartial
	}
	summary := workSummary
	if summary == "" && result != nil {
		summary = result.Output
	}
	if len(summary) > 2000 {
		summary = summary[:2000]
	}
	return &types.HandoffEnvelope{
		Status:         status,
		Summary:        strings.TrimSpace(summary),
		Error:          reason,
		EnvelopeSource: types.EnvelopeSourceMinimal,
	}
}

// RouteStep computes the routing signal: deterministically when the
// step's config allows, otherwise by asking the same session. Terminal
// steps short-circuit without a provider round-trip.
func (e *SessionEngine) RouteStep(ctx context.Context, sc *StepContext, env *types.HandoffEnvelope) (*types.RoutingSignal, error) {
	sig := routing.RouteFromRoutingConfig(sc.Step, env, sc.LoopIteration)
	if sig != nil {
		sig.RoutingSource = routing.SourceDeterministic
	} else {
		var err error
		sig, err = e.routeViaSession(ctx, sc, env)
		if err != nil {
			return nil, err
		}
	}
	if err := handoff.UpdateEnvelopeRouting(sc.FlowDir, sc.Step.ID, sig); err != nil {
		e.logger.Warn("routing persist failed", zap.String("step", sc.Step.ID), zap.Error(err))
	}
	return sig, nil
}

func (e *SessionEngine) routeViaSession(ctx context.Context, sc *StepContext, env *types.HandoffEnvelope) (*types.RoutingSignal, error) {
	envJSON, _ := json.Marshal(env)
	prompt := fmt.Sprintf(`Decide the next routing action for this handoff:
%s
Reply with a single JSON object: {"decision": "advance|loop|terminate|branch", "next_step_id": "...", "route": "...", "reason": "...", "confidence": 0.0, "needs_human": false}`, envJSON)

	if sc.Session == nil {
		sc.Session = &SessionState{}
	}
	sc.Session.Messages = append(sc.Session.Messages, llm.Message{Role: "user", Content: prompt})

	resp, err := e.provider.Chat(ctx, sc.Session.Messages)
	if err != nil {
		return nil, fmt.Errorf("route phase: %w", err)
	}
	sc.Session.AddUsage(resp.Usage)
	sc.Session.Messages = append(sc.Session.Messages, llm.Message{Role: "assistant", Content: resp.Content})

	raw := routing.ExtractJSONObject(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("route phase: reply contained no JSON")
	}
	var reply struct {
		Decision   string  `json:"decision"`
		NextStepID string  `json:"next_step_id"`
		Route      string  `json:"route"`
		Reason     string  `json:"reason"`
		Confidence float64 `json:"confidence"`
		NeedsHuman bool    `json:"needs_human"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("route phase: %w", err)
	}
	return &types.RoutingSignal{
		Decision:      types.ParseDecision(reply.Decision),
		NextStepID:    reply.NextStepID,
		Route:         reply.Route,
		Reason:        reply.Reason,
		Confidence:    reply.Confidence,
		NeedsHuman:    reply.NeedsHuman,
		RoutingSource: routing.SourceRouterLLM,
	}, nil
}

// RunStep is the orchestrator entry point: one timeout-bounded pass
// through work, finalize, and route, always ending with a receipt.
func (e *SessionEngine) RunStep(ctx context.Context, sc *StepContext) (*types.StepResult, []types.RunEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, sc.Timeout())
	defer cancel()

	result, events, summary, workErr := e.RunWorker(ctx, sc)
	if workErr != nil && ctx.Err() == context.DeadlineExceeded {
		result.Error = "timeout"
	}

	var sig *types.RoutingSignal
	var envelopePath string
	if workErr == nil {
		fin, err := e.FinalizeStep(ctx, sc, result, summary)
		if err != nil {
			e.logger.Warn("finalize failed", zap.String("step", sc.Step.ID), zap.Error(err))
			result.Status = types.StepFailed
			result.Error = err.Error()
		} else {
			envelopePath = runstore.EnvelopePath(sc.FlowDir, sc.Step.ID)
			sig, err = e.RouteStep(ctx, sc, fin.Envelope)
			if err != nil {
				e.logger.Warn("route failed, orchestrator will fall back",
					zap.String("step", sc.Step.ID), zap.Error(err))
				sig = nil
			}
		}
	}

	if _, err := writeReceipt(sc, receiptInput{
		engineID:       e.ID(),
		mode:           ModeSDK,
		executionMode:  ExecSession,
		provider:       e.provider.Name(),
		model:          e.provider.Model(),
		result:         result,
		transcriptPath: e.transcriptPath(sc),
		envelopePath:   envelopePath,
		signal:         sig,
	}); err != nil {
		e.logger.Warn("receipt write failed", zap.String("step", sc.Step.ID), zap.Error(err))
	}

	if workErr != nil {
		return result, events, workErr
	}
	return result, events, nil
}

func failedResult(sc *StepContext, start time.Time, err error) *types.StepResult {
	return &types.StepResult{
		StepID:     sc.Step.ID,
		Status:     types.StepFailed,
		Error:      err.Error(),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func (e *SessionEngine) systemPrompt(sc *StepContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent executing step %q of the %s flow.",
		sc.Agent, sc.Step.ID, sc.FlowKey)
	if sc.Step.Role != "" {
		fmt.Fprintf(&b, "\nRole: %s", sc.Step.Role)
	}
	if tn := sc.Step.TeachingNotes; tn != nil {
		if len(tn.Emphasizes) > 0 {
			fmt.Fprintf(&b, "\nEmphasize: %s", strings.Join(tn.Emphasizes, "; "))
		}
		if len(tn.Constraints) > 0 {
			fmt.Fprintf(&b, "\nConstraints: %s", strings.Join(tn.Constraints, "; "))
		}
	}
	return b.String()
}

func (e *SessionEngine) taskPrompt(sc *StepContext) string {
	var b strings.Builder
	if sc.Pack != nil {
		b.WriteString(sc.Pack.Render())
	} else {
		text, trunc := BudgetHistory(sc.History, e.budget)
		sc.Truncation = trunc
		b.WriteString(text)
	}
	if len(sc.Params) > 0 {
		if data, err := json.MarshalIndent(sc.Params, "", "  "); err == nil {
			fmt.Fprintf(&b, "\nRun parameters:\n%s\n", data)
		}
	}
	fmt.Fprintf(&b, "\nExecute step %q now. Iteration %d.", sc.Step.ID, sc.LoopIteration)
	return b.String()
}
