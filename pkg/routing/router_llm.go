// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/llm"
	"github.com/teradata-labs/swarm/pkg/types"
)

const routerSystemPrompt = `You are a routing resolver for a software-development workflow.
Given a step's handoff envelope and its routing candidates, reply with a
single JSON object and nothing else:
{"decision": "advance|loop|terminate|branch", "next_step_id": "...", "route": "...", "reason": "...", "confidence": 0.0, "needs_human": false}`

// routeViaLLM runs a short router session against the handoff envelope.
func (d *Driver) routeViaLLM(ctx context.Context, step *types.StepDefinition, env *types.HandoffEnvelope) (*types.RoutingSignal, error) {
	if d.provider == nil {
		return nil, fmt.Errorf("routing ambiguous for step %s and no router provider configured", step.ID)
	}

	envJSON, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	candJSON, _ := json.MarshalIndent(Candidates(step), "", "  ")

	resp, err := d.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: routerSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Handoff envelope:\n%s\n\nRouting candidates:\n%s", envJSON, candJSON)},
	})
	if err != nil {
		return nil, fmt.Errorf("router session: %w", err)
	}

	sig, err := parseRouterResponse(resp.Content)
	if err != nil {
		return nil, err
	}
	sig.RoutingSource = SourceRouterLLM
	d.logger.Debug("router llm decision",
		zap.String("step", step.ID),
		zap.String("decision", string(sig.Decision)),
		zap.Float64("confidence", sig.Confidence))
	return sig, nil
}

type routerReply struct {
	Decision   string  `json:"decision"`
	NextStepID string  `json:"next_step_id"`
	Route      string  `json:"route"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	NeedsHuman bool    `json:"needs_human"`
}

func parseRouterResponse(content string) (*types.RoutingSignal, error) {
	raw := ExtractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("router response contains no JSON object")
	}
	var reply routerReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("parse router response: %w", err)
	}

	confidence := reply.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return &types.RoutingSignal{
		Decision:   types.ParseDecision(reply.Decision),
		NextStepID: reply.NextStepID,
		Route:      reply.Route,
		Reason:     reply.Reason,
		Confidence: confidence,
		NeedsHuman: reply.NeedsHuman,
	}, nil
}

// ExtractJSONObject returns the first balanced top-level JSON object in
// text, tolerating prose and markdown fences around it.
func ExtractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
