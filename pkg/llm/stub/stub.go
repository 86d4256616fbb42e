// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package stub provides a deterministic scripted provider for tests and
// offline runs. Responses are served in order; when the script runs out
// the provider repeats its final response.
package stub

import (
	"context"
	"fmt"
	"sync"

	"github.com/teradata-labs/swarm/pkg/llm"
)

// Provider replays a fixed script of responses.
type Provider struct {
	mu        sync.Mutex
	responses []llm.Response
	calls     int
	recorded  [][]llm.Message
}

// New creates a stub provider from scripted responses. With no script it
// answers every call with a minimal acknowledgment.
func New(responses ...llm.Response) *Provider {
	return &Provider{responses: responses}
}

// NewText is a convenience constructor scripting plain-text responses.
func NewText(texts ...string) *Provider {
	rs := make([]llm.Response, len(texts))
	for i, t := range texts {
		rs[i] = llm.Response{Content: t, StopReason: "end_turn"}
	}
	return New(rs...)
}

func (p *Provider) Name() string  { return "stub" }
func (p *Provider) Model() string { return "stub-v1" }

func (p *Provider) Chat(_ context.Context, messages []llm.Message) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.recorded = append(p.recorded, messages)
	idx := p.calls
	p.calls++

	if len(p.responses) == 0 {
		return &llm.Response{
			Content:    fmt.Sprintf("stub response %d", idx+1),
			StopReason: "end_turn",
			Usage:      llm.Usage{InputTokens: len(messages), OutputTokens: 1, TotalTokens: len(messages) + 1},
		}, nil
	}
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	r := p.responses[idx]
	if r.StopReason == "" {
		r.StopReason = "end_turn"
	}
	return &r, nil
}

// Calls returns how many times Chat has been invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// LastMessages returns the conversation passed to the most recent call,
// or nil if Chat has never been invoked.
func (p *Provider) LastMessages() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.recorded) == 0 {
		return nil
	}
	return p.recorded[len(p.recorded)-1]
}
