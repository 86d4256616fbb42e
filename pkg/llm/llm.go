// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package llm defines the provider contract the step engine drives.
// Providers turn a conversation into assistant text plus optional tool
// calls; everything swarm-specific (sessions, receipts, transcripts)
// lives above this interface.
package llm

import "context"

// Message is a single turn of a provider conversation.
type Message struct {
	// Role is one of system, user, assistant, tool.
	Role string `json:"role"`

	Content string `json:"content,omitempty"`

	// ToolCalls are present on assistant messages that invoked tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolUseID links a tool-role message to the call it answers.
	ToolUseID string `json:"tool_use_id,omitempty"`

	// ToolSuccess reports whether a tool-role message is a success
	// result. Providers that omit the field get the conservative
	// default of true applied by the transcript writer.
	ToolSuccess *bool `json:"tool_success,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage tracks token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the provider's answer to a Chat call.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
	Model      string     `json:"model,omitempty"`
}

// Provider is the minimal LLM backend contract.
type Provider interface {
	// Chat sends a conversation and returns the assistant response.
	Chat(ctx context.Context, messages []Message) (*Response, error)

	// Name returns the provider name (e.g. "anthropic", "stub").
	Name() string

	// Model returns the model identifier.
	Model() string
}
