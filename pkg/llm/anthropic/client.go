// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package anthropic adapts the official Anthropic SDK to the swarm
// provider contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/llm"
)

// DefaultModel is used when neither config nor environment names one.
const DefaultModel = "claude-sonnet-4-5-20250929"

// Config holds provider settings. APIKey falls back to
// ANTHROPIC_API_KEY, Model to ANTHROPIC_DEFAULT_MODEL.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      *zap.Logger
}

// Provider implements llm.Provider on the Anthropic messages API.
type Provider struct {
	client      sdk.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

// New creates an Anthropic provider. Returns an error if no API key is
// available.
func New(cfg Config) (*Provider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: no API key (set ANTHROPIC_API_KEY)")
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("ANTHROPIC_DEFAULT_MODEL")
	}
	if model == "" {
		model = DefaultModel
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		client:      sdk.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

func (p *Provider) Name() string  { return "anthropic" }
func (p *Provider) Model() string { return p.model }

// Chat sends the conversation and returns the assistant turn. System
// messages are lifted out of the turn list into the request's system
// prompt.
func (p *Provider) Chat(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	system, turns := splitSystem(messages)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		Messages:  turns,
		MaxTokens: int64(p.maxTokens),
	}
	if p.temperature > 0 {
		params.Temperature = sdk.Float(p.temperature)
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	resp := convertResponse(msg)
	p.logger.Debug("anthropic response",
		zap.String("model", p.model),
		zap.String("stop_reason", resp.StopReason),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens))
	return resp, nil
}

func splitSystem(messages []llm.Message) (string, []sdk.MessageParam) {
	var system string
	var turns []sdk.MessageParam

	for _, m := range messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "assistant":
			blocks := []sdk.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			turns = append(turns, sdk.NewAssistantMessage(blocks...))
		case "tool":
			isError := m.ToolSuccess != nil && !*m.ToolSuccess
			turns = append(turns, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolUseID, m.Content, isError)))
		default:
			turns = append(turns, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return system, turns
}

func convertResponse(msg *sdk.Message) *llm.Response {
	resp := &llm.Response{
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			var input map[string]any
			if err := json.Unmarshal(block.Input, &input); err != nil {
				input = map[string]any{"_raw": string(block.Input)}
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return resp
}
