// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/internal/log"
	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text. Uses the
// cl100k_base encoding when available and a chars/4 heuristic when the
// encoding cannot be loaded.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Debug("tiktoken encoding unavailable, using char heuristic", zap.Error(err))
			return
		}
		encoding = enc
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// receiptInput collects everything a receipt needs besides the context.
type receiptInput struct {
	engineID      string
	mode          string
	executionMode string
	provider      string
	model         string

	result         *types.StepResult
	transcriptPath string
	envelopePath   string
	signal         *types.RoutingSignal

	requestedMode  string
	fallbackReason string

	// promptText is tokenized when the session reported no usage.
	promptText string
}

// writeReceipt builds and persists the single per-(step, agent) receipt
// for an engine invocation.
func writeReceipt(sc *StepContext, in receiptInput) (types.StepReceipt, error) {
	completed := time.Now()
	receipt := types.StepReceipt{
		Engine:        in.engineID,
		Mode:          in.mode,
		ExecutionMode: in.executionMode,
		Provider:      in.provider,
		Model:         in.model,

		RunID:    sc.RunID,
		FlowKey:  sc.FlowKey,
		StepID:   sc.Step.ID,
		AgentKey: sc.Agent,

		StartedAt:   types.Timestamp(sc.StartedAt),
		CompletedAt: types.Timestamp(completed),
		DurationMs:  completed.Sub(sc.StartedAt).Milliseconds(),

		TranscriptPath:      in.transcriptPath,
		HandoffEnvelopePath: in.envelopePath,
		RoutingSignal:       in.signal,
		ContextTruncation:   sc.Truncation,

		RequestedMode:  in.requestedMode,
		FallbackReason: in.fallbackReason,
	}
	if in.result != nil {
		receipt.Status = in.result.Status
	}

	if sc.Session != nil && sc.Session.Usage.TotalTokens > 0 {
		receipt.Tokens = types.TokenCounts{
			Prompt:     sc.Session.Usage.InputTokens,
			Completion: sc.Session.Usage.OutputTokens,
			Total:      sc.Session.Usage.TotalTokens,
		}
	} else if in.promptText != "" {
		prompt := EstimateTokens(in.promptText)
		receipt.Tokens = types.TokenCounts{Prompt: prompt, Total: prompt}
	}

	path := runstore.ReceiptPath(sc.FlowDir, sc.Step.ID, sc.Agent)
	if err := runstore.WriteJSON(path, receipt); err != nil {
		return receipt, err
	}
	return receipt, nil
}
