// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/teradata-labs/swarm/pkg/llm"
	"github.com/teradata-labs/swarm/pkg/types"
)

// TranscriptEntry is one line of a step's llm/*.jsonl transcript.
type TranscriptEntry struct {
	Ts        string         `json:"ts"`
	Role      string         `json:"role"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// Success is only meaningful on tool entries. Absent values are
	// recorded as true, the conservative default shared by all engines.
	Success *bool `json:"success,omitempty"`

	Model      string `json:"model,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *llm.Usage `json:"usage,omitempty"`
}

// TranscriptWriter appends JSONL entries to a step transcript.
type TranscriptWriter struct {
	f    *os.File
	path string
}

// NewTranscriptWriter opens (creating parents) a transcript for append.
func NewTranscriptWriter(path string) (*TranscriptWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &TranscriptWriter{f: f, path: path}, nil
}

// Path returns the transcript file path.
func (w *TranscriptWriter) Path() string { return w.path }

func (w *TranscriptWriter) write(e TranscriptEntry) error {
	if e.Ts == "" {
		e.Ts = types.Now()
	}
	if e.Role == "tool" && e.Success == nil {
		yes := true
		e.Success = &yes
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write transcript entry: %w", err)
	}
	return nil
}

// WriteMessage records an outbound conversation turn.
func (w *TranscriptWriter) WriteMessage(m llm.Message) error {
	return w.write(TranscriptEntry{
		Role:      m.Role,
		Content:   m.Content,
		ToolCalls: m.ToolCalls,
		ToolUseID: m.ToolUseID,
		Success:   m.ToolSuccess,
	})
}

// WriteResponse records a provider response as an assistant entry.
func (w *TranscriptWriter) WriteResponse(r *llm.Response) error {
	usage := r.Usage
	return w.write(TranscriptEntry{
		Role:       "assistant",
		Content:    r.Content,
		ToolCalls:  r.ToolCalls,
		Model:      r.Model,
		StopReason: r.StopReason,
		Usage:      &usage,
	})
}

// Close flushes and closes the transcript.
func (w *TranscriptWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// ReadTranscript parses a transcript back into entries, skipping
// malformed lines.
func ReadTranscript(path string) ([]TranscriptEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []TranscriptEntry
	for _, line := range splitLines(string(data)) {
		var e TranscriptEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func splitLines(data string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
