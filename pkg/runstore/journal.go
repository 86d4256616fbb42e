// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/types"
)

// Journal is the append-only per-run event writer. There is exactly one
// writer per run; a process-local mutex serializes appends. Every event
// is written as one complete line and flushed before the lock releases,
// so readers never observe partial records as events.
type Journal struct {
	mu      sync.Mutex
	path    string
	runID   types.RunID
	nextSeq int64
	logger  *zap.Logger
}

// OpenJournal opens (or creates) the events.jsonl of a run and positions
// the sequence counter after the last recorded event.
func OpenJournal(runDir string, runID types.RunID, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	path := EventsPath(runDir)

	maxSeq := int64(0)
	events, err := ReadEvents(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	for _, e := range events {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}

	return &Journal{
		path:    path,
		runID:   runID,
		nextSeq: maxSeq + 1,
		logger:  logger,
	}, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Append assigns seq, event id and timestamp as needed, then writes the
// event as a single flushed line. Returns the event as written.
func (j *Journal) Append(event types.RunEvent) (types.RunEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if event.RunID == "" {
		event.RunID = j.runID
	}
	if event.Ts == "" {
		event.Ts = types.Now()
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	event.Seq = j.nextSeq

	line, err := json.Marshal(event)
	if err != nil {
		return event, fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return event, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return event, fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return event, fmt.Errorf("flush journal: %w", err)
	}

	j.nextSeq++
	return event, nil
}

// Emit is Append for the common case: build an event from parts and log
// append failures instead of propagating them, since event emission must
// never fail a step.
func (j *Journal) Emit(kind types.EventKind, flow types.FlowKey, step types.StepID, agent types.AgentKey, payload map[string]any) {
	_, err := j.Append(types.RunEvent{
		Kind:     kind,
		FlowKey:  flow,
		StepID:   step,
		AgentKey: agent,
		Payload:  payload,
	})
	if err != nil {
		j.logger.Error("event append failed",
			zap.String("kind", string(kind)),
			zap.String("flow", flow),
			zap.Error(err))
	}
}

// ReadEvents parses every complete line of an events.jsonl file. A final
// line without a trailing newline is a partial write and is not returned.
// Malformed complete lines are skipped.
func ReadEvents(path string) ([]types.RunEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseEventLines(string(data)), nil
}

func parseEventLines(data string) []types.RunEvent {
	var events []types.RunEvent
	for {
		nl := strings.IndexByte(data, '\n')
		if nl < 0 {
			// Trailing bytes without a newline are a partial write.
			break
		}
		line := strings.TrimSpace(data[:nl])
		data = data[nl+1:]
		if line == "" {
			continue
		}
		var e types.RunEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events
}

// ReadRunEvents reads the journal for a run under runsRoot.
func ReadRunEvents(runsRoot string, runID types.RunID) ([]types.RunEvent, error) {
	events, err := ReadEvents(EventsPath(RunDir(runsRoot, runID)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return events, err
}

// ListRunIDs returns every run directory under runsRoot that has a journal.
func ListRunIDs(runsRoot string) ([]types.RunID, error) {
	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []types.RunID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(EventsPath(filepath.Join(runsRoot, e.Name()))); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
