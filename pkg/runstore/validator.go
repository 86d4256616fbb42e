// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runstore

import (
	"fmt"

	"github.com/teradata-labs/swarm/pkg/types"
)

// IssueLevel classifies a validation finding.
type IssueLevel string

const (
	LevelWarning IssueLevel = "warning"
	LevelError   IssueLevel = "error"
)

// Issue is one finding from the event validator.
type Issue struct {
	Level IssueLevel
	Seq   int64
	Msg   string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s (seq %d): %s", i.Level, i.Seq, i.Msg)
}

// ValidateEvents checks a run's event stream against the journal
// invariants. In strict mode, findings that are ordinarily warnings
// (sequence gaps, missing run start, orphan steps) become errors.
// Kinds are compared through the canonical table, so step_error counts
// as step_end.
func ValidateEvents(events []types.RunEvent, strict bool) []Issue {
	var issues []Issue

	warn := func(seq int64, format string, args ...any) {
		level := LevelWarning
		if strict {
			level = LevelError
		}
		issues = append(issues, Issue{Level: level, Seq: seq, Msg: fmt.Sprintf(format, args...)})
	}
	fail := func(seq int64, format string, args ...any) {
		issues = append(issues, Issue{Level: LevelError, Seq: seq, Msg: fmt.Sprintf(format, args...)})
	}

	seenSeq := make(map[int64]bool)
	seenID := make(map[string]bool)
	openSteps := make(map[types.StepID]int)
	openTools := 0
	var lastSeq int64
	hasRunStart := false
	runCompletedAt := int64(-1)

	for _, e := range events {
		if seenSeq[e.Seq] {
			fail(e.Seq, "duplicate seq %d", e.Seq)
		}
		seenSeq[e.Seq] = true

		if e.Seq < lastSeq {
			fail(e.Seq, "seq regression: %d after %d", e.Seq, lastSeq)
		} else if lastSeq > 0 && e.Seq > lastSeq+1 {
			warn(e.Seq, "seq gap: %d after %d", e.Seq, lastSeq)
		}
		if e.Seq > lastSeq {
			lastSeq = e.Seq
		}

		if e.EventID != "" {
			if seenID[e.EventID] {
				fail(e.Seq, "duplicate event_id %s", e.EventID)
			}
			seenID[e.EventID] = true
		}

		switch types.CanonicalEventKind(e.Kind) {
		case types.EventRunStarted:
			hasRunStart = true
		case types.EventRunCompleted:
			runCompletedAt = e.Seq
		case types.EventStepStart:
			openSteps[e.StepID]++
			if runCompletedAt >= 0 {
				warn(e.Seq, "step_start for %q after run_completed", e.StepID)
			}
		case types.EventStepEnd:
			if openSteps[e.StepID] == 0 {
				fail(e.Seq, "step_end for %q without step_start", e.StepID)
			} else {
				openSteps[e.StepID]--
			}
		case types.EventToolStart:
			openTools++
			if runCompletedAt >= 0 {
				issues = append(issues, Issue{Level: LevelWarning, Seq: e.Seq,
					Msg: "tool_start after run_completed"})
			}
		case types.EventToolEnd:
			if openTools > 0 {
				openTools--
			}
		}
	}

	if !hasRunStart {
		warn(0, "missing run_created|run_started event")
	}

	if runCompletedAt >= 0 {
		for step, n := range openSteps {
			if n > 0 {
				warn(runCompletedAt, "orphan step_start for %q: run completed with step open", step)
			}
		}
	}

	return issues
}

// HasErrors reports whether any finding is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Level == LevelError {
			return true
		}
	}
	return false
}

// Doctor validates the journal of one run on disk.
func Doctor(runsRoot string, runID types.RunID, strict bool) ([]Issue, error) {
	events, err := ReadRunEvents(runsRoot, runID)
	if err != nil {
		return nil, fmt.Errorf("doctor %s: %w", runID, err)
	}
	return ValidateEvents(events, strict), nil
}
