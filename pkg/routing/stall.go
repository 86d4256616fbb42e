// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package routing

import (
	"sort"
	"sync"

	"github.com/teradata-labs/swarm/pkg/types"
)

// DefaultStallWindow is how many consecutive iterations with identical
// error signatures count as a stall.
const DefaultStallWindow = 2

// ProgressDelta compares one microloop iteration's evidence against the
// previous iteration's.
type ProgressDelta struct {
	// HasActivity is true when the iteration changed files or ran tests.
	HasActivity bool `json:"has_activity"`

	// SameSignatures is true when the error signatures match the
	// previous iteration exactly.
	SameSignatures bool `json:"same_signatures"`

	// Stalled is true when identical signatures with activity have
	// repeated for the detector's full window.
	Stalled bool `json:"stalled"`

	Signatures []string `json:"signatures,omitempty"`
}

// StallDetector recognizes microloops that keep doing work without
// changing their failures. An iteration that edits files but reproduces
// the exact same error signatures as the one before it is burning
// budget, not converging.
type StallDetector struct {
	mu      sync.Mutex
	window  int
	prev    map[string][]string
	repeats map[string]int
}

// NewStallDetector creates a detector; window <= 0 uses the default.
func NewStallDetector(window int) *StallDetector {
	if window <= 0 {
		window = DefaultStallWindow
	}
	return &StallDetector{
		window:  window,
		prev:    map[string][]string{},
		repeats: map[string]int{},
	}
}

// Observe records one iteration's evidence for a loop key and returns
// the progress delta against the previous iteration.
func (s *StallDetector) Observe(key string, env *types.HandoffEnvelope) ProgressDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := ProgressDelta{}
	if env != nil {
		if !env.FileChanges.Empty() {
			delta.HasActivity = true
		}
		if env.TestSummary != nil && env.TestSummary.Total > 0 {
			delta.HasActivity = true
		}
		if env.TestSummary != nil {
			delta.Signatures = normalized(env.TestSummary.ErrorSignatures)
		}
	}

	prev, seen := s.prev[key]
	delta.SameSignatures = seen && len(delta.Signatures) > 0 && equalStrings(prev, delta.Signatures)

	if delta.SameSignatures && delta.HasActivity {
		s.repeats[key]++
	} else {
		s.repeats[key] = 0
	}
	s.prev[key] = delta.Signatures

	// the first observation is iteration 1; window 2 means two
	// consecutive identical iterations after it
	delta.Stalled = s.repeats[key] >= s.window-1 && delta.SameSignatures && delta.HasActivity
	return delta
}

// Reset clears the detector's memory for a loop key.
func (s *StallDetector) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prev, key)
	delete(s.repeats, key)
}

func normalized(sigs []string) []string {
	out := append([]string(nil), sigs...)
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
