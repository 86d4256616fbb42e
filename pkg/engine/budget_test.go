// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/swarm/pkg/types"
)

func entry(step string, prio types.Priority, output string) types.HistoryEntry {
	return types.HistoryEntry{
		StepID:   step,
		Status:   types.StatusVerified,
		Summary:  "done",
		Output:   output,
		Priority: prio,
		Ts:       "2026-08-24T10:00:00.000Z",
	}
}

func TestBudgetHistory_AllFit(t *testing.T) {
	history := []types.HistoryEntry{
		entry("a", types.PriorityLow, "aaa"),
		entry("b", types.PriorityHigh, "bbb"),
	}
	text, trunc := BudgetHistory(history, BudgetConfig{ContextBudgetChars: 10000, RecentMaxChars: 4000, OlderMaxChars: 1000})
	assert.False(t, trunc.Truncated)
	assert.Equal(t, 2, trunc.IncludedItems)
	assert.Zero(t, trunc.DroppedItems)
	assert.Contains(t, text, "aaa")
	assert.Contains(t, text, "bbb")
	assert.NotContains(t, text, "[CONTEXT_TRUNCATED]")

	// rendered in execution order regardless of priority
	assert.Less(t, strings.Index(text, "aaa"), strings.Index(text, "bbb"))
}

func TestBudgetHistory_HighPriorityAdmittedFirst(t *testing.T) {
	long := strings.Repeat("x", 300)
	history := []types.HistoryEntry{
		entry("low1", types.PriorityLow, long),
		entry("critical", types.PriorityCritical, long),
		entry("low2", types.PriorityLow, long),
	}
	// budget fits roughly one item
	text, trunc := BudgetHistory(history, BudgetConfig{ContextBudgetChars: 400, RecentMaxChars: 390, OlderMaxChars: 350})
	assert.True(t, trunc.Truncated)
	assert.Equal(t, 1, trunc.IncludedItems)
	assert.Equal(t, 2, trunc.DroppedItems)
	assert.Contains(t, text, "critical")
	assert.Contains(t, text, "[CONTEXT_TRUNCATED]")
	assert.Equal(t, 1, trunc.PriorityIncluded[types.PriorityCritical])
}

func TestBudgetHistory_MostRecentGetsRecentLimit(t *testing.T) {
	long := strings.Repeat("y", 2000)
	history := []types.HistoryEntry{
		entry("older", types.PriorityMedium, long),
		entry("recent", types.PriorityMedium, long),
	}
	_, trunc := BudgetHistory(history, BudgetConfig{ContextBudgetChars: 100000, RecentMaxChars: 5000, OlderMaxChars: 100})
	assert.True(t, trunc.Truncated) // the older item was trimmed to 100 chars
	assert.Equal(t, 2, trunc.IncludedItems)
	// recent kept in full, older trimmed
	assert.Less(t, trunc.UsedChars, 2*2100)
	assert.Greater(t, trunc.UsedChars, 2000)
}

func TestBudgetHistory_Empty(t *testing.T) {
	text, trunc := BudgetHistory(nil, DefaultBudget())
	assert.Empty(t, text)
	require.NotNil(t, trunc)
	assert.Zero(t, trunc.IncludedItems)
}

func TestCheckCommand(t *testing.T) {
	destructive := []string{
		"rm -rf /",
		"rm -fr build",
		"rm -r -f /tmp/work",
		"rm -f -r build",
		"rm --recursive --force build",
		"/bin/rm -r -f build",
		"git push origin main --force",
		"git reset --hard HEAD~3",
		"sudo rm /etc/passwd",
		"cat data > /dev/sda",
		":(){ :|:& };:",
		"dd if=/dev/zero of=/dev/sda",
	}
	for _, cmd := range destructive {
		assert.Error(t, CheckCommand(cmd), "expected rejection: %s", cmd)
	}

	safe := []string{
		"rm build/output.txt",
		"rm -r build",
		"rm -f stale.lock",
		"rm -r build && tar -cf out.tar dist",
		"git push origin feature",
		"git status",
		"go test ./...",
		"echo hello > out.txt",
	}
	for _, cmd := range safe {
		assert.NoError(t, CheckCommand(cmd), "expected pass: %s", cmd)
	}
}
