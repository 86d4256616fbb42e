// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/teradata-labs/swarm/pkg/types"
)

// BudgetConfig bounds how much step history is admitted into a prompt
// when no ContextPack is available.
type BudgetConfig struct {
	ContextBudgetChars int
	RecentMaxChars     int
	OlderMaxChars      int
}

// DefaultBudget mirrors the limits used for legacy prompt assembly.
func DefaultBudget() BudgetConfig {
	return BudgetConfig{
		ContextBudgetChars: 24000,
		RecentMaxChars:     4000,
		OlderMaxChars:      1000,
	}
}

type budgetItem struct {
	entry      types.HistoryEntry
	order      int
	text       string
	mostRecent bool
}

// BudgetHistory admits history entries into a prompt by priority class.
// Entries are considered in priority-descending order (ties broken by
// execution order); CRITICAL entries and the most recent step keep up
// to RecentMaxChars, older entries OlderMaxChars, and admission stops
// once the global budget would be exceeded. When anything is dropped or
// trimmed, the rendered text starts with a [CONTEXT_TRUNCATED] note.
func BudgetHistory(history []types.HistoryEntry, cfg BudgetConfig) (string, *types.ContextTruncation) {
	if cfg.ContextBudgetChars <= 0 {
		cfg = DefaultBudget()
	}

	trunc := &types.ContextTruncation{
		BudgetChars:      cfg.ContextBudgetChars,
		PriorityIncluded: map[types.Priority]int{},
	}
	if len(history) == 0 {
		return "", trunc
	}

	items := make([]budgetItem, len(history))
	for i, h := range history {
		items[i] = budgetItem{
			entry:      h,
			order:      i,
			text:       renderHistoryEntry(h),
			mostRecent: i == len(history)-1,
		}
	}

	byPriority := make([]budgetItem, len(items))
	copy(byPriority, items)
	sort.SliceStable(byPriority, func(a, b int) bool {
		if byPriority[a].entry.Priority != byPriority[b].entry.Priority {
			return byPriority[a].entry.Priority > byPriority[b].entry.Priority
		}
		return byPriority[a].order < byPriority[b].order
	})

	admitted := map[int]string{}
	used := 0
	itemTruncated := false
	for _, it := range byPriority {
		limit := cfg.OlderMaxChars
		if it.entry.Priority == types.PriorityCritical || it.mostRecent {
			limit = cfg.RecentMaxChars
		}
		text := it.text
		if len(text) > limit {
			text = text[:limit] + "…"
			itemTruncated = true
		}
		if used+len(text) > cfg.ContextBudgetChars {
			trunc.DroppedItems++
			continue
		}
		admitted[it.order] = text
		used += len(text)
		trunc.IncludedItems++
		trunc.PriorityIncluded[it.entry.Priority]++
	}
	trunc.UsedChars = used
	trunc.Truncated = trunc.DroppedItems > 0 || itemTruncated

	var b strings.Builder
	if trunc.Truncated {
		fmt.Fprintf(&b, "[CONTEXT_TRUNCATED] %d of %d history items included within a %d-char budget.\n\n",
			trunc.IncludedItems, len(history), cfg.ContextBudgetChars)
	}
	for i := range items {
		if text, ok := admitted[i]; ok {
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	return b.String(), trunc
}

func renderHistoryEntry(h types.HistoryEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s (%s): %s", h.Ts, h.StepID, h.Status, h.Summary)
	if h.Output != "" {
		b.WriteString("\n")
		b.WriteString(h.Output)
	}
	return b.String()
}
