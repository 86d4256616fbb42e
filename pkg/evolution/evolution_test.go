// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package evolution

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

func newProcessor(t *testing.T, policy Policy) (*Processor, string, string) {
	t.Helper()
	workDir := t.TempDir()
	stateDir := t.TempDir()
	p, err := NewProcessor(Config{WorkDir: workDir, StateDir: stateDir, Policy: policy, Logger: zap.NewNop()})
	require.NoError(t, err)
	return p, workDir, stateDir
}

func safePatch(id string) Patch {
	return Patch{
		ID:         id,
		Title:      "tighten prompt",
		TargetPath: "prompts/critic.md",
		NewContent: "Be specific about failing assertions.\n",
		Risk:       GradeLow,
		Confidence: GradeHigh,
	}
}

func TestProcess_AutoApplySafePolicy(t *testing.T) {
	p, workDir, stateDir := newProcessor(t, AutoApplySafe)
	journal, err := runstore.OpenJournal(t.TempDir(), "run-1", zap.NewNop())
	require.NoError(t, err)

	risky := safePatch("patch-risky")
	risky.Risk = GradeHigh
	review := safePatch("patch-review")
	review.HumanReviewRequired = true
	unsure := safePatch("patch-unsure")
	unsure.Confidence = GradeMedium

	summary, err := p.Process([]Patch{safePatch("patch-safe"), risky, review, unsure}, journal, "wisdom")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 3, summary.Suggested)
	require.Len(t, summary.Suggestions, 4)
	assert.Equal(t, ActionApplied, summary.Suggestions[0].ActionTaken)
	assert.Equal(t, ActionSuggested, summary.Suggestions[1].ActionTaken)

	// only the safe patch landed on disk
	data, err := os.ReadFile(filepath.Join(workDir, "prompts/critic.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "failing assertions")

	var persisted Summary
	raw, err := os.ReadFile(filepath.Join(stateDir, SummaryFilename))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, AutoApplySafe, persisted.Policy)
	assert.Len(t, persisted.Suggestions, 4)

	events, err := runstore.ReadEvents(journal.Path())
	require.NoError(t, err)
	var kinds []types.EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, types.EventEvolutionApplied)
	assert.Contains(t, kinds, types.EventEvolutionSuggested)
	assert.Equal(t, types.EventEvolutionProcessingStarted, kinds[0])
	assert.Equal(t, types.EventEvolutionProcessingCompleted, kinds[len(kinds)-1])
}

func TestProcess_SuggestOnlyNeverApplies(t *testing.T) {
	p, workDir, _ := newProcessor(t, SuggestOnly)

	summary, err := p.Process([]Patch{safePatch("patch-1")}, nil, "wisdom")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Applied)
	assert.Equal(t, 1, summary.Suggested)

	_, statErr := os.Stat(filepath.Join(workDir, "prompts/critic.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcess_AutoApplyAllAppliesRisky(t *testing.T) {
	p, workDir, _ := newProcessor(t, AutoApplyAll)
	risky := safePatch("patch-risky")
	risky.Risk = GradeHigh
	risky.HumanReviewRequired = true

	summary, err := p.Process([]Patch{risky}, nil, "wisdom")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)
	_, statErr := os.Stat(filepath.Join(workDir, "prompts/critic.md"))
	assert.NoError(t, statErr)
}

func TestProcess_MarkerSkipsReprocessing(t *testing.T) {
	p, workDir, _ := newProcessor(t, AutoApplyAll)
	patch := safePatch("patch-1")

	first, err := p.Process([]Patch{patch}, nil, "wisdom")
	require.NoError(t, err)
	require.Equal(t, 1, first.Applied)

	// mutate the target, reprocess; the marker must prevent re-application
	target := filepath.Join(workDir, patch.TargetPath)
	require.NoError(t, os.WriteFile(target, []byte("hand edited\n"), 0o644))

	second, err := p.Process([]Patch{patch}, nil, "wisdom")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 1, second.Skipped)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hand edited\n", string(data))
}

func TestProcess_BackupBeforeOverwrite(t *testing.T) {
	p, workDir, stateDir := newProcessor(t, AutoApplyAll)
	patch := safePatch("patch-1")

	target := filepath.Join(workDir, patch.TargetPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("original content\n"), 0o644))

	summary, err := p.Process([]Patch{patch}, nil, "wisdom")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Applied)
	backup := summary.Suggestions[0].BackupPath
	require.NotEmpty(t, backup)
	assert.Equal(t, filepath.Join(stateDir, "backups"), filepath.Dir(backup))

	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "original content\n", string(data))
	assert.NotEmpty(t, summary.Suggestions[0].DiffPreview)
}

func TestProcess_InvalidPatchRejected(t *testing.T) {
	p, _, _ := newProcessor(t, AutoApplyAll)

	escape := safePatch("patch-escape")
	escape.TargetPath = "../outside.md"
	noContent := safePatch("patch-empty")
	noContent.NewContent = ""
	badGrade := safePatch("patch-grade")
	badGrade.Risk = "extreme"

	summary, err := p.Process([]Patch{escape, noContent, badGrade}, nil, "wisdom")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Rejected)
	assert.Equal(t, 0, summary.Applied)
	assert.Contains(t, summary.Suggestions[0].Reason, "invalid target path")
}

func TestLoadPatches(t *testing.T) {
	dir := t.TempDir()

	patches, err := LoadPatches(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, patches)

	path := filepath.Join(dir, PatchesFilename)
	require.NoError(t, os.WriteFile(path,
		[]byte(`[{"id":"p1","target_path":"a.md","new_content":"x","risk":"low","confidence":"high"}]`), 0o644))
	patches, err = LoadPatches(path)
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, "p1", patches[0].ID)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err = LoadPatches(path)
	assert.Error(t, err)
}
