// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package evolution applies (or records) self-improvement patches the
// Wisdom flow proposes. Application is policy-gated; every candidate
// leaves a persistent marker so reprocessing a run never applies the
// same patch twice.
package evolution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

// Policy gates automatic patch application.
type Policy string

const (
	SuggestOnly   Policy = "SUGGEST_ONLY"
	AutoApplySafe Policy = "AUTO_APPLY_SAFE"
	AutoApplyAll  Policy = "AUTO_APPLY_ALL"
)

// Boundary is where the autopilot triggers evolution processing.
type Boundary string

const (
	BoundaryRunEnd  Boundary = "run_end"
	BoundaryFlowEnd Boundary = "flow_end"
)

// Risk and confidence grades on a patch.
const (
	GradeLow    = "low"
	GradeMedium = "medium"
	GradeHigh   = "high"
)

// Action records what happened to a candidate patch.
type Action string

const (
	ActionApplied   Action = "applied"
	ActionSuggested Action = "suggested"
	ActionRejected  Action = "rejected"
	ActionSkipped   Action = "skipped"
)

// Patch is one candidate self-improvement emitted by the Wisdom flow.
type Patch struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	TargetPath string `json:"target_path"`
	NewContent string `json:"new_content"`
	Rationale  string `json:"rationale,omitempty"`

	Risk                string `json:"risk"`       // low | medium | high
	Confidence          string `json:"confidence"` // low | medium | high
	HumanReviewRequired bool   `json:"human_review_required"`
}

// Record is one patch's outcome in the summary.
type Record struct {
	Patch       Patch  `json:"patch"`
	ActionTaken Action `json:"action_taken"`
	Reason      string `json:"reason,omitempty"`
	BackupPath  string `json:"backup_path,omitempty"`
	DiffPreview string `json:"diff_preview,omitempty"`
}

// Summary is persisted as evolution_summary.json next to the markers.
type Summary struct {
	Policy      Policy   `json:"policy"`
	ProcessedAt string   `json:"processed_at"`
	Applied     int      `json:"applied"`
	Suggested   int      `json:"suggested"`
	Rejected    int      `json:"rejected"`
	Skipped     int      `json:"skipped"`
	Suggestions []Record `json:"suggestions"`
}

// Config configures a processor.
type Config struct {
	// WorkDir is the tree patches apply to.
	WorkDir string

	// StateDir holds markers, backups, and the summary; typically the
	// wisdom flow's directory inside the run.
	StateDir string

	Policy Policy
	Logger *zap.Logger
}

// Processor applies candidate patches under a policy.
type Processor struct {
	workDir  string
	stateDir string
	policy   Policy
	logger   *zap.Logger
}

// NewProcessor creates a processor. Policy defaults to SUGGEST_ONLY.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.WorkDir == "" || cfg.StateDir == "" {
		return nil, fmt.Errorf("evolution processor requires work and state dirs")
	}
	policy := cfg.Policy
	if policy == "" {
		policy = SuggestOnly
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{workDir: cfg.WorkDir, stateDir: cfg.StateDir, policy: policy, logger: logger}, nil
}

// PatchesFilename is where the Wisdom flow leaves its candidates.
const PatchesFilename = "evolution_patches.json"

// SummaryFilename is the processing outcome record.
const SummaryFilename = "evolution_summary.json"

// LoadPatches reads a candidate patch list. A missing file is an empty
// list, not an error.
func LoadPatches(path string) ([]Patch, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read patches: %w", err)
	}
	var patches []Patch
	if err := json.Unmarshal(data, &patches); err != nil {
		return nil, fmt.Errorf("parse patches: %w", err)
	}
	return patches, nil
}

// Validate checks a patch for structural soundness.
func Validate(p Patch) error {
	if p.ID == "" {
		return fmt.Errorf("patch has no id")
	}
	if p.TargetPath == "" || filepath.IsAbs(p.TargetPath) || strings.Contains(p.TargetPath, "..") {
		return fmt.Errorf("patch %s has an invalid target path %q", p.ID, p.TargetPath)
	}
	if p.NewContent == "" {
		return fmt.Errorf("patch %s has no content", p.ID)
	}
	if !validGrade(p.Risk) {
		return fmt.Errorf("patch %s has invalid risk %q", p.ID, p.Risk)
	}
	if !validGrade(p.Confidence) {
		return fmt.Errorf("patch %s has invalid confidence %q", p.ID, p.Confidence)
	}
	return nil
}

func validGrade(g string) bool {
	return g == GradeLow || g == GradeMedium || g == GradeHigh
}

// permitted reports whether the policy allows automatic application.
func (p *Processor) permitted(patch Patch) bool {
	switch p.policy {
	case AutoApplyAll:
		return true
	case AutoApplySafe:
		return patch.Risk == GradeLow && patch.Confidence == GradeHigh && !patch.HumanReviewRequired
	default:
		return false
	}
}

// Process runs every candidate through validation, the policy gate, and
// application, emitting evolution events through the journal. The
// summary is persisted before returning.
func (p *Processor) Process(patches []Patch, journal *runstore.Journal, flowKey types.FlowKey) (*Summary, error) {
	summary := &Summary{Policy: p.policy, ProcessedAt: types.Now()}
	emit := func(kind types.EventKind, payload map[string]any) {
		if journal != nil {
			journal.Emit(kind, flowKey, "", "", payload)
		}
	}
	emit(types.EventEvolutionProcessingStarted, map[string]any{"candidates": len(patches)})

	for _, patch := range patches {
		record := p.processOne(patch, emit)
		summary.Suggestions = append(summary.Suggestions, record)
		switch record.ActionTaken {
		case ActionApplied:
			summary.Applied++
		case ActionSuggested:
			summary.Suggested++
		case ActionRejected:
			summary.Rejected++
		case ActionSkipped:
			summary.Skipped++
		}
	}

	emit(types.EventEvolutionProcessingCompleted, map[string]any{
		"applied": summary.Applied, "suggested": summary.Suggested,
		"rejected": summary.Rejected, "skipped": summary.Skipped,
	})

	if err := runstore.WriteJSON(filepath.Join(p.stateDir, SummaryFilename), summary); err != nil {
		return summary, fmt.Errorf("write evolution summary: %w", err)
	}
	return summary, nil
}

func (p *Processor) processOne(patch Patch, emit func(types.EventKind, map[string]any)) Record {
	record := Record{Patch: patch}

	if action, ok := p.existingMarker(patch.ID); ok {
		record.ActionTaken = ActionSkipped
		record.Reason = fmt.Sprintf("marker exists: %s", action)
		return record
	}

	if err := Validate(patch); err != nil {
		record.ActionTaken = ActionRejected
		record.Reason = err.Error()
		p.writeMarker(patch.ID, ActionRejected, record.Reason)
		emit(types.EventEvolutionRejected, map[string]any{"patch_id": patch.ID, "reason": record.Reason})
		return record
	}

	record.DiffPreview = p.diffPreview(patch)

	if !p.permitted(patch) {
		record.ActionTaken = ActionSuggested
		record.Reason = fmt.Sprintf("policy %s does not permit automatic application", p.policy)
		p.writeMarker(patch.ID, ActionSuggested, record.Reason)
		emit(types.EventEvolutionSuggested, map[string]any{"patch_id": patch.ID, "target": patch.TargetPath})
		return record
	}

	backup, err := p.apply(patch)
	if err != nil {
		record.ActionTaken = ActionRejected
		record.Reason = "apply failed: " + err.Error()
		p.writeMarker(patch.ID, ActionRejected, record.Reason)
		emit(types.EventEvolutionRejected, map[string]any{"patch_id": patch.ID, "reason": record.Reason})
		return record
	}
	record.ActionTaken = ActionApplied
	record.BackupPath = backup
	p.writeMarker(patch.ID, ActionApplied, "")
	emit(types.EventEvolutionApplied, map[string]any{"patch_id": patch.ID, "target": patch.TargetPath})
	p.logger.Info("evolution patch applied",
		zap.String("patch", patch.ID), zap.String("target", patch.TargetPath))
	return record
}

// apply backs the target up and writes the new content.
func (p *Processor) apply(patch Patch) (string, error) {
	target := filepath.Join(p.workDir, patch.TargetPath)

	backupPath := ""
	if existing, err := os.ReadFile(target); err == nil {
		backupPath = filepath.Join(p.stateDir, "backups",
			fmt.Sprintf("%s.%s.bak", filepath.Base(patch.TargetPath), patch.ID))
		if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
			return "", fmt.Errorf("create backup dir: %w", err)
		}
		if err := os.WriteFile(backupPath, existing, 0o644); err != nil {
			return "", fmt.Errorf("write backup: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}
	if err := os.WriteFile(target, []byte(patch.NewContent), 0o644); err != nil {
		return "", fmt.Errorf("write target: %w", err)
	}
	return backupPath, nil
}

// diffPreview renders a compact diff of the change, capped for the
// summary file.
func (p *Processor) diffPreview(patch Patch) string {
	old := ""
	if data, err := os.ReadFile(filepath.Join(p.workDir, patch.TargetPath)); err == nil {
		old = string(data)
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, patch.NewContent, false)
	preview := dmp.DiffPrettyText(diffs)
	if len(preview) > 4000 {
		preview = preview[:4000] + "…"
	}
	return preview
}

// ============================================================================
// Markers
// ============================================================================

func (p *Processor) markerPath(id string, action Action) string {
	return filepath.Join(p.stateDir, "markers", fmt.Sprintf("%s.%s", id, action))
}

func (p *Processor) existingMarker(id string) (Action, bool) {
	for _, action := range []Action{ActionApplied, ActionRejected, ActionSuggested} {
		if _, err := os.Stat(p.markerPath(id, action)); err == nil {
			return action, true
		}
	}
	return "", false
}

func (p *Processor) writeMarker(id string, action Action, reason string) {
	path := p.markerPath(id, action)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		p.logger.Warn("marker dir create failed", zap.Error(err))
		return
	}
	body := types.Now()
	if reason != "" {
		body += "\n" + reason
	}
	if err := os.WriteFile(path, []byte(body+"\n"), 0o644); err != nil {
		p.logger.Warn("marker write failed", zap.String("patch", id), zap.Error(err))
	}
}
