// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package diffscan captures file-level changes between step boundaries
// by shelling out to git. Scans are forensic and fail-soft: any error is
// reported through FileChanges.ScanError rather than aborting the step.
package diffscan

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/types"
)

// Scanner wraps git CLI operations for forensic diff capture.
type Scanner struct {
	// WorkDir is the repository to scan. Empty means the current directory.
	WorkDir string

	// GitBin is the git binary. Defaults to "git".
	GitBin string

	Logger *zap.Logger
}

// NewScanner creates a scanner for the given repository directory.
func NewScanner(workDir string, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{WorkDir: workDir, GitBin: "git", Logger: logger}
}

// Scan computes changed files since HEAD: tracked modifications via
// `diff HEAD --numstat --find-renames`, plus untracked and staged files
// via `status --porcelain -uall`. Never returns a nil result; errors
// surface in ScanError.
func (s *Scanner) Scan(ctx context.Context) *types.FileChanges {
	fc := &types.FileChanges{}

	if _, err := s.run(ctx, "rev-parse", "--git-dir"); err != nil {
		fc.ScanError = fmt.Sprintf("not a git repository: %v", err)
		return fc
	}

	numstats, err := s.numstat(ctx)
	if err != nil {
		fc.ScanError = fmt.Sprintf("diff scan: %v", err)
		s.Logger.Warn("diff scan failed", zap.Error(err))
		return fc
	}

	statuses, untracked, staged, err := s.porcelain(ctx)
	if err != nil {
		fc.ScanError = fmt.Sprintf("status scan: %v", err)
		s.Logger.Warn("status scan failed", zap.Error(err))
		return fc
	}

	// Join numstat counts into status entries. Files that appear in the
	// diff but not in porcelain output (e.g. staged-only renames already
	// covered) keep their diff status.
	seen := make(map[string]bool, len(numstats))
	for _, ns := range numstats {
		status := statuses[ns.path]
		if status == "" {
			status = "M"
		}
		fc.Files = append(fc.Files, types.FileDiff{
			Path:       ns.path,
			Status:     status,
			Insertions: ns.insertions,
			Deletions:  ns.deletions,
			OldPath:    ns.oldPath,
		})
		fc.TotalInsertions += ns.insertions
		fc.TotalDeletions += ns.deletions
		seen[ns.path] = true
	}
	for path, status := range statuses {
		if !seen[path] {
			fc.Files = append(fc.Files, types.FileDiff{Path: path, Status: status})
		}
	}
	sort.Slice(fc.Files, func(i, j int) bool { return fc.Files[i].Path < fc.Files[j].Path })

	fc.Untracked = untracked
	fc.Staged = staged
	return fc
}

type numstatEntry struct {
	path       string
	oldPath    string
	insertions int
	deletions  int
}

func (s *Scanner) numstat(ctx context.Context) ([]numstatEntry, error) {
	out, err := s.run(ctx, "diff", "HEAD", "--numstat", "--find-renames")
	if err != nil {
		return nil, err
	}
	var entries []numstatEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		// Binary files report "-" for both counts; record them as 0,0.
		ins, _ := strconv.Atoi(parts[0])
		del, _ := strconv.Atoi(parts[1])
		entry := numstatEntry{insertions: ins, deletions: del}

		path := parts[2]
		if old, renamed := parseRename(path); renamed != "" {
			entry.oldPath = old
			entry.path = renamed
		} else {
			entry.path = path
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// parseRename handles numstat rename notation: "old => new" and the
// brace form "dir/{old => new}/file".
func parseRename(path string) (oldPath, newPath string) {
	if open := strings.Index(path, "{"); open >= 0 {
		if arrow := strings.Index(path[open:], " => "); arrow >= 0 {
			if end := strings.Index(path[open:], "}"); end >= 0 {
				prefix := path[:open]
				suffix := path[open+end+1:]
				inner := path[open+1 : open+end]
				halves := strings.SplitN(inner, " => ", 2)
				return prefix + halves[0] + suffix, prefix + halves[1] + suffix
			}
		}
		return "", ""
	}
	if arrow := strings.Index(path, " => "); arrow >= 0 {
		return path[:arrow], path[arrow+4:]
	}
	return "", ""
}

// porcelain parses `status --porcelain -uall` into a path->status map,
// an untracked list, and a staged list.
func (s *Scanner) porcelain(ctx context.Context) (statuses map[string]string, untracked, staged []string, err error) {
	out, err := s.run(ctx, "status", "--porcelain", "-uall")
	if err != nil {
		return nil, nil, nil, err
	}
	statuses = make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		path := line[3:]
		if arrow := strings.Index(path, " -> "); arrow >= 0 {
			path = path[arrow+4:]
		}
		path = strings.Trim(path, `"`)

		if x == '?' && y == '?' {
			untracked = append(untracked, path)
			statuses[path] = "A"
			continue
		}
		if x != ' ' && x != '?' {
			staged = append(staged, path)
		}
		code := string(y)
		if y == ' ' {
			code = string(x)
		}
		statuses[path] = code
	}
	return statuses, untracked, staged, nil
}

func (s *Scanner) run(ctx context.Context, args ...string) (string, error) {
	bin := s.GitBin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
