// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package diffscan

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init")
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\n"), 0o644))
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "init")
	return dir
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func TestScan_NotARepo(t *testing.T) {
	fc := NewScanner(t.TempDir(), nil).Scan(context.Background())
	require.NotNil(t, fc)
	assert.NotEmpty(t, fc.ScanError)
	assert.Empty(t, fc.Files)
}

func TestScan_CleanRepo(t *testing.T) {
	dir := initRepo(t)
	fc := NewScanner(dir, nil).Scan(context.Background())
	require.Empty(t, fc.ScanError)
	assert.True(t, fc.Empty())
}

func TestScan_ModifiedAndUntracked(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\nthree\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("hello\n"), 0o644))

	fc := NewScanner(dir, nil).Scan(context.Background())
	require.Empty(t, fc.ScanError)

	byPath := map[string]string{}
	for _, f := range fc.Files {
		byPath[f.Path] = f.Status
	}
	assert.Equal(t, "M", byPath["a.txt"])
	assert.Equal(t, "A", byPath["new.txt"])
	assert.Equal(t, []string{"new.txt"}, fc.Untracked)
	assert.Equal(t, 1, fc.TotalInsertions)
	assert.Zero(t, fc.TotalDeletions)
}

func TestScan_StagedFile(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b\n"), 0o644))
	git(t, dir, "add", "b.txt")

	fc := NewScanner(dir, nil).Scan(context.Background())
	require.Empty(t, fc.ScanError)
	assert.Contains(t, fc.Staged, "b.txt")
}

func TestParseRename(t *testing.T) {
	old, renamed := parseRename("old.txt => new.txt")
	assert.Equal(t, "old.txt", old)
	assert.Equal(t, "new.txt", renamed)

	old, renamed = parseRename("pkg/{alpha => beta}/file.go")
	assert.Equal(t, "pkg/alpha/file.go", old)
	assert.Equal(t, "pkg/beta/file.go", renamed)

	old, renamed = parseRename("plain.go")
	assert.Empty(t, old)
	assert.Empty(t, renamed)
}
