// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package projection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "projection.db")
	store, err := Open(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func writeJournal(t *testing.T, runsRoot string, runID types.RunID, n int, complete bool) *runstore.Journal {
	t.Helper()
	j, err := runstore.OpenJournal(runstore.RunDir(runsRoot, runID), runID, zap.NewNop())
	require.NoError(t, err)
	j.Emit(types.EventRunStarted, "", "", "", nil)
	for i := 0; i < n; i++ {
		step := types.StepID(fmt.Sprintf("step_%d", i))
		j.Emit(types.EventStepStart, "build", step, "worker", nil)
		j.Emit(types.EventStepEnd, "build", step, "worker",
			map[string]any{"status": "VERIFIED", "decision": "advance"})
	}
	if complete {
		j.Emit(types.EventRunCompleted, "build", "", "", map[string]any{"status": "succeeded"})
	}
	return j
}

func TestTailer_IngestAndDerivedTables(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	runsRoot := t.TempDir()
	writeJournal(t, runsRoot, "run-1", 2, true)

	tailer := NewTailer(store, runsRoot, zap.NewNop())
	n, err := tailer.TailRun(ctx, "run-1")
	require.NoError(t, err)
	// run_started + 2*(start,end) + run_completed
	assert.Equal(t, 6, n)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", run.Status)
	assert.NotEmpty(t, run.StartedAt)
	assert.NotEmpty(t, run.CompletedAt)
	assert.Equal(t, int64(6), run.EventCount)

	steps, err := store.GetSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "VERIFIED", steps[0].Status)
	assert.Equal(t, "advance", steps[0].Decision)
	assert.Equal(t, int64(1), steps[0].Executions)

	kinds, err := store.CountByKind(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), kinds[types.EventStepStart])

	// no new bytes: second tail is a no-op
	n, err = tailer.TailRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTailer_PartialLineCrashSafety(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	runsRoot := t.TempDir()
	j := writeJournal(t, runsRoot, "run-1", 4, false)

	tailer := NewTailer(store, runsRoot, zap.NewNop())
	n, err := tailer.TailRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	// simulate a crash mid-append: a 10th event with no trailing newline
	partial := `{"run_id":"run-1","seq":10,"event_id":"ev-partial","kind":"step_start"`
	f, err := os.OpenFile(j.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(partial)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err = tailer.TailRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, n, "partial line must not be ingested")

	// the writer completes the line; exactly that event is ingested next
	f, err = os.OpenFile(j.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(",\"ts\":\"2026-08-24T00:00:00Z\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err = tailer.TailRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := store.HasEvent(ctx, "ev-partial")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTailer_IdempotentOnEventID(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	runsRoot := t.TempDir()
	writeJournal(t, runsRoot, "run-1", 1, true)

	tailer := NewTailer(store, runsRoot, zap.NewNop())
	n, err := tailer.TailRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 4, n)

	// crash before offset advance: force a re-read of the whole window
	_, err = store.db.Exec(`UPDATE tail_state SET byte_offset = 0 WHERE run_id = 'run-1'`)
	require.NoError(t, err)

	n, err = tailer.TailRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, n, "re-ingest of projected events must be a no-op")

	count, err := store.EventCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestTailer_MalformedLinesSkipped(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	runsRoot := t.TempDir()
	j := writeJournal(t, runsRoot, "run-1", 1, false)

	f, err := os.OpenFile(j.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("this is not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	writeJournal(t, runsRoot, "run-1", 0, true)

	tailer := NewTailer(store, runsRoot, zap.NewNop())
	n, err := tailer.TailRun(ctx, "run-1")
	require.NoError(t, err)
	// 1 run_started + start/end + run_started + run_completed; junk skipped
	assert.Equal(t, 5, n)
}

func TestStore_WriteOutsideIngestBracket(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)

	event := types.RunEvent{RunID: "run-1", EventID: "ev-1", Seq: 1, Ts: types.Now(), Kind: types.EventLog}

	// default mode: silently dropped
	require.NoError(t, store.RecordEvent(ctx, event))
	ok, err := store.HasEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// strict mode: rejected
	store.strict = true
	err = store.RecordEvent(ctx, event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside ingest bracket")

	// projection-only mode: dropped even under strict
	store.projectionOnly = true
	require.NoError(t, store.RecordEvent(ctx, event))
	ok, err = store.HasEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ProjectionOnlyEnvRecognized(t *testing.T) {
	t.Setenv("SWARM_DB_PROJECTION_ONLY", "1")
	t.Setenv("SWARM_DB_PROJECTION_STRICT", "1")

	store, _ := openStore(t)
	assert.True(t, store.projectionOnly)
	assert.True(t, store.strict)

	event := types.RunEvent{RunID: "run-1", EventID: "ev-env", Seq: 1, Ts: types.Now(), Kind: types.EventLog}
	require.NoError(t, store.RecordEvent(context.Background(), event))
}

func TestStore_VersionMismatchRetiresFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "projection.db")

	store, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE meta SET value = '999' WHERE key = 'projection_version'`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.NeedsRebuild())

	retired, err := filepath.Glob(path + ".old.*")
	require.NoError(t, err)
	assert.Len(t, retired, 1)

	v, err := reopened.storedVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, Version, v)
}

func TestTailer_Rebuild(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	runsRoot := t.TempDir()
	writeJournal(t, runsRoot, "run-1", 1, true)
	writeJournal(t, runsRoot, "run-2", 2, true)

	tailer := NewTailer(store, runsRoot, zap.NewNop())
	n, err := tailer.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	// rebuilding again yields the same projection
	n, err = tailer.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestTailer_WatchRunStopsOnComplete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, _ := openStore(t)
	runsRoot := t.TempDir()
	writeJournal(t, runsRoot, "run-1", 1, false)

	tailer := NewTailer(store, runsRoot, zap.NewNop())
	counts := tailer.WatchRun(ctx, "run-1", WatchConfig{PollInterval: 20 * time.Millisecond, StopOnComplete: true})

	total := <-counts
	require.Equal(t, 3, total)

	// completion arrives while watching
	writeJournal(t, runsRoot, "run-1", 0, true)

	for n := range counts {
		total += n
	}
	// run_started (reopen) + run_completed
	assert.Equal(t, 5, total)
}

func TestResilient_SafeQueriesAndHealth(t *testing.T) {
	ctx := context.Background()
	runsRoot := t.TempDir()
	writeJournal(t, runsRoot, "run-1", 1, true)

	path := filepath.Join(t.TempDir(), "projection.db")
	r, err := NewResilient(ctx, path, runsRoot, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Tailer().TailRun(ctx, "run-1")
	require.NoError(t, err)

	run := r.GetRunSafe(ctx, "run-1")
	require.NotNil(t, run)
	assert.Equal(t, "succeeded", run.Status)
	assert.Len(t, r.GetStepsSafe(ctx, "run-1"), 1)
	assert.Equal(t, int64(4), r.EventCountSafe(ctx, "run-1"))

	// unknown run degrades to the typed default, not an error
	assert.Nil(t, r.GetRunSafe(ctx, "run-missing"))

	health := r.CheckHealth(ctx)
	assert.True(t, health.Healthy)
	assert.Zero(t, health.RebuildCount)
	assert.Equal(t, int64(4), health.EventCount)
}

func TestResilient_RebuildWhenFileVanishes(t *testing.T) {
	ctx := context.Background()
	runsRoot := t.TempDir()
	writeJournal(t, runsRoot, "run-1", 1, true)

	path := filepath.Join(t.TempDir(), "projection.db")
	r, err := NewResilient(ctx, path, runsRoot, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Tailer().TailRun(ctx, "run-1")
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, os.Remove(path))

	health := r.CheckHealth(ctx)
	assert.True(t, health.Healthy)
	assert.Equal(t, 1, health.RebuildCount)
	assert.Equal(t, int64(4), health.EventCount)

	run := r.GetRunSafe(ctx, "run-1")
	require.NotNil(t, run)
	assert.Equal(t, "succeeded", run.Status)
}

func TestResilient_ConcurrentQueriesDuringHealthCheck(t *testing.T) {
	ctx := context.Background()
	runsRoot := t.TempDir()
	writeJournal(t, runsRoot, "run-1", 2, true)

	path := filepath.Join(t.TempDir(), "projection.db")
	r, err := NewResilient(ctx, path, runsRoot, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Tailer().TailRun(ctx, "run-1")
	require.NoError(t, err)

	// queries race a health-triggered store swap; the guarded pointer
	// read keeps them on a coherent store either side of the swap
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.GetRunSafe(ctx, "run-1")
				r.EventCountSafe(ctx, "run-1")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, os.Remove(path))
		r.CheckHealth(ctx)
	}()
	wg.Wait()

	health := r.CheckHealth(ctx)
	assert.True(t, health.Healthy)
	run := r.GetRunSafe(ctx, "run-1")
	require.NotNil(t, run)
}
