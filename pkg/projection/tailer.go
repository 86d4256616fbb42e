// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teradata-labs/swarm/pkg/runstore"
	"github.com/teradata-labs/swarm/pkg/types"
)

// DefaultPollInterval is the watch fallback cadence when filesystem
// notifications are unavailable or quiet.
const DefaultPollInterval = 500 * time.Millisecond

// Tailer incrementally projects per-run journals. Offsets live in the
// projection itself and advance only after a successful ingest, so a
// crash mid-ingest re-reads the same window idempotently.
type Tailer struct {
	store    *Store
	runsRoot string
	logger   *zap.Logger
}

// NewTailer creates a tailer over the runs under runsRoot.
func NewTailer(store *Store, runsRoot string, logger *zap.Logger) *Tailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tailer{store: store, runsRoot: runsRoot, logger: logger}
}

// TailRun ingests any new complete events of a run. Returns the number
// of newly projected events.
func (t *Tailer) TailRun(ctx context.Context, runID types.RunID) (int, error) {
	n, _, err := t.tailRun(ctx, runID)
	return n, err
}

// tailRun additionally reports whether a run_completed event was seen in
// this window, which the watcher uses for stop_on_complete.
func (t *Tailer) tailRun(ctx context.Context, runID types.RunID) (int, bool, error) {
	path := runstore.EventsPath(runstore.RunDir(t.runsRoot, runID))

	offset, _, err := t.store.TailState(ctx, runID)
	if err != nil {
		return 0, false, fmt.Errorf("read tail state: %w", err)
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if info.Size() <= offset {
		return 0, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, false, fmt.Errorf("seek journal: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, false, fmt.Errorf("read journal: %w", err)
	}

	events, consumed := t.parseWindow(runID, string(data))
	if consumed == 0 {
		return 0, false, nil
	}

	ingested, err := t.store.IngestEvents(ctx, runID, events, offset+consumed)
	if err != nil {
		// offset untouched: the next tail re-reads this window
		return 0, false, fmt.Errorf("ingest events for %s: %w", runID, err)
	}

	completed := false
	for _, e := range events {
		if e.Kind == types.EventRunCompleted {
			completed = true
		}
	}
	return ingested, completed, nil
}

// parseWindow splits the buffer into complete lines, stopping at the
// first line without a trailing newline (a partial write). Malformed
// complete lines are logged and skipped but still count as consumed.
func (t *Tailer) parseWindow(runID types.RunID, data string) ([]types.RunEvent, int64) {
	var events []types.RunEvent
	consumed := int64(0)
	for {
		nl := strings.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := data[:nl]
		data = data[nl+1:]
		consumed += int64(nl + 1)

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var e types.RunEvent
		if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
			t.logger.Warn("skipping malformed journal line",
				zap.String("run_id", runID), zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	return events, consumed
}

// TailAll tails every run under the root.
func (t *Tailer) TailAll(ctx context.Context) (int, error) {
	ids, err := runstore.ListRunIDs(t.runsRoot)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		n, err := t.TailRun(ctx, id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Rebuild clears the projection and re-ingests every journal from
// offset zero.
func (t *Tailer) Rebuild(ctx context.Context) (int, error) {
	if err := t.store.Reset(ctx); err != nil {
		return 0, err
	}
	n, err := t.TailAll(ctx)
	if err != nil {
		return n, err
	}
	t.store.ClearNeedsRebuild()
	t.logger.Info("projection rebuilt", zap.Int("events", n))
	return n, nil
}

// WatchConfig configures WatchRun.
type WatchConfig struct {
	PollInterval   time.Duration
	StopOnComplete bool
}

// WatchRun follows a run's journal until the context is done (or until
// run_completed is ingested with StopOnComplete). Each new batch size is
// sent on the returned channel, which closes when the watch ends.
func (t *Tailer) WatchRun(ctx context.Context, runID types.RunID, cfg WatchConfig) <-chan int {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	counts := make(chan int)
	go func() {
		defer close(counts)

		// fsnotify wakes us early; the poll ticker is the fallback for
		// filesystems without notification support
		var fsEvents chan fsnotify.Event
		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			defer watcher.Close()
			if werr := watcher.Add(runstore.RunDir(t.runsRoot, runID)); werr != nil {
				t.logger.Debug("journal watch unavailable, polling only",
					zap.String("run_id", runID), zap.Error(werr))
			} else {
				fsEvents = make(chan fsnotify.Event)
				go func() {
					for ev := range watcher.Events {
						select {
						case fsEvents <- ev:
						case <-ctx.Done():
							return
						}
					}
				}()
			}
		}

		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			n, completed, err := t.tailRun(ctx, runID)
			if err != nil {
				t.logger.Warn("tail failed, retrying",
					zap.String("run_id", runID), zap.Error(err))
			}
			if n > 0 {
				select {
				case counts <- n:
				case <-ctx.Done():
					return
				}
			}
			if completed && cfg.StopOnComplete {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-fsEvents:
			}
		}
	}()
	return counts
}
