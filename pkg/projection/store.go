// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package projection maintains a derived tabular view of the per-run
// event journals in SQLite. The projection is rebuildable at any time:
// events.jsonl is the source of truth, this store is a cache for query.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	_ "github.com/teradata-labs/swarm/internal/sqlitedriver"
	"github.com/teradata-labs/swarm/pkg/types"
)

// Version identifies the projection schema. A stored version that does
// not match forces a rebuild from the journals.
const Version = 1

// Store is the SQLite projection. Only the ingest bracket may mutate it;
// direct record calls outside the bracket are dropped (the explicit
// opt-in is SWARM_DB_PROJECTION_ONLY) or rejected when
// SWARM_DB_PROJECTION_STRICT is set.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger

	ingesting      atomic.Bool
	needsRebuild   bool
	strict         bool
	projectionOnly bool
}

// Open opens (or creates) the projection at path. On a schema version
// mismatch the old file is renamed `<path>.old.<timestamp>` and a fresh
// projection is created with NeedsRebuild set.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		path:           path,
		logger:         logger,
		strict:         os.Getenv("SWARM_DB_PROJECTION_STRICT") != "",
		projectionOnly: os.Getenv("SWARM_DB_PROJECTION_ONLY") != "",
	}

	existed := false
	if _, err := os.Stat(path); err == nil {
		existed = true
	}

	if err := s.open(ctx); err != nil {
		return nil, err
	}

	if existed {
		stored, err := s.storedVersion(ctx)
		if err != nil || stored != Version {
			s.db.Close()
			old := fmt.Sprintf("%s.old.%d", path, time.Now().Unix())
			if err := os.Rename(path, old); err != nil {
				return nil, fmt.Errorf("retire stale projection: %w", err)
			}
			logger.Warn("projection version mismatch, retired old file",
				zap.Int("want", Version), zap.Int("got", stored), zap.String("retired", old))
			s.needsRebuild = true
			if err := s.open(ctx); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Store) open(ctx context.Context) error {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", s.path))
	if err != nil {
		return fmt.Errorf("open projection: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	s.db = db
	return s.initSchema(ctx)
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		flow_key TEXT,
		step_id TEXT,
		agent_key TEXT,
		payload_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(run_id, kind);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'running',
		started_at TEXT,
		completed_at TEXT,
		event_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL,
		flow_key TEXT NOT NULL,
		step_id TEXT NOT NULL,
		agent_key TEXT,
		status TEXT,
		decision TEXT,
		started_at TEXT,
		ended_at TEXT,
		executions INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, flow_key, step_id)
	);

	CREATE TABLE IF NOT EXISTS tail_state (
		run_id TEXT PRIMARY KEY,
		byte_offset INTEGER NOT NULL DEFAULT 0,
		last_seq INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init projection schema: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES ('projection_version', ?)`,
		strconv.Itoa(Version))
	if err != nil {
		return fmt.Errorf("record projection version: %w", err)
	}
	return nil
}

func (s *Store) storedVersion(ctx context.Context) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'projection_version'`).Scan(&raw)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

// Path returns the projection file location.
func (s *Store) Path() string { return s.path }

// NeedsRebuild reports whether the projection must be repopulated from
// the journals before queries are meaningful.
func (s *Store) NeedsRebuild() bool { return s.needsRebuild }

// ClearNeedsRebuild marks the projection as rebuilt.
func (s *Store) ClearNeedsRebuild() { s.needsRebuild = false }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RecordEvent is the direct-write path legacy callers use. Outside the
// ingest bracket it is a silent no-op, or an error in strict mode.
// SWARM_DB_PROJECTION_ONLY forces the silent drop even under strict.
func (s *Store) RecordEvent(ctx context.Context, event types.RunEvent) error {
	if !s.ingesting.Load() {
		if s.strict && !s.projectionOnly {
			return fmt.Errorf("projection write outside ingest bracket (kind %s)", event.Kind)
		}
		s.logger.Debug("dropping projection write outside ingest bracket",
			zap.String("kind", string(event.Kind)))
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := s.projectEvent(ctx, tx, event); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IngestEvents projects a batch of events and advances the tail state in
// one transaction. Events already present (same event_id) are skipped,
// so re-ingestion after a crash is idempotent. Returns the number of
// newly projected events.
func (s *Store) IngestEvents(ctx context.Context, runID types.RunID, events []types.RunEvent, newOffset int64) (int, error) {
	s.ingesting.Store(true)
	defer s.ingesting.Store(false)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	ingested := 0
	maxSeq := int64(0)
	for _, event := range events {
		inserted, err := s.projectEvent(ctx, tx, event)
		if err != nil {
			return 0, fmt.Errorf("project event %s: %w", event.EventID, err)
		}
		if inserted {
			ingested++
		}
		if event.Seq > maxSeq {
			maxSeq = event.Seq
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tail_state (run_id, byte_offset, last_seq) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			last_seq = MAX(last_seq, excluded.last_seq)`,
		runID, newOffset, maxSeq); err != nil {
		return 0, fmt.Errorf("advance tail state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ingest: %w", err)
	}
	return ingested, nil
}

// projectEvent inserts the raw event and folds it into the derived
// tables. Reports whether the event was new.
func (s *Store) projectEvent(ctx context.Context, tx *sql.Tx, event types.RunEvent) (bool, error) {
	payload := ""
	if len(event.Payload) > 0 {
		raw, err := json.Marshal(event.Payload)
		if err == nil {
			payload = string(raw)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
			(event_id, run_id, seq, ts, kind, flow_key, step_id, agent_key, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Seq, event.Ts, string(event.Kind),
		event.FlowKey, event.StepID, event.AgentKey, payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// duplicate event_id: already projected
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, event_count) VALUES (?, 1)
		ON CONFLICT(run_id) DO UPDATE SET event_count = event_count + 1`,
		event.RunID); err != nil {
		return false, err
	}

	switch types.CanonicalEventKind(event.Kind) {
	case types.EventRunStarted:
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = 'running', started_at = ? WHERE run_id = ?`,
			event.Ts, event.RunID)

	case types.EventRunCompleted:
		status := "succeeded"
		if v, ok := event.Payload["status"].(string); ok && v != "" {
			status = v
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`,
			status, event.Ts, event.RunID)

	case types.EventRunCanceled:
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = 'canceled', completed_at = ? WHERE run_id = ?`,
			event.Ts, event.RunID)

	case types.EventStepStart:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (run_id, flow_key, step_id, agent_key, started_at, executions)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT(run_id, flow_key, step_id) DO UPDATE SET
				started_at = excluded.started_at,
				agent_key = excluded.agent_key,
				executions = executions + 1`,
			event.RunID, event.FlowKey, event.StepID, event.AgentKey, event.Ts)

	case types.EventStepEnd:
		status, _ := event.Payload["status"].(string)
		decision, _ := event.Payload["decision"].(string)
		if event.Kind == types.EventStepError && status == "" {
			status = "failed"
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (run_id, flow_key, step_id, agent_key, status, decision, ended_at, executions)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(run_id, flow_key, step_id) DO UPDATE SET
				status = excluded.status,
				decision = excluded.decision,
				ended_at = excluded.ended_at`,
			event.RunID, event.FlowKey, event.StepID, event.AgentKey, status, decision, event.Ts)
	}
	return err == nil, err
}

// TailState returns the stored (byte_offset, last_seq) for a run.
func (s *Store) TailState(ctx context.Context, runID types.RunID) (int64, int64, error) {
	var offset, seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT byte_offset, last_seq FROM tail_state WHERE run_id = ?`, runID).
		Scan(&offset, &seq)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return offset, seq, err
}

// Reset clears every projected row but keeps the schema and version.
func (s *Store) Reset(ctx context.Context) error {
	s.ingesting.Store(true)
	defer s.ingesting.Store(false)
	for _, table := range []string{"events", "runs", "steps", "tail_state"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// ============================================================================
// Query surface
// ============================================================================

// RunRow is one projected run.
type RunRow struct {
	RunID       types.RunID
	Status      string
	StartedAt   string
	CompletedAt string
	EventCount  int64
}

// StepRow is one projected step of a run.
type StepRow struct {
	FlowKey    types.FlowKey
	StepID     types.StepID
	AgentKey   types.AgentKey
	Status     string
	Decision   string
	StartedAt  string
	EndedAt    string
	Executions int64
}

// GetRun returns the projected row for one run.
func (s *Store) GetRun(ctx context.Context, runID types.RunID) (*RunRow, error) {
	row := &RunRow{}
	var started, completed sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, status, started_at, completed_at, event_count
		FROM runs WHERE run_id = ?`, runID).
		Scan(&row.RunID, &row.Status, &started, &completed, &row.EventCount)
	if err != nil {
		return nil, err
	}
	row.StartedAt = started.String
	row.CompletedAt = completed.String
	return row, nil
}

// ListRuns returns every projected run ordered by start time.
func (s *Store) ListRuns(ctx context.Context) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, status, started_at, completed_at, event_count
		FROM runs ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var started, completed sql.NullString
		if err := rows.Scan(&r.RunID, &r.Status, &started, &completed, &r.EventCount); err != nil {
			return nil, err
		}
		r.StartedAt = started.String
		r.CompletedAt = completed.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSteps returns the projected steps of a run in flow/step order.
func (s *Store) GetSteps(ctx context.Context, runID types.RunID) ([]StepRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_key, step_id, agent_key, status, decision, started_at, ended_at, executions
		FROM steps WHERE run_id = ? ORDER BY flow_key, started_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepRow
	for rows.Next() {
		var r StepRow
		var agent, status, decision, started, ended sql.NullString
		if err := rows.Scan(&r.FlowKey, &r.StepID, &agent, &status, &decision, &started, &ended, &r.Executions); err != nil {
			return nil, err
		}
		r.AgentKey = agent.String
		r.Status = status.String
		r.Decision = decision.String
		r.StartedAt = started.String
		r.EndedAt = ended.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventCount returns the number of projected events for a run.
func (s *Store) EventCount(ctx context.Context, runID types.RunID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// CountByKind returns per-kind event counts for a run.
func (s *Store) CountByKind(ctx context.Context, runID types.RunID) (map[types.EventKind]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM events WHERE run_id = ? GROUP BY kind`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[types.EventKind]int64{}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[types.EventKind(kind)] = n
	}
	return out, rows.Err()
}

// HasEvent reports whether an event id has been projected.
func (s *Store) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE event_id = ?`, eventID).Scan(&n)
	return n > 0, err
}
