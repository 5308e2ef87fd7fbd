// Copyright 2026 The Forge Control Plane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite is a single-node store.Store backend, grounded on
// internal/controller/backend/sqlite's JSON-blob-column approach: every
// map/slice-valued field is marshaled into a TEXT column rather than
// normalized, and conditional updates are expressed as a plain
// UPDATE ... WHERE status IN (...) whose RowsAffected answers the race.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forgeline/controlplane/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a SQLite-backed store.Store for single-node deployments.
type Store struct {
	db *sql.DB
}

// Config configures the SQLite connection.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// in-process database (tests only — a fresh :memory: database is
	// discarded once the single connection closes).
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers alongside the
	// single writer connection.
	WAL bool
}

// New opens (and migrates) a SQLite-backed Store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// races across the process instead of relying solely on busy_timeout.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS job_definitions (
			slug TEXT NOT NULL,
			version INTEGER NOT NULL,
			type TEXT NOT NULL,
			runtime TEXT NOT NULL,
			entry_point TEXT NOT NULL,
			parameters_schema TEXT,
			default_parameters TEXT,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			retry_policy TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (slug, version)
		)`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			job_definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			parameters TEXT,
			result TEXT,
			error_message TEXT,
			metrics TEXT,
			context TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			scheduled_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_status ON job_runs(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			slug TEXT NOT NULL,
			version INTEGER NOT NULL,
			steps TEXT NOT NULL,
			schedule_trigger TEXT,
			asset_trigger TEXT,
			parameters_schema TEXT,
			default_parameters TEXT,
			metadata TEXT,
			schedule_next_run_at TEXT,
			last_materialized_window TEXT,
			schedule_catchup_cursor TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (slug, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_definitions_schedule ON workflow_definitions(schedule_next_run_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			workflow_slug TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			parameters TEXT,
			context TEXT,
			current_step_id TEXT,
			current_step_index INTEGER NOT NULL DEFAULT 0,
			metrics TEXT,
			triggered_by TEXT,
			trigger_payload TEXT,
			error_message TEXT,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_slug ON workflow_runs(workflow_slug)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_created_at ON workflow_runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_run_steps (
			workflow_run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			job_run_id TEXT,
			input TEXT,
			output TEXT,
			error_message TEXT,
			metrics TEXT,
			parent_step_id TEXT,
			fanout_index INTEGER NOT NULL DEFAULT 0,
			has_fanout_index INTEGER NOT NULL DEFAULT 0,
			template_step_id TEXT,
			produced_assets TEXT,
			owner_token TEXT,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (workflow_run_id, step_id),
			FOREIGN KEY (workflow_run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_run_step_assets (
			workflow_slug TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			asset_id_norm TEXT NOT NULL,
			partition_key TEXT NOT NULL DEFAULT '',
			produced_at TEXT NOT NULL,
			payload TEXT,
			workflow_run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			PRIMARY KEY (workflow_slug, asset_id_norm, partition_key)
		)`,
		`CREATE TABLE IF NOT EXISTS event_triggers (
			id TEXT PRIMARY KEY,
			workflow_slug TEXT NOT NULL,
			predicate TEXT NOT NULL,
			source TEXT,
			paused INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			failure_window_ms INTEGER NOT NULL DEFAULT 0,
			pause_threshold INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			last_failure_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_triggers_source ON event_triggers(source)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			occurred_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events(entity_type, entity_id)`,
		`CREATE TABLE IF NOT EXISTS advisory_locks (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			heartbeat_at TEXT NOT NULL,
			PRIMARY KEY (namespace, id)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// nullString returns nil if s is empty, otherwise s itself — the teacher's
// sentinel for "empty means column is NULL rather than empty-string".
func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
