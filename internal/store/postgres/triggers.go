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

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forgeline/controlplane/internal/store"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

func (s *Store) PutEventTrigger(ctx context.Context, trigger *store.WorkflowEventTrigger) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_triggers
			(id, workflow_slug, predicate, source, paused, failure_count, failure_window_ms,
			 pause_threshold, last_error, last_failure_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			workflow_slug = excluded.workflow_slug, predicate = excluded.predicate, source = excluded.source,
			paused = excluded.paused, failure_count = excluded.failure_count,
			failure_window_ms = excluded.failure_window_ms, pause_threshold = excluded.pause_threshold,
			last_error = excluded.last_error, last_failure_at = excluded.last_failure_at
	`,
		trigger.ID, trigger.WorkflowSlug, trigger.Predicate, nullString(trigger.Source),
		trigger.Paused, trigger.FailureCount, trigger.FailureWindow.Milliseconds(),
		trigger.PauseThreshold, nullString(trigger.LastError), nullTime(trigger.LastFailureAt),
		trigger.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put event trigger: %w", err)
	}
	return nil
}

const eventTriggerSelect = `
	SELECT id, workflow_slug, predicate, source, paused, failure_count, failure_window_ms,
		pause_threshold, last_error, last_failure_at, created_at
	FROM event_triggers`

func (s *Store) GetEventTrigger(ctx context.Context, id string) (*store.WorkflowEventTrigger, error) {
	row := s.db.QueryRowContext(ctx, eventTriggerSelect+" WHERE id = $1", id)
	trigger, err := scanEventTrigger(row)
	if err == sql.ErrNoRows {
		return nil, &cperrors.NotFoundError{Resource: "event_trigger", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return trigger, nil
}

func (s *Store) ListActiveEventTriggers(ctx context.Context, source string) ([]*store.WorkflowEventTrigger, error) {
	query := eventTriggerSelect + " WHERE paused = FALSE"
	var args []any
	if source != "" {
		args = append(args, source)
		query += fmt.Sprintf(" AND (source = $%d OR source IS NULL OR source = '')", len(args))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active event triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*store.WorkflowEventTrigger
	for rows.Next() {
		trigger, err := scanEventTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

func (s *Store) RecordTriggerFailure(ctx context.Context, id string, errMsg string, at time.Time) error {
	trigger, err := s.GetEventTrigger(ctx, id)
	if err != nil {
		return err
	}
	trigger.FailureCount++
	trigger.LastError = errMsg
	trigger.LastFailureAt = &at
	paused := trigger.Paused
	if trigger.PauseThreshold > 0 && trigger.FailureCount >= trigger.PauseThreshold {
		paused = true
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE event_triggers SET failure_count = $1, last_error = $2, last_failure_at = $3, paused = $4
		WHERE id = $5
	`, trigger.FailureCount, nullString(errMsg), at, paused, id)
	if err != nil {
		return fmt.Errorf("record trigger failure: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return &cperrors.NotFoundError{Resource: "event_trigger", ID: id}
	}
	return nil
}

func (s *Store) PauseEventTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE event_triggers SET paused = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pause event trigger: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return &cperrors.NotFoundError{Resource: "event_trigger", ID: id}
	}
	return nil
}

func (s *Store) AppendEventEnvelope(ctx context.Context, envelope *store.EventEnvelope) error {
	return s.AppendAuditEvent(ctx, &store.AuditEvent{
		ID:         envelope.ID,
		EntityType: "event_envelope",
		EntityID:   envelope.ID,
		Action:     "ingested",
		Detail:     map[string]any{"type": envelope.Type, "source": envelope.Source},
		OccurredAt: envelope.OccurredAt,
	})
}

func scanEventTrigger(row rowScanner) (*store.WorkflowEventTrigger, error) {
	var t store.WorkflowEventTrigger
	var source, lastError sql.NullString
	var lastFailureAt sql.NullTime
	var failureWindowMs int64

	if err := row.Scan(
		&t.ID, &t.WorkflowSlug, &t.Predicate, &source, &t.Paused, &t.FailureCount, &failureWindowMs,
		&t.PauseThreshold, &lastError, &lastFailureAt, &t.CreatedAt,
	); err != nil {
		return nil, err
	}

	if source.Valid {
		t.Source = source.String
	}
	t.FailureWindow = time.Duration(failureWindowMs) * time.Millisecond
	if lastError.Valid {
		t.LastError = lastError.String
	}
	if lastFailureAt.Valid {
		t.LastFailureAt = &lastFailureAt.Time
	}

	return &t, nil
}
