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

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/forgeline/controlplane/internal/store"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

func (s *Store) CreateWorkflowRun(ctx context.Context, run *store.WorkflowRun) error {
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	runContext, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	triggerPayload, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs
			(id, workflow_definition_id, workflow_slug, workflow_version, status, parameters, context,
			 current_step_id, current_step_index, metrics, triggered_by, trigger_payload, error_message,
			 cancel_requested, duration_ms, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.WorkflowDefinitionID, run.WorkflowSlug, run.WorkflowVersion, run.Status,
		nullBytes(params), nullBytes(runContext), nullString(run.CurrentStepID), run.CurrentStepIndex,
		nullBytes(metrics), nullString(run.TriggeredBy), nullBytes(triggerPayload),
		nullString(run.ErrorMessage), boolToInt(run.CancelRequested), run.DurationMs,
		formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}
	return nil
}

const workflowRunSelect = `
	SELECT id, workflow_definition_id, workflow_slug, workflow_version, status, parameters, context,
		current_step_id, current_step_index, metrics, triggered_by, trigger_payload, error_message,
		cancel_requested, duration_ms, started_at, completed_at, created_at, updated_at
	FROM workflow_runs`

func (s *Store) GetWorkflowRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, workflowRunSelect+" WHERE id = ?", id)
	run, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return nil, &cperrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) UpdateWorkflowRunConditional(ctx context.Context, run *store.WorkflowRun, expectStatuses []string) (bool, error) {
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return false, fmt.Errorf("marshal parameters: %w", err)
	}
	runContext, err := json.Marshal(run.Context)
	if err != nil {
		return false, fmt.Errorf("marshal context: %w", err)
	}
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return false, fmt.Errorf("marshal metrics: %w", err)
	}
	triggerPayload, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return false, fmt.Errorf("marshal trigger payload: %w", err)
	}

	query, args := conditionalUpdateArgs(`
		UPDATE workflow_runs SET
			status = ?, parameters = ?, context = ?, current_step_id = ?, current_step_index = ?,
			metrics = ?, triggered_by = ?, trigger_payload = ?, error_message = ?, cancel_requested = ?,
			duration_ms = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		[]any{
			run.Status, nullBytes(params), nullBytes(runContext), nullString(run.CurrentStepID),
			run.CurrentStepIndex, nullBytes(metrics), nullString(run.TriggeredBy), nullBytes(triggerPayload),
			nullString(run.ErrorMessage), boolToInt(run.CancelRequested), run.DurationMs,
			formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt), formatTime(run.UpdatedAt), run.ID,
		},
		expectStatuses,
	)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update workflow run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetWorkflowRun(ctx, run.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) RequestCancelWorkflowRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflow_runs SET cancel_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("request cancel workflow run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return &cperrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	return nil
}

func (s *Store) ListWorkflowRuns(ctx context.Context, filter store.WorkflowRunFilter) ([]*store.WorkflowRun, error) {
	query := workflowRunSelect + " WHERE 1=1"
	var args []any
	if filter.WorkflowSlug != "" {
		query += " AND workflow_slug = ?"
		args = append(args, filter.WorkflowSlug)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteWorkflowRun(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_run_steps WHERE workflow_run_id = ?`, id); err != nil {
		return fmt.Errorf("delete workflow run steps: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete workflow run: %w", err)
	}
	return nil
}

func scanWorkflowRun(row rowScanner) (*store.WorkflowRun, error) {
	var run store.WorkflowRun
	var params, runContext, metrics, triggerPayload sql.NullString
	var currentStepID, triggeredBy, errorMessage sql.NullString
	var startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	var cancelRequested int

	if err := row.Scan(
		&run.ID, &run.WorkflowDefinitionID, &run.WorkflowSlug, &run.WorkflowVersion, &run.Status,
		&params, &runContext, &currentStepID, &run.CurrentStepIndex, &metrics, &triggeredBy,
		&triggerPayload, &errorMessage, &cancelRequested, &run.DurationMs,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &run.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if runContext.Valid {
		if err := json.Unmarshal([]byte(runContext.String), &run.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if metrics.Valid {
		if err := json.Unmarshal([]byte(metrics.String), &run.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	if triggerPayload.Valid {
		if err := json.Unmarshal([]byte(triggerPayload.String), &run.TriggerPayload); err != nil {
			return nil, fmt.Errorf("unmarshal trigger payload: %w", err)
		}
	}
	if currentStepID.Valid {
		run.CurrentStepID = currentStepID.String
	}
	if triggeredBy.Valid {
		run.TriggeredBy = triggeredBy.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	run.CancelRequested = cancelRequested != 0

	var err error
	if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	run.CreatedAt = t
	if t, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	run.UpdatedAt = t

	return &run, nil
}
