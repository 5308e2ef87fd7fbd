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
	"encoding/json"
	"fmt"

	"github.com/forgeline/controlplane/internal/store"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

func (s *Store) PutWorkflowRunStep(ctx context.Context, step *store.WorkflowRunStep) error {
	input, err := json.Marshal(step.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := json.Marshal(step.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	metrics, err := json.Marshal(step.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	producedAssets, err := json.Marshal(step.ProducedAssets)
	if err != nil {
		return fmt.Errorf("marshal produced assets: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_run_steps
			(workflow_run_id, step_id, status, attempt, job_run_id, input, output, error_message, metrics,
			 parent_step_id, fanout_index, has_fanout_index, template_step_id, produced_assets, owner_token,
			 started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (workflow_run_id, step_id) DO UPDATE SET
			status = excluded.status, attempt = excluded.attempt, job_run_id = excluded.job_run_id,
			input = excluded.input, output = excluded.output, error_message = excluded.error_message,
			metrics = excluded.metrics, parent_step_id = excluded.parent_step_id,
			fanout_index = excluded.fanout_index, has_fanout_index = excluded.has_fanout_index,
			template_step_id = excluded.template_step_id, produced_assets = excluded.produced_assets,
			owner_token = excluded.owner_token, started_at = excluded.started_at,
			completed_at = excluded.completed_at, updated_at = excluded.updated_at
	`,
		step.WorkflowRunID, step.StepID, step.Status, step.Attempt, nullString(step.JobRunID),
		nullBytes(input), nullBytes(output), nullString(step.ErrorMessage), nullBytes(metrics),
		nullString(step.ParentStepID), step.FanoutIndex, step.HasFanoutIndex,
		nullString(step.TemplateStepID), nullBytes(producedAssets), nullString(step.OwnerToken),
		nullTime(step.StartedAt), nullTime(step.CompletedAt), step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put workflow run step: %w", err)
	}
	return nil
}

const workflowRunStepSelect = `
	SELECT workflow_run_id, step_id, status, attempt, job_run_id, input, output, error_message, metrics,
		parent_step_id, fanout_index, has_fanout_index, template_step_id, produced_assets, owner_token,
		started_at, completed_at, updated_at
	FROM workflow_run_steps`

func (s *Store) GetWorkflowRunStep(ctx context.Context, workflowRunID, stepID string) (*store.WorkflowRunStep, error) {
	row := s.db.QueryRowContext(ctx, workflowRunStepSelect+" WHERE workflow_run_id = $1 AND step_id = $2", workflowRunID, stepID)
	step, err := scanWorkflowRunStep(row)
	if err == sql.ErrNoRows {
		return nil, &cperrors.NotFoundError{Resource: "workflow_run_step", ID: stepID}
	}
	if err != nil {
		return nil, err
	}
	return step, nil
}

func (s *Store) ListWorkflowRunSteps(ctx context.Context, workflowRunID string) ([]*store.WorkflowRunStep, error) {
	rows, err := s.db.QueryContext(ctx, workflowRunStepSelect+" WHERE workflow_run_id = $1 ORDER BY step_id", workflowRunID)
	if err != nil {
		return nil, fmt.Errorf("list workflow run steps: %w", err)
	}
	defer rows.Close()

	var steps []*store.WorkflowRunStep
	for rows.Next() {
		step, err := scanWorkflowRunStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *Store) UpdateWorkflowRunStepConditional(ctx context.Context, step *store.WorkflowRunStep, expectStatuses []string) (bool, error) {
	input, err := json.Marshal(step.Input)
	if err != nil {
		return false, fmt.Errorf("marshal input: %w", err)
	}
	output, err := json.Marshal(step.Output)
	if err != nil {
		return false, fmt.Errorf("marshal output: %w", err)
	}
	metrics, err := json.Marshal(step.Metrics)
	if err != nil {
		return false, fmt.Errorf("marshal metrics: %w", err)
	}
	producedAssets, err := json.Marshal(step.ProducedAssets)
	if err != nil {
		return false, fmt.Errorf("marshal produced assets: %w", err)
	}

	query, args := conditionalUpdateArgs(`
		UPDATE workflow_run_steps SET
			status = $1, attempt = $2, job_run_id = $3, input = $4, output = $5, error_message = $6, metrics = $7,
			parent_step_id = $8, fanout_index = $9, has_fanout_index = $10, template_step_id = $11,
			produced_assets = $12, owner_token = $13, started_at = $14, completed_at = $15, updated_at = $16
		WHERE workflow_run_id = $17 AND step_id = $18`,
		[]any{
			step.Status, step.Attempt, nullString(step.JobRunID), nullBytes(input), nullBytes(output),
			nullString(step.ErrorMessage), nullBytes(metrics), nullString(step.ParentStepID),
			step.FanoutIndex, step.HasFanoutIndex, nullString(step.TemplateStepID),
			nullBytes(producedAssets), nullString(step.OwnerToken), nullTime(step.StartedAt),
			nullTime(step.CompletedAt), step.UpdatedAt, step.WorkflowRunID, step.StepID,
		},
		expectStatuses,
	)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update workflow run step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetWorkflowRunStep(ctx, step.WorkflowRunID, step.StepID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func scanWorkflowRunStep(row rowScanner) (*store.WorkflowRunStep, error) {
	var step store.WorkflowRunStep
	var jobRunID, input, output, errorMessage, metrics sql.NullString
	var parentStepID, templateStepID, producedAssets, ownerToken sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&step.WorkflowRunID, &step.StepID, &step.Status, &step.Attempt, &jobRunID, &input, &output,
		&errorMessage, &metrics, &parentStepID, &step.FanoutIndex, &step.HasFanoutIndex, &templateStepID,
		&producedAssets, &ownerToken, &startedAt, &completedAt, &step.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if jobRunID.Valid {
		step.JobRunID = jobRunID.String
	}
	if input.Valid {
		if err := json.Unmarshal([]byte(input.String), &step.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if output.Valid {
		if err := json.Unmarshal([]byte(output.String), &step.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if errorMessage.Valid {
		step.ErrorMessage = errorMessage.String
	}
	if metrics.Valid {
		if err := json.Unmarshal([]byte(metrics.String), &step.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	if parentStepID.Valid {
		step.ParentStepID = parentStepID.String
	}
	if templateStepID.Valid {
		step.TemplateStepID = templateStepID.String
	}
	if producedAssets.Valid {
		if err := json.Unmarshal([]byte(producedAssets.String), &step.ProducedAssets); err != nil {
			return nil, fmt.Errorf("unmarshal produced assets: %w", err)
		}
	}
	if ownerToken.Valid {
		step.OwnerToken = ownerToken.String
	}
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}

	return &step, nil
}
