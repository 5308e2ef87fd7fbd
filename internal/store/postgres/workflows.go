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
	"time"

	"github.com/forgeline/controlplane/internal/store"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

func (s *Store) PutWorkflowDefinition(ctx context.Context, def *store.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	var scheduleTrigger, assetTrigger []byte
	if def.ScheduleTrigger != nil {
		if scheduleTrigger, err = json.Marshal(def.ScheduleTrigger); err != nil {
			return fmt.Errorf("marshal schedule trigger: %w", err)
		}
	}
	if def.AssetTrigger != nil {
		if assetTrigger, err = json.Marshal(def.AssetTrigger); err != nil {
			return fmt.Errorf("marshal asset trigger: %w", err)
		}
	}
	paramSchema, err := json.Marshal(def.ParametersSchema)
	if err != nil {
		return fmt.Errorf("marshal parameters schema: %w", err)
	}
	defaultParams, err := json.Marshal(def.DefaultParameters)
	if err != nil {
		return fmt.Errorf("marshal default parameters: %w", err)
	}
	metadata, err := json.Marshal(def.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions
			(slug, version, steps, schedule_trigger, asset_trigger, parameters_schema, default_parameters,
			 metadata, schedule_next_run_at, last_materialized_window, schedule_catchup_cursor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (slug, version) DO UPDATE SET
			steps = excluded.steps, schedule_trigger = excluded.schedule_trigger, asset_trigger = excluded.asset_trigger,
			parameters_schema = excluded.parameters_schema, default_parameters = excluded.default_parameters,
			metadata = excluded.metadata
	`,
		def.Slug, def.Version, string(steps), nullBytes(scheduleTrigger), nullBytes(assetTrigger),
		nullBytes(paramSchema), nullBytes(defaultParams), nullBytes(metadata),
		nullTime(def.ScheduleNextRunAt), nullTime(def.LastMaterializedWindow),
		nullTime(def.ScheduleCatchupCursor), def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put workflow definition: %w", err)
	}
	return nil
}

const workflowDefSelect = `
	SELECT slug, version, steps, schedule_trigger, asset_trigger, parameters_schema, default_parameters,
		metadata, schedule_next_run_at, last_materialized_window, schedule_catchup_cursor, created_at
	FROM workflow_definitions`

func (s *Store) GetWorkflowDefinition(ctx context.Context, slug string, version int) (*store.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, workflowDefSelect+" WHERE slug = $1 AND version = $2", slug, version)
	def, err := scanWorkflowDefinition(row)
	if err == sql.ErrNoRows {
		return nil, &cperrors.NotFoundError{Resource: "workflow_definition", ID: fmt.Sprintf("%s@%d", slug, version)}
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (s *Store) GetLatestWorkflowDefinition(ctx context.Context, slug string) (*store.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, workflowDefSelect+" WHERE slug = $1 ORDER BY version DESC LIMIT 1", slug)
	def, err := scanWorkflowDefinition(row)
	if err == sql.ErrNoRows {
		return nil, &cperrors.NotFoundError{Resource: "workflow_definition", ID: slug}
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (s *Store) ListLatestWorkflowDefinitions(ctx context.Context) ([]*store.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowDefColumns+`
		FROM workflow_definitions d
		INNER JOIN (SELECT slug, MAX(version) AS version FROM workflow_definitions GROUP BY slug) latest
			ON latest.slug = d.slug AND latest.version = d.version
		ORDER BY d.slug
	`)
	if err != nil {
		return nil, fmt.Errorf("list latest workflow definitions: %w", err)
	}
	defer rows.Close()
	return scanWorkflowDefinitions(rows)
}

func (s *Store) ListWorkflowDefinitionsDueForSchedule(ctx context.Context, asOf time.Time) ([]*store.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowDefColumns+`
		FROM workflow_definitions d
		INNER JOIN (SELECT slug, MAX(version) AS version FROM workflow_definitions GROUP BY slug) latest
			ON latest.slug = d.slug AND latest.version = d.version
		WHERE d.schedule_trigger IS NOT NULL
			AND (d.schedule_next_run_at IS NULL OR d.schedule_next_run_at <= $1)
		ORDER BY d.slug
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("list workflow definitions due for schedule: %w", err)
	}
	defer rows.Close()
	return scanWorkflowDefinitions(rows)
}

func (s *Store) UpdateScheduleBookkeeping(ctx context.Context, slug string, version int, nextRunAt, lastWindow, catchupCursor *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_definitions SET schedule_next_run_at = $1, last_materialized_window = $2, schedule_catchup_cursor = $3
		WHERE slug = $4 AND version = $5
	`, nullTime(nextRunAt), nullTime(lastWindow), nullTime(catchupCursor), slug, version)
	if err != nil {
		return fmt.Errorf("update schedule bookkeeping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return &cperrors.NotFoundError{Resource: "workflow_definition", ID: fmt.Sprintf("%s@%d", slug, version)}
	}
	return nil
}

const workflowDefColumns = `d.slug, d.version, d.steps, d.schedule_trigger, d.asset_trigger, d.parameters_schema,
	d.default_parameters, d.metadata, d.schedule_next_run_at, d.last_materialized_window,
	d.schedule_catchup_cursor, d.created_at`

func scanWorkflowDefinitions(rows *sql.Rows) ([]*store.WorkflowDefinition, error) {
	var defs []*store.WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflowDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanWorkflowDefinition(row rowScanner) (*store.WorkflowDefinition, error) {
	var def store.WorkflowDefinition
	var steps string
	var scheduleTrigger, assetTrigger, paramSchema, defaultParams, metadata sql.NullString
	var scheduleNextRunAt, lastMaterializedWindow, scheduleCatchupCursor sql.NullTime

	if err := row.Scan(
		&def.Slug, &def.Version, &steps, &scheduleTrigger, &assetTrigger, &paramSchema, &defaultParams,
		&metadata, &scheduleNextRunAt, &lastMaterializedWindow, &scheduleCatchupCursor, &def.CreatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if scheduleTrigger.Valid {
		def.ScheduleTrigger = &store.ScheduleTrigger{}
		if err := json.Unmarshal([]byte(scheduleTrigger.String), def.ScheduleTrigger); err != nil {
			return nil, fmt.Errorf("unmarshal schedule trigger: %w", err)
		}
	}
	if assetTrigger.Valid {
		def.AssetTrigger = &store.AssetTrigger{}
		if err := json.Unmarshal([]byte(assetTrigger.String), def.AssetTrigger); err != nil {
			return nil, fmt.Errorf("unmarshal asset trigger: %w", err)
		}
	}
	if paramSchema.Valid {
		if err := json.Unmarshal([]byte(paramSchema.String), &def.ParametersSchema); err != nil {
			return nil, fmt.Errorf("unmarshal parameters schema: %w", err)
		}
	}
	if defaultParams.Valid {
		if err := json.Unmarshal([]byte(defaultParams.String), &def.DefaultParameters); err != nil {
			return nil, fmt.Errorf("unmarshal default parameters: %w", err)
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &def.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if scheduleNextRunAt.Valid {
		def.ScheduleNextRunAt = &scheduleNextRunAt.Time
	}
	if lastMaterializedWindow.Valid {
		def.LastMaterializedWindow = &lastMaterializedWindow.Time
	}
	if scheduleCatchupCursor.Valid {
		def.ScheduleCatchupCursor = &scheduleCatchupCursor.Time
	}

	return &def, nil
}
