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

	"github.com/lib/pq"

	"github.com/forgeline/controlplane/internal/store"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) PutJobDefinition(ctx context.Context, def *store.JobDefinition) error {
	paramSchema, err := json.Marshal(def.ParametersSchema)
	if err != nil {
		return fmt.Errorf("marshal parameters schema: %w", err)
	}
	defaultParams, err := json.Marshal(def.DefaultParameters)
	if err != nil {
		return fmt.Errorf("marshal default parameters: %w", err)
	}
	retryPolicy, err := json.Marshal(def.RetryPolicy)
	if err != nil {
		return fmt.Errorf("marshal retry policy: %w", err)
	}
	metadata, err := json.Marshal(def.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_definitions
			(slug, version, type, runtime, entry_point, parameters_schema, default_parameters, timeout_ms, retry_policy, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (slug, version) DO UPDATE SET
			type = excluded.type, runtime = excluded.runtime, entry_point = excluded.entry_point,
			parameters_schema = excluded.parameters_schema, default_parameters = excluded.default_parameters,
			timeout_ms = excluded.timeout_ms, retry_policy = excluded.retry_policy, metadata = excluded.metadata
	`,
		def.Slug, def.Version, def.Type, def.Runtime, def.EntryPoint,
		nullBytes(paramSchema), nullBytes(defaultParams), def.TimeoutMs,
		nullBytes(retryPolicy), nullBytes(metadata), def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put job definition: %w", err)
	}
	return nil
}

func (s *Store) GetJobDefinition(ctx context.Context, slug string, version int) (*store.JobDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slug, version, type, runtime, entry_point, parameters_schema, default_parameters, timeout_ms, retry_policy, metadata, created_at
		FROM job_definitions WHERE slug = $1 AND version = $2
	`, slug, version)
	def, err := scanJobDefinition(row)
	if err == sql.ErrNoRows {
		return nil, &cperrors.NotFoundError{Resource: "job_definition", ID: fmt.Sprintf("%s@%d", slug, version)}
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (s *Store) GetLatestJobDefinition(ctx context.Context, slug string) (*store.JobDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slug, version, type, runtime, entry_point, parameters_schema, default_parameters, timeout_ms, retry_policy, metadata, created_at
		FROM job_definitions WHERE slug = $1 ORDER BY version DESC LIMIT 1
	`, slug)
	def, err := scanJobDefinition(row)
	if err == sql.ErrNoRows {
		return nil, &cperrors.NotFoundError{Resource: "job_definition", ID: slug}
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

func scanJobDefinition(row rowScanner) (*store.JobDefinition, error) {
	var def store.JobDefinition
	var paramSchema, defaultParams, retryPolicy, metadata sql.NullString

	if err := row.Scan(
		&def.Slug, &def.Version, &def.Type, &def.Runtime, &def.EntryPoint,
		&paramSchema, &defaultParams, &def.TimeoutMs, &retryPolicy, &metadata, &def.CreatedAt,
	); err != nil {
		return nil, err
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
	if retryPolicy.Valid {
		if err := json.Unmarshal([]byte(retryPolicy.String), &def.RetryPolicy); err != nil {
			return nil, fmt.Errorf("unmarshal retry policy: %w", err)
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &def.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &def, nil
}

func (s *Store) CreateJobRun(ctx context.Context, run *store.JobRun) error {
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	result, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	runContext, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_runs
			(id, job_definition_id, status, parameters, result, error_message, metrics, context,
			 attempt, max_attempts, timeout_ms, duration_ms, scheduled_at, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		run.ID, run.JobDefinitionID, run.Status, nullBytes(params), nullBytes(result),
		nullString(run.ErrorMessage), nullBytes(metrics), nullBytes(runContext),
		run.Attempt, run.MaxAttempts, run.TimeoutMs, run.DurationMs,
		run.ScheduledAt, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job run: %w", err)
	}
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, id string) (*store.JobRun, error) {
	row := s.db.QueryRowContext(ctx, jobRunSelect+" WHERE id = $1", id)
	run, err := scanJobRun(row)
	if err == sql.ErrNoRows {
		return nil, &cperrors.NotFoundError{Resource: "job_run", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) UpdateJobRunConditional(ctx context.Context, run *store.JobRun, expectStatuses []string) (bool, error) {
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return false, fmt.Errorf("marshal parameters: %w", err)
	}
	result, err := json.Marshal(run.Result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return false, fmt.Errorf("marshal metrics: %w", err)
	}
	runContext, err := json.Marshal(run.Context)
	if err != nil {
		return false, fmt.Errorf("marshal context: %w", err)
	}

	query, args := conditionalUpdateArgs(`
		UPDATE job_runs SET
			status = $1, parameters = $2, result = $3, error_message = $4, metrics = $5, context = $6,
			attempt = $7, max_attempts = $8, timeout_ms = $9, duration_ms = $10,
			scheduled_at = $11, started_at = $12, completed_at = $13, updated_at = $14
		WHERE id = $15`,
		[]any{
			run.Status, nullBytes(params), nullBytes(result), nullString(run.ErrorMessage),
			nullBytes(metrics), nullBytes(runContext), run.Attempt, run.MaxAttempts, run.TimeoutMs,
			run.DurationMs, run.ScheduledAt, nullTime(run.StartedAt),
			nullTime(run.CompletedAt), run.UpdatedAt, run.ID,
		},
		expectStatuses,
	)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update job run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetJobRun(ctx, run.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

const jobRunSelect = `
	SELECT id, job_definition_id, status, parameters, result, error_message, metrics, context,
		attempt, max_attempts, timeout_ms, duration_ms, scheduled_at, started_at, completed_at, updated_at
	FROM job_runs`

func scanJobRun(row rowScanner) (*store.JobRun, error) {
	var run store.JobRun
	var params, result, metrics, runContext sql.NullString
	var errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&run.ID, &run.JobDefinitionID, &run.Status, &params, &result, &errorMessage, &metrics, &runContext,
		&run.Attempt, &run.MaxAttempts, &run.TimeoutMs, &run.DurationMs,
		&run.ScheduledAt, &startedAt, &completedAt, &run.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &run.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &run.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if metrics.Valid {
		if err := json.Unmarshal([]byte(metrics.String), &run.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	if runContext.Valid {
		if err := json.Unmarshal([]byte(runContext.String), &run.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return &run, nil
}

// conditionalUpdateArgs appends a "AND status = ANY($N)" guard to query using
// pq.Array, the lib/pq idiom for passing a Go slice as a Postgres array
// parameter instead of hand-building an IN (...) placeholder list.
func conditionalUpdateArgs(query string, args []any, expectStatuses []string) (string, []any) {
	if len(expectStatuses) == 0 {
		return query, args
	}
	args = append(args, pq.Array(expectStatuses))
	return query + fmt.Sprintf(" AND status = ANY($%d)", len(args)), args
}
