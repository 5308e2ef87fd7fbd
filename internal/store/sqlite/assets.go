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
	"strings"

	"github.com/forgeline/controlplane/internal/store"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

func normalizeAssetID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (s *Store) PutWorkflowRunStepAsset(ctx context.Context, asset *store.WorkflowRunStepAsset) error {
	payload, err := json.Marshal(asset.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	norm := normalizeAssetID(asset.AssetID)

	// Out-of-order writes must not regress the latest production, mirroring
	// internal/store/memory's "keep the later ProducedAt" guard.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_run_step_assets
			(workflow_slug, asset_id, asset_id_norm, partition_key, produced_at, payload, workflow_run_id, step_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_slug, asset_id_norm, partition_key) DO UPDATE SET
			asset_id = excluded.asset_id, produced_at = excluded.produced_at, payload = excluded.payload,
			workflow_run_id = excluded.workflow_run_id, step_id = excluded.step_id
		WHERE excluded.produced_at >= workflow_run_step_assets.produced_at
	`,
		asset.WorkflowSlug, asset.AssetID, norm, asset.PartitionKey,
		formatTime(asset.ProducedAt), nullBytes(payload), asset.WorkflowRunID, asset.StepID,
	)
	if err != nil {
		return fmt.Errorf("put workflow run step asset: %w", err)
	}
	return nil
}

func (s *Store) LatestAsset(ctx context.Context, workflowSlug, assetID, partitionKey string) (*store.WorkflowRunStepAsset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_slug, asset_id, partition_key, produced_at, payload, workflow_run_id, step_id
		FROM workflow_run_step_assets WHERE workflow_slug = ? AND asset_id_norm = ? AND partition_key = ?
	`, workflowSlug, normalizeAssetID(assetID), partitionKey)

	asset, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, &cperrors.NotFoundError{Resource: "asset", ID: assetID}
	}
	if err != nil {
		return nil, err
	}
	return asset, nil
}

func (s *Store) ListLatestAssetsByWorkflow(ctx context.Context, workflowSlug string) ([]*store.WorkflowRunStepAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_slug, asset_id, partition_key, produced_at, payload, workflow_run_id, step_id
		FROM workflow_run_step_assets WHERE workflow_slug = ?
	`, workflowSlug)
	if err != nil {
		return nil, fmt.Errorf("list latest assets: %w", err)
	}
	defer rows.Close()

	var assets []*store.WorkflowRunStepAsset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func scanAsset(row rowScanner) (*store.WorkflowRunStepAsset, error) {
	var a store.WorkflowRunStepAsset
	var payload sql.NullString
	var producedAt string

	if err := row.Scan(
		&a.WorkflowSlug, &a.AssetID, &a.PartitionKey, &producedAt, &payload, &a.WorkflowRunID, &a.StepID,
	); err != nil {
		return nil, err
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &a.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	t, err := parseTime(producedAt)
	if err != nil {
		return nil, fmt.Errorf("parse produced_at: %w", err)
	}
	a.ProducedAt = t
	return &a, nil
}
