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

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/store"
	"github.com/forgeline/controlplane/internal/store/memory"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

func TestJobRunConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	run := &store.JobRun{ID: "jr-1", JobDefinitionID: "echo@1", Status: store.StatusPending, Attempt: 1, MaxAttempts: 3}
	require.NoError(t, s.CreateJobRun(ctx, run))

	running := &store.JobRun{ID: "jr-1", JobDefinitionID: "echo@1", Status: store.StatusRunning, Attempt: 1, MaxAttempts: 3}
	ok, err := s.UpdateJobRunConditional(ctx, running, []string{store.StatusPending})
	require.NoError(t, err)
	assert.True(t, ok, "transition from pending must succeed")

	// A second caller racing on the same precondition loses.
	ok, err = s.UpdateJobRunConditional(ctx, running, []string{store.StatusPending})
	require.NoError(t, err)
	assert.False(t, ok, "conditional update against a stale expected status must report conflict")

	got, err := s.GetJobRun(ctx, "jr-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
}

func TestGetJobRunNotFound(t *testing.T) {
	s := memory.New()
	_, err := s.GetJobRun(context.Background(), "missing")
	require.Error(t, err)

	var nf *cperrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestWorkflowDefinitionVersioning(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.PutWorkflowDefinition(ctx, &store.WorkflowDefinition{Slug: "deploy", Version: 1}))
	require.NoError(t, s.PutWorkflowDefinition(ctx, &store.WorkflowDefinition{Slug: "deploy", Version: 2}))

	latest, err := s.GetLatestWorkflowDefinition(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	v1, err := s.GetWorkflowDefinition(ctx, "deploy", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
}

func TestAssetFreshnessLookup(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	now := time.Now()
	older := &store.WorkflowRunStepAsset{WorkflowSlug: "ingest", AssetID: "Orders", PartitionKey: "", ProducedAt: now.Add(-time.Hour)}
	newer := &store.WorkflowRunStepAsset{WorkflowSlug: "ingest", AssetID: "orders", PartitionKey: "", ProducedAt: now}

	require.NoError(t, s.PutWorkflowRunStepAsset(ctx, older))
	require.NoError(t, s.PutWorkflowRunStepAsset(ctx, newer))

	latest, err := s.LatestAsset(ctx, "ingest", "ORDERS", "")
	require.NoError(t, err, "asset id lookup must be case-insensitive")
	assert.True(t, latest.ProducedAt.Equal(now))
}

func TestAdvisoryLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	ok, err := s.TryAcquireLock(ctx, "schedule-leader", "singleton", "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquireLock(ctx, "schedule-leader", "singleton", "worker-b")
	require.NoError(t, err)
	assert.False(t, ok, "a second owner must not acquire an already-held lock")

	require.NoError(t, s.ReleaseLock(ctx, "schedule-leader", "singleton", "worker-a"))

	ok, err = s.TryAcquireLock(ctx, "schedule-leader", "singleton", "worker-b")
	require.NoError(t, err)
	assert.True(t, ok, "lock must be acquirable once released")
}
