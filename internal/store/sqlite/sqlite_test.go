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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/store"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobDefinitionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &store.JobDefinition{
		Slug: "ingest", Version: 1, Type: store.JobTypeBatch, Runtime: "python3.12",
		EntryPoint: "main:run", TimeoutMs: 30_000, RetryPolicy: store.DefaultRetryPolicy(),
		Metadata: map[string]any{"owner": "data-eng"}, CreatedAt: time.Now(),
	}
	require.NoError(t, s.PutJobDefinition(ctx, def))

	got, err := s.GetJobDefinition(ctx, "ingest", 1)
	require.NoError(t, err)
	require.Equal(t, def.EntryPoint, got.EntryPoint)
	require.Equal(t, "data-eng", got.Metadata["owner"])

	def2 := *def
	def2.Version = 2
	require.NoError(t, s.PutJobDefinition(ctx, &def2))

	latest, err := s.GetLatestJobDefinition(ctx, "ingest")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)

	_, err = s.GetJobDefinition(ctx, "missing", 1)
	require.ErrorAs(t, err, new(*cperrors.NotFoundError))
}

func TestJobRunConditionalUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &store.JobRun{
		ID: "run-1", JobDefinitionID: "ingest@1", Status: store.StatusPending,
		Attempt: 1, MaxAttempts: 3, ScheduledAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, s.CreateJobRun(ctx, run))

	run.Status = store.StatusRunning
	ok, err := s.UpdateJobRunConditional(ctx, run, []string{store.StatusPending})
	require.NoError(t, err)
	require.True(t, ok)

	run.Status = store.StatusSucceeded
	ok, err = s.UpdateJobRunConditional(ctx, run, []string{store.StatusPending})
	require.NoError(t, err)
	require.False(t, ok, "running row must not match a pending-only guard")

	got, err := s.GetJobRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, got.Status, "the rejected update must not have applied")
}

func TestWorkflowDefinitionScheduleQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	def := &store.WorkflowDefinition{
		Slug: "nightly-report", Version: 1,
		Steps:           []store.WorkflowStep{{ID: "step-1", Kind: store.StepKindJob, JobSlug: "ingest"}},
		ScheduleTrigger: &store.ScheduleTrigger{Cron: "0 2 * * *", Timezone: "UTC"},
		ScheduleNextRunAt: &past,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, s.PutWorkflowDefinition(ctx, def))

	due, err := s.ListWorkflowDefinitionsDueForSchedule(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "nightly-report", due[0].Slug)

	future := time.Now().Add(time.Hour)
	require.NoError(t, s.UpdateScheduleBookkeeping(ctx, "nightly-report", 1, &future, nil, nil))

	due, err = s.ListWorkflowDefinitionsDueForSchedule(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)

	latest, err := s.ListLatestWorkflowDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
}

func TestWorkflowRunAndStepLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &store.WorkflowRun{
		ID: "wr-1", WorkflowDefinitionID: "nightly-report@1", WorkflowSlug: "nightly-report",
		WorkflowVersion: 1, Status: store.StatusRunning, TriggeredBy: "schedule",
		Context: store.RunContext{Steps: map[string]store.StepContext{}, Shared: map[string]any{}},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, s.CreateWorkflowRun(ctx, run))

	step := &store.WorkflowRunStep{
		WorkflowRunID: "wr-1", StepID: "step-1", Status: store.StatusRunning, Attempt: 1,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.PutWorkflowRunStep(ctx, step))

	step.Status = store.StatusSucceeded
	step.Output = map[string]any{"rows": float64(42)}
	ok, err := s.UpdateWorkflowRunStepConditional(ctx, step, []string{store.StatusRunning})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetWorkflowRunStep(ctx, "wr-1", "step-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSucceeded, got.Status)
	require.Equal(t, float64(42), got.Output["rows"])

	require.NoError(t, s.RequestCancelWorkflowRun(ctx, "wr-1"))
	gotRun, err := s.GetWorkflowRun(ctx, "wr-1")
	require.NoError(t, err)
	require.True(t, gotRun.CancelRequested)

	runs, err := s.ListWorkflowRuns(ctx, store.WorkflowRunFilter{WorkflowSlug: "nightly-report"})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	require.NoError(t, s.DeleteWorkflowRun(ctx, "wr-1"))
	_, err = s.GetWorkflowRun(ctx, "wr-1")
	require.ErrorAs(t, err, new(*cperrors.NotFoundError))
}

func TestAssetFreshnessAndOutOfOrderWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	require.NoError(t, s.PutWorkflowRunStepAsset(ctx, &store.WorkflowRunStepAsset{
		WorkflowSlug: "nightly-report", AssetID: "Orders", ProducedAt: newer, WorkflowRunID: "wr-1", StepID: "step-1",
	}))
	require.NoError(t, s.PutWorkflowRunStepAsset(ctx, &store.WorkflowRunStepAsset{
		WorkflowSlug: "nightly-report", AssetID: "orders", ProducedAt: older, WorkflowRunID: "wr-0", StepID: "step-1",
	}))

	latest, err := s.LatestAsset(ctx, "nightly-report", "ORDERS", "")
	require.NoError(t, err)
	require.Equal(t, "wr-1", latest.WorkflowRunID, "an out-of-order older write must not overwrite the newer one")
}

func TestEventTriggerFailureAutoPause(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trigger := &store.WorkflowEventTrigger{
		ID: "trg-1", WorkflowSlug: "nightly-report", Predicate: `type == "order.created"`,
		PauseThreshold: 2, CreatedAt: time.Now(),
	}
	require.NoError(t, s.PutEventTrigger(ctx, trigger))

	require.NoError(t, s.RecordTriggerFailure(ctx, "trg-1", "boom", time.Now()))
	got, err := s.GetEventTrigger(ctx, "trg-1")
	require.NoError(t, err)
	require.False(t, got.Paused)

	require.NoError(t, s.RecordTriggerFailure(ctx, "trg-1", "boom again", time.Now()))
	got, err = s.GetEventTrigger(ctx, "trg-1")
	require.NoError(t, err)
	require.True(t, got.Paused, "failure count reaching the threshold must auto-pause")

	active, err := s.ListActiveEventTriggers(ctx, "")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestAdvisoryLockSingleHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acquired, err := s.TryAcquireLock(ctx, "schedule", "default", "node-a")
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = s.TryAcquireLock(ctx, "schedule", "default", "node-b")
	require.NoError(t, err)
	require.False(t, acquired)

	held, err := s.RefreshLock(ctx, "schedule", "default", "node-a")
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, s.ReleaseLock(ctx, "schedule", "default", "node-a"))

	acquired, err = s.TryAcquireLock(ctx, "schedule", "default", "node-b")
	require.NoError(t, err)
	require.True(t, acquired, "lock must be acquirable once released")
}
