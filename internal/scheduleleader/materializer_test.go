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

package scheduleleader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/leader"
	"github.com/forgeline/controlplane/internal/store"
	"github.com/forgeline/controlplane/internal/store/memory"
)

type recordingEnqueuer struct {
	mu      sync.Mutex
	runIDs  []string
}

func (r *recordingEnqueuer) EnqueueWorkflowRun(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runIDs = append(r.runIDs, runID)
	return nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runIDs)
}

// TestMaterializerCatchUpCreatesEveryMissedFireTime covers the five-minute
// cron, one-hour-behind catch-up cursor scenario: a cursor sitting exactly
// on a 5-minute boundary one hour in the past must walk forward to exactly
// twelve fire times (cursor+5 ... cursor+60) when caught up to the top of
// the current hour.
func TestMaterializerCatchUpCreatesEveryMissedFireTime(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	now := time.Date(2026, 7, 31, 15, 0, 0, 0, time.UTC)
	cursor := now.Add(-time.Hour)

	def := &store.WorkflowDefinition{
		Slug:    "rollup",
		Version: 1,
		Steps:   []store.WorkflowStep{{ID: "step-1", Kind: store.StepKindJob}},
		ScheduleTrigger: &store.ScheduleTrigger{
			Cron:     "*/5 * * * *",
			Timezone: "UTC",
			CatchUp:  true,
		},
		ScheduleNextRunAt:     &now,
		ScheduleCatchupCursor: &cursor,
		CreatedAt:             now.Add(-24 * time.Hour),
	}
	require.NoError(t, st.PutWorkflowDefinition(ctx, def))

	enq := &recordingEnqueuer{}
	m := NewMaterializer(Config{Schedules: st, Runs: st, Locks: st, Enqueue: enq, OwnerID: "node-a"})

	m.materializeOne(ctx, def, now)

	require.Equal(t, 12, enq.count())

	updated, err := st.GetWorkflowDefinition(ctx, "rollup", 1)
	require.NoError(t, err)
	require.Nil(t, updated.ScheduleCatchupCursor)
	require.NotNil(t, updated.LastMaterializedWindow)
	require.True(t, updated.LastMaterializedWindow.Equal(now))

	outcomes := m.Outcomes()
	require.NotEmpty(t, outcomes)
	last := outcomes[len(outcomes)-1]
	require.Equal(t, OutcomeProcessed, last.Kind)
	require.Equal(t, 12, last.RunsCreated)
}

// TestMaterializerWithoutCatchUpCollapsesToLatestFireTime covers catchUp
// being false: many missed fire times collapse to a single run for the
// most recent one.
func TestMaterializerWithoutCatchUpCollapsesToLatestFireTime(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	now := time.Date(2026, 7, 31, 15, 0, 0, 0, time.UTC)
	cursor := now.Add(-time.Hour)

	def := &store.WorkflowDefinition{
		Slug:    "rollup",
		Version: 1,
		Steps:   []store.WorkflowStep{{ID: "step-1", Kind: store.StepKindJob}},
		ScheduleTrigger: &store.ScheduleTrigger{
			Cron:    "*/5 * * * *",
			CatchUp: false,
		},
		ScheduleNextRunAt:     &now,
		ScheduleCatchupCursor: &cursor,
		CreatedAt:             now.Add(-24 * time.Hour),
	}
	require.NoError(t, st.PutWorkflowDefinition(ctx, def))

	enq := &recordingEnqueuer{}
	m := NewMaterializer(Config{Schedules: st, Runs: st, Locks: st, Enqueue: enq, OwnerID: "node-a"})

	m.materializeOne(ctx, def, now)

	require.Equal(t, 1, enq.count())
}

// TestMaterializerSkipsWhenNotLeader asserts a non-leader Materializer
// never touches the store.
func TestMaterializerSkipsWhenNotLeader(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	now := time.Date(2026, 7, 31, 15, 0, 0, 0, time.UTC)
	def := &store.WorkflowDefinition{
		Slug:              "rollup",
		Version:           1,
		Steps:             []store.WorkflowStep{{ID: "step-1", Kind: store.StepKindJob}},
		ScheduleTrigger:   &store.ScheduleTrigger{Cron: "*/5 * * * *"},
		ScheduleNextRunAt: &now,
		CreatedAt:         now.Add(-time.Hour),
	}
	require.NoError(t, st.PutWorkflowDefinition(ctx, def))

	locks := memory.New()
	// A different owner already holds the election lock, so this
	// Materializer's Elector never becomes leader.
	acquired, err := locks.TryAcquireLock(ctx, "schedule-leader", "singleton", "someone-else")
	require.NoError(t, err)
	require.True(t, acquired)

	el := leader.NewElector(leader.Config{Locks: locks, Namespace: "schedule-leader", ID: "singleton", OwnerID: "node-a", RetryInterval: 10 * time.Millisecond})
	elCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	el.Start(elCtx)
	defer el.Stop()
	time.Sleep(50 * time.Millisecond)
	require.False(t, el.IsLeader())

	enq := &recordingEnqueuer{}
	m := NewMaterializer(Config{Schedules: st, Runs: st, Locks: st, Enqueue: enq, Elector: el, OwnerID: "node-a"})
	m.Tick(ctx)

	require.Equal(t, 0, enq.count())
}

// TestMaterializerLockContentionSkipsProcessing asserts a schedule already
// locked by another process is left untouched, not double-materialized.
func TestMaterializerLockContentionSkipsProcessing(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	now := time.Date(2026, 7, 31, 15, 0, 0, 0, time.UTC)
	def := &store.WorkflowDefinition{
		Slug:              "rollup",
		Version:           1,
		Steps:             []store.WorkflowStep{{ID: "step-1", Kind: store.StepKindJob}},
		ScheduleTrigger:   &store.ScheduleTrigger{Cron: "*/5 * * * *"},
		ScheduleNextRunAt: &now,
		CreatedAt:         now.Add(-time.Hour),
	}
	require.NoError(t, st.PutWorkflowDefinition(ctx, def))

	_, err := st.TryAcquireLock(ctx, "schedule", "rollup@1", "other-node")
	require.NoError(t, err)

	enq := &recordingEnqueuer{}
	m := NewMaterializer(Config{Schedules: st, Runs: st, Locks: st, Enqueue: enq, OwnerID: "node-a"})
	m.materializeOne(ctx, def, now)

	require.Equal(t, 0, enq.count())
	outcomes := m.Outcomes()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeLockContention, outcomes[0].Kind)
}
