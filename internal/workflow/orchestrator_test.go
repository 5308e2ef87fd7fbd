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

package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/store"
	"github.com/forgeline/controlplane/internal/store/memory"
)

// fakeJobDispatcher executes a job run immediately against a canned
// per-slug result, without going through internal/jobruntime, so
// orchestrator tests exercise only the DAG/step-dispatch logic.
type fakeJobDispatcher struct {
	mu      sync.Mutex
	outcome func(run *store.JobRun) (*store.JobRun, error)
	calls   []*store.JobRun
}

func (f *fakeJobDispatcher) Dispatch(ctx context.Context, run *store.JobRun) (*store.JobRun, error) {
	f.mu.Lock()
	f.calls = append(f.calls, run)
	f.mu.Unlock()
	return f.outcome(run)
}

func succeedingDispatcher() *fakeJobDispatcher {
	return &fakeJobDispatcher{outcome: func(run *store.JobRun) (*store.JobRun, error) {
		cp := *run
		cp.Status = store.StatusSucceeded
		cp.Result = map[string]any{"echoed": run.Parameters["msg"]}
		return &cp, nil
	}}
}

func newTestOrchestrator(t *testing.T, jobs JobDispatcher) (*Orchestrator, *memory.Store) {
	t.Helper()
	st := memory.New()
	bus := eventbus.New(nil)
	return &Orchestrator{
		Defs:    st,
		JobDefs: st,
		Runs:    st,
		Steps:   st,
		Assets:  st,
		Jobs:    jobs,
		Bus:     bus,
	}, st
}

func seedRun(t *testing.T, st *memory.Store, def *store.WorkflowDefinition, params map[string]any) *store.WorkflowRun {
	t.Helper()
	require.NoError(t, st.PutWorkflowDefinition(context.Background(), def))
	run := &store.WorkflowRun{
		ID: "run-1", WorkflowDefinitionID: fmt.Sprintf("%s@%d", def.Slug, def.Version),
		WorkflowSlug: def.Slug, WorkflowVersion: def.Version, Status: store.StatusPending, Parameters: params,
	}
	require.NoError(t, st.CreateWorkflowRun(context.Background(), run))
	return run
}

func TestOrchestrator_Run_LinearSuccess(t *testing.T) {
	def := &store.WorkflowDefinition{
		Slug: "pipeline", Version: 1,
		Steps: []store.WorkflowStep{
			{ID: "a", Kind: store.StepKindJob, JobSlug: "step-a", Bundle: &store.BundleRef{Strategy: "pinned", Version: 1}},
			{ID: "b", Kind: store.StepKindJob, JobSlug: "step-b", DependsOn: []string{"a"},
				ParameterTpl: map[string]any{"upstream": "{{ steps.a.output.echoed }}"},
				Bundle:       &store.BundleRef{Strategy: "pinned", Version: 1}},
		},
	}
	o, st := newTestOrchestrator(t, succeedingDispatcher())
	run := seedRun(t, st, def, map[string]any{"msg": "hi"})

	result, err := o.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, result.Status)

	steps, err := st.ListWorkflowRunSteps(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestOrchestrator_Run_FailureCascadesSkip(t *testing.T) {
	def := &store.WorkflowDefinition{
		Slug: "pipeline", Version: 1,
		Steps: []store.WorkflowStep{
			{ID: "a", Kind: store.StepKindJob, JobSlug: "step-a", Bundle: &store.BundleRef{Strategy: "pinned", Version: 1}},
			{ID: "b", Kind: store.StepKindJob, JobSlug: "step-b", DependsOn: []string{"a"}, Bundle: &store.BundleRef{Strategy: "pinned", Version: 1}},
			{ID: "c", Kind: store.StepKindJob, JobSlug: "step-c", DependsOn: []string{"a"}, Bundle: &store.BundleRef{Strategy: "pinned", Version: 1}},
			{ID: "d", Kind: store.StepKindJob, JobSlug: "step-d", DependsOn: []string{"b", "c"}, Bundle: &store.BundleRef{Strategy: "pinned", Version: 1}},
		},
	}
	failing := &fakeJobDispatcher{outcome: func(run *store.JobRun) (*store.JobRun, error) {
		cp := *run
		cp.Status = store.StatusFailed
		cp.ErrorMessage = "boom"
		return &cp, nil
	}}
	o, st := newTestOrchestrator(t, failing)
	run := seedRun(t, st, def, nil)

	result, err := o.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, result.Status)
}

func TestOrchestrator_Run_AlreadyTerminalIsIdempotent(t *testing.T) {
	o, st := newTestOrchestrator(t, succeedingDispatcher())
	def := &store.WorkflowDefinition{Slug: "noop", Version: 1}
	require.NoError(t, st.PutWorkflowDefinition(context.Background(), def))
	run := &store.WorkflowRun{ID: "run-done", WorkflowSlug: "noop", WorkflowVersion: 1, Status: store.StatusSucceeded}
	require.NoError(t, st.CreateWorkflowRun(context.Background(), run))

	result, err := o.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, result.Status)
}

func TestOrchestrator_Run_CancelRequestedSkipsRemaining(t *testing.T) {
	def := &store.WorkflowDefinition{
		Slug: "cancelable", Version: 1,
		Steps: []store.WorkflowStep{{ID: "a", Kind: store.StepKindJob, JobSlug: "step-a"}},
	}
	blocking := &fakeJobDispatcher{}
	o, st := newTestOrchestrator(t, blocking)
	run := seedRun(t, st, def, nil)
	require.NoError(t, st.RequestCancelWorkflowRun(context.Background(), run.ID))

	result, err := o.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCanceled, result.Status)
}

func TestOrchestrator_Run_MissingTemplatePathFailsStep(t *testing.T) {
	def := &store.WorkflowDefinition{
		Slug: "bad-template", Version: 1,
		Steps: []store.WorkflowStep{
			{ID: "a", Kind: store.StepKindJob, JobSlug: "step-a",
				ParameterTpl: map[string]any{"x": "{{ steps.missing.output.y }}"}},
		},
	}
	o, st := newTestOrchestrator(t, succeedingDispatcher())
	run := seedRun(t, st, def, nil)

	result, err := o.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, result.Status)
}

func TestOrchestrator_Run_FanOutAggregatesResults(t *testing.T) {
	def := &store.WorkflowDefinition{
		Slug: "fanout-pipeline", Version: 1,
		Steps: []store.WorkflowStep{
			{
				ID: "expand", Kind: store.StepKindFanOut,
				Collection:     []any{"x", "y", "z"},
				MaxConcurrency: 2,
				StoreResultsAs: "items",
				Template: &store.WorkflowStep{
					ID: "expand-child", Kind: store.StepKindJob, JobSlug: "child",
					ParameterTpl: map[string]any{"item": "{{ item }}"},
				},
			},
		},
	}
	o, st := newTestOrchestrator(t, succeedingDispatcher())
	require.NoError(t, st.PutJobDefinition(context.Background(), &store.JobDefinition{Slug: "child", Version: 1}))
	run := seedRun(t, st, def, nil)

	result, err := o.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, result.Status)

	stepCtx := result.Context.Steps["expand"]
	items, ok := stepCtx.Output["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 3)
}

func TestOrchestrator_Run_FanOutPartialFailureLeavesNilSlot(t *testing.T) {
	def := &store.WorkflowDefinition{
		Slug: "fanout-partial", Version: 1,
		Steps: []store.WorkflowStep{
			{
				ID: "expand", Kind: store.StepKindFanOut,
				Collection:     []any{"ok", "bad"},
				MaxConcurrency: 1,
				StoreResultsAs: "items",
				Template: &store.WorkflowStep{
					ID: "expand-child", Kind: store.StepKindJob, JobSlug: "child",
					ParameterTpl: map[string]any{"item": "{{ item }}"},
				},
			},
		},
	}
	flaky := &fakeJobDispatcher{outcome: func(run *store.JobRun) (*store.JobRun, error) {
		cp := *run
		if run.Parameters["item"] == "bad" {
			cp.Status = store.StatusFailed
			cp.ErrorMessage = "bad item"
			return &cp, nil
		}
		cp.Status = store.StatusSucceeded
		cp.Result = map[string]any{"item": run.Parameters["item"]}
		return &cp, nil
	}}
	o, st := newTestOrchestrator(t, flaky)
	require.NoError(t, st.PutJobDefinition(context.Background(), &store.JobDefinition{Slug: "child", Version: 1}))
	run := seedRun(t, st, def, nil)

	result, err := o.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, result.Status)
}
