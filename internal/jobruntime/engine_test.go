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

package jobruntime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/store"
	"github.com/forgeline/controlplane/internal/store/memory"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *Registry) {
	t.Helper()
	st := memory.New()
	reg := NewRegistry()
	bus := eventbus.New(nil)
	return NewEngine(st, st, reg, bus, nil, nil), st, reg
}

func putDef(t *testing.T, st *memory.Store, def *store.JobDefinition) {
	t.Helper()
	require.NoError(t, st.PutJobDefinition(context.Background(), def))
}

func TestExecuteJobRun_SucceedsAndMarksTerminal(t *testing.T) {
	engine, st, reg := newTestEngine(t)
	putDef(t, st, &store.JobDefinition{Slug: "echo", Version: 1, RetryPolicy: store.DefaultRetryPolicy()})
	reg.RegisterHandler("echo", func(ctx context.Context, jc *JobRunContext) (map[string]any, error) {
		jc.Update(map[string]any{"seen": true})
		return map[string]any{"echoed": jc.Parameters["msg"]}, nil
	})

	run := &store.JobRun{ID: "jr-1", JobDefinitionID: FormatJobDefinitionID("echo", 1), Status: store.StatusPending, MaxAttempts: 1, Parameters: map[string]any{"msg": "hi"}}
	require.NoError(t, st.CreateJobRun(context.Background(), run))

	result, err := engine.ExecuteJobRun(context.Background(), "jr-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, result.Status)
	assert.Equal(t, "hi", result.Result["echoed"])
	assert.Equal(t, true, result.Context["seen"])
	assert.Equal(t, 1, result.Attempt)
}

func TestExecuteJobRun_AlreadyTerminalIsIdempotent(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	run := &store.JobRun{ID: "jr-1", JobDefinitionID: FormatJobDefinitionID("echo", 1), Status: store.StatusSucceeded}
	require.NoError(t, st.CreateJobRun(context.Background(), run))

	result, err := engine.ExecuteJobRun(context.Background(), "jr-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, result.Status)
}

func TestExecuteJobRun_RetriableFailureSchedulesNextAttempt(t *testing.T) {
	engine, st, reg := newTestEngine(t)
	putDef(t, st, &store.JobDefinition{
		Slug: "flaky", Version: 1,
		RetryPolicy: store.RetryPolicy{MaxAttempts: 3, Strategy: store.RetryFixed, InitialDelayMs: 10, Jitter: store.JitterNone},
	})
	reg.RegisterHandler("flaky", func(ctx context.Context, jc *JobRunContext) (map[string]any, error) {
		return nil, &cperrors.RetriableError{Operation: "call", Cause: context.DeadlineExceeded}
	})

	var scheduledAt time.Time
	var scheduledRun string
	engine.scheduler = SchedulerFunc(func(ctx context.Context, runID string, at time.Time) {
		scheduledRun = runID
		scheduledAt = at
	})

	run := &store.JobRun{ID: "jr-2", JobDefinitionID: FormatJobDefinitionID("flaky", 1), Status: store.StatusPending, MaxAttempts: 3}
	require.NoError(t, st.CreateJobRun(context.Background(), run))

	result, err := engine.ExecuteJobRun(context.Background(), "jr-2")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, result.Status)
	assert.Equal(t, 1, result.Attempt)
	assert.Equal(t, "jr-2", scheduledRun)
	assert.True(t, scheduledAt.After(time.Now().Add(-time.Second)))
}

func TestExecuteJobRun_RetriableFailureExhaustedIsFatal(t *testing.T) {
	engine, st, reg := newTestEngine(t)
	putDef(t, st, &store.JobDefinition{
		Slug: "flaky", Version: 1,
		RetryPolicy: store.RetryPolicy{MaxAttempts: 1, Strategy: store.RetryNone},
	})
	reg.RegisterHandler("flaky", func(ctx context.Context, jc *JobRunContext) (map[string]any, error) {
		return nil, &cperrors.RetriableError{Operation: "call", Cause: context.DeadlineExceeded}
	})

	run := &store.JobRun{ID: "jr-3", JobDefinitionID: FormatJobDefinitionID("flaky", 1), Status: store.StatusPending, MaxAttempts: 1}
	require.NoError(t, st.CreateJobRun(context.Background(), run))

	result, err := engine.ExecuteJobRun(context.Background(), "jr-3")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, result.Status)
}

func TestExecuteJobRun_FatalErrorNeverRetries(t *testing.T) {
	engine, st, reg := newTestEngine(t)
	putDef(t, st, &store.JobDefinition{
		Slug: "validating", Version: 1,
		RetryPolicy: store.RetryPolicy{MaxAttempts: 5, Strategy: store.RetryFixed, InitialDelayMs: 10},
	})
	reg.RegisterHandler("validating", func(ctx context.Context, jc *JobRunContext) (map[string]any, error) {
		return nil, &cperrors.ValidationError{Field: "param", Message: "missing"}
	})

	run := &store.JobRun{ID: "jr-4", JobDefinitionID: FormatJobDefinitionID("validating", 1), Status: store.StatusPending, MaxAttempts: 5}
	require.NoError(t, st.CreateJobRun(context.Background(), run))

	result, err := engine.ExecuteJobRun(context.Background(), "jr-4")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, result.Status)
}

func TestExecuteJobRun_TimeoutMarksExpired(t *testing.T) {
	engine, st, reg := newTestEngine(t)
	putDef(t, st, &store.JobDefinition{Slug: "slow", Version: 1, TimeoutMs: 10, RetryPolicy: store.DefaultRetryPolicy()})
	reg.RegisterHandler("slow", func(ctx context.Context, jc *JobRunContext) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return map[string]any{}, nil
		}
	})

	run := &store.JobRun{ID: "jr-5", JobDefinitionID: FormatJobDefinitionID("slow", 1), Status: store.StatusPending, MaxAttempts: 1}
	require.NoError(t, st.CreateJobRun(context.Background(), run))

	result, err := engine.ExecuteJobRun(context.Background(), "jr-5")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, result.Status)
}

func TestExecuteJobRun_UnregisteredHandlerFailsTerminal(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	putDef(t, st, &store.JobDefinition{Slug: "ghost", Version: 1})
	run := &store.JobRun{ID: "jr-6", JobDefinitionID: FormatJobDefinitionID("ghost", 1), Status: store.StatusPending, MaxAttempts: 1}
	require.NoError(t, st.CreateJobRun(context.Background(), run))

	result, err := engine.ExecuteJobRun(context.Background(), "jr-6")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, result.Status)
}
