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
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/retry"
	"github.com/forgeline/controlplane/internal/store"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

// Scheduler re-enqueues a job run for a later attempt. The engine never
// sleeps in-process for a retry delay; it hands the wait off to whatever
// queue mode is configured (inline mode schedules via time.AfterFunc,
// distributed mode would push a delayed re-queue), matching §4.C step 7's
// "schedule next attempt" wording rather than "block until attempt".
type Scheduler interface {
	ScheduleJobRunAttempt(ctx context.Context, runID string, at time.Time)
}

// SchedulerFunc adapts a function to a Scheduler.
type SchedulerFunc func(ctx context.Context, runID string, at time.Time)

// ScheduleJobRunAttempt implements Scheduler.
func (f SchedulerFunc) ScheduleJobRunAttempt(ctx context.Context, runID string, at time.Time) {
	f(ctx, runID, at)
}

// Engine executes JobRuns against handlers resolved through a Registry,
// implementing the eight-step state machine of spec §4.C.
type Engine struct {
	defs      store.JobDefinitionStore
	runs      store.JobRunStore
	registry  *Registry
	bus       *eventbus.Bus
	scheduler Scheduler
	logger    *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine wires an Engine. bus and scheduler may be nil; a nil scheduler
// means retries are never automatically re-driven (the caller is expected
// to run its own sweep, e.g. a test harness).
func NewEngine(defs store.JobDefinitionStore, runs store.JobRunStore, registry *Registry, bus *eventbus.Bus, scheduler Scheduler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		defs:      defs,
		runs:      runs,
		registry:  registry,
		bus:       bus,
		scheduler: scheduler,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ExecuteJobRun implements the eight-step state machine from spec §4.C:
//
//  1. Load the run, returning it unchanged if already terminal.
//  2. Conditionally transition pending -> running; a lost race returns the
//     freshly-reloaded run, never an error.
//  3. Resolve slug -> definition -> handler.
//  4. Build the JobRunContext.
//  5. Invoke the handler under a timeout.
//  6. Persist result/metrics/context, classifying any handler error.
//  7. Schedule the next attempt on a retriable failure, or fail terminally.
//  8. Mark succeeded with duration on handler success.
func (e *Engine) ExecuteJobRun(ctx context.Context, runID string) (*store.JobRun, error) {
	run, err := e.runs.GetJobRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if store.IsTerminal(run.Status) {
		return run, nil
	}

	attempt := run.Attempt + 1
	running := cloneJobRun(run)
	running.Status = store.StatusRunning
	running.Attempt = attempt
	now := time.Now()
	running.StartedAt = &now
	running.UpdatedAt = now

	ok, err := e.runs.UpdateJobRunConditional(ctx, running, []string{store.StatusPending, store.StatusFailed})
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.runs.GetJobRun(ctx, runID)
	}
	run = running

	slug, version, err := ParseJobDefinitionID(run.JobDefinitionID)
	if err != nil {
		return e.failTerminal(ctx, run, err)
	}
	def, err := e.defs.GetJobDefinition(ctx, slug, version)
	if err != nil {
		return e.failTerminal(ctx, run, err)
	}
	handler, err := e.registry.Resolve(def.Slug)
	if err != nil {
		return e.failTerminal(ctx, run, &cperrors.FatalError{Reason: "unregistered job handler", Cause: err})
	}

	timeoutMs := def.TimeoutMs
	if run.TimeoutMs > 0 {
		timeoutMs = run.TimeoutMs
	}
	var cancel context.CancelFunc
	execCtx := ctx
	if timeoutMs > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	patch := map[string]any{}
	jc := &JobRunContext{
		RunID:      run.ID,
		Slug:       def.Slug,
		Version:    def.Version,
		Attempt:    attempt,
		Parameters: run.Parameters,
		Logger:     e.logger.With("job_run_id", run.ID, "job_slug", def.Slug, "attempt", attempt),
		update: func(p map[string]any) {
			for k, v := range p {
				patch[k] = v
			}
		},
	}

	start := time.Now()
	result, handlerErr := e.invoke(execCtx, handler, jc)
	durationMs := time.Since(start).Milliseconds()

	if handlerErr != nil && execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return e.markExpired(ctx, run, durationMs, patch)
	}
	if handlerErr != nil {
		return e.handleFailure(ctx, run, def, handlerErr, durationMs, patch)
	}
	return e.markSucceeded(ctx, run, result, durationMs, patch)
}

// invoke recovers a handler panic into a FatalError so a misbehaving
// handler cannot take the engine down with it.
func (e *Engine) invoke(ctx context.Context, h Handler, jc *JobRunContext) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &cperrors.FatalError{Reason: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return h(ctx, jc)
}

func (e *Engine) markExpired(ctx context.Context, run *store.JobRun, durationMs int64, patch map[string]any) (*store.JobRun, error) {
	updated := cloneJobRun(run)
	updated.Status = store.StatusExpired
	updated.ErrorMessage = fmt.Sprintf("job run %s exceeded its timeout", run.ID)
	updated.DurationMs = durationMs
	updated.Context = mergeContext(run.Context, patch)
	completed := time.Now()
	updated.CompletedAt = &completed
	updated.UpdatedAt = completed

	_, err := e.runs.UpdateJobRunConditional(ctx, updated, []string{store.StatusRunning})
	if err != nil {
		return nil, err
	}
	e.publish(eventbus.TypeQueueFailed, map[string]any{"jobRunId": run.ID, "status": store.StatusExpired})
	return updated, nil
}

func (e *Engine) handleFailure(ctx context.Context, run *store.JobRun, def *store.JobDefinition, handlerErr error, durationMs int64, patch map[string]any) (*store.JobRun, error) {
	retriable := isRetryable(handlerErr)
	policy := def.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = store.DefaultRetryPolicy()
	}
	// A per-step retry override (set by the workflow orchestrator when it
	// creates this JobRun, spec §4.D) narrows only the attempt budget; the
	// delay shape still comes from the job definition.
	if run.MaxAttempts > 0 {
		policy.MaxAttempts = run.MaxAttempts
	}

	updated := cloneJobRun(run)
	updated.ErrorMessage = handlerErr.Error()
	updated.DurationMs = durationMs
	updated.Context = mergeContext(run.Context, patch)
	updated.UpdatedAt = time.Now()

	if retriable && run.Attempt < policy.MaxAttempts {
		updated.Status = store.StatusPending
		ok, err := e.runs.UpdateJobRunConditional(ctx, updated, []string{store.StatusRunning})
		if err != nil {
			return nil, err
		}
		if !ok {
			return e.runs.GetJobRun(ctx, run.ID)
		}
		delay := e.delayFor(policy, run.Attempt)
		if e.scheduler != nil {
			e.scheduler.ScheduleJobRunAttempt(ctx, run.ID, time.Now().Add(delay))
		}
		e.publish(eventbus.TypeQueueFailed, map[string]any{"jobRunId": run.ID, "status": store.StatusPending, "retryDelayMs": delay.Milliseconds()})
		return updated, nil
	}

	updated.Status = store.StatusFailed
	completed := time.Now()
	updated.CompletedAt = &completed
	_, err := e.runs.UpdateJobRunConditional(ctx, updated, []string{store.StatusRunning})
	if err != nil {
		return nil, err
	}
	e.publish(eventbus.TypeQueueFailed, map[string]any{"jobRunId": run.ID, "status": store.StatusFailed})
	return updated, nil
}

func (e *Engine) markSucceeded(ctx context.Context, run *store.JobRun, result map[string]any, durationMs int64, patch map[string]any) (*store.JobRun, error) {
	updated := cloneJobRun(run)
	updated.Status = store.StatusSucceeded
	updated.Result = result
	updated.DurationMs = durationMs
	updated.Context = mergeContext(run.Context, patch)
	completed := time.Now()
	updated.CompletedAt = &completed
	updated.UpdatedAt = completed

	_, err := e.runs.UpdateJobRunConditional(ctx, updated, []string{store.StatusRunning})
	if err != nil {
		return nil, err
	}
	e.publish(eventbus.TypeQueueCompleted, map[string]any{"jobRunId": run.ID, "status": store.StatusSucceeded, "durationMs": durationMs})
	return updated, nil
}

func (e *Engine) failTerminal(ctx context.Context, run *store.JobRun, cause error) (*store.JobRun, error) {
	updated := cloneJobRun(run)
	updated.Status = store.StatusFailed
	updated.ErrorMessage = cause.Error()
	completed := time.Now()
	updated.CompletedAt = &completed
	updated.UpdatedAt = completed
	_, err := e.runs.UpdateJobRunConditional(ctx, updated, []string{store.StatusRunning, store.StatusPending})
	if err != nil {
		return nil, err
	}
	e.publish(eventbus.TypeQueueFailed, map[string]any{"jobRunId": run.ID, "status": store.StatusFailed})
	return updated, nil
}

func (e *Engine) publish(eventType string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: eventType, Payload: payload})
}

func (e *Engine) delayFor(policy store.RetryPolicy, attempt int) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return retry.Delay(policy, attempt, e.rng)
}

// isRetryable classifies a handler error per the taxonomy in pkg/errors:
// anything implementing IsRetryable is authoritative; an unclassified
// error is treated as fatal, matching §4.C step 6's "validation, missing
// param, duplicate" default.
func isRetryable(err error) bool {
	var classified interface{ IsRetryable() bool }
	if errors.As(err, &classified) {
		return classified.IsRetryable()
	}
	return false
}

func mergeContext(existing map[string]any, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return existing
	}
	merged := make(map[string]any, len(existing)+len(patch))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

func cloneJobRun(run *store.JobRun) *store.JobRun {
	clone := *run
	return &clone
}
