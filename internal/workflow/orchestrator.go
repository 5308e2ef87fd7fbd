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

// Package workflow drives a WorkflowRun's DAG of steps to completion,
// implementing the run state machine of spec §4.D. It is grounded on
// pkg/workflow/{definition,types,executor,loop}.go for the tagged-union
// step dispatch and fan-out handling, and on
// internal/controller/runner/{runner,state_manager}.go for the
// crash-recovery-by-resume contract.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/store"
	"github.com/forgeline/controlplane/internal/workflow/checkpoint"
	"github.com/forgeline/controlplane/internal/workflow/expression"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

// Orchestrator drives WorkflowRuns through the DAG state machine. One
// Orchestrator is shared by every run a process handles; OwnerToken
// (passed into Run) distinguishes this worker's in-flight steps from
// another worker's when a run is resumed after a crash.
type Orchestrator struct {
	Defs    store.WorkflowDefinitionStore
	JobDefs store.JobDefinitionStore
	Runs    store.WorkflowRunStore
	Steps   store.WorkflowRunStepStore
	Assets  store.AssetStore

	Jobs     JobDispatcher
	Services ServiceClient
	Secrets  SecretResolver

	Bus        *eventbus.Bus
	Checkpoint *checkpoint.Manager
	Logger     *slog.Logger

	OwnerToken string
}

// Run drives runID to a terminal status, resuming from whatever step
// state already exists if this is not the first attempt (crash-recovery
// by resume, spec §4.D "Failure model").
func (o *Orchestrator) Run(ctx context.Context, runID string) (*store.WorkflowRun, error) {
	run, err := o.Runs.GetWorkflowRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if store.IsTerminal(run.Status) {
		return run, nil
	}

	def, err := o.Defs.GetWorkflowDefinition(ctx, run.WorkflowSlug, run.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	graph, err := BuildGraph(def)
	if err != nil {
		return o.failRun(ctx, run, err)
	}

	if run.Status == store.StatusPending {
		running := cloneRun(run)
		running.Status = store.StatusRunning
		now := time.Now()
		running.StartedAt = &now
		running.UpdatedAt = now
		ok, err := o.Runs.UpdateWorkflowRunConditional(ctx, running, []string{store.StatusPending})
		if err != nil {
			return nil, err
		}
		if !ok {
			return o.Runs.GetWorkflowRun(ctx, runID)
		}
		run = running
	}

	return o.drive(ctx, run, def, graph)
}

// drive runs the scheduling loop: compute the ready set, dispatch one
// step, persist its outcome, repeat until the ready set is empty, a
// cancellation is observed, or a step fails.
func (o *Orchestrator) drive(ctx context.Context, run *store.WorkflowRun, def *store.WorkflowDefinition, graph *Graph) (*store.WorkflowRun, error) {
	for {
		fresh, err := o.Runs.GetWorkflowRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		run = fresh
		if run.CancelRequested {
			return o.cancelRun(ctx, run, graph)
		}

		steps, err := o.Steps.ListWorkflowRunSteps(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		statuses := statusMap(steps)

		if skipped := o.cascadeSkipBlocked(ctx, run, graph, statuses); skipped {
			continue
		}

		ready := graph.ReadySet(statuses)
		if len(ready) == 0 {
			break
		}

		stepID := ready[0]
		step := graph.StepByID(stepID)
		if step == nil {
			return o.failRun(ctx, run, &cperrors.FatalError{Reason: fmt.Sprintf("step %q vanished from definition", stepID)})
		}

		outcome, err := o.executeStep(ctx, run, def, graph, step)
		if err != nil {
			return nil, err
		}
		if outcome.status == store.StatusFailed {
			now := time.Now()
			for _, id := range graph.Descendants(stepID) {
				if _, started := statuses[id]; started {
					continue
				}
				_ = o.Steps.PutWorkflowRunStep(ctx, &store.WorkflowRunStep{
					ID: run.ID + ":" + id, WorkflowRunID: run.ID, StepID: id, Status: store.StatusSkipped,
					StartedAt: &now, CompletedAt: &now, UpdatedAt: now,
				})
			}
			return o.failRun(ctx, run, fmt.Errorf("step %q failed: %s", stepID, outcome.errorMessage))
		}

		run, err = o.applyStepOutcome(ctx, run, step, outcome)
		if err != nil {
			return nil, err
		}
	}

	return o.finalizeRun(ctx, run, graph)
}

// cascadeSkipBlocked marks as skipped every not-yet-started step whose
// dependency chain can never succeed (a dependency already terminal in a
// non-succeeded status). Returns true if it skipped anything, so the
// caller recomputes the ready set against the fresh status map.
func (o *Orchestrator) cascadeSkipBlocked(ctx context.Context, run *store.WorkflowRun, graph *Graph, statuses map[string]string) bool {
	blocked := graph.Blocked(statuses)
	if len(blocked) == 0 {
		return false
	}
	for _, stepID := range blocked {
		now := time.Now()
		rs := &store.WorkflowRunStep{
			ID:            run.ID + ":" + stepID,
			WorkflowRunID: run.ID,
			StepID:        stepID,
			Status:        store.StatusSkipped,
			StartedAt:     &now,
			CompletedAt:   &now,
			UpdatedAt:     now,
		}
		_ = o.Steps.PutWorkflowRunStep(ctx, rs)
	}
	return true
}

type stepOutcome struct {
	status       string
	output       map[string]any
	response     map[string]any
	errorMessage string
	assets       []store.WorkflowRunStepAsset
}

// applyStepOutcome records the step's context contribution (for a service
// step with storeResponseAs, its captured response is also written to
// shared.<storeResponseAs>) and returns the updated run; the loop re-reads
// run state on its next iteration.
func (o *Orchestrator) applyStepOutcome(ctx context.Context, run *store.WorkflowRun, step *store.WorkflowStep, outcome stepOutcome) (*store.WorkflowRun, error) {
	updated := cloneRun(run)
	if updated.Context.Steps == nil {
		updated.Context.Steps = map[string]store.StepContext{}
	}
	updated.Context.Steps[step.ID] = store.StepContext{Output: outcome.output, Response: outcome.response}
	if step.Kind == store.StepKindService && step.StoreResponseAs != "" {
		if value, ok := outcome.response[step.StoreResponseAs]; ok {
			if updated.Context.Shared == nil {
				updated.Context.Shared = map[string]any{}
			}
			updated.Context.Shared[step.StoreResponseAs] = value
		}
	}
	updated.UpdatedAt = time.Now()

	ok, err := o.Runs.UpdateWorkflowRunConditional(ctx, updated, []string{store.StatusRunning})
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.Runs.GetWorkflowRun(ctx, run.ID)
	}

	for i := range outcome.assets {
		asset := outcome.assets[i]
		_ = o.Assets.PutWorkflowRunStepAsset(ctx, &asset)
		if o.Bus != nil {
			o.Bus.Publish(eventbus.Event{Type: eventbus.TypeAssetProduced, Payload: map[string]any{
				"workflowSlug": asset.WorkflowSlug, "assetId": asset.AssetID, "partitionKey": asset.PartitionKey,
				"producedAt": asset.ProducedAt, "workflowRunId": asset.WorkflowRunID,
			}})
		}
	}

	if o.Checkpoint != nil {
		_ = o.Checkpoint.Save(ctx, &checkpoint.RunCheckpoint{
			RunID:       run.ID,
			StepID:      step.ID,
			Context:     contextToMap(updated.Context),
			StepOutputs: outcome.output,
		})
	}

	return updated, nil
}

func (o *Orchestrator) cancelRun(ctx context.Context, run *store.WorkflowRun, graph *Graph) (*store.WorkflowRun, error) {
	steps, err := o.Steps.ListWorkflowRunSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if store.IsTerminal(s.Status) {
			continue
		}
		s.Status = store.StatusSkipped
		s.ErrorMessage = "workflow run canceled"
		now := time.Now()
		s.CompletedAt = &now
		s.UpdatedAt = now
		_, _ = o.Steps.UpdateWorkflowRunStepConditional(ctx, s, []string{s.Status, store.StatusPending, store.StatusRunning})
	}

	updated := cloneRun(run)
	updated.Status = store.StatusCanceled
	now := time.Now()
	updated.CompletedAt = &now
	updated.UpdatedAt = now
	if run.StartedAt != nil {
		updated.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	if _, err := o.Runs.UpdateWorkflowRunConditional(ctx, updated, []string{store.StatusRunning, store.StatusPending}); err != nil {
		return nil, err
	}
	o.publish(eventbus.TypeWorkflowRunCanceled, run.ID)
	return updated, nil
}

func (o *Orchestrator) failRun(ctx context.Context, run *store.WorkflowRun, cause error) (*store.WorkflowRun, error) {
	updated := cloneRun(run)
	updated.Status = store.StatusFailed
	updated.ErrorMessage = cause.Error()
	now := time.Now()
	updated.CompletedAt = &now
	updated.UpdatedAt = now
	if run.StartedAt != nil {
		updated.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	if _, err := o.Runs.UpdateWorkflowRunConditional(ctx, updated, []string{store.StatusRunning, store.StatusPending}); err != nil {
		return nil, err
	}
	o.publish(eventbus.TypeWorkflowRunFailed, run.ID)
	return updated, nil
}

// finalizeRun computes the terminal status once the ready set is empty:
// succeeded iff every step is succeeded or skipped.
func (o *Orchestrator) finalizeRun(ctx context.Context, run *store.WorkflowRun, graph *Graph) (*store.WorkflowRun, error) {
	steps, err := o.Steps.ListWorkflowRunSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	statuses := statusMap(steps)
	for _, stepID := range graph.order {
		status, ok := statuses[stepID]
		if !ok || (status != store.StatusSucceeded && status != store.StatusSkipped) {
			// Ready set was empty but the run is not actually done; a
			// dependency never resolved. Treat as a stuck/fatal run rather
			// than hanging forever.
			return o.failRun(ctx, run, &cperrors.FatalError{Reason: fmt.Sprintf("step %q never reached a terminal status", stepID)})
		}
	}

	updated := cloneRun(run)
	updated.Status = store.StatusSucceeded
	now := time.Now()
	updated.CompletedAt = &now
	updated.UpdatedAt = now
	if run.StartedAt != nil {
		updated.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	if _, err := o.Runs.UpdateWorkflowRunConditional(ctx, updated, []string{store.StatusRunning}); err != nil {
		return nil, err
	}
	o.publish(eventbus.TypeWorkflowRunSucceeded, run.ID)
	return updated, nil
}

func (o *Orchestrator) publish(eventType, runID string) {
	if o.Bus == nil {
		return
	}
	o.Bus.Publish(eventbus.Event{Type: eventType, Payload: map[string]any{"workflowRunId": runID}})
}

func statusMap(steps []*store.WorkflowRunStep) map[string]string {
	m := make(map[string]string, len(steps))
	for _, s := range steps {
		// Fan-out children are tracked under their own id, not the
		// template step id; only the template/declared step id
		// participates in dependency resolution.
		if s.TemplateStepID != "" {
			continue
		}
		m[s.StepID] = s.Status
	}
	return m
}

func cloneRun(run *store.WorkflowRun) *store.WorkflowRun {
	clone := *run
	clone.Context.Steps = copyStepContextMap(run.Context.Steps)
	clone.Context.Shared = copyAnyMap(run.Context.Shared)
	return &clone
}

func copyStepContextMap(m map[string]store.StepContext) map[string]store.StepContext {
	if m == nil {
		return nil
	}
	out := make(map[string]store.StepContext, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func contextToMap(rc store.RunContext) map[string]any {
	steps := make(map[string]any, len(rc.Steps))
	for id, sc := range rc.Steps {
		steps[id] = map[string]any{"output": sc.Output, "response": sc.Response}
	}
	return map[string]any{"steps": steps, "shared": rc.Shared}
}

// buildEnv constructs the template-resolution environment for the given
// run, pulling in the latest asset payload snapshot for every asset
// declared anywhere in def so a step can reference "asset.<id>.payload"
// even if it wasn't produced by this run.
func (o *Orchestrator) buildEnv(ctx context.Context, run *store.WorkflowRun) map[string]any {
	assetPayloads := map[string]map[string]any{}
	if o.Assets != nil {
		latest, err := o.Assets.ListLatestAssetsByWorkflow(ctx, run.WorkflowSlug)
		if err == nil {
			for _, a := range latest {
				assetPayloads[a.AssetID] = a.Payload
			}
		}
	}
	return expression.BuildRunEnv(run, assetPayloads)
}
