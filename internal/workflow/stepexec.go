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
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/controlplane/internal/store"
	"github.com/forgeline/controlplane/internal/workflow/expression"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

// executeStep resolves and dispatches a single ready step, returning its
// terminal outcome. It owns the WorkflowRunStep row's pending->running
// transition, including the stale-owner resume case spec §4.D's "Failure
// model" names: a step already running without a live owner is
// re-dispatched under this worker's OwnerToken.
func (o *Orchestrator) executeStep(ctx context.Context, run *store.WorkflowRun, def *store.WorkflowDefinition, graph *Graph, step *store.WorkflowStep) (stepOutcome, error) {
	rs, err := o.Steps.GetWorkflowRunStep(ctx, run.ID, step.ID)
	if err != nil {
		rs = nil
	}
	if rs != nil && store.IsTerminal(rs.Status) {
		return outcomeFromStep(rs), nil
	}

	now := time.Now()
	if rs == nil {
		rs = &store.WorkflowRunStep{
			ID:            run.ID + ":" + step.ID,
			WorkflowRunID: run.ID,
			StepID:        step.ID,
			Status:        store.StatusPending,
			UpdatedAt:     now,
		}
	}
	rs.Status = store.StatusRunning
	rs.Attempt++
	rs.OwnerToken = o.ownerToken()
	rs.StartedAt = &now
	rs.UpdatedAt = now
	if _, err := o.Steps.UpdateWorkflowRunStepConditional(ctx, rs, []string{store.StatusPending, store.StatusRunning}); err != nil {
		return stepOutcome{}, err
	}

	env := o.buildEnv(ctx, run)
	resolved, err := expression.ResolveValue(step.ParameterTpl, env)
	if err != nil {
		return o.terminateStepFailed(ctx, rs, err), nil
	}
	params, _ := resolved.(map[string]any)

	switch step.Kind {
	case store.StepKindJob:
		return o.executeJobStep(ctx, run, step, rs, params)
	case store.StepKindService:
		return o.executeServiceStep(ctx, step, rs, params, env)
	case store.StepKindFanOut:
		return o.executeFanOutStep(ctx, run, def, graph, step, rs, env)
	default:
		return o.terminateStepFailed(ctx, rs, &cperrors.FatalError{Reason: fmt.Sprintf("unknown step kind %q", step.Kind)}), nil
	}
}

func (o *Orchestrator) ownerToken() string {
	if o.OwnerToken != "" {
		return o.OwnerToken
	}
	return uuid.NewString()
}

func (o *Orchestrator) executeJobStep(ctx context.Context, run *store.WorkflowRun, step *store.WorkflowStep, rs *store.WorkflowRunStep, params map[string]any) (stepOutcome, error) {
	slug := step.JobSlug
	version := 0
	if step.Bundle != nil {
		switch step.Bundle.Strategy {
		case "pinned":
			version = step.Bundle.Version
		default: // "latest"
			latest, err := o.JobDefs.GetLatestJobDefinition(ctx, slug)
			if err != nil {
				return o.terminateStepFailed(ctx, rs, err), nil
			}
			version = latest.Version
		}
	} else {
		latest, err := o.JobDefs.GetLatestJobDefinition(ctx, slug)
		if err != nil {
			return o.terminateStepFailed(ctx, rs, err), nil
		}
		version = latest.Version
	}
	rs.Metrics = mergeStepMetrics(rs.Metrics, map[string]any{"resolvedJobVersion": version})

	jobRun := &store.JobRun{
		ID:              fmt.Sprintf("%s:%d", rs.ID, rs.Attempt),
		JobDefinitionID: fmt.Sprintf("%s@%d", slug, version),
		Status:          store.StatusPending,
		Parameters:      params,
		ScheduledAt:     time.Now(),
		UpdatedAt:       time.Now(),
	}
	if step.RetryOverride != nil {
		jobRun.MaxAttempts = step.RetryOverride.MaxAttempts
	}
	if step.TimeoutMsOverride > 0 {
		jobRun.TimeoutMs = step.TimeoutMsOverride
	}

	terminal, err := o.Jobs.Dispatch(ctx, jobRun)
	if err != nil {
		return o.terminateStepFailed(ctx, rs, err), nil
	}

	rs.JobRunID = terminal.ID
	output := terminal.Result
	if step.StoreResultAs != "" {
		output = map[string]any{step.StoreResultAs: terminal.Result}
	}

	if terminal.Status != store.StatusSucceeded {
		rs.ErrorMessage = terminal.ErrorMessage
		return o.terminateStep(ctx, rs, store.StatusFailed, output, nil, terminal.ErrorMessage, nil), nil
	}

	assets := assetsFor(run, step, output)
	return o.terminateStep(ctx, rs, store.StatusSucceeded, output, nil, "", assets), nil
}

func (o *Orchestrator) executeServiceStep(ctx context.Context, step *store.WorkflowStep, rs *store.WorkflowRunStep, params map[string]any, env map[string]any) (stepOutcome, error) {
	if step.RequireHealthy {
		health, err := o.Services.Health(ctx, step.ServiceSlug)
		if err != nil {
			return o.terminateStepFailed(ctx, rs, err), nil
		}
		if !health.Healthy && !(step.AllowDegraded && health.Degraded) {
			return o.terminateStepFailed(ctx, rs, &cperrors.PreconditionError{Entity: "service", ID: step.ServiceSlug, Status: health.Reason, Expected: []string{"healthy"}}), nil
		}
	}

	req := &ServiceRequest{ServiceSlug: step.ServiceSlug, Body: params}
	if step.Request != nil {
		headers, err := resolveHeaders(step.Request.Headers, env, o.Secrets, ctx)
		if err != nil {
			return o.terminateStepFailed(ctx, rs, err), nil
		}
		req.Method = step.Request.Method
		req.Path = step.Request.Path
		req.Headers = headers
		req.Query = step.Request.Query
		if step.Request.Body != nil {
			resolvedBody, err := expression.ResolveValue(step.Request.Body, env)
			if err != nil {
				return o.terminateStepFailed(ctx, rs, err), nil
			}
			if m, ok := resolvedBody.(map[string]any); ok {
				req.Body = m
			}
		}
	}

	resp, err := o.Services.Do(ctx, req)
	if err != nil {
		return o.terminateStepFailed(ctx, rs, err), nil
	}

	var response map[string]any
	if step.CaptureResponse {
		response = map[string]any{"statusCode": resp.StatusCode, "headers": resp.Headers, "body": resp.Body}
		if step.StoreResponseAs != "" {
			response = map[string]any{step.StoreResponseAs: response}
		}
	}
	return o.terminateStep(ctx, rs, store.StatusSucceeded, nil, response, "", nil), nil
}

// resolveHeaders expands "{{ secret.NAME }}"-shaped header values through
// the secrets collaborator rather than the general template resolver, so
// a resolved secret never lands in run context/logs.
func resolveHeaders(headers map[string]string, env map[string]any, secrets SecretResolver, ctx context.Context) (map[string]string, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if secretRef, ok := secretTemplateRef(v); ok {
			if secrets == nil {
				return nil, &cperrors.ValidationError{Field: "request.headers", Message: fmt.Sprintf("header %q references a secret but no secrets collaborator is configured", k)}
			}
			value, err := secrets.GetSecret(ctx, secretRef)
			if err != nil {
				return nil, err
			}
			out[k] = value
			continue
		}
		resolved, err := expression.ResolveValue(v, env)
		if err != nil {
			return nil, err
		}
		out[k] = fmt.Sprintf("%v", resolved)
	}
	return out, nil
}

func secretTemplateRef(value string) (string, bool) {
	const prefix = "{{ secret."
	const suffix = " }}"
	if len(value) > len(prefix)+len(suffix) && value[:len(prefix)] == prefix && value[len(value)-len(suffix):] == suffix {
		return value[len(prefix) : len(value)-len(suffix)], true
	}
	return "", false
}

func (o *Orchestrator) terminateStepFailed(ctx context.Context, rs *store.WorkflowRunStep, cause error) stepOutcome {
	return o.terminateStep(ctx, rs, store.StatusFailed, nil, nil, cause.Error(), nil)
}

func (o *Orchestrator) terminateStep(ctx context.Context, rs *store.WorkflowRunStep, status string, output, response map[string]any, errMsg string, assets []store.WorkflowRunStepAsset) stepOutcome {
	rs.Status = status
	rs.Output = output
	rs.ErrorMessage = errMsg
	now := time.Now()
	rs.CompletedAt = &now
	rs.UpdatedAt = now
	if len(assets) > 0 {
		rs.ProducedAssets = assets
	}
	_, _ = o.Steps.UpdateWorkflowRunStepConditional(ctx, rs, []string{store.StatusRunning})
	return stepOutcome{status: status, output: output, response: response, errorMessage: errMsg, assets: assets}
}

func outcomeFromStep(rs *store.WorkflowRunStep) stepOutcome {
	return stepOutcome{status: rs.Status, output: rs.Output, errorMessage: rs.ErrorMessage, assets: rs.ProducedAssets}
}

func assetsFor(run *store.WorkflowRun, step *store.WorkflowStep, output map[string]any) []store.WorkflowRunStepAsset {
	if len(step.ProducesAssets) == 0 {
		return nil
	}
	now := time.Now()
	assets := make([]store.WorkflowRunStepAsset, 0, len(step.ProducesAssets))
	for _, decl := range step.ProducesAssets {
		assets = append(assets, store.WorkflowRunStepAsset{
			WorkflowSlug:  run.WorkflowSlug,
			AssetID:       decl.AssetID,
			ProducedAt:    now,
			Payload:       output,
			WorkflowRunID: run.ID,
			StepID:        step.ID,
		})
	}
	return assets
}

func mergeStepMetrics(existing map[string]any, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(patch))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
