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
	"time"

	"github.com/forgeline/controlplane/internal/store"
	"github.com/forgeline/controlplane/internal/workflow/expression"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

// executeFanOutStep evaluates the step's collection, spawns one child
// WorkflowRunStep per item (grounded on pkg/workflow/loop.go's per-item
// dispatch), and aggregates their outputs. Per the Open Question decision
// recorded in DESIGN.md, a failed child leaves a nil slot in the
// aggregated array and the fan-out step itself fails.
func (o *Orchestrator) executeFanOutStep(ctx context.Context, run *store.WorkflowRun, def *store.WorkflowDefinition, graph *Graph, step *store.WorkflowStep, rs *store.WorkflowRunStep, env map[string]any) (stepOutcome, error) {
	if step.Template == nil {
		return o.terminateStepFailed(ctx, rs, &cperrors.ValidationError{Field: "template", Message: fmt.Sprintf("fan-out step %q has no template", step.ID)}), nil
	}

	items, err := resolveCollection(step.Collection, env)
	if err != nil {
		return o.terminateStepFailed(ctx, rs, err), nil
	}
	if step.MaxItems > 0 && len(items) > step.MaxItems {
		items = items[:step.MaxItems]
	}

	concurrency := step.MaxConcurrency
	if concurrency <= 0 {
		concurrency = len(items)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]any, len(items))
	failed := make([]bool, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(index int, item any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome, childErr := o.executeFanOutChild(ctx, run, step, env, index, item)
			if childErr != nil || outcome.status != store.StatusSucceeded {
				failed[index] = true
				return
			}
			results[index] = outcome.output
		}(i, item)
	}
	wg.Wait()

	anyFailed := false
	for _, f := range failed {
		if f {
			anyFailed = true
			break
		}
	}

	output := map[string]any{}
	if step.StoreResultsAs != "" {
		output[step.StoreResultsAs] = results
	} else {
		output["results"] = results
	}

	if anyFailed {
		rs.ErrorMessage = fmt.Sprintf("fan-out step %q had at least one failed child", step.ID)
		return o.terminateStep(ctx, rs, store.StatusFailed, output, nil, rs.ErrorMessage, nil), nil
	}

	assets := assetsFor(run, step, output)
	return o.terminateStep(ctx, rs, store.StatusSucceeded, output, nil, "", assets), nil
}

// executeFanOutChild dispatches one templated child step. Nested fan-out
// templates are rejected (no fan-out-of-fan-out support) rather than
// silently flattened.
func (o *Orchestrator) executeFanOutChild(ctx context.Context, run *store.WorkflowRun, parent *store.WorkflowStep, env map[string]any, index int, item any) (stepOutcome, error) {
	childEnv := make(map[string]any, len(env)+2)
	for k, v := range env {
		childEnv[k] = v
	}
	childEnv["item"] = item
	childEnv["index"] = index

	childID := fmt.Sprintf("%s:%s[%d]", run.ID, parent.ID, index)
	now := time.Now()
	rs := &store.WorkflowRunStep{
		ID:             childID,
		WorkflowRunID:  run.ID,
		StepID:         fmt.Sprintf("%s[%d]", parent.ID, index),
		Status:         store.StatusRunning,
		ParentStepID:   parent.ID,
		FanoutIndex:    index,
		HasFanoutIndex: true,
		TemplateStepID: parent.ID,
		OwnerToken:     o.ownerToken(),
		StartedAt:      &now,
		UpdatedAt:      now,
	}
	_ = o.Steps.PutWorkflowRunStep(ctx, rs)

	template := parent.Template
	resolved, err := expression.ResolveValue(template.ParameterTpl, childEnv)
	if err != nil {
		return o.terminateStepFailed(ctx, rs, err), nil
	}
	params, _ := resolved.(map[string]any)

	switch template.Kind {
	case store.StepKindJob:
		return o.executeJobStep(ctx, run, template, rs, params)
	case store.StepKindService:
		return o.executeServiceStep(ctx, template, rs, params, childEnv)
	default:
		return o.terminateStepFailed(ctx, rs, &cperrors.ValidationError{Field: "template.kind", Message: "fan-out templates may only be job or service steps"}), nil
	}
}

// resolveCollection evaluates step.Collection into a concrete array: a
// literal []any, a "{{ path }}" template referencing prior step output or
// a shared value, or a raw expr-lang expression string.
func resolveCollection(collection any, env map[string]any) ([]any, error) {
	switch v := collection.(type) {
	case []any:
		return v, nil
	case string:
		resolved, err := expression.ResolveValue(v, env)
		if err != nil {
			return nil, err
		}
		if arr, ok := resolved.([]any); ok {
			return arr, nil
		}
		return expression.EvaluateArray(v, env)
	default:
		return nil, &cperrors.ValidationError{Field: "collection", Message: fmt.Sprintf("unsupported collection type %T", collection)}
	}
}
