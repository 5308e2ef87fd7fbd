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

package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/forgeline/controlplane/internal/queue"
	"github.com/forgeline/controlplane/internal/store"
)

// EnqueueWorkflowRun implements spec §6.1: the caller has already created
// (or is re-driving) the WorkflowRun row; this just hands its id to the
// workflow queue.
func (e *Engine) EnqueueWorkflowRun(ctx context.Context, workflowRunID string) error {
	return e.Queue.Enqueue(ctx, queue.KeywordWorkflow, &queue.Job{
		ID:      workflowRunID,
		Payload: map[string]any{"runID": workflowRunID},
	})
}

// EnqueueWorkflowEvent implements spec §6.3: normalize the caller-supplied
// envelope and hand it to the event queue. Persistence of the envelope
// happens inside eventscheduler.Service.Ingest itself, so the only job of
// this method is normalization plus routing.
func (e *Engine) EnqueueWorkflowEvent(ctx context.Context, in EnvelopeInput) (*store.EventEnvelope, error) {
	envelope := NormalizeEnvelope(in)
	if err := e.Queue.Enqueue(ctx, queue.KeywordEvent, &queue.Job{
		ID:      envelope.ID,
		Payload: map[string]any{"envelope": envelope},
	}); err != nil {
		return nil, fmt.Errorf("engine: enqueue workflow event: %w", err)
	}
	return &envelope, nil
}

// EnqueueEventTriggerEvaluation implements spec §6.1's separate
// "event-trigger" keyword, used when a collaborator wants to re-evaluate
// triggers for an envelope already recorded (e.g. a replay) rather than
// ingest it as new.
func (e *Engine) EnqueueEventTriggerEvaluation(ctx context.Context, envelope store.EventEnvelope) error {
	return e.Queue.Enqueue(ctx, queue.KeywordEventTrigger, &queue.Job{
		ID:      envelope.ID,
		Payload: map[string]any{"envelope": envelope},
	})
}

// JobEnqueueOptions carries the optional fields spec §6.1's enqueue calls
// accept: a caller-assigned JobRunID (for idempotent re-submission) and
// extra parameters merged over the job definition's defaults.
type JobEnqueueOptions struct {
	JobRunID   string
	Parameters map[string]any
}

// EnqueueJob implements the common shape behind the §6.1
// enqueueRepositoryIngestion/enqueueBuildJob/enqueueLaunchStart/Stop calls:
// resolve the named job's latest definition, materialize a JobRun row
// against it, and enqueue onto the given queue keyword. The queue keyword
// determines which worker pool (and concurrency/pause controls) the run
// competes for, per spec §4.B's "per-queue concurrency controls".
func (e *Engine) EnqueueJob(ctx context.Context, queueKeyword, jobSlug string, opts JobEnqueueOptions) (*store.JobRun, error) {
	def, err := e.Store.GetLatestJobDefinition(ctx, jobSlug)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve job definition %q: %w", jobSlug, err)
	}

	params := def.DefaultParameters
	if opts.Parameters != nil {
		merged := make(map[string]any, len(def.DefaultParameters)+len(opts.Parameters))
		for k, v := range def.DefaultParameters {
			merged[k] = v
		}
		for k, v := range opts.Parameters {
			merged[k] = v
		}
		params = merged
	}

	runID := opts.JobRunID
	if runID == "" {
		runID = uuid.NewString()
	}

	run := &store.JobRun{
		ID:              runID,
		JobDefinitionID: fmt.Sprintf("%s@%d", def.Slug, def.Version),
		Status:          store.StatusPending,
		Parameters:      params,
		MaxAttempts:     def.RetryPolicy.MaxAttempts,
		TimeoutMs:       def.TimeoutMs,
	}
	if err := e.Store.CreateJobRun(ctx, run); err != nil {
		return nil, fmt.Errorf("engine: create job run: %w", err)
	}

	if err := e.Queue.Enqueue(ctx, queueKeyword, &queue.Job{
		ID:      run.ID,
		Payload: map[string]any{"runID": run.ID},
	}); err != nil {
		return nil, fmt.Errorf("engine: enqueue job %q onto %q: %w", jobSlug, queueKeyword, err)
	}
	return run, nil
}

// EnqueueRepositoryIngestion implements spec §6.1's ingest entrypoint.
func (e *Engine) EnqueueRepositoryIngestion(ctx context.Context, jobSlug string, opts JobEnqueueOptions) (*store.JobRun, error) {
	return e.EnqueueJob(ctx, queue.KeywordIngest, jobSlug, opts)
}

// EnqueueBuildJob implements spec §6.1's build entrypoint.
func (e *Engine) EnqueueBuildJob(ctx context.Context, jobSlug string, opts JobEnqueueOptions) (*store.JobRun, error) {
	return e.EnqueueJob(ctx, queue.KeywordBuild, jobSlug, opts)
}

// EnqueueLaunchStart implements spec §6.1's launch-start entrypoint.
func (e *Engine) EnqueueLaunchStart(ctx context.Context, jobSlug string, opts JobEnqueueOptions) (*store.JobRun, error) {
	return e.EnqueueJob(ctx, queue.KeywordLaunch, jobSlug, opts)
}

// EnqueueLaunchStop implements spec §6.1's launch-stop entrypoint. It
// shares the launch queue with EnqueueLaunchStart since both compete for
// the same per-launch-environment concurrency budget.
func (e *Engine) EnqueueLaunchStop(ctx context.Context, jobSlug string, opts JobEnqueueOptions) (*store.JobRun, error) {
	return e.EnqueueJob(ctx, queue.KeywordLaunch, jobSlug, opts)
}

// EnqueueExampleBundle implements spec §6.1's example-bundle entrypoint.
func (e *Engine) EnqueueExampleBundle(ctx context.Context, jobSlug string, opts JobEnqueueOptions) (*store.JobRun, error) {
	return e.EnqueueJob(ctx, queue.KeywordExampleBundle, jobSlug, opts)
}
