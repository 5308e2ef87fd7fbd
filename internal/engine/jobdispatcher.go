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
	"time"

	"github.com/forgeline/controlplane/internal/queue"
	"github.com/forgeline/controlplane/internal/store"
)

// QueueJobDispatcher implements workflow.JobDispatcher (§4.D's "create a
// JobRun for the job slug... enqueue it and wait for terminal status") on
// top of internal/queue.Manager, so a job step's execution goes through
// the same dual-mode abstraction spec §4.B describes rather than a
// separate bespoke path. In inline mode Manager.Enqueue already runs the
// consumer synchronously before returning, so Await resolves immediately;
// in distributed mode it polls the run record, matching §4.D's "queued
// mode awaits a completion signal recorded in persistence" (the signal is
// the row's own terminal status rather than a side-channel, since that is
// the one fact every backend already makes visible).
type QueueJobDispatcher struct {
	Runs    store.JobRunStore
	Manager *queue.Manager

	// PollInterval controls how often a distributed-mode dispatch re-reads
	// the run row while waiting for a terminal status.
	PollInterval time.Duration
}

// Dispatch creates run, enqueues it onto the job-step queue, and blocks
// until the run reaches a terminal status or ctx is canceled.
func (d *QueueJobDispatcher) Dispatch(ctx context.Context, run *store.JobRun) (*store.JobRun, error) {
	if run.MaxAttempts <= 0 {
		run.MaxAttempts = 1
	}
	if run.Attempt <= 0 {
		run.Attempt = 1
	}
	if err := d.Runs.CreateJobRun(ctx, run); err != nil {
		return nil, fmt.Errorf("engine: create job run: %w", err)
	}

	job := &queue.Job{ID: run.ID, Payload: map[string]any{"runID": run.ID}}
	if err := d.Manager.Enqueue(ctx, queue.KeywordJobStep, job); err != nil {
		return nil, fmt.Errorf("engine: enqueue job step: %w", err)
	}

	return d.awaitTerminal(ctx, run.ID)
}

func (d *QueueJobDispatcher) awaitTerminal(ctx context.Context, runID string) (*store.JobRun, error) {
	interval := d.PollInterval
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := d.Runs.GetJobRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if store.IsTerminal(run.Status) {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// QueueRetryScheduler implements jobruntime.Scheduler by re-enqueuing the
// job-step job after the computed delay, regardless of queue mode — the
// comment on jobruntime.Scheduler notes "distributed mode would push a
// delayed re-queue"; since neither the inline nor the Redis queue implementation
// here natively supports delayed delivery, both modes use the same
// time.AfterFunc wait before calling Manager.Enqueue again.
type QueueRetryScheduler struct {
	Manager *queue.Manager
}

// ScheduleJobRunAttempt implements jobruntime.Scheduler.
func (s *QueueRetryScheduler) ScheduleJobRunAttempt(ctx context.Context, runID string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		job := &queue.Job{ID: runID, Payload: map[string]any{"runID": runID}}
		_ = s.Manager.Enqueue(ctx, queue.KeywordJobStep, job)
	})
}
