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

	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/jobruntime"
	"github.com/forgeline/controlplane/internal/queue"
	"github.com/forgeline/controlplane/internal/store"
)

// InlineJobDispatcher drives a JobRun to completion synchronously in the
// calling goroutine, for queue.ModeInline deployments. It is the
// dispatcher the single-process/test configuration always uses.
type InlineJobDispatcher struct {
	Engine *jobruntime.Engine
}

// Dispatch implements JobDispatcher.
func (d *InlineJobDispatcher) Dispatch(ctx context.Context, run *store.JobRun) (*store.JobRun, error) {
	return d.Engine.ExecuteJobRun(ctx, run.ID)
}

// QueuedJobDispatcher enqueues the job run onto the "build" keyword queue
// and awaits the completion signal jobruntime.Engine publishes onto the
// shared event bus once a worker (possibly on another process, for the
// distributed queue) drives it to a terminal status — matching spec
// §4.D's "queued mode awaits a completion signal recorded in
// persistence", with the event bus standing in for that signal channel.
type QueuedJobDispatcher struct {
	Manager   *queue.Manager
	Bus       *eventbus.Bus
	QueueName string
	Runs      store.JobRunStore
}

// Dispatch implements JobDispatcher.
func (d *QueuedJobDispatcher) Dispatch(ctx context.Context, run *store.JobRun) (*store.JobRun, error) {
	done := make(chan struct{}, 1)

	unsubDone := d.Bus.Subscribe(eventbus.TypeQueueCompleted, d.matchRunID(run.ID, done))
	defer unsubDone()
	unsubFailed := d.Bus.Subscribe(eventbus.TypeQueueFailed, d.matchTerminalFailure(run.ID, done))
	defer unsubFailed()

	queueName := d.QueueName
	if queueName == "" {
		queueName = queue.KeywordBuild
	}
	if err := d.Manager.Enqueue(ctx, queueName, &queue.Job{ID: run.ID, Payload: map[string]any{"jobRunId": run.ID}}); err != nil {
		return nil, fmt.Errorf("workflow: enqueue job run %s: %w", run.ID, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}
	return d.Runs.GetJobRun(ctx, run.ID)
}

func (d *QueuedJobDispatcher) matchRunID(runID string, done chan<- struct{}) eventbus.Handler {
	return func(e eventbus.Event) {
		payload, ok := e.Payload.(map[string]any)
		if !ok || payload["jobRunId"] != runID {
			return
		}
		if payload["status"] == store.StatusSucceeded {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	}
}

func (d *QueuedJobDispatcher) matchTerminalFailure(runID string, done chan<- struct{}) eventbus.Handler {
	return func(e eventbus.Event) {
		payload, ok := e.Payload.(map[string]any)
		if !ok || payload["jobRunId"] != runID {
			return
		}
		switch payload["status"] {
		case store.StatusFailed, store.StatusExpired:
			select {
			case done <- struct{}{}:
			default:
			}
		}
	}
}
