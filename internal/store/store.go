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

package store

import (
	"context"
	"time"
)

// JobDefinitionStore is typed CRUD over immutable, versioned job
// definitions.
type JobDefinitionStore interface {
	PutJobDefinition(ctx context.Context, def *JobDefinition) error
	GetJobDefinition(ctx context.Context, slug string, version int) (*JobDefinition, error)
	GetLatestJobDefinition(ctx context.Context, slug string) (*JobDefinition, error)
}

// JobRunStore is the core interface the job runtime (§4.C) needs.
//
// UpdateJobRunConditional expresses the "conditional update" contract from
// §4.A: the caller supplies the set of statuses the row must currently be
// in. Zero rows affected is reported by ok=false, not an error — the
// caller re-reads and treats it as a race loss, never surfaces it.
type JobRunStore interface {
	CreateJobRun(ctx context.Context, run *JobRun) error
	GetJobRun(ctx context.Context, id string) (*JobRun, error)
	UpdateJobRunConditional(ctx context.Context, run *JobRun, expectStatuses []string) (ok bool, err error)
}

// WorkflowDefinitionStore is typed CRUD over immutable, versioned workflow
// definitions, plus the schedule bookkeeping mutations §4.G makes under a
// per-schedule advisory lock.
type WorkflowDefinitionStore interface {
	PutWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, slug string, version int) (*WorkflowDefinition, error)
	GetLatestWorkflowDefinition(ctx context.Context, slug string) (*WorkflowDefinition, error)
	ListWorkflowDefinitionsDueForSchedule(ctx context.Context, asOf time.Time) ([]*WorkflowDefinition, error)
	UpdateScheduleBookkeeping(ctx context.Context, slug string, version int, nextRunAt, lastWindow, catchupCursor *time.Time) error
	ListLatestWorkflowDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)
}

// WorkflowRunStore is the core run-record interface the orchestrator needs.
type WorkflowRunStore interface {
	CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateWorkflowRunConditional(ctx context.Context, run *WorkflowRun, expectStatuses []string) (ok bool, err error)
	RequestCancelWorkflowRun(ctx context.Context, id string) error
}

// WorkflowRunLister is optional listing/deletion support.
type WorkflowRunLister interface {
	ListWorkflowRuns(ctx context.Context, filter WorkflowRunFilter) ([]*WorkflowRun, error)
	DeleteWorkflowRun(ctx context.Context, id string) error
}

// WorkflowRunFilter narrows ListWorkflowRuns.
type WorkflowRunFilter struct {
	WorkflowSlug string
	Status       string
	Limit        int
	Offset       int
}

// WorkflowRunStepStore owns WorkflowRunStep rows, exclusively scoped to
// their parent WorkflowRun.
type WorkflowRunStepStore interface {
	PutWorkflowRunStep(ctx context.Context, step *WorkflowRunStep) error
	GetWorkflowRunStep(ctx context.Context, workflowRunID, stepID string) (*WorkflowRunStep, error)
	ListWorkflowRunSteps(ctx context.Context, workflowRunID string) ([]*WorkflowRunStep, error)
	UpdateWorkflowRunStepConditional(ctx context.Context, step *WorkflowRunStep, expectStatuses []string) (ok bool, err error)
}

// AssetStore records produced assets and answers freshness queries for the
// auto-materializer's safety-net refresh (§4.F).
type AssetStore interface {
	PutWorkflowRunStepAsset(ctx context.Context, asset *WorkflowRunStepAsset) error
	LatestAsset(ctx context.Context, workflowSlug, assetID, partitionKey string) (*WorkflowRunStepAsset, error)
	ListLatestAssetsByWorkflow(ctx context.Context, workflowSlug string) ([]*WorkflowRunStepAsset, error)
}

// TriggerStore is typed CRUD over event triggers (§4.E).
type TriggerStore interface {
	PutEventTrigger(ctx context.Context, trigger *WorkflowEventTrigger) error
	GetEventTrigger(ctx context.Context, id string) (*WorkflowEventTrigger, error)
	ListActiveEventTriggers(ctx context.Context, source string) ([]*WorkflowEventTrigger, error)
	RecordTriggerFailure(ctx context.Context, id string, errMsg string, at time.Time) error
	PauseEventTrigger(ctx context.Context, id string) error
	AppendEventEnvelope(ctx context.Context, envelope *EventEnvelope) error
}

// ScheduleStore is an alias kept distinct from WorkflowDefinitionStore so
// components that only materialize schedules (and never mutate the step
// DAG) can depend on a narrower surface.
type ScheduleStore interface {
	ListWorkflowDefinitionsDueForSchedule(ctx context.Context, asOf time.Time) ([]*WorkflowDefinition, error)
	UpdateScheduleBookkeeping(ctx context.Context, slug string, version int, nextRunAt, lastWindow, catchupCursor *time.Time) error
}

// AuditStore is an append-only log of lifecycle events.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
}

// AdvisoryLockStore backs the leader election (§4.G) and any other
// namespaced singleton coordination. Implementations MUST be safe for
// concurrent callers racing for the same (namespace, id) pair.
type AdvisoryLockStore interface {
	TryAcquireLock(ctx context.Context, namespace, id, ownerID string) (acquired bool, err error)
	ReleaseLock(ctx context.Context, namespace, id, ownerID string) error
	RefreshLock(ctx context.Context, namespace, id, ownerID string) (held bool, err error)
}

// Store is the full composite surface. Components SHOULD accept the
// narrowest interface above that covers their needs; Store exists for
// wiring a single backend instance at process start.
type Store interface {
	JobDefinitionStore
	JobRunStore
	WorkflowDefinitionStore
	WorkflowRunStore
	WorkflowRunLister
	WorkflowRunStepStore
	AssetStore
	TriggerStore
	AuditStore
	AdvisoryLockStore

	Close() error
}
