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

// Package store defines the persisted entity model of the control plane and
// segregates the storage contract so each component depends only on the
// slice of operations it needs.
package store

import "time"

// Job run and workflow run statuses. The orchestrator and job runtime only
// ever move a run forward through this list; a terminal status is frozen
// except for UpdatedAt.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
	StatusExpired   = "expired"
	StatusSkipped   = "skipped"
)

// IsTerminal reports whether status is one a run/step never leaves.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusExpired, StatusSkipped:
		return true
	default:
		return false
	}
}

// JobType enumerates how a JobDefinition may be invoked.
const (
	JobTypeBatch           = "batch"
	JobTypeServiceTriggered = "service-triggered"
	JobTypeManual          = "manual"
)

// RetryStrategy enumerates the delay shapes a RetryPolicy can take.
const (
	RetryNone        = "none"
	RetryFixed       = "fixed"
	RetryExponential = "exponential"
)

// JitterKind enumerates the jitter applied to a computed retry delay.
const (
	JitterNone  = "none"
	JitterFull  = "full"
	JitterEqual = "equal"
)

// RetryPolicy describes how a job run or workflow step is retried on a
// retriable failure.
type RetryPolicy struct {
	MaxAttempts    int    `json:"maxAttempts"`
	Strategy       string `json:"strategy"`
	InitialDelayMs int64  `json:"initialDelayMs"`
	MaxDelayMs     int64  `json:"maxDelayMs"`
	Jitter         string `json:"jitter"`
}

// DefaultRetryPolicy is applied when a definition or step omits one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Strategy: RetryNone}
}

// JobDefinition is an immutable, versioned job specification. Publishing a
// new version creates a new row; it never mutates an existing one.
type JobDefinition struct {
	Slug              string         `json:"slug"`
	Version           int            `json:"version"`
	Type              string         `json:"type"`
	Runtime           string         `json:"runtime"`
	EntryPoint        string         `json:"entryPoint"`
	ParametersSchema  map[string]any `json:"parametersSchema,omitempty"`
	DefaultParameters map[string]any `json:"defaultParameters,omitempty"`
	TimeoutMs         int64          `json:"timeoutMs"`
	RetryPolicy       RetryPolicy    `json:"retryPolicy"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// JobRun is a single execution of a JobDefinition.
type JobRun struct {
	ID              string         `json:"id"`
	JobDefinitionID string         `json:"jobDefinitionId"`
	Status          string         `json:"status"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Attempt         int            `json:"attempt"`
	MaxAttempts     int            `json:"maxAttempts"`
	TimeoutMs       int64          `json:"timeoutMs"`
	DurationMs      int64          `json:"durationMs"`
	ScheduledAt     time.Time      `json:"scheduledAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// StepKind enumerates the WorkflowStep tagged-union variants. There is no
// structural duck typing here: every dispatcher over a Step switches
// exhaustively on Kind.
type StepKind string

const (
	StepKindJob     StepKind = "job"
	StepKindService StepKind = "service"
	StepKindFanOut  StepKind = "fanout"
)

// BundleRef pins a job step to a specific or "latest" published version.
type BundleRef struct {
	Strategy string `json:"strategy"` // "latest" | "pinned"
	Slug     string `json:"slug"`
	Version  int    `json:"version,omitempty"`
}

// ServiceRequestTemplate is the HTTP-shaped request a service step issues,
// before parameter-template resolution.
type ServiceRequestTemplate struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"` // may contain "{{ secret.NAME }}" references
	Query   map[string]string `json:"query,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

// WorkflowStep is a single DAG node: exactly one of Job, Service, or FanOut
// is populated, selected by Kind.
type WorkflowStep struct {
	ID        string   `json:"id"`
	Kind      StepKind `json:"kind"`
	DependsOn []string `json:"dependsOn,omitempty"`

	// Job variant.
	JobSlug        string       `json:"jobSlug,omitempty"`
	Bundle         *BundleRef   `json:"bundle,omitempty"`
	ParameterTpl   map[string]any `json:"parameterTemplate,omitempty"`
	RetryOverride  *RetryPolicy `json:"retryOverride,omitempty"`
	TimeoutMsOverride int64     `json:"timeoutMsOverride,omitempty"`
	StoreResultAs  string       `json:"storeResultAs,omitempty"`

	// Service variant.
	ServiceSlug     string                  `json:"serviceSlug,omitempty"`
	Request         *ServiceRequestTemplate `json:"request,omitempty"`
	RequireHealthy  bool                    `json:"requireHealthy,omitempty"`
	AllowDegraded   bool                    `json:"allowDegraded,omitempty"`
	CaptureResponse bool                    `json:"captureResponse,omitempty"`
	StoreResponseAs string                  `json:"storeResponseAs,omitempty"`

	// Fan-out variant.
	Collection      any            `json:"collection,omitempty"` // expression string or literal array
	Template        *WorkflowStep  `json:"template,omitempty"`
	MaxItems        int            `json:"maxItems,omitempty"`
	MaxConcurrency  int            `json:"maxConcurrency,omitempty"`
	StoreResultsAs  string         `json:"storeResultsAs,omitempty"`

	// Asset declarations produced by this step, keyed by declared asset id.
	ProducesAssets []AssetDeclaration `json:"producesAssets,omitempty"`
}

// AssetDeclaration names an asset a step may produce, with optional
// freshness policy.
type AssetDeclaration struct {
	AssetID   string `json:"assetId"`
	MaxAgeMs  int64  `json:"maxAgeMs,omitempty"`
	TTLMs     int64  `json:"ttlMs,omitempty"`
	CadenceMs int64  `json:"cadenceMs,omitempty"`
}

// TriggerKind enumerates how a WorkflowDefinition can be started.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"
	TriggerAsset    = "asset"
)

// ScheduleTrigger configures cron-based materialization (§4.G).
type ScheduleTrigger struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
	CatchUp  bool   `json:"catchUp"`
	StartWindow *time.Time `json:"startWindow,omitempty"`
	EndWindow   *time.Time `json:"endWindow,omitempty"`
}

// AssetTrigger configures auto-materialization on upstream asset changes.
type AssetTrigger struct {
	Consumes         []string `json:"consumes"`
	OnUpstreamUpdate bool     `json:"onUpstreamUpdate"`
}

// WorkflowDefinition is an immutable, versioned DAG of steps.
type WorkflowDefinition struct {
	Slug              string            `json:"slug"`
	Version           int               `json:"version"`
	Steps             []WorkflowStep    `json:"steps"`
	ScheduleTrigger   *ScheduleTrigger  `json:"scheduleTrigger,omitempty"`
	AssetTrigger      *AssetTrigger     `json:"assetTrigger,omitempty"`
	ParametersSchema  map[string]any    `json:"parametersSchema,omitempty"`
	DefaultParameters map[string]any    `json:"defaultParameters,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`

	// Schedule bookkeeping, mutated only by the schedule leader (§4.G).
	ScheduleNextRunAt      *time.Time `json:"scheduleNextRunAt,omitempty"`
	LastMaterializedWindow *time.Time `json:"lastMaterializedWindow,omitempty"`
	ScheduleCatchupCursor  *time.Time `json:"scheduleCatchupCursor,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// StepByID returns the step with the given id, or nil.
func (d *WorkflowDefinition) StepByID(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// WorkflowRun is a single execution of a WorkflowDefinition.
type WorkflowRun struct {
	ID                   string         `json:"id"`
	WorkflowDefinitionID string         `json:"workflowDefinitionId"`
	WorkflowSlug         string         `json:"workflowSlug"`
	WorkflowVersion      int            `json:"workflowVersion"`
	Status               string         `json:"status"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	Context              RunContext     `json:"context"`
	CurrentStepID        string         `json:"currentStepId,omitempty"`
	CurrentStepIndex     int            `json:"currentStepIndex"`
	Metrics              map[string]any `json:"metrics,omitempty"`
	TriggeredBy          string         `json:"triggeredBy"`
	TriggerPayload       map[string]any `json:"triggerPayload,omitempty"`
	ErrorMessage         string         `json:"errorMessage,omitempty"`
	CancelRequested      bool           `json:"cancelRequested"`
	DurationMs           int64          `json:"durationMs"`
	StartedAt            *time.Time     `json:"startedAt,omitempty"`
	CompletedAt          *time.Time     `json:"completedAt,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// RunContext is the per-run environment the template resolver evaluates
// "{{ path }}" expressions against (§4.D). Steps is keyed by step id and
// only ever grows within a run.
type RunContext struct {
	Steps  map[string]StepContext `json:"steps"`
	Shared map[string]any         `json:"shared"`
}

// StepContext is the per-step slice of the run context visible to
// dependents via "steps.<id>.output" / "steps.<id>.response".
type StepContext struct {
	Output   map[string]any `json:"output,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

// WorkflowRunStep is one executed (or pending) node of a WorkflowRun.
type WorkflowRunStep struct {
	ID             string         `json:"id"`
	WorkflowRunID  string         `json:"workflowRunId"`
	StepID         string         `json:"stepId"`
	Status         string         `json:"status"`
	Attempt        int            `json:"attempt"`
	JobRunID       string         `json:"jobRunId,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	ParentStepID   string         `json:"parentStepId,omitempty"`
	FanoutIndex    int            `json:"fanoutIndex"`
	HasFanoutIndex bool           `json:"hasFanoutIndex"`
	TemplateStepID string         `json:"templateStepId,omitempty"`
	ProducedAssets []WorkflowRunStepAsset `json:"producedAssets,omitempty"`
	OwnerToken     string         `json:"ownerToken,omitempty"` // identifies the worker currently executing this step
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// WorkflowRunStepAsset records one asset production by a run step.
type WorkflowRunStepAsset struct {
	WorkflowSlug  string         `json:"workflowSlug"` // the producing workflow
	AssetID       string         `json:"assetId"`       // canonical (trimmed) form
	PartitionKey  string         `json:"partitionKey"`  // "" for the unpartitioned case
	ProducedAt    time.Time      `json:"producedAt"`
	Payload       map[string]any `json:"payload,omitempty"`
	WorkflowRunID string         `json:"workflowRunId"`
	StepID        string         `json:"stepId"`
}

// WorkflowEventTrigger binds a predicate over event envelopes to a workflow.
type WorkflowEventTrigger struct {
	ID             string         `json:"id"`
	WorkflowSlug   string         `json:"workflowSlug"`
	Predicate      string         `json:"predicate"` // expr-lang boolean expression
	Source         string         `json:"source,omitempty"`
	Paused         bool           `json:"paused"`
	FailureCount   int            `json:"failureCount"`
	FailureWindow  time.Duration  `json:"failureWindow"`
	PauseThreshold int            `json:"pauseThreshold"`
	LastError      string         `json:"lastError,omitempty"`
	LastFailureAt  *time.Time     `json:"lastFailureAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// EventEnvelope is the normalized shape of an ingested event (§6.3).
type EventEnvelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// LeaderLock is the persistent row backing the schedule-leader election.
type LeaderLock struct {
	Namespace   string    `json:"namespace"`
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// AuditEvent is an append-only lifecycle record.
type AuditEvent struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Action     string         `json:"action"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}
