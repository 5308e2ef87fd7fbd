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

// Package memory is an in-process store.Store, used for inline-mode
// deployments, development, and unit tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgeline/controlplane/internal/store"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

var _ store.Store = (*Store)(nil)

type jobDefKey struct {
	slug    string
	version int
}

type workflowDefKey struct {
	slug    string
	version int
}

type assetKey struct {
	workflow     string
	assetID      string
	partitionKey string
}

type lockKey struct {
	namespace string
	id        string
}

// Store is an in-memory implementation of store.Store guarded by a single
// mutex. Advisory locks are backed by an in-process map and therefore only
// coordinate a single process — single-node-only, documented per SPEC.
type Store struct {
	mu sync.RWMutex

	jobDefs     map[jobDefKey]*store.JobDefinition
	jobDefLatest map[string]int

	jobRuns map[string]*store.JobRun

	workflowDefs       map[workflowDefKey]*store.WorkflowDefinition
	workflowDefLatest  map[string]int

	workflowRuns map[string]*store.WorkflowRun

	runSteps map[string]map[string]*store.WorkflowRunStep // workflowRunID -> stepID -> step

	assets map[assetKey]*store.WorkflowRunStepAsset

	triggers map[string]*store.WorkflowEventTrigger

	audit []*store.AuditEvent

	locks map[lockKey]string // owner id, or absent if unheld
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobDefs:           make(map[jobDefKey]*store.JobDefinition),
		jobDefLatest:      make(map[string]int),
		jobRuns:           make(map[string]*store.JobRun),
		workflowDefs:      make(map[workflowDefKey]*store.WorkflowDefinition),
		workflowDefLatest: make(map[string]int),
		workflowRuns:      make(map[string]*store.WorkflowRun),
		runSteps:          make(map[string]map[string]*store.WorkflowRunStep),
		assets:            make(map[assetKey]*store.WorkflowRunStepAsset),
		triggers:          make(map[string]*store.WorkflowEventTrigger),
		locks:             make(map[lockKey]string),
	}
}

func (s *Store) Close() error { return nil }

// --- JobDefinitionStore ---

func (s *Store) PutJobDefinition(ctx context.Context, def *store.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobDefKey{def.Slug, def.Version}
	cp := *def
	s.jobDefs[key] = &cp
	if def.Version >= s.jobDefLatest[def.Slug] {
		s.jobDefLatest[def.Slug] = def.Version
	}
	return nil
}

func (s *Store) GetJobDefinition(ctx context.Context, slug string, version int) (*store.JobDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.jobDefs[jobDefKey{slug, version}]
	if !ok {
		return nil, &cperrors.NotFoundError{Resource: "job_definition", ID: fmt.Sprintf("%s@%d", slug, version)}
	}
	cp := *def
	return &cp, nil
}

func (s *Store) GetLatestJobDefinition(ctx context.Context, slug string) (*store.JobDefinition, error) {
	s.mu.RLock()
	version, ok := s.jobDefLatest[slug]
	s.mu.RUnlock()
	if !ok {
		return nil, &cperrors.NotFoundError{Resource: "job_definition", ID: slug}
	}
	return s.GetJobDefinition(ctx, slug, version)
}

// --- JobRunStore ---

func (s *Store) CreateJobRun(ctx context.Context, run *store.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobRuns[run.ID]; exists {
		return fmt.Errorf("job run already exists: %s", run.ID)
	}
	run.UpdatedAt = time.Now()
	cp := *run
	s.jobRuns[run.ID] = &cp
	return nil
}

func (s *Store) GetJobRun(ctx context.Context, id string) (*store.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.jobRuns[id]
	if !ok {
		return nil, &cperrors.NotFoundError{Resource: "job_run", ID: id}
	}
	cp := *run
	return &cp, nil
}

func (s *Store) UpdateJobRunConditional(ctx context.Context, run *store.JobRun, expectStatuses []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobRuns[run.ID]
	if !ok {
		return false, &cperrors.NotFoundError{Resource: "job_run", ID: run.ID}
	}
	if !statusIn(existing.Status, expectStatuses) {
		return false, nil
	}
	run.UpdatedAt = time.Now()
	cp := *run
	s.jobRuns[run.ID] = &cp
	return true, nil
}

// --- WorkflowDefinitionStore ---

func (s *Store) PutWorkflowDefinition(ctx context.Context, def *store.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := workflowDefKey{def.Slug, def.Version}
	cp := *def
	s.workflowDefs[key] = &cp
	if def.Version >= s.workflowDefLatest[def.Slug] {
		s.workflowDefLatest[def.Slug] = def.Version
	}
	return nil
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, slug string, version int) (*store.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.workflowDefs[workflowDefKey{slug, version}]
	if !ok {
		return nil, &cperrors.NotFoundError{Resource: "workflow_definition", ID: fmt.Sprintf("%s@%d", slug, version)}
	}
	cp := *def
	return &cp, nil
}

func (s *Store) GetLatestWorkflowDefinition(ctx context.Context, slug string) (*store.WorkflowDefinition, error) {
	s.mu.RLock()
	version, ok := s.workflowDefLatest[slug]
	s.mu.RUnlock()
	if !ok {
		return nil, &cperrors.NotFoundError{Resource: "workflow_definition", ID: slug}
	}
	return s.GetWorkflowDefinition(ctx, slug, version)
}

func (s *Store) ListLatestWorkflowDefinitions(ctx context.Context) ([]*store.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]*store.WorkflowDefinition, 0, len(s.workflowDefLatest))
	for slug, version := range s.workflowDefLatest {
		def := s.workflowDefs[workflowDefKey{slug, version}]
		if def == nil {
			continue
		}
		cp := *def
		defs = append(defs, &cp)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Slug < defs[j].Slug })
	return defs, nil
}

func (s *Store) ListWorkflowDefinitionsDueForSchedule(ctx context.Context, asOf time.Time) ([]*store.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*store.WorkflowDefinition
	for slug, version := range s.workflowDefLatest {
		def := s.workflowDefs[workflowDefKey{slug, version}]
		if def == nil || def.ScheduleTrigger == nil {
			continue
		}
		if def.ScheduleNextRunAt != nil && def.ScheduleNextRunAt.After(asOf) {
			continue
		}
		cp := *def
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Slug < due[j].Slug })
	return due, nil
}

func (s *Store) UpdateScheduleBookkeeping(ctx context.Context, slug string, version int, nextRunAt, lastWindow, catchupCursor *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.workflowDefs[workflowDefKey{slug, version}]
	if !ok {
		return &cperrors.NotFoundError{Resource: "workflow_definition", ID: fmt.Sprintf("%s@%d", slug, version)}
	}
	def.ScheduleNextRunAt = nextRunAt
	def.LastMaterializedWindow = lastWindow
	def.ScheduleCatchupCursor = catchupCursor
	return nil
}

// --- WorkflowRunStore ---

func (s *Store) CreateWorkflowRun(ctx context.Context, run *store.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflowRuns[run.ID]; exists {
		return fmt.Errorf("workflow run already exists: %s", run.ID)
	}
	run.UpdatedAt = time.Now()
	cp := *run
	s.workflowRuns[run.ID] = &cp
	return nil
}

func (s *Store) GetWorkflowRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.workflowRuns[id]
	if !ok {
		return nil, &cperrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	cp := *run
	return &cp, nil
}

func (s *Store) UpdateWorkflowRunConditional(ctx context.Context, run *store.WorkflowRun, expectStatuses []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.workflowRuns[run.ID]
	if !ok {
		return false, &cperrors.NotFoundError{Resource: "workflow_run", ID: run.ID}
	}
	if !statusIn(existing.Status, expectStatuses) {
		return false, nil
	}
	run.UpdatedAt = time.Now()
	cp := *run
	s.workflowRuns[run.ID] = &cp
	return true, nil
}

func (s *Store) RequestCancelWorkflowRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.workflowRuns[id]
	if !ok {
		return &cperrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	run.CancelRequested = true
	run.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListWorkflowRuns(ctx context.Context, filter store.WorkflowRunFilter) ([]*store.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.WorkflowRun
	for _, run := range s.workflowRuns {
		if filter.WorkflowSlug != "" && run.WorkflowSlug != filter.WorkflowSlug {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		cp := *run
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if filter.Offset > 0 && filter.Offset < len(result) {
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) DeleteWorkflowRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workflowRuns, id)
	delete(s.runSteps, id)
	return nil
}

// --- WorkflowRunStepStore ---

func (s *Store) PutWorkflowRunStep(ctx context.Context, step *store.WorkflowRunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.runSteps[step.WorkflowRunID]
	if !ok {
		steps = make(map[string]*store.WorkflowRunStep)
		s.runSteps[step.WorkflowRunID] = steps
	}
	step.UpdatedAt = time.Now()
	cp := *step
	steps[step.StepID] = &cp
	return nil
}

func (s *Store) GetWorkflowRunStep(ctx context.Context, workflowRunID, stepID string) (*store.WorkflowRunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps, ok := s.runSteps[workflowRunID]
	if !ok {
		return nil, &cperrors.NotFoundError{Resource: "workflow_run_step", ID: stepID}
	}
	step, ok := steps[stepID]
	if !ok {
		return nil, &cperrors.NotFoundError{Resource: "workflow_run_step", ID: stepID}
	}
	cp := *step
	return &cp, nil
}

func (s *Store) ListWorkflowRunSteps(ctx context.Context, workflowRunID string) ([]*store.WorkflowRunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := s.runSteps[workflowRunID]
	result := make([]*store.WorkflowRunStep, 0, len(steps))
	for _, step := range steps {
		cp := *step
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StepID < result[j].StepID })
	return result, nil
}

func (s *Store) UpdateWorkflowRunStepConditional(ctx context.Context, step *store.WorkflowRunStep, expectStatuses []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.runSteps[step.WorkflowRunID]
	if !ok {
		return false, &cperrors.NotFoundError{Resource: "workflow_run_step", ID: step.StepID}
	}
	existing, ok := steps[step.StepID]
	if !ok {
		return false, &cperrors.NotFoundError{Resource: "workflow_run_step", ID: step.StepID}
	}
	if !statusIn(existing.Status, expectStatuses) {
		return false, nil
	}
	step.UpdatedAt = time.Now()
	cp := *step
	steps[step.StepID] = &cp
	return true, nil
}

// --- AssetStore ---

func (s *Store) PutWorkflowRunStepAsset(ctx context.Context, asset *store.WorkflowRunStepAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{asset.WorkflowSlug, normalizeAssetID(asset.AssetID), asset.PartitionKey}
	existing, ok := s.assets[key]
	if ok && existing.ProducedAt.After(asset.ProducedAt) {
		// A later production already recorded; keep it (out-of-order write).
		return nil
	}
	cp := *asset
	s.assets[key] = &cp
	return nil
}

func (s *Store) LatestAsset(ctx context.Context, workflowSlug, assetID, partitionKey string) (*store.WorkflowRunStepAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[assetKey{workflowSlug, normalizeAssetID(assetID), partitionKey}]
	if !ok {
		return nil, &cperrors.NotFoundError{Resource: "asset", ID: assetID}
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListLatestAssetsByWorkflow(ctx context.Context, workflowSlug string) ([]*store.WorkflowRunStepAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.WorkflowRunStepAsset
	for k, a := range s.assets {
		if k.workflow != workflowSlug {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

// normalizeAssetID trims and lowercases an asset id for use as a map key.
// WorkflowRunStepAsset carries only the canonical AssetID, so every lookup
// normalizes its argument again.
func normalizeAssetID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// --- TriggerStore ---

func (s *Store) PutEventTrigger(ctx context.Context, trigger *store.WorkflowEventTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *trigger
	s.triggers[trigger.ID] = &cp
	return nil
}

func (s *Store) GetEventTrigger(ctx context.Context, id string) (*store.WorkflowEventTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.triggers[id]
	if !ok {
		return nil, &cperrors.NotFoundError{Resource: "event_trigger", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListActiveEventTriggers(ctx context.Context, source string) ([]*store.WorkflowEventTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.WorkflowEventTrigger
	for _, t := range s.triggers {
		if t.Paused {
			continue
		}
		if source != "" && t.Source != "" && t.Source != source {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) RecordTriggerFailure(ctx context.Context, id string, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return &cperrors.NotFoundError{Resource: "event_trigger", ID: id}
	}
	t.FailureCount++
	t.LastError = errMsg
	t.LastFailureAt = &at
	if t.PauseThreshold > 0 && t.FailureCount >= t.PauseThreshold {
		t.Paused = true
	}
	return nil
}

func (s *Store) PauseEventTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return &cperrors.NotFoundError{Resource: "event_trigger", ID: id}
	}
	t.Paused = true
	return nil
}

func (s *Store) AppendEventEnvelope(ctx context.Context, envelope *store.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, &store.AuditEvent{
		ID:         envelope.ID,
		EntityType: "event_envelope",
		EntityID:   envelope.ID,
		Action:     "ingested",
		Detail:     map[string]any{"type": envelope.Type, "source": envelope.Source},
		OccurredAt: envelope.OccurredAt,
	})
	return nil
}

// --- AuditStore ---

func (s *Store) AppendAuditEvent(ctx context.Context, event *store.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.audit = append(s.audit, &cp)
	return nil
}

// --- AdvisoryLockStore ---
//
// Backed by a plain map: single-process-only coordination, documented as
// such. Multi-node deployments MUST use the postgres backend instead.

func (s *Store) TryAcquireLock(ctx context.Context, namespace, id, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{namespace, id}
	if holder, held := s.locks[k]; held && holder != ownerID {
		return false, nil
	}
	s.locks[k] = ownerID
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, namespace, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{namespace, id}
	if s.locks[k] == ownerID {
		delete(s.locks, k)
	}
	return nil
}

func (s *Store) RefreshLock(ctx context.Context, namespace, id, ownerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k := lockKey{namespace, id}
	return s.locks[k] == ownerID, nil
}

func statusIn(status string, allowed []string) bool {
	for _, a := range allowed {
		if status == a {
			return true
		}
	}
	return false
}
