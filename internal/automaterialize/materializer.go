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

package automaterialize

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/retry"
	"github.com/forgeline/controlplane/internal/store"
)

type autoRunRecord struct {
	workflowSlug string
	reason       string
	assetID      string
	partitionKey string
	requestedAt  time.Time
}

// Enqueuer dispatches a materialized WorkflowRun for execution. Same
// one-method shape as internal/scheduleleader.Enqueuer and
// internal/eventscheduler.Enqueuer, kept as its own type so this package
// doesn't import either for a single method.
type Enqueuer interface {
	EnqueueWorkflowRun(ctx context.Context, runID string) error
}

// Store is the narrow persistence surface the auto-materializer needs:
// enough of WorkflowDefinitionStore to rebuild the graph, WorkflowRunStore
// to create a run, and AssetStore to rehydrate latest-production state on
// refresh.
type Store interface {
	ListLatestWorkflowDefinitions(ctx context.Context) ([]*store.WorkflowDefinition, error)
	GetLatestWorkflowDefinition(ctx context.Context, slug string) (*store.WorkflowDefinition, error)
	CreateWorkflowRun(ctx context.Context, run *store.WorkflowRun) error
	ListLatestAssetsByWorkflow(ctx context.Context, workflowSlug string) ([]*store.WorkflowRunStepAsset, error)
}

// Config configures a Materializer.
type Config struct {
	Store           Store
	Enqueue         Enqueuer
	Bus             *eventbus.Bus
	Logger          *slog.Logger
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	RefreshInterval time.Duration
}

// Materializer owns the in-memory asset dependency graph of spec §4.F and
// turns asset production/expiry events into new WorkflowRuns for
// consuming workflows. Every field below is mutated only while mu is
// held, and only from this package's own event handlers or refresh loop —
// other components interact with it purely by publishing to the shared
// event bus, per spec §5's "in-memory graphs are mutated only by the
// auto-materializer's task loop."
type Materializer struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	workflows      map[string]*workflowConfig          // slug -> config
	assetConsumers map[string]map[string]struct{}      // normalized asset id -> consumer slugs
	latest         map[string]map[string]map[string]assetProduction // slug -> normalized asset id -> partitionKey -> production
	inFlight       map[string]map[string]struct{}       // slug -> auto-run ids
	autoRuns       map[string]autoRunRecord             // run id -> record
	failures       map[string]FailureState              // slug -> failure state

	unsubs []func()
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMaterializer creates a Materializer with an empty graph and, when
// cfg.Bus is set, subscribes it to the event bus. Call Refresh once before
// Start to hydrate it from persistence, or rely on Start's own first tick.
func NewMaterializer(cfg Config) *Materializer {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Materializer{
		cfg:            cfg,
		logger:         logger.With(slog.String("component", "automaterialize")),
		workflows:      make(map[string]*workflowConfig),
		assetConsumers: make(map[string]map[string]struct{}),
		latest:         make(map[string]map[string]map[string]assetProduction),
		inFlight:       make(map[string]map[string]struct{}),
		autoRuns:       make(map[string]autoRunRecord),
		failures:       make(map[string]FailureState),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	if cfg.Bus != nil {
		m.unsubs = append(m.unsubs,
			cfg.Bus.Subscribe(eventbus.TypeWorkflowDefinitionUpdated, m.onDefinitionUpdated),
			cfg.Bus.Subscribe(eventbus.TypeAssetProduced, m.onAssetProduced),
			cfg.Bus.Subscribe(eventbus.TypeAssetExpired, m.onAssetExpired),
			cfg.Bus.Subscribe(eventbus.TypeWorkflowRunSucceeded, m.onRunTerminal(store.StatusSucceeded)),
			cfg.Bus.Subscribe(eventbus.TypeWorkflowRunFailed, m.onRunTerminal(store.StatusFailed)),
			cfg.Bus.Subscribe(eventbus.TypeWorkflowRunCanceled, m.onRunTerminal(store.StatusCanceled)),
		)
	}
	return m
}

// Start begins the periodic safety-net refresh ticker. The event-bus
// subscriptions are already in place from NewMaterializer.
func (m *Materializer) Start(ctx context.Context) {
	go m.refreshLoop(ctx)
}

// Stop unsubscribes from the event bus and halts the refresh ticker.
func (m *Materializer) Stop() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	close(m.stopCh)
	<-m.doneCh
}

func (m *Materializer) refreshLoop(ctx context.Context) {
	defer close(m.doneCh)

	if err := m.Refresh(ctx); err != nil {
		m.logger.Error("initial graph refresh failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Error("periodic graph refresh failed", slog.Any("error", err))
			}
		}
	}
}

// Refresh rebuilds the entire graph from persistence, the safety net
// against missed events spec §4.F names.
func (m *Materializer) Refresh(ctx context.Context) error {
	defs, err := m.cfg.Store.ListLatestWorkflowDefinitions(ctx)
	if err != nil {
		return err
	}

	workflows := make(map[string]*workflowConfig, len(defs))
	consumers := make(map[string]map[string]struct{})
	latest := make(map[string]map[string]map[string]assetProduction, len(defs))

	for _, def := range defs {
		cfg := buildWorkflowConfig(def)
		workflows[def.Slug] = cfg
		for normID := range cfg.consumes {
			if consumers[normID] == nil {
				consumers[normID] = make(map[string]struct{})
			}
			consumers[normID][def.Slug] = struct{}{}
		}

		assets, err := m.cfg.Store.ListLatestAssetsByWorkflow(ctx, def.Slug)
		if err != nil {
			m.logger.Error("failed to hydrate latest assets", slog.String("workflow", def.Slug), slog.Any("error", err))
			continue
		}
		byAsset := make(map[string]map[string]assetProduction)
		for _, a := range assets {
			normID := normalizeAssetID(a.AssetID)
			if byAsset[normID] == nil {
				byAsset[normID] = make(map[string]assetProduction)
			}
			byAsset[normID][normalizePartitionKey(a.PartitionKey)] = assetProduction{producedAt: a.ProducedAt, workflowRunID: a.WorkflowRunID}
		}
		latest[def.Slug] = byAsset
	}

	m.mu.Lock()
	m.workflows = workflows
	m.assetConsumers = consumers
	m.latest = latest
	m.mu.Unlock()
	return nil
}

func buildWorkflowConfig(def *store.WorkflowDefinition) *workflowConfig {
	cfg := &workflowConfig{
		slug:           def.Slug,
		producedAssets: make(map[string]AssetPolicy),
		consumes:       make(map[string]struct{}),
	}
	for _, step := range def.Steps {
		for _, decl := range step.ProducesAssets {
			cfg.producedAssets[normalizeAssetID(decl.AssetID)] = AssetPolicy{}
		}
	}
	if def.AssetTrigger != nil {
		cfg.onUpstreamUpdate = def.AssetTrigger.OnUpstreamUpdate
		for _, assetID := range def.AssetTrigger.Consumes {
			cfg.consumes[normalizeAssetID(assetID)] = struct{}{}
		}
	}
	return cfg
}

// onDefinitionUpdated rebuilds one workflow's entry in the graph and
// re-hydrates its latest-asset snapshots, per spec §4.F's
// "workflow.definition.updated -> rebuild the entire graph" as scoped to
// the single workflow named in the event (a full Refresh is the periodic
// safety net; a targeted update keeps this handler cheap).
func (m *Materializer) onDefinitionUpdated(e eventbus.Event) {
	slug, _ := e.Payload.(string)
	if slug == "" {
		if payload, ok := e.Payload.(map[string]any); ok {
			slug, _ = payload["workflowSlug"].(string)
		}
	}
	if slug == "" {
		return
	}

	ctx := context.Background()
	def, err := m.cfg.Store.GetLatestWorkflowDefinition(ctx, slug)
	if err != nil {
		m.logger.Error("failed to reload updated workflow definition", slog.String("workflow", slug), slog.Any("error", err))
		return
	}
	assets, err := m.cfg.Store.ListLatestAssetsByWorkflow(ctx, slug)
	if err != nil {
		m.logger.Error("failed to hydrate latest assets", slog.String("workflow", slug), slog.Any("error", err))
		return
	}

	cfg := buildWorkflowConfig(def)
	byAsset := make(map[string]map[string]assetProduction)
	for _, a := range assets {
		normID := normalizeAssetID(a.AssetID)
		if byAsset[normID] == nil {
			byAsset[normID] = make(map[string]assetProduction)
		}
		byAsset[normID][normalizePartitionKey(a.PartitionKey)] = assetProduction{producedAt: a.ProducedAt, workflowRunID: a.WorkflowRunID}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for normID, consumerSlugs := range m.assetConsumers {
		delete(consumerSlugs, slug)
		if len(consumerSlugs) == 0 {
			delete(m.assetConsumers, normID)
		}
	}
	m.workflows[slug] = cfg
	m.latest[slug] = byAsset
	for normID := range cfg.consumes {
		if m.assetConsumers[normID] == nil {
			m.assetConsumers[normID] = make(map[string]struct{})
		}
		m.assetConsumers[normID][slug] = struct{}{}
	}
}

func (m *Materializer) onAssetProduced(e eventbus.Event) {
	payload, ok := e.Payload.(map[string]any)
	if !ok {
		return
	}
	workflowSlug, _ := payload["workflowSlug"].(string)
	assetID, _ := payload["assetId"].(string)
	partitionKey, _ := payload["partitionKey"].(string)
	workflowRunID, _ := payload["workflowRunId"].(string)
	producedAt, _ := payload["producedAt"].(time.Time)
	if workflowSlug == "" || assetID == "" {
		return
	}
	if producedAt.IsZero() {
		producedAt = time.Now()
	}

	normID := normalizeAssetID(assetID)
	partitionKey = normalizePartitionKey(partitionKey)

	m.mu.Lock()
	if m.latest[workflowSlug] == nil {
		m.latest[workflowSlug] = make(map[string]map[string]assetProduction)
	}
	if m.latest[workflowSlug][normID] == nil {
		m.latest[workflowSlug][normID] = make(map[string]assetProduction)
	}
	m.latest[workflowSlug][normID][partitionKey] = assetProduction{producedAt: producedAt, workflowRunID: workflowRunID}

	consumerSlugs := make([]string, 0, len(m.assetConsumers[normID]))
	for slug := range m.assetConsumers[normID] {
		consumerSlugs = append(consumerSlugs, slug)
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, consumerSlug := range consumerSlugs {
		m.considerEnqueue(ctx, consumerSlug, "asset_produced", assetID, partitionKey, producedAt)
	}
}

// onAssetExpired considers re-enqueuing the producing workflow itself
// when no newer production has superseded the expired one, per spec
// §4.F's "asset.expired -> if no newer production exists, consider
// enqueuing that workflow itself."
func (m *Materializer) onAssetExpired(e eventbus.Event) {
	payload, ok := e.Payload.(map[string]any)
	if !ok {
		return
	}
	workflowSlug, _ := payload["workflowSlug"].(string)
	assetID, _ := payload["assetId"].(string)
	partitionKey, _ := payload["partitionKey"].(string)
	producedAt, _ := payload["producedAt"].(time.Time)
	if workflowSlug == "" || assetID == "" {
		return
	}

	normID := normalizeAssetID(assetID)
	partitionKey = normalizePartitionKey(partitionKey)

	m.mu.Lock()
	current, hasNewer := m.latest[workflowSlug][normID][partitionKey]
	m.mu.Unlock()

	if hasNewer && current.producedAt.After(producedAt) {
		return
	}

	m.considerEnqueue(context.Background(), workflowSlug, "asset_expired", assetID, partitionKey, time.Now())
}

func (m *Materializer) onRunTerminal(status string) eventbus.Handler {
	return func(e eventbus.Event) {
		payload, ok := e.Payload.(map[string]any)
		if !ok {
			return
		}
		runID, _ := payload["workflowRunId"].(string)
		if runID == "" {
			return
		}

		m.mu.Lock()
		record, tracked := m.autoRuns[runID]
		if tracked {
			delete(m.autoRuns, runID)
			if set := m.inFlight[record.workflowSlug]; set != nil {
				delete(set, runID)
				if len(set) == 0 {
					delete(m.inFlight, record.workflowSlug)
				}
			}
			switch status {
			case store.StatusSucceeded:
				delete(m.failures, record.workflowSlug)
			case store.StatusFailed:
				fs := m.failures[record.workflowSlug]
				fs.Failures++
				fs.NextEligibleAt = time.Now().Add(retry.ExponentialBackoff(m.cfg.BaseBackoff, m.cfg.MaxBackoff, fs.Failures))
				m.failures[record.workflowSlug] = fs
			}
		}
		m.mu.Unlock()
	}
}

// considerEnqueue applies the four "consider enqueue" guards of spec
// §4.F and, if all pass, creates and dispatches a new auto-materialized
// WorkflowRun.
func (m *Materializer) considerEnqueue(ctx context.Context, workflowSlug, reason, assetID, partitionKey string, upstreamProducedAt time.Time) {
	now := time.Now()
	runID := uuid.NewString()

	// All four guards plus the in-flight reservation happen under one
	// critical section, so two concurrent callers for the same
	// workflowSlug can't both observe an empty in-flight set before
	// either claims it. The reservation is provisional: it is rolled
	// back below if CreateWorkflowRun fails, which runs unlocked since
	// it's the I/O step this lock must not span.
	m.mu.Lock()
	cfg, known := m.workflows[workflowSlug]
	if !known {
		m.mu.Unlock()
		return
	}
	if reason == "asset_produced" && !cfg.onUpstreamUpdate {
		m.mu.Unlock()
		return
	}
	if reason == "asset_produced" {
		ownLatest := m.latestOwnProductionLocked(workflowSlug, cfg, partitionKey)
		if !ownLatest.IsZero() && !ownLatest.Before(upstreamProducedAt) {
			m.mu.Unlock()
			return
		}
	}
	if len(m.inFlight[workflowSlug]) > 0 {
		m.mu.Unlock()
		return
	}
	if fs, ok := m.failures[workflowSlug]; ok && now.Before(fs.NextEligibleAt) {
		m.mu.Unlock()
		return
	}
	if m.inFlight[workflowSlug] == nil {
		m.inFlight[workflowSlug] = make(map[string]struct{})
	}
	m.inFlight[workflowSlug][runID] = struct{}{}
	m.autoRuns[runID] = autoRunRecord{workflowSlug: workflowSlug, reason: reason, assetID: assetID, partitionKey: partitionKey, requestedAt: now}
	m.mu.Unlock()

	run := &store.WorkflowRun{
		ID:           runID,
		WorkflowSlug: workflowSlug,
		Status:       store.StatusPending,
		Context:      store.RunContext{Steps: map[string]store.StepContext{}, Shared: map[string]any{}},
		TriggeredBy:  store.TriggerAsset,
		TriggerPayload: map[string]any{
			"reason": reason, "assetId": assetID, "partitionKey": partitionKey,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.cfg.Store.CreateWorkflowRun(ctx, run); err != nil {
		m.logger.Error("failed to create auto-materialized run", slog.String("workflow", workflowSlug), slog.Any("error", err))

		m.mu.Lock()
		delete(m.autoRuns, runID)
		if set := m.inFlight[workflowSlug]; set != nil {
			delete(set, runID)
			if len(set) == 0 {
				delete(m.inFlight, workflowSlug)
			}
		}
		m.mu.Unlock()
		return
	}

	if m.cfg.Enqueue != nil {
		if err := m.cfg.Enqueue.EnqueueWorkflowRun(ctx, run.ID); err != nil {
			m.logger.Error("failed to enqueue auto-materialized run", slog.String("runId", run.ID), slog.Any("error", err))
		}
	}
}

// latestOwnProductionLocked returns the most recent producedAt across all
// assets workflowSlug itself produces at partitionKey, or the zero Time if
// it has never produced anything at that partition. Must be called with
// mu held.
func (m *Materializer) latestOwnProductionLocked(workflowSlug string, cfg *workflowConfig, partitionKey string) time.Time {
	var latest time.Time
	for normID := range cfg.producedAssets {
		if production, ok := m.latest[workflowSlug][normID][partitionKey]; ok {
			if production.producedAt.After(latest) {
				latest = production.producedAt
			}
		}
	}
	return latest
}
