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

// Package scheduleleader turns cron-triggered WorkflowDefinitions into
// WorkflowRuns (§4.G). It is grounded on two teacher components at once:
// internal/controller/scheduler/cron.go for the fire-time arithmetic (see
// cron.go) and internal/controller/polltrigger/service.go's admission ->
// act -> bookkeeping shape for the per-schedule materialization loop
// itself, generalized from polling a single external source to walking
// every due WorkflowDefinition on a ticker.
package scheduleleader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/leader"
	"github.com/forgeline/controlplane/internal/store"
)

// OutcomeKind enumerates what happened while materializing one
// WorkflowDefinition's schedule.
type OutcomeKind string

const (
	OutcomeLockAcquired      OutcomeKind = "lock_acquired"
	OutcomeLockContention    OutcomeKind = "lock_contention"
	OutcomeOptimisticConflict OutcomeKind = "optimistic_conflict"
	OutcomeProcessed         OutcomeKind = "processed"
	OutcomeSkipped           OutcomeKind = "skipped"
	OutcomeError             OutcomeKind = "error"
)

// Outcome records one materialization attempt for introspection.
type Outcome struct {
	At          time.Time   `json:"at"`
	Slug        string      `json:"slug"`
	Version     int         `json:"version"`
	Kind        OutcomeKind `json:"kind"`
	RunsCreated int         `json:"runsCreated,omitempty"`
	Error       string      `json:"error,omitempty"`
}

const maxOutcomes = 200

// Enqueuer dispatches a materialized WorkflowRun for execution, decoupling
// Materializer from internal/queue.Manager directly (§4.B).
type Enqueuer interface {
	EnqueueWorkflowRun(ctx context.Context, runID string) error
}

// Config configures a Materializer.
type Config struct {
	Schedules    store.ScheduleStore
	Runs         store.WorkflowRunStore
	Locks        store.AdvisoryLockStore
	Enqueue      Enqueuer
	Elector      *leader.Elector
	Bus          *eventbus.Bus
	Logger       *slog.Logger
	OwnerID      string
	PollInterval time.Duration
}

// Materializer periodically scans WorkflowDefinitions due for schedule and
// creates one WorkflowRun per missed fire time, gated on Elector.IsLeader
// so only one process in a fleet materializes a given schedule at a time —
// the per-schedule advisory lock below is a second line of defense against
// the overlap window between a leadership handoff and the next tick.
type Materializer struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	outcomes []Outcome

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMaterializer creates a Materializer that has not yet started.
func NewMaterializer(cfg Config) *Materializer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scheduleleader")),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the materialization loop in a background goroutine.
func (m *Materializer) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop blocks until the materialization loop exits.
func (m *Materializer) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Materializer) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one materialization pass. Exported so callers (tests, or a
// cmd/controlplaned admin endpoint) can force an out-of-band scan.
func (m *Materializer) Tick(ctx context.Context) {
	if m.cfg.Elector != nil && !m.cfg.Elector.IsLeader() {
		return
	}

	now := time.Now()
	defs, err := m.cfg.Schedules.ListWorkflowDefinitionsDueForSchedule(ctx, now)
	if err != nil {
		m.logger.Error("failed to list due schedules", slog.Any("error", err))
		return
	}

	for _, def := range defs {
		m.materializeOne(ctx, def, now)
	}
}

func (m *Materializer) materializeOne(ctx context.Context, def *store.WorkflowDefinition, now time.Time) {
	if def.ScheduleTrigger == nil {
		return
	}

	lockID := fmt.Sprintf("%s@%d", def.Slug, def.Version)
	acquired, err := m.cfg.Locks.TryAcquireLock(ctx, "schedule", lockID, m.cfg.OwnerID)
	if err != nil {
		m.record(Outcome{At: now, Slug: def.Slug, Version: def.Version, Kind: OutcomeError, Error: err.Error()})
		return
	}
	if !acquired {
		m.record(Outcome{At: now, Slug: def.Slug, Version: def.Version, Kind: OutcomeLockContention})
		return
	}
	defer func() {
		if err := m.cfg.Locks.ReleaseLock(ctx, "schedule", lockID, m.cfg.OwnerID); err != nil {
			m.logger.Error("failed to release schedule lock", slog.String("slug", def.Slug), slog.Any("error", err))
		}
	}()
	m.record(Outcome{At: now, Slug: def.Slug, Version: def.Version, Kind: OutcomeLockAcquired})

	cron, err := ParseCron(def.ScheduleTrigger.Cron)
	if err != nil {
		m.record(Outcome{At: now, Slug: def.Slug, Version: def.Version, Kind: OutcomeError, Error: err.Error()})
		return
	}

	loc := time.UTC
	if tz := def.ScheduleTrigger.Timezone; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			m.logger.Warn("unknown schedule timezone, defaulting to UTC", slog.String("slug", def.Slug), slog.String("timezone", tz))
		}
	}

	fireTimes, nextBoundary := computeFireTimes(def, cron, loc, now)
	if !def.ScheduleTrigger.CatchUp && len(fireTimes) > 1 {
		fireTimes = fireTimes[len(fireTimes)-1:]
	}

	created := 0
	for _, ft := range fireTimes {
		run := &store.WorkflowRun{
			ID:                   uuid.NewString(),
			WorkflowDefinitionID: fmt.Sprintf("%s@%d", def.Slug, def.Version),
			WorkflowSlug:         def.Slug,
			WorkflowVersion:      def.Version,
			Status:               store.StatusPending,
			Parameters:           def.DefaultParameters,
			Context:              store.RunContext{Steps: map[string]store.StepContext{}, Shared: map[string]any{}},
			TriggeredBy:          store.TriggerSchedule,
			TriggerPayload:       map[string]any{"scheduledFor": ft},
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := m.cfg.Runs.CreateWorkflowRun(ctx, run); err != nil {
			m.record(Outcome{At: now, Slug: def.Slug, Version: def.Version, Kind: OutcomeError, Error: err.Error()})
			continue
		}
		if m.cfg.Enqueue != nil {
			if err := m.cfg.Enqueue.EnqueueWorkflowRun(ctx, run.ID); err != nil {
				m.logger.Error("failed to enqueue materialized run", slog.String("runId", run.ID), slog.Any("error", err))
			}
		}
		created++
	}

	var lastWindow *time.Time
	if len(fireTimes) > 0 {
		lw := fireTimes[len(fireTimes)-1]
		lastWindow = &lw
	} else {
		lastWindow = def.LastMaterializedWindow
	}

	if err := m.cfg.Schedules.UpdateScheduleBookkeeping(ctx, def.Slug, def.Version, &nextBoundary, lastWindow, nil); err != nil {
		m.record(Outcome{At: now, Slug: def.Slug, Version: def.Version, Kind: OutcomeError, Error: err.Error()})
		return
	}

	if created > 0 {
		m.record(Outcome{At: now, Slug: def.Slug, Version: def.Version, Kind: OutcomeProcessed, RunsCreated: created})
	} else {
		m.record(Outcome{At: now, Slug: def.Slug, Version: def.Version, Kind: OutcomeSkipped})
	}
}

// computeFireTimes walks cron's fire times strictly after the schedule's
// cursor up to the earlier of now and the trigger's end window, clamped to
// not start before the trigger's start window, and returns the walked
// times alongside the next boundary to record as scheduleNextRunAt.
func computeFireTimes(def *store.WorkflowDefinition, cron *CronExpr, loc *time.Location, now time.Time) ([]time.Time, time.Time) {
	start := now
	switch {
	case def.ScheduleCatchupCursor != nil:
		start = *def.ScheduleCatchupCursor
	case def.LastMaterializedWindow != nil:
		start = *def.LastMaterializedWindow
	case def.ScheduleTrigger.StartWindow != nil:
		start = def.ScheduleTrigger.StartWindow.Add(-time.Nanosecond)
	}
	if def.ScheduleTrigger.StartWindow != nil && start.Before(*def.ScheduleTrigger.StartWindow) {
		start = def.ScheduleTrigger.StartWindow.Add(-time.Nanosecond)
	}

	limit := now
	if def.ScheduleTrigger.EndWindow != nil && def.ScheduleTrigger.EndWindow.Before(limit) {
		limit = *def.ScheduleTrigger.EndWindow
	}

	var fireTimes []time.Time
	cursor := start.In(loc)
	for {
		next := cron.Next(cursor)
		if next.IsZero() || next.After(limit) {
			break
		}
		fireTimes = append(fireTimes, next)
		cursor = next
	}

	nextBoundary := cron.Next(now.In(loc))
	return fireTimes, nextBoundary
}

func (m *Materializer) record(o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	if len(m.outcomes) > maxOutcomes {
		m.outcomes = m.outcomes[len(m.outcomes)-maxOutcomes:]
	}
}

// Outcomes returns a snapshot of the most recent materialization outcomes,
// oldest first.
func (m *Materializer) Outcomes() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Outcome, len(m.outcomes))
	copy(out, m.outcomes)
	return out
}
