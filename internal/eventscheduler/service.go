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

package eventscheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/store"
	"github.com/forgeline/controlplane/internal/workflow/expression"
)

// OutcomeKind is the per-trigger disposition §4.E step 3 requires the
// scheduler to emit.
type OutcomeKind string

const (
	OutcomeFiltered  OutcomeKind = "filtered"
	OutcomeMatched   OutcomeKind = "matched"
	OutcomeLaunched  OutcomeKind = "launched"
	OutcomeThrottled OutcomeKind = "throttled"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomePaused    OutcomeKind = "paused"
)

// EnvelopeOutcome records the disposition of one envelope against one
// trigger (or, for admission-level denials, the envelope as a whole with
// an empty TriggerID).
type EnvelopeOutcome struct {
	EnvelopeID string      `json:"envelopeId"`
	TriggerID  string      `json:"triggerId,omitempty"`
	Kind       OutcomeKind `json:"kind"`
	RunID      string      `json:"runId,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// Enqueuer dispatches a newly-created WorkflowRun for execution. Shared
// shape with internal/scheduleleader.Enqueuer; kept as its own interface
// here so this package doesn't import scheduleleader for a one-method
// contract.
type Enqueuer interface {
	EnqueueWorkflowRun(ctx context.Context, runID string) error
}

// Config configures a Service.
type Config struct {
	Triggers    store.TriggerStore
	Runs        store.WorkflowRunStore
	Enqueue     Enqueuer
	RateLimiter *RateLimiter
	Metrics     *MetricsRegistry
	Bus         *eventbus.Bus
	Logger      *slog.Logger
}

// Service implements the event scheduler of spec §4.E: per-source
// admission control, trigger predicate evaluation, and enqueue of the
// workflow runs matched triggers fire.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	deliveries map[string]struct{} // (triggerID, envelopeID) seen, in-process idempotency
}

// NewService creates a Service. A nil RateLimiter/Metrics/Bus defaults to
// a fresh instance/no-op respectively.
func NewService(cfg Config) *Service {
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewRateLimiter()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetricsRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "eventscheduler")),
		deliveries: make(map[string]struct{}),
	}
}

// Ingest processes a single envelope: accounting, admission, and
// sequential trigger evaluation (§4.E steps 1-3).
func (s *Service) Ingest(ctx context.Context, envelope store.EventEnvelope) ([]EnvelopeOutcome, error) {
	s.cfg.Metrics.RecordIngest(envelope.Source, envelope.OccurredAt)

	decision := s.cfg.RateLimiter.Allow(envelope.Source)
	if !decision.Allowed {
		if decision.Reason == "paused" {
			s.cfg.Metrics.RecordDropped(envelope.Source)
		} else {
			s.cfg.Metrics.RecordThrottled(envelope.Source)
		}
		if err := s.cfg.Triggers.AppendEventEnvelope(ctx, &envelope); err != nil {
			s.logger.Error("failed to persist denied envelope", slog.String("envelopeId", envelope.ID), slog.Any("error", err))
		}
		outcome := EnvelopeOutcome{EnvelopeID: envelope.ID, Kind: OutcomeKind(decision.Reason), Reason: decision.Reason}
		s.publish(outcome)
		return []EnvelopeOutcome{outcome}, nil
	}
	s.cfg.RateLimiter.RecordSuccess(envelope.Source)

	if err := s.cfg.Triggers.AppendEventEnvelope(ctx, &envelope); err != nil {
		return nil, err
	}

	triggers, err := s.cfg.Triggers.ListActiveEventTriggers(ctx, envelope.Source)
	if err != nil {
		return nil, err
	}

	outcomes := make([]EnvelopeOutcome, 0, len(triggers))
	for _, trigger := range triggers {
		outcome := s.evaluateTrigger(ctx, trigger, envelope)
		s.publish(outcome)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// IngestBatch groups envelopes by source and evaluates each source's
// envelopes sequentially (preserving envelope order within a source)
// while different sources run concurrently via errgroup, matching §5's
// "within a single event source, trigger evaluation is serialized in
// envelope-id order... across sources... no global ordering."
func (s *Service) IngestBatch(ctx context.Context, envelopes []store.EventEnvelope) ([][]EnvelopeOutcome, error) {
	bySource := make(map[string][]int)
	order := make([]string, 0)
	for i, e := range envelopes {
		if _, ok := bySource[e.Source]; !ok {
			order = append(order, e.Source)
		}
		bySource[e.Source] = append(bySource[e.Source], i)
	}

	results := make([][]EnvelopeOutcome, len(envelopes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, source := range order {
		indices := bySource[source]
		g.Go(func() error {
			for _, idx := range indices {
				outcomes, err := s.Ingest(gctx, envelopes[idx])
				if err != nil {
					return err
				}
				mu.Lock()
				results[idx] = outcomes
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (s *Service) evaluateTrigger(ctx context.Context, trigger *store.WorkflowEventTrigger, envelope store.EventEnvelope) EnvelopeOutcome {
	env := map[string]any{
		"type":          envelope.Type,
		"source":        envelope.Source,
		"payload":       envelope.Payload,
		"occurredAt":    envelope.OccurredAt,
		"correlationId": envelope.CorrelationID,
	}

	matched, err := expression.EvaluateBool(trigger.Predicate, env)
	if err != nil {
		s.recordFailure(ctx, trigger.ID, err.Error())
		return EnvelopeOutcome{EnvelopeID: envelope.ID, TriggerID: trigger.ID, Kind: OutcomeFailed, Reason: err.Error()}
	}
	if !matched {
		return EnvelopeOutcome{EnvelopeID: envelope.ID, TriggerID: trigger.ID, Kind: OutcomeFiltered}
	}

	key := trigger.ID + "|" + envelope.ID
	s.mu.Lock()
	_, seen := s.deliveries[key]
	if !seen {
		s.deliveries[key] = struct{}{}
	}
	s.mu.Unlock()
	if seen {
		return EnvelopeOutcome{EnvelopeID: envelope.ID, TriggerID: trigger.ID, Kind: OutcomeSkipped, Reason: "duplicate_delivery"}
	}

	now := time.Now()
	run := &store.WorkflowRun{
		ID:             uuid.NewString(),
		WorkflowSlug:   trigger.WorkflowSlug,
		Status:         store.StatusPending,
		Context:        store.RunContext{Steps: map[string]store.StepContext{}, Shared: map[string]any{}},
		TriggeredBy:    store.TriggerEvent,
		TriggerPayload: map[string]any{"envelope": envelope},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.cfg.Runs.CreateWorkflowRun(ctx, run); err != nil {
		s.recordFailure(ctx, trigger.ID, err.Error())
		return EnvelopeOutcome{EnvelopeID: envelope.ID, TriggerID: trigger.ID, Kind: OutcomeFailed, Reason: err.Error()}
	}
	if s.cfg.Enqueue != nil {
		if err := s.cfg.Enqueue.EnqueueWorkflowRun(ctx, run.ID); err != nil {
			s.recordFailure(ctx, trigger.ID, err.Error())
			return EnvelopeOutcome{EnvelopeID: envelope.ID, TriggerID: trigger.ID, Kind: OutcomeFailed, RunID: run.ID, Reason: err.Error()}
		}
	}
	return EnvelopeOutcome{EnvelopeID: envelope.ID, TriggerID: trigger.ID, Kind: OutcomeLaunched, RunID: run.ID}
}

func (s *Service) recordFailure(ctx context.Context, triggerID, message string) {
	if err := s.cfg.Triggers.RecordTriggerFailure(ctx, triggerID, message, time.Now()); err != nil {
		s.logger.Error("failed to record trigger failure", slog.String("triggerId", triggerID), slog.Any("error", err))
	}
}

// publish reuses eventbus.TypeScheduleOutcome for event-trigger outcomes,
// the same type internal/scheduleleader would use for its own outcomes —
// both are "the scheduling subsystem decided something about a run", and
// subscribers distinguish by the payload's "source" field rather than a
// second event type.
func (s *Service) publish(outcome EnvelopeOutcome) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleOutcome, Payload: map[string]any{
		"source":     "event",
		"envelopeId": outcome.EnvelopeID,
		"triggerId":  outcome.TriggerID,
		"kind":       string(outcome.Kind),
		"runId":      outcome.RunID,
		"reason":     outcome.Reason,
	}})
}
