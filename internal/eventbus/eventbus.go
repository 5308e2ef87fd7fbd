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

// Package eventbus is the in-process publish/subscribe fan-out of spec
// §4.J, generalized from the teacher's callback-slice pattern
// (leader.Elector.OnLeadershipChange) into a typed, synchronous bus keyed
// by event type.
package eventbus

import (
	"log/slog"
	"sync"
)

// Domain event types published across the engine. Components subscribe by
// exact type; there is no wildcard subscription.
const (
	TypeWorkflowDefinitionUpdated = "workflow.definition.updated"
	TypeAssetProduced             = "asset.produced"
	TypeAssetExpired              = "asset.expired"
	TypeWorkflowRunSucceeded      = "workflow.run.succeeded"
	TypeWorkflowRunFailed         = "workflow.run.failed"
	TypeWorkflowRunCanceled       = "workflow.run.canceled"
	TypeQueueEnqueued             = "queue.enqueued"
	TypeQueueCompleted            = "queue.completed"
	TypeQueueFailed               = "queue.failed"
	TypeQueueDisposed             = "queue.disposed"
	TypeQueueModeChange           = "queue.mode_change"
	TypeScheduleOutcome           = "schedule.outcome"
	TypeLeaderAcquired            = "leader.acquired"
	TypeLeaderLost                = "leader.lost"
	TypeRuntimeScalingSnapshot    = "runtime.scaling.snapshot"
	TypeRuntimeScalingApplied     = "runtime.scaling.applied"
)

// Event is the envelope delivered to subscribers. Payload's concrete type
// is documented per Type by the publisher.
type Event struct {
	Type    string
	Payload any
}

// Handler receives one Event. Handlers MUST NOT block for long or panic;
// a panic is recovered and logged, never propagated to the publisher
// (spec §4.J).
type Handler func(Event)

// Bus is a synchronous, FIFO-per-type publish/subscribe fan-out. Delivery
// across distinct event types carries no ordering guarantee relative to
// each other, only within a type, matching spec §4.J and §5.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	logger      *slog.Logger
}

// New creates an empty Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]Handler),
		logger:      logger.With(slog.String("component", "eventbus")),
	}
}

// Subscribe registers h to receive every Event of the given type. Returns
// an unsubscribe function.
func (b *Bus) Subscribe(eventType string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], h)
	idx := len(b.subscribers[eventType]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subscribers[eventType]
		if idx < 0 || idx >= len(handlers) {
			return
		}
		handlers[idx] = nil
	}
}

// Publish delivers e to every current subscriber of e.Type, in
// registration order, synchronously on the caller's goroutine. A
// subscriber that panics is recovered and logged; delivery continues to
// the remaining subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[e.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", slog.String("type", e.Type), slog.Any("recover", r))
		}
	}()
	h(e)
}
