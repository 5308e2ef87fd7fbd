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

// Package scaling applies declarative concurrency targets to the queue
// manager's worker pools (§4.H), gated by a per-target rate-limit window.
// No direct teacher analog (conductor runs a single fixed-size worker
// pool); the debounce shape is grounded on
// internal/controller/polltrigger.RateLimiter's backoff-window bookkeeping,
// generalized from "reject a poll until a window elapses" to "collapse
// rapid snapshots to the last value, applied once the window elapses".
package scaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/forgeline/controlplane/internal/eventbus"
)

// QueueScaler is the narrow seam into internal/queue.Manager this package
// needs, so Agent stays test-doubleable without importing the queue
// package's Redis/miniredis dependency chain into its own tests.
type QueueScaler interface {
	Rescale(queueName string, concurrency int) error
	Pause(queueName string) error
	Resume(queueName string) error
}

// TargetConfig declares one scalable target: a named concurrency knob bound
// to a queue keyword.
type TargetConfig struct {
	Key         string
	QueueName   string
	Default     int
	Min         int
	Max         int
	RateLimitMs int64
}

// Snapshot is the RuntimeScalingSnapshot spec §4.H names: a desired
// concurrency for one target, with the reason/source it was computed from
// for introspection.
type Snapshot struct {
	Target  string
	Desired int
	Reason  string
	Source  string
}

type targetState struct {
	cfg          TargetConfig
	mu           sync.Mutex
	appliedAt    time.Time
	appliedValue int
	paused       bool
	pending      *Snapshot
	timer        *time.Timer
}

// Agent applies Snapshot decisions to a QueueScaler, clamped to each
// target's [Min, Max] and debounced so that multiple snapshots arriving
// within RateLimitMs collapse to the last one, applied once the window
// elapses (spec §4.H's "last-value-wins-after-window" requirement).
type Agent struct {
	scaler  QueueScaler
	targets map[string]*targetState
	bus     *eventbus.Bus
	logger  *slog.Logger
	unsub   func()
}

// New creates an Agent for the given targets. Call Start to subscribe to
// the event bus; Stop to unsubscribe.
func New(scaler QueueScaler, targets []TargetConfig, bus *eventbus.Bus, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	ts := make(map[string]*targetState, len(targets))
	for _, cfg := range targets {
		if cfg.Min <= 0 {
			cfg.Min = 1
		}
		if cfg.Max < cfg.Min {
			cfg.Max = cfg.Min
		}
		ts[cfg.Key] = &targetState{cfg: cfg, appliedValue: cfg.Default}
	}
	return &Agent{
		scaler:  scaler,
		targets: ts,
		bus:     bus,
		logger:  logger.With(slog.String("component", "scaling.agent")),
	}
}

// Start subscribes the agent to RuntimeScalingSnapshot events and applies
// each target's declared default immediately.
func (a *Agent) Start() {
	if a.bus != nil {
		a.unsub = a.bus.Subscribe(eventbus.TypeRuntimeScalingSnapshot, a.handle)
	}
	for _, st := range a.targets {
		a.apply(st, Snapshot{Target: st.cfg.Key, Desired: st.cfg.Default, Reason: "default", Source: "startup"})
	}
}

// Stop unsubscribes from the event bus. Any debounce timers in flight are
// left to fire and apply their last pending snapshot; Snapshot never
// blocks on a live subscription.
func (a *Agent) Stop() {
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
}

func (a *Agent) handle(e eventbus.Event) {
	snap, ok := e.Payload.(Snapshot)
	if !ok {
		return
	}
	a.Apply(snap)
}

// Apply is the direct entrypoint (used both by the event-bus subscription
// and callers that already hold a decoded Snapshot, e.g. a store-backed
// key-value poller per spec §4.H's alternate feed source).
func (a *Agent) Apply(snap Snapshot) {
	st, ok := a.targets[snap.Target]
	if !ok {
		a.logger.Warn("runtime scaling snapshot for unknown target", slog.String("target", snap.Target))
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	window := time.Duration(st.cfg.RateLimitMs) * time.Millisecond
	if window <= 0 || st.appliedAt.IsZero() || now.Sub(st.appliedAt) >= window {
		st.pending = nil
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		a.applyLocked(st, snap)
		return
	}

	// Within the debounce window: remember this snapshot as the pending
	// value and (re)schedule a single timer to apply whatever is pending
	// once the window elapses, collapsing any snapshots in between.
	st.pending = &snap
	if st.timer == nil {
		remaining := window - now.Sub(st.appliedAt)
		st.timer = time.AfterFunc(remaining, func() { a.fireDebounced(st) })
	}
}

func (a *Agent) fireDebounced(st *targetState) {
	st.mu.Lock()
	pending := st.pending
	st.pending = nil
	st.timer = nil
	st.mu.Unlock()

	if pending == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a.applyLocked(st, *pending)
}

// applyLocked performs the actual clamp + dispatch to the QueueScaler. The
// caller must hold st.mu.
func (a *Agent) applyLocked(st *targetState, snap Snapshot) {
	desired := clamp(snap.Desired, st.cfg.Min, st.cfg.Max)
	if snap.Desired == 0 {
		if !st.paused {
			if err := a.scaler.Pause(st.cfg.QueueName); err != nil {
				a.logger.Error("failed to pause queue", slog.String("target", st.cfg.Key), slog.Any("error", err))
				return
			}
			st.paused = true
		}
		if err := a.scaler.Rescale(st.cfg.QueueName, 1); err != nil {
			a.logger.Error("failed to set drain concurrency", slog.String("target", st.cfg.Key), slog.Any("error", err))
		}
		st.appliedValue = 0
		st.appliedAt = time.Now()
		a.publishApplied(snap, 0)
		return
	}

	if st.paused {
		if err := a.scaler.Resume(st.cfg.QueueName); err != nil {
			a.logger.Error("failed to resume queue", slog.String("target", st.cfg.Key), slog.Any("error", err))
			return
		}
		st.paused = false
	}
	if err := a.scaler.Rescale(st.cfg.QueueName, desired); err != nil {
		a.logger.Error("failed to rescale queue", slog.String("target", st.cfg.Key), slog.Any("error", err))
		return
	}
	st.appliedValue = desired
	st.appliedAt = time.Now()
	a.publishApplied(snap, desired)
}

func (a *Agent) publishApplied(snap Snapshot, applied int) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRuntimeScalingApplied,
		Payload: map[string]any{
			"target":  snap.Target,
			"desired": snap.Desired,
			"applied": applied,
			"reason":  snap.Reason,
			"source":  snap.Source,
		},
	})
}

// Applied reports the concurrency value currently applied to target, for
// introspection/testing.
func (a *Agent) Applied(target string) (int, bool) {
	st, ok := a.targets[target]
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.appliedValue, true
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
