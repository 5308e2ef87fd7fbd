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

package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Meter wraps an OTel SDK meter the way
// internal/controller/polltrigger/metrics.go wraps one: a handful of named
// instruments created once at construction, recorded into from the hot
// path without any per-call allocation beyond the attribute set.
//
// This is deliberately a second idiom alongside Registry's promauto
// counters rather than a replacement for it: Registry feeds the /metrics
// Prometheus endpoint an operator scrapes, Meter feeds whatever exporter is
// attached to the metric.Meter passed to NewMeter (NewProvider attaches a
// Prometheus exporter on the same registry). Neither depends on the other.
type Meter struct {
	stepDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
	materializeCnt metric.Int64Counter
	activeRuns     atomic.Int64
}

// NewMeter creates the instrument set against the given metric.Meter
// (NewProvider passes sdk.Meter("github.com/forgeline/controlplane")). Any instrument
// creation error is treated as programmer error, matching polltrigger's
// own must-register-at-startup posture, and is surfaced by returning it
// rather than panicking.
func NewMeter(m metric.Meter) (*Meter, error) {
	stepDuration, err := m.Float64Histogram(
		"forgeline.workflow.step.duration",
		metric.WithDescription("Workflow step execution duration, in seconds."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	runDuration, err := m.Float64Histogram(
		"forgeline.workflow.run.duration",
		metric.WithDescription("Workflow run end-to-end duration, in seconds."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	materializeCnt, err := m.Int64Counter(
		"forgeline.asset.materializations",
		metric.WithDescription("Auto-materialize triggers fired, by asset and outcome."),
	)
	if err != nil {
		return nil, err
	}

	met := &Meter{
		stepDuration:   stepDuration,
		runDuration:    runDuration,
		materializeCnt: materializeCnt,
	}
	if _, err := m.Int64ObservableGauge(
		"forgeline.workflow.run.active",
		metric.WithDescription("Workflow runs currently executing."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(met.activeRuns.Load())
			return nil
		}),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordStep records one step's execution duration.
func (m *Meter) RecordStep(ctx context.Context, kind, status string, seconds float64) {
	m.stepDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordRun records one workflow run's end-to-end duration.
func (m *Meter) RecordRun(ctx context.Context, status string, seconds float64) {
	m.runDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordMaterialization increments the auto-materialize counter for asset.
func (m *Meter) RecordMaterialization(ctx context.Context, asset, outcome string) {
	m.materializeCnt.Add(ctx, 1, metric.WithAttributes(
		attribute.String("asset", asset),
		attribute.String("outcome", outcome),
	))
}

// RunStarted/RunFinished maintain the active-runs observable gauge. Callers
// bracket a run's execution with these two calls.
func (m *Meter) RunStarted() {
	m.activeRuns.Add(1)
}

func (m *Meter) RunFinished() {
	m.activeRuns.Add(-1)
}
