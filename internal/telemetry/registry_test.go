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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/eventbus"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	default:
		t.Fatal("unsupported metric kind")
		return 0
	}
}

func TestRegistrySubscribeQueueEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	bus := eventbus.New(nil)
	unsub := r.Subscribe(bus)
	defer unsub()

	bus.Publish(eventbus.Event{Type: eventbus.TypeQueueEnqueued, Payload: map[string]any{"queue": "workflow", "mode": "inline"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeQueueCompleted, Payload: map[string]any{"queue": "workflow", "mode": "inline", "latencyMs": int64(50)}})

	require.Equal(t, float64(1), counterValue(t, r.queueEnqueued.WithLabelValues("workflow", "inline")))
	require.Equal(t, float64(1), counterValue(t, r.queueCompleted.WithLabelValues("workflow", "inline")))
}

func TestRegistrySetQueueDepthAndReset(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.SetQueueDepth("ingest", 7)
	snap := r.Snapshot()
	require.Equal(t, float64(7), snap["ingest"])

	r.Reset("ingest")
	snap = r.Snapshot()
	_, ok := snap["ingest"]
	require.False(t, ok)
}

func TestRegistryQueueDisposedResetsDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	bus := eventbus.New(nil)
	unsub := r.Subscribe(bus)
	defer unsub()

	r.SetQueueDepth("build", 3)
	bus.Publish(eventbus.Event{Type: eventbus.TypeQueueDisposed, Payload: map[string]any{"queue": "build"}})

	_, ok := r.Snapshot()["build"]
	require.False(t, ok)
}

func TestRegistryJobRunOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	bus := eventbus.New(nil)
	unsub := r.Subscribe(bus)
	defer unsub()

	bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowRunSucceeded, Payload: map[string]any{"runId": "r-1"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowRunFailed, Payload: map[string]any{"runId": "r-2"}})

	require.Equal(t, float64(1), counterValue(t, r.jobRunOutcomes.WithLabelValues("succeeded")))
	require.Equal(t, float64(1), counterValue(t, r.jobRunOutcomes.WithLabelValues("failed")))
}

func TestRegistryLeaderGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	bus := eventbus.New(nil)
	unsub := r.Subscribe(bus)
	defer unsub()

	bus.Publish(eventbus.Event{Type: eventbus.TypeLeaderAcquired, Payload: map[string]any{"namespace": "schedule", "id": "default"}})
	require.Equal(t, float64(1), counterValue(t, r.leaderState.WithLabelValues("schedule", "default")))

	bus.Publish(eventbus.Event{Type: eventbus.TypeLeaderLost, Payload: map[string]any{"namespace": "schedule", "id": "default"}})
	require.Equal(t, float64(0), counterValue(t, r.leaderState.WithLabelValues("schedule", "default")))
}

func TestRegistryRecordStepOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordStepOutcome("job", "succeeded")
	r.RecordStepOutcome("job", "succeeded")

	require.Equal(t, float64(2), counterValue(t, r.stepOutcomes.WithLabelValues("job", "succeeded")))
}
