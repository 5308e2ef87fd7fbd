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
	"sync"
	"time"
)

// SourceMetrics is the in-memory SourceMetricsRecord spec §3 names: per-
// source ingest counters, never persisted, rebuilt from zero on process
// restart.
type SourceMetrics struct {
	Total     int64     `json:"total"`
	Throttled int64     `json:"throttled"`
	Dropped   int64     `json:"dropped"`
	Failures  int64     `json:"failures"`
	LastAt    time.Time `json:"lastAt"`
	MaxLagMs  int64     `json:"maxLagMs"`
}

// MetricsRegistry tracks one SourceMetrics record per event source.
type MetricsRegistry struct {
	mu      sync.Mutex
	sources map[string]*SourceMetrics
}

// NewMetricsRegistry creates an empty MetricsRegistry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{sources: make(map[string]*SourceMetrics)}
}

// RecordIngest updates total/lastAt/maxLag for source given an envelope's
// occurredAt, matching §4.E step 1's "ingest-rate accounting".
func (m *MetricsRegistry) RecordIngest(source string, occurredAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.getOrCreate(source)
	rec.Total++
	lag := time.Since(occurredAt).Milliseconds()
	if lag > rec.MaxLagMs {
		rec.MaxLagMs = lag
	}
	if occurredAt.After(rec.LastAt) {
		rec.LastAt = occurredAt
	}
}

// RecordThrottled increments the throttled counter for source.
func (m *MetricsRegistry) RecordThrottled(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(source).Throttled++
}

// RecordDropped increments the dropped counter for source.
func (m *MetricsRegistry) RecordDropped(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(source).Dropped++
}

// RecordFailure increments the failure counter for source.
func (m *MetricsRegistry) RecordFailure(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(source).Failures++
}

// Snapshot returns a copy of source's current metrics.
func (m *MetricsRegistry) Snapshot(source string) SourceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.getOrCreate(source)
}

func (m *MetricsRegistry) getOrCreate(source string) *SourceMetrics {
	rec, ok := m.sources[source]
	if !ok {
		rec = &SourceMetrics{}
		m.sources[source] = rec
	}
	return rec
}
