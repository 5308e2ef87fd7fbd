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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/store"
	"github.com/forgeline/controlplane/internal/store/memory"
)

type recordingEnqueuer struct {
	mu     sync.Mutex
	runIDs []string
}

func (r *recordingEnqueuer) EnqueueWorkflowRun(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runIDs = append(r.runIDs, runID)
	return nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runIDs)
}

func newEnvelope(id, source, evtType string) store.EventEnvelope {
	return store.EventEnvelope{
		ID:         id,
		Type:       evtType,
		Source:     source,
		OccurredAt: time.Now(),
		Payload:    map[string]any{"login": "octocat"},
	}
}

func TestServiceLaunchesMatchingTrigger(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	require.NoError(t, st.PutEventTrigger(ctx, &store.WorkflowEventTrigger{
		ID:           "trig-1",
		WorkflowSlug: "on-push",
		Source:       "github",
		Predicate:    `type == "push"`,
	}))

	enq := &recordingEnqueuer{}
	svc := NewService(Config{Triggers: st, Runs: st, Enqueue: enq})

	outcomes, err := svc.Ingest(ctx, newEnvelope("evt-1", "github", "push"))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeLaunched, outcomes[0].Kind)
	require.Equal(t, 1, enq.count())
}

func TestServiceFiltersNonMatchingTrigger(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	require.NoError(t, st.PutEventTrigger(ctx, &store.WorkflowEventTrigger{
		ID:           "trig-1",
		WorkflowSlug: "on-push",
		Source:       "github",
		Predicate:    `type == "push"`,
	}))

	enq := &recordingEnqueuer{}
	svc := NewService(Config{Triggers: st, Runs: st, Enqueue: enq})

	outcomes, err := svc.Ingest(ctx, newEnvelope("evt-1", "github", "pull_request"))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeFiltered, outcomes[0].Kind)
	require.Equal(t, 0, enq.count())
}

func TestServiceDeduplicatesSameDelivery(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	require.NoError(t, st.PutEventTrigger(ctx, &store.WorkflowEventTrigger{
		ID:           "trig-1",
		WorkflowSlug: "on-push",
		Source:       "github",
		Predicate:    `type == "push"`,
	}))

	enq := &recordingEnqueuer{}
	svc := NewService(Config{Triggers: st, Runs: st, Enqueue: enq})

	envelope := newEnvelope("evt-1", "github", "push")
	first, err := svc.Ingest(ctx, envelope)
	require.NoError(t, err)
	require.Equal(t, OutcomeLaunched, first[0].Kind)

	second, err := svc.Ingest(ctx, envelope)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, second[0].Kind)
	require.Equal(t, 1, enq.count())
}

func TestServiceAdmissionRateLimitThrottlesBurst(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	rl := NewRateLimiter()
	rl.SetMinInterval("github", time.Hour)
	svc := NewService(Config{Triggers: st, Runs: st, RateLimiter: rl})

	first, err := svc.Ingest(ctx, newEnvelope("evt-1", "github", "push"))
	require.NoError(t, err)
	require.Empty(t, first) // no triggers registered, but admission still ran

	second, err := svc.Ingest(ctx, newEnvelope("evt-2", "github", "push"))
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, OutcomeThrottled, second[0].Kind)
}

func TestServiceIngestBatchPreservesPerSourceOrder(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	require.NoError(t, st.PutEventTrigger(ctx, &store.WorkflowEventTrigger{
		ID:           "trig-github",
		WorkflowSlug: "on-push",
		Source:       "github",
		Predicate:    "true",
	}))
	require.NoError(t, st.PutEventTrigger(ctx, &store.WorkflowEventTrigger{
		ID:           "trig-stripe",
		WorkflowSlug: "on-payment",
		Source:       "stripe",
		Predicate:    "true",
	}))

	enq := &recordingEnqueuer{}
	svc := NewService(Config{Triggers: st, Runs: st, Enqueue: enq})

	envelopes := []store.EventEnvelope{
		newEnvelope("gh-1", "github", "push"),
		newEnvelope("st-1", "stripe", "payment"),
		newEnvelope("gh-2", "github", "push"),
		newEnvelope("st-2", "stripe", "payment"),
	}

	results, err := svc.IngestBatch(ctx, envelopes)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		require.Len(t, r, 1)
		require.Equal(t, OutcomeLaunched, r[0].Kind)
	}
	require.Equal(t, 4, enq.count())
}
