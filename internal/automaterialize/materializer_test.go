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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/eventbus"
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

func setupConsumer(t *testing.T, st *memory.Store) {
	t.Helper()
	require.NoError(t, st.PutWorkflowDefinition(context.Background(), &store.WorkflowDefinition{
		Slug:    "rollup",
		Version: 1,
		Steps:   []store.WorkflowStep{{ID: "step-1", Kind: store.StepKindJob}},
		AssetTrigger: &store.AssetTrigger{
			Consumes:         []string{"repo-metadata"},
			OnUpstreamUpdate: true,
		},
	}))
}

func producedEvent(workflowSlug, assetID string, producedAt time.Time) eventbus.Event {
	return eventbus.Event{Type: eventbus.TypeAssetProduced, Payload: map[string]any{
		"workflowSlug": workflowSlug, "assetId": assetID, "partitionKey": "",
		"producedAt": producedAt, "workflowRunId": "upstream-run-1",
	}}
}

// TestAutoMaterializeDedup covers spec Scenario 4: two asset.produced
// events for the same upstream asset within 1ms produce exactly one
// downstream run, because the first enqueue leaves the consumer workflow
// in flight by the time the second event is handled.
func TestAutoMaterializeDedup(t *testing.T) {
	st := memory.New()
	setupConsumer(t, st)
	require.NoError(t, st.PutWorkflowDefinition(context.Background(), &store.WorkflowDefinition{
		Slug:    "ingest-repo",
		Version: 1,
		Steps:   []store.WorkflowStep{{ID: "step-1", Kind: store.StepKindJob, ProducesAssets: []store.AssetDeclaration{{AssetID: "repo-metadata"}}}},
	}))

	enq := &recordingEnqueuer{}
	bus := eventbus.New(nil)
	m := NewMaterializer(Config{Store: st, Enqueue: enq, Bus: bus})
	require.NoError(t, m.Refresh(context.Background()))

	now := time.Now()
	bus.Publish(producedEvent("ingest-repo", "repo-metadata", now))
	bus.Publish(producedEvent("ingest-repo", "repo-metadata", now.Add(time.Microsecond)))

	require.Equal(t, 1, enq.count())
}

// TestAutoMaterializeDedupConcurrent covers the same Scenario 4 property as
// TestAutoMaterializeDedup, but from two goroutines released at once rather
// than two sequential calls on the caller's own goroutine. Bus.Publish runs
// its handler chain synchronously on the publishing goroutine with no
// cross-goroutine serialization, so a real deployment can have two
// asset.produced events for the same workflowSlug handled concurrently
// (e.g. two job-step queue workers finishing at once) — this is the
// interleaving property P4 actually has to hold under.
func TestAutoMaterializeDedupConcurrent(t *testing.T) {
	st := memory.New()
	setupConsumer(t, st)
	require.NoError(t, st.PutWorkflowDefinition(context.Background(), &store.WorkflowDefinition{
		Slug:    "ingest-repo",
		Version: 1,
		Steps:   []store.WorkflowStep{{ID: "step-1", Kind: store.StepKindJob, ProducesAssets: []store.AssetDeclaration{{AssetID: "repo-metadata"}}}},
	}))

	enq := &recordingEnqueuer{}
	bus := eventbus.New(nil)
	m := NewMaterializer(Config{Store: st, Enqueue: enq, Bus: bus})
	require.NoError(t, m.Refresh(context.Background()))

	now := time.Now()
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		producedAt := now.Add(time.Duration(i) * time.Microsecond)
		go func() {
			defer wg.Done()
			<-start
			bus.Publish(producedEvent("ingest-repo", "repo-metadata", producedAt))
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, enq.count(), "concurrent asset.produced events for the same workflow must not start two runs")
}

func TestAutoMaterializeSkipsWhenConsumerAlreadyFresh(t *testing.T) {
	st := memory.New()
	setupConsumer(t, st)
	require.NoError(t, st.PutWorkflowDefinition(context.Background(), &store.WorkflowDefinition{
		Slug:    "ingest-repo",
		Version: 1,
		Steps:   []store.WorkflowStep{{ID: "step-1", Kind: store.StepKindJob, ProducesAssets: []store.AssetDeclaration{{AssetID: "repo-metadata"}}}},
	}))

	enq := &recordingEnqueuer{}
	bus := eventbus.New(nil)
	m := NewMaterializer(Config{Store: st, Enqueue: enq, Bus: bus})
	require.NoError(t, m.Refresh(context.Background()))

	upstreamProducedAt := time.Now().Add(-time.Hour)
	// "rollup" already produced its own output after the upstream event,
	// so it is already fresh and must not be re-enqueued.
	require.NoError(t, st.PutWorkflowRunStepAsset(context.Background(), &store.WorkflowRunStepAsset{
		WorkflowSlug: "rollup", AssetID: "rollup-output", PartitionKey: "",
		ProducedAt: time.Now(), WorkflowRunID: "prior-run",
	}))
	m.workflows["rollup"].producedAssets[normalizeAssetID("rollup-output")] = AssetPolicy{}
	m.latest["rollup"] = map[string]map[string]assetProduction{
		normalizeAssetID("rollup-output"): {"": {producedAt: time.Now(), workflowRunID: "prior-run"}},
	}

	bus.Publish(producedEvent("ingest-repo", "repo-metadata", upstreamProducedAt))

	require.Equal(t, 0, enq.count())
}

func TestAutoMaterializeRespectsFailureBackoff(t *testing.T) {
	st := memory.New()
	setupConsumer(t, st)

	enq := &recordingEnqueuer{}
	bus := eventbus.New(nil)
	m := NewMaterializer(Config{Store: st, Enqueue: enq, Bus: bus, BaseBackoff: time.Hour, MaxBackoff: 2 * time.Hour})
	require.NoError(t, m.Refresh(context.Background()))

	bus.Publish(producedEvent("upstream", "repo-metadata", time.Now()))
	require.Equal(t, 1, enq.count())

	runID := enq.runIDs[0]
	bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowRunFailed, Payload: map[string]any{"workflowRunId": runID}})

	bus.Publish(producedEvent("upstream", "repo-metadata", time.Now().Add(time.Minute)))
	require.Equal(t, 1, enq.count(), "second attempt should be suppressed by the failure backoff window")
}

func TestAutoMaterializeExpiryReEnqueuesOwner(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.PutWorkflowDefinition(context.Background(), &store.WorkflowDefinition{
		Slug:    "nightly-rollup",
		Version: 1,
		Steps:   []store.WorkflowStep{{ID: "step-1", Kind: store.StepKindJob, ProducesAssets: []store.AssetDeclaration{{AssetID: "rollup-output"}}}},
	}))

	enq := &recordingEnqueuer{}
	bus := eventbus.New(nil)
	m := NewMaterializer(Config{Store: st, Enqueue: enq, Bus: bus})
	require.NoError(t, m.Refresh(context.Background()))

	bus.Publish(eventbus.Event{Type: eventbus.TypeAssetExpired, Payload: map[string]any{
		"workflowSlug": "nightly-rollup", "assetId": "rollup-output", "partitionKey": "",
		"reason": "ttl", "producedAt": time.Now().Add(-24 * time.Hour),
	}})

	require.Equal(t, 1, enq.count())
}
