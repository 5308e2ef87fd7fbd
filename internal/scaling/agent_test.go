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

package scaling

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScaler struct {
	mu          sync.Mutex
	concurrency map[string]int
	paused      map[string]bool
	rescaleCnt  int
}

func newFakeScaler() *fakeScaler {
	return &fakeScaler{concurrency: map[string]int{}, paused: map[string]bool{}}
}

func (f *fakeScaler) Rescale(queueName string, concurrency int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.concurrency[queueName] = concurrency
	f.rescaleCnt++
	return nil
}

func (f *fakeScaler) Pause(queueName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[queueName] = true
	return nil
}

func (f *fakeScaler) Resume(queueName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[queueName] = false
	return nil
}

func (f *fakeScaler) snapshot(queueName string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.concurrency[queueName], f.paused[queueName]
}

func TestApplyClampsToMinMax(t *testing.T) {
	scaler := newFakeScaler()
	agent := New(scaler, []TargetConfig{{Key: "workflow", QueueName: "workflow", Default: 2, Min: 2, Max: 8}}, nil, nil)

	agent.Apply(Snapshot{Target: "workflow", Desired: 100})
	concurrency, _ := scaler.snapshot("workflow")
	assert.Equal(t, 8, concurrency)

	agent.Apply(Snapshot{Target: "workflow", Desired: -5})
	concurrency, _ = scaler.snapshot("workflow")
	assert.Equal(t, 2, concurrency)
}

func TestApplyZeroPausesAndDrainsToOne(t *testing.T) {
	scaler := newFakeScaler()
	agent := New(scaler, []TargetConfig{{Key: "ingest", QueueName: "ingest", Default: 4, Min: 1, Max: 8}}, nil, nil)

	agent.Apply(Snapshot{Target: "ingest", Desired: 0})

	concurrency, paused := scaler.snapshot("ingest")
	assert.True(t, paused)
	assert.Equal(t, 1, concurrency)
}

func TestApplyResumesAfterPause(t *testing.T) {
	scaler := newFakeScaler()
	agent := New(scaler, []TargetConfig{{Key: "build", QueueName: "build", Default: 4, Min: 1, Max: 8}}, nil, nil)

	agent.Apply(Snapshot{Target: "build", Desired: 0})
	agent.Apply(Snapshot{Target: "build", Desired: 3})

	concurrency, paused := scaler.snapshot("build")
	assert.False(t, paused)
	assert.Equal(t, 3, concurrency)
}

func TestApplyDebouncesWithinRateLimitWindow(t *testing.T) {
	scaler := newFakeScaler()
	agent := New(scaler, []TargetConfig{{Key: "launch", QueueName: "launch", Default: 2, Min: 1, Max: 8, RateLimitMs: 80}}, nil, nil)

	agent.Apply(Snapshot{Target: "launch", Desired: 2}) // applied immediately (first ever)
	agent.Apply(Snapshot{Target: "launch", Desired: 4}) // within window, debounced
	agent.Apply(Snapshot{Target: "launch", Desired: 6}) // within window, collapses onto the pending value

	concurrency, _ := scaler.snapshot("launch")
	assert.Equal(t, 2, concurrency, "debounced snapshots must not apply before the window elapses")

	require.Eventually(t, func() bool {
		c, _ := scaler.snapshot("launch")
		return c == 6
	}, time.Second, 5*time.Millisecond, "last pending snapshot should apply once the window elapses")

	applied, ok := agent.Applied("launch")
	require.True(t, ok)
	assert.Equal(t, 6, applied)
}

func TestApplyUnknownTargetIsIgnored(t *testing.T) {
	scaler := newFakeScaler()
	agent := New(scaler, []TargetConfig{{Key: "known", QueueName: "known", Default: 1, Min: 1, Max: 1}}, nil, nil)

	agent.Apply(Snapshot{Target: "unknown", Desired: 5})

	assert.Equal(t, 0, scaler.rescaleCnt, "only the default-on-Start apply should have touched the scaler, and Start was never called")
}
