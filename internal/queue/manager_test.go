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

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/eventbus"
)

func TestManager_InlineEnqueueRunsSynchronously(t *testing.T) {
	bus := eventbus.New(nil)
	m := NewManager(ManagerConfig{Mode: ModeInline}, bus, nil)

	var ran bool
	require.NoError(t, m.Register(KeywordWorkflow, 1, func(ctx context.Context, job *Job) error {
		ran = true
		return nil
	}))

	require.NoError(t, m.Enqueue(context.Background(), KeywordWorkflow, &Job{ID: "r1"}))
	assert.True(t, ran, "inline mode must invoke the consumer before Enqueue returns (P8)")
}

func TestManager_InlineEnqueuePublishesTelemetry(t *testing.T) {
	bus := eventbus.New(nil)
	var types []string
	var mu sync.Mutex
	bus.Subscribe(eventbus.TypeQueueEnqueued, func(e eventbus.Event) { mu.Lock(); types = append(types, e.Type); mu.Unlock() })
	bus.Subscribe(eventbus.TypeQueueCompleted, func(e eventbus.Event) { mu.Lock(); types = append(types, e.Type); mu.Unlock() })

	m := NewManager(ManagerConfig{Mode: ModeInline}, bus, nil)
	require.NoError(t, m.Register(KeywordWorkflow, 1, func(ctx context.Context, job *Job) error { return nil }))
	require.NoError(t, m.Enqueue(context.Background(), KeywordWorkflow, &Job{ID: "r1"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, eventbus.TypeQueueEnqueued)
	assert.Contains(t, types, eventbus.TypeQueueCompleted)
}

func TestManager_DistributedModeDispatchesViaWorkerPool(t *testing.T) {
	client := newTestRedis(t)
	m := NewManager(ManagerConfig{Mode: ModeDistributed, RedisClient: client}, nil, nil)
	defer m.CloseAll()

	done := make(chan string, 1)
	require.NoError(t, m.Register(KeywordWorkflow, 2, func(ctx context.Context, job *Job) error {
		done <- job.ID
		return nil
	}))

	require.NoError(t, m.Enqueue(context.Background(), KeywordWorkflow, &Job{ID: "async-1"}))

	select {
	case id := <-done:
		assert.Equal(t, "async-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never processed the job")
	}
}

func TestManager_EnqueueUnregisteredQueueFails(t *testing.T) {
	m := NewManager(ManagerConfig{Mode: ModeInline}, nil, nil)
	err := m.Enqueue(context.Background(), "unknown", &Job{ID: "x"})
	assert.Error(t, err)
}

type retriableErr struct{ error }

func (retriableErr) IsRetryable() bool { return true }

func TestManager_InlineRetriableFailureStillPublishesFailedEvent(t *testing.T) {
	bus := eventbus.New(nil)
	var sawFailed bool
	bus.Subscribe(eventbus.TypeQueueFailed, func(e eventbus.Event) { sawFailed = true })

	m := NewManager(ManagerConfig{Mode: ModeInline}, bus, nil)
	require.NoError(t, m.Register(KeywordWorkflow, 1, func(ctx context.Context, job *Job) error {
		return retriableErr{errors.New("boom")}
	}))

	_ = m.Enqueue(context.Background(), KeywordWorkflow, &Job{ID: "r1"})
	assert.True(t, sawFailed)
}
