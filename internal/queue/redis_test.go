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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisQueue_EnqueueDequeueRoundTrip(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisQueue(client, "test", WithBlockPollInterval(50*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Job{ID: "job-1", Payload: map[string]any{"k": "v"}}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, "v", job.Payload["k"])
}

func TestRedisQueue_FIFOWithinPriorityClass(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisQueue(client, "test", WithBlockPollInterval(50*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Job{ID: "first"}))
	require.NoError(t, q.Enqueue(ctx, &Job{ID: "second"}))

	j1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	j2, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.Equal(t, "first", j1.ID)
	require.Equal(t, "second", j2.ID)
}

func TestRedisQueue_PriorityJumpsQueue(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisQueue(client, "test", WithBlockPollInterval(50*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Job{ID: "normal"}))
	require.NoError(t, q.Enqueue(ctx, &Job{ID: "expedited", Priority: 5}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "expedited", first.ID)
}

func TestRedisQueue_DequeueRespectsContextCancel(t *testing.T) {
	client := newTestRedis(t)
	q := NewRedisQueue(client, "empty", WithBlockPollInterval(30*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.Error(t, err)
}
