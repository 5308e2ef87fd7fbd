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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineQueue_EnqueueDequeue(t *testing.T) {
	q := NewInlineQueue()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Job{ID: "j1"}))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)

	n, _ = q.Len(ctx)
	assert.Equal(t, 0, n)
}

func TestInlineQueue_PriorityOrder(t *testing.T) {
	q := NewInlineQueue()
	defer q.Close()
	ctx := context.Background()

	_ = q.Enqueue(ctx, &Job{ID: "low", Priority: 0})
	_ = q.Enqueue(ctx, &Job{ID: "high", Priority: 10})
	_ = q.Enqueue(ctx, &Job{ID: "med", Priority: 5})

	first, _ := q.Dequeue(ctx)
	second, _ := q.Dequeue(ctx)
	third, _ := q.Dequeue(ctx)

	assert.Equal(t, []string{"high", "med", "low"}, []string{first.ID, second.ID, third.ID})
}

func TestInlineQueue_DequeueBlocksUntilTimeout(t *testing.T) {
	q := NewInlineQueue()
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInlineQueue_CloseRejectsFurtherUse(t *testing.T) {
	q := NewInlineQueue()
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(context.Background(), &Job{ID: "x"}), ErrClosed)
	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	// Idempotent.
	assert.NoError(t, q.Close())
}

func TestInlineQueue_Peek(t *testing.T) {
	q := NewInlineQueue()
	defer q.Close()
	ctx := context.Background()

	peeked, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, peeked)

	_ = q.Enqueue(ctx, &Job{ID: "a"})
	peeked, err = q.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", peeked.ID)

	n, _ := q.Len(ctx)
	assert.Equal(t, 1, n, "peek must not remove the job")
}
