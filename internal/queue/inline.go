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
	"sync"
)

// InlineQueue is the priority-ordered in-process queue adapted from the
// teacher's MemoryQueue. In inline mode, Enqueue does not push onto this
// list at all — the Manager invokes the Consumer synchronously in the
// caller's goroutine and never calls Dequeue. InlineQueue still implements
// the full Queue contract (Peek/Len/Dequeue) so tests and introspection
// tooling can treat both modes uniformly.
type InlineQueue struct {
	mu     sync.Mutex
	jobs   []*Job
	signal chan struct{}

	closedMu sync.RWMutex
	closed   bool
}

// NewInlineQueue creates an empty InlineQueue.
func NewInlineQueue() *InlineQueue {
	return &InlineQueue{
		jobs:   make([]*Job, 0),
		signal: make(chan struct{}, 1),
	}
}

func (q *InlineQueue) isClosed() bool {
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	return q.closed
}

// Enqueue inserts job ordered by descending priority (higher first,
// stable among equal priorities).
func (q *InlineQueue) Enqueue(ctx context.Context, job *Job) error {
	if q.isClosed() {
		return ErrClosed
	}

	q.mu.Lock()
	inserted := false
	for i, j := range q.jobs {
		if job.Priority > j.Priority {
			q.jobs = append(q.jobs[:i], append([]*Job{job}, q.jobs[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.jobs = append(q.jobs, job)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the next job, blocking until one is
// available, ctx is done, or the queue is closed.
func (q *InlineQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if q.isClosed() {
			return nil, ErrClosed
		}

		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *InlineQueue) Peek(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	return q.jobs[0], nil
}

func (q *InlineQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

func (q *InlineQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
