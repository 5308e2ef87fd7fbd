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

// Package queue implements the dual-mode enqueue abstraction of spec §4.B:
// one Queue interface, satisfied by an in-process InlineQueue and a
// Redis-backed RedisQueue, unified behind a Manager that owns one named
// queue per keyword and rebuilds all of them on a mode switch.
//
// Grounded on the teacher's internal/daemon/queue/queue.go (the Queue
// interface and its priority-ordered MemoryQueue), generalized from a
// single unnamed queue to the named multi-keyword manager spec §4.B
// requires, and extended with a Redis-backed distributed implementation.
package queue

import (
	"context"
	"errors"
	"time"
)

// Well-known queue keywords (spec §4.B).
const (
	KeywordIngest        = "ingest"
	KeywordBuild         = "build"
	KeywordLaunch        = "launch"
	KeywordWorkflow      = "workflow"
	KeywordEvent         = "event"
	KeywordEventTrigger  = "event-trigger"
	KeywordExampleBundle = "example-bundle"
	KeywordAssetExpiry   = "asset-expiry"

	// KeywordJobStep is not one of the spec §4.B enqueue-API keywords; it
	// is this implementation's internal queue for the JobRuns a workflow
	// job step dispatches (spec §4.D), reusing the same dual-mode
	// abstraction rather than inventing a second dispatch path.
	KeywordJobStep = "job-step"
)

// Mode selects the Queue implementation a Manager builds.
type Mode string

const (
	ModeInline      Mode = "inline"
	ModeDistributed Mode = "distributed"
)

// ErrClosed is returned by operations on a closed Queue.
var ErrClosed = errors.New("queue: closed")

// Job is one unit of work traveling through a named queue.
type Job struct {
	ID        string
	Queue     string
	Payload   map[string]any
	Priority  int
	Attempt   int
	CreatedAt time.Time
}

// Consumer processes one dequeued Job. Returning a non-nil error marks the
// attempt failed; RetriableError-classified errors are redelivered per the
// queue's configured retry/backoff, others are dropped (the caller is
// expected to have already persisted terminal state via the job/workflow
// run record before returning).
type Consumer func(ctx context.Context, job *Job) error

// Queue is the contract both the inline and distributed implementations
// satisfy; unchanged in shape from the teacher's Queue interface.
type Queue interface {
	// Enqueue adds a job to the queue. It never runs a consumer itself;
	// Manager.Enqueue decides whether to run the consumer synchronously
	// (inline) or to call this method so a worker pool picks the job up
	// (distributed).
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue removes and returns the next job, blocking until one is
	// available or ctx is done.
	Dequeue(ctx context.Context) (*Job, error)

	// Peek returns the next job without removing it, or nil if empty.
	Peek(ctx context.Context) (*Job, error)

	// Len returns the approximate number of jobs currently queued.
	Len(ctx context.Context) (int, error)

	// Close disposes the queue's resources. Safe to call more than once.
	Close() error
}
