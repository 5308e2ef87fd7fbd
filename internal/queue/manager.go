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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/retry"
	"github.com/forgeline/controlplane/internal/store"
)

// namedQueue bundles one keyword's Queue with its registered consumer and
// worker pool lifecycle.
type namedQueue struct {
	name       string
	queue      Queue
	consumer   Consumer
	concurrency int
	paused     bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// ManagerConfig configures a Manager at construction or mode switch.
type ManagerConfig struct {
	Mode            Mode
	RedisClient     *redis.Client // required when Mode == ModeDistributed
	DefaultRetries  int
	DefaultBackoff  store.RetryPolicy
}

// Manager owns one Queue per registered keyword and routes Enqueue calls
// based on a process-wide mode flag (spec §4.B). Switching modes disposes
// every existing queue and worker pool before rebuilding them, per the
// teacher's "rebuild disposes old workers first" contract.
type Manager struct {
	mu     sync.Mutex
	cfg    ManagerConfig
	queues map[string]*namedQueue
	bus    *eventbus.Bus
	logger *slog.Logger
}

// NewManager creates a Manager with no registered queues yet. Call
// Register for each keyword the process uses before calling Enqueue.
func NewManager(cfg ManagerConfig, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultRetries <= 0 {
		cfg.DefaultRetries = 3
	}
	return &Manager{
		cfg:    cfg,
		queues: make(map[string]*namedQueue),
		bus:    bus,
		logger: logger.With(slog.String("component", "queue.manager")),
	}
}

// Register binds consumer to a named queue keyword with the given worker
// concurrency (ignored in inline mode, where Enqueue always dispatches
// synchronously). Calling Register again for the same name replaces the
// consumer and restarts that queue's worker pool.
func (m *Manager) Register(name string, concurrency int, consumer Consumer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if concurrency <= 0 {
		concurrency = 1
	}

	if existing, ok := m.queues[name]; ok {
		m.disposeLocked(existing)
	}

	q, err := m.buildQueueLocked(name)
	if err != nil {
		return err
	}

	nq := &namedQueue{name: name, queue: q, consumer: consumer, concurrency: concurrency}
	m.queues[name] = nq
	if m.cfg.Mode == ModeDistributed {
		m.startWorkersLocked(nq)
	}
	return nil
}

func (m *Manager) buildQueueLocked(name string) (Queue, error) {
	switch m.cfg.Mode {
	case ModeDistributed:
		if m.cfg.RedisClient == nil {
			return nil, fmt.Errorf("queue: distributed mode requires a redis client")
		}
		return NewRedisQueue(m.cfg.RedisClient, name), nil
	case ModeInline, "":
		return NewInlineQueue(), nil
	default:
		return nil, fmt.Errorf("queue: unknown mode %q", m.cfg.Mode)
	}
}

// SetMode disconnects and rebuilds every registered queue under the new
// mode, per spec §4.B "mode changes disconnect and rebuild queues".
func (m *Manager) SetMode(ctx context.Context, mode Mode, redisClient *redis.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mode == m.cfg.Mode {
		return nil
	}

	old := m.queues
	m.queues = make(map[string]*namedQueue)
	m.cfg.Mode = mode
	m.cfg.RedisClient = redisClient

	for name, nq := range old {
		m.disposeLocked(nq)
		q, err := m.buildQueueLocked(name)
		if err != nil {
			return err
		}
		rebuilt := &namedQueue{name: name, queue: q, consumer: nq.consumer, concurrency: nq.concurrency}
		m.queues[name] = rebuilt
		if mode == ModeDistributed {
			m.startWorkersLocked(rebuilt)
		}
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueModeChange, Payload: map[string]any{"mode": string(mode)}})
	}
	return nil
}

func (m *Manager) disposeLocked(nq *namedQueue) {
	if nq.cancel != nil {
		nq.cancel()
		nq.wg.Wait()
	}
	_ = nq.queue.Close()
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueDisposed, Payload: map[string]any{"queue": nq.name}})
	}
}

func (m *Manager) startWorkersLocked(nq *namedQueue) {
	ctx, cancel := context.WithCancel(context.Background())
	nq.cancel = cancel
	for i := 0; i < nq.concurrency; i++ {
		nq.wg.Add(1)
		go m.worker(ctx, nq)
	}
}

func (m *Manager) worker(ctx context.Context, nq *namedQueue) {
	defer nq.wg.Done()
	for {
		job, err := nq.queue.Dequeue(ctx)
		if err != nil {
			return // ctx canceled or queue closed
		}
		m.runConsumer(ctx, nq, job)
	}
}

func (m *Manager) runConsumer(ctx context.Context, nq *namedQueue, job *Job) {
	start := time.Now()
	err := nq.consumer(ctx, job)
	latency := time.Since(start)

	if err == nil {
		m.publish(eventbus.TypeQueueCompleted, nq.name, job, latency, nil)
		return
	}

	if retriable, ok := err.(interface{ IsRetryable() bool }); ok && retriable.IsRetryable() && job.Attempt < m.cfg.DefaultRetries {
		job.Attempt++
		delay := retry.Delay(m.effectiveBackoff(), job.Attempt, nil)
		go func() {
			time.Sleep(delay)
			_ = nq.queue.Enqueue(ctx, job)
		}()
		m.publish(eventbus.TypeQueueFailed, nq.name, job, latency, err)
		return
	}

	m.publish(eventbus.TypeQueueFailed, nq.name, job, latency, err)
}

func (m *Manager) effectiveBackoff() store.RetryPolicy {
	if m.cfg.DefaultBackoff.Strategy != "" {
		return m.cfg.DefaultBackoff
	}
	return store.RetryPolicy{
		Strategy:       store.RetryExponential,
		InitialDelayMs: 500,
		MaxDelayMs:     30_000,
		Jitter:         store.JitterFull,
	}
}

func (m *Manager) publish(eventType, queueName string, job *Job, latency time.Duration, err error) {
	if m.bus == nil {
		return
	}
	payload := map[string]any{
		"queue":      queueName,
		"mode":       string(m.cfg.Mode),
		"jobId":      job.ID,
		"attempt":    job.Attempt,
		"latencyMs":  latency.Milliseconds(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	m.bus.Publish(eventbus.Event{Type: eventType, Payload: payload})
}

// Enqueue materializes the caller's run record first (the caller's
// responsibility per spec §4.B contract (a)), then either invokes the
// consumer synchronously (inline mode, satisfying property P8: success
// implies the consumer ran to completion before Enqueue returns) or
// pushes job onto the named queue for a worker to pick up (distributed
// mode).
func (m *Manager) Enqueue(ctx context.Context, queueName string, job *Job) error {
	m.mu.Lock()
	nq, ok := m.queues[queueName]
	mode := m.cfg.Mode
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue: %q is not registered", queueName)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.Queue = queueName

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueEnqueued, Payload: map[string]any{"queue": queueName, "mode": string(mode), "jobId": job.ID}})
	}

	if mode == ModeDistributed {
		return nq.queue.Enqueue(ctx, job)
	}
	// Inline mode: run the consumer directly in the caller's goroutine.
	m.runConsumer(ctx, nq, job)
	return nil
}

// Rescale changes a registered queue's worker-pool concurrency in place,
// reusing the dispose-then-rebuild sequence SetMode already applies on a
// mode switch. A no-op in inline mode, where Enqueue never starts worker
// goroutines. Used by internal/scaling to apply RuntimeScalingSnapshot
// decisions.
func (m *Manager) Rescale(name string, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	nq, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("queue: %q is not registered", name)
	}
	if nq.concurrency == concurrency {
		return nil
	}

	consumer := nq.consumer
	wasPaused := nq.paused
	m.disposeLocked(nq)
	q, err := m.buildQueueLocked(name)
	if err != nil {
		return err
	}
	rebuilt := &namedQueue{name: name, queue: q, consumer: consumer, concurrency: concurrency, paused: wasPaused}
	m.queues[name] = rebuilt
	if m.cfg.Mode == ModeDistributed && !wasPaused {
		m.startWorkersLocked(rebuilt)
	}
	return nil
}

// Pause stops a registered queue from starting new dequeues while letting
// any in-flight consumer call finish (disposeLocked's wg.Wait drains it),
// used by internal/scaling when a RuntimeScalingSnapshot requests
// desired == 0. A no-op in inline mode, where Enqueue never starts worker
// goroutines in the first place.
func (m *Manager) Pause(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nq, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("queue: %q is not registered", name)
	}
	if nq.paused {
		return nil
	}
	m.disposeLocked(nq)
	nq.paused = true
	nq.cancel = nil
	return nil
}

// Resume restarts a paused queue's worker pool at its last configured
// concurrency. A no-op if the queue was not paused.
func (m *Manager) Resume(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nq, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("queue: %q is not registered", name)
	}
	if !nq.paused {
		return nil
	}
	nq.paused = false
	if m.cfg.Mode == ModeDistributed {
		m.startWorkersLocked(nq)
	}
	return nil
}

// Paused reports whether a registered queue is currently paused.
func (m *Manager) Paused(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nq, ok := m.queues[name]
	if !ok {
		return false, fmt.Errorf("queue: %q is not registered", name)
	}
	return nq.paused, nil
}

// Concurrency reports a registered queue's current worker-pool size.
func (m *Manager) Concurrency(name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nq, ok := m.queues[name]
	if !ok {
		return 0, fmt.Errorf("queue: %q is not registered", name)
	}
	return nq.concurrency, nil
}

// Depth reports the current queued length for introspection/telemetry.
func (m *Manager) Depth(ctx context.Context, queueName string) (int, error) {
	m.mu.Lock()
	nq, ok := m.queues[queueName]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("queue: %q is not registered", queueName)
	}
	return nq.queue.Len(ctx)
}

// CloseAll disposes every registered queue and its worker pool.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nq := range m.queues {
		m.disposeLocked(nq)
	}
	m.queues = make(map[string]*namedQueue)
}
