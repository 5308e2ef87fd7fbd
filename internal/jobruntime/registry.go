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

// Package jobruntime executes single opaque JobRuns against handlers
// registered by job-definition slug (spec §4.C). It is grounded on
// internal/controller/runner/executor.go's timeout handling and status
// transition bookkeeping, retargeted from "run an agent workflow" to "run
// one job".
package jobruntime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// JobRunContext is handed to a Handler. Update writes partial metrics and
// context without ending the run; the engine still owns the terminal
// transition.
type JobRunContext struct {
	RunID      string
	Slug       string
	Version    int
	Attempt    int
	Parameters map[string]any
	Logger     *slog.Logger

	update func(patch map[string]any)
}

// Update merges patch into the run's context, visible to later retries and
// to operators inspecting an in-flight run. Handlers MUST NOT rely on the
// update being durable before the handler itself returns; the engine
// persists it alongside the terminal result.
func (c *JobRunContext) Update(patch map[string]any) {
	if c.update != nil {
		c.update(patch)
	}
}

// Handler executes one job attempt and returns its result payload, or an
// error classified per the error taxonomy (pkg/errors) to decide
// retriable vs fatal.
type Handler func(ctx context.Context, jc *JobRunContext) (map[string]any, error)

// Registry resolves a job-definition slug to its Handler. Handlers are
// registered once at process init; lookups happen on every ExecuteJobRun
// call.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// RegisterHandler binds slug to h, replacing any previous binding.
func (r *Registry) RegisterHandler(slug string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[slug] = h
}

// Resolve looks up the handler for slug.
func (r *Registry) Resolve(slug string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[slug]
	if !ok {
		return nil, fmt.Errorf("jobruntime: no handler registered for slug %q", slug)
	}
	return h, nil
}
