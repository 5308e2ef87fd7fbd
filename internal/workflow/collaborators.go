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

package workflow

import (
	"context"
	"time"

	"github.com/forgeline/controlplane/internal/store"
)

// JobDispatcher creates and drives a JobRun to a terminal status on behalf
// of a job step, abstracting over the inline-vs-distributed queue modes
// spec §4.B describes: inline awaits execution directly, distributed
// awaits a completion signal recorded in persistence/the event bus.
type JobDispatcher interface {
	Dispatch(ctx context.Context, run *store.JobRun) (*store.JobRun, error)
}

// ServiceRequest is the fully-resolved (post template-substitution) HTTP
// request a service step issues.
type ServiceRequest struct {
	ServiceSlug string
	Method      string
	Path        string
	Headers     map[string]string
	Query       map[string]string
	Body        map[string]any
	Timeout     time.Duration
}

// ServiceResponse is what a service step captures as step output, subject
// to CaptureResponse.
type ServiceResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       map[string]any
}

// ServiceHealth is the service collaborator's verdict for a requireHealthy
// / allowDegraded gate.
type ServiceHealth struct {
	Healthy  bool
	Degraded bool
	Reason   string
}

// ServiceClient issues service-step HTTP calls and answers the health
// gating questions a service step's requireHealthy/allowDegraded flags
// need.
type ServiceClient interface {
	Health(ctx context.Context, serviceSlug string) (ServiceHealth, error)
	Do(ctx context.Context, req *ServiceRequest) (*ServiceResponse, error)
}

// SecretResolver resolves a "secret.NAME"-style reference to its value.
// Implementations MUST NOT cause the resolved value to be logged; callers
// must only ever place it in outgoing request fields, never in step
// output or context.
type SecretResolver interface {
	GetSecret(ctx context.Context, ref string) (string, error)
}
