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

package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/controlplane/internal/store"
)

// EnvelopeInput is the pre-normalization shape accepted at the
// enqueueWorkflowEvent boundary (spec §6.3): any field may be absent.
type EnvelopeInput struct {
	ID            string
	Type          string
	Source        string
	OccurredAt    *time.Time
	Payload       map[string]any
	CorrelationID string
}

// NormalizeEnvelope fills defaults, canonicalizes the timestamp, and
// assigns an id if one was not supplied, per spec §6.3. This is the one
// place envelopes cross from "whatever the caller handed us" to the
// store.EventEnvelope shape every downstream component trusts.
func NormalizeEnvelope(in EnvelopeInput) store.EventEnvelope {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	occurredAt := time.Now().UTC()
	if in.OccurredAt != nil {
		occurredAt = in.OccurredAt.UTC()
	}
	return store.EventEnvelope{
		ID:            id,
		Type:          in.Type,
		Source:        in.Source,
		OccurredAt:    occurredAt,
		Payload:       in.Payload,
		CorrelationID: in.CorrelationID,
	}
}
