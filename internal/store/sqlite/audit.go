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

package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgeline/controlplane/internal/store"
)

func (s *Store) AppendAuditEvent(ctx context.Context, event *store.AuditEvent) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, entity_type, entity_id, action, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, event.EntityType, event.EntityID, event.Action, nullBytes(detail), formatTime(event.OccurredAt))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
