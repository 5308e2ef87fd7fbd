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

package scheduleleader

import (
	"context"
	"fmt"

	"github.com/forgeline/controlplane/internal/queue"
)

// QueueEnqueuer dispatches materialized runs onto the "workflow" keyword
// queue, the same queue internal/workflow's own run trigger path uses, so a
// worker registered once handles both manually-triggered and
// schedule-materialized runs identically.
type QueueEnqueuer struct {
	Manager *queue.Manager
}

// EnqueueWorkflowRun implements Enqueuer.
func (q *QueueEnqueuer) EnqueueWorkflowRun(ctx context.Context, runID string) error {
	if err := q.Manager.Enqueue(ctx, queue.KeywordWorkflow, &queue.Job{ID: runID, Payload: map[string]any{"workflowRunId": runID}}); err != nil {
		return fmt.Errorf("scheduleleader: enqueue workflow run %s: %w", runID, err)
	}
	return nil
}
