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

// Package automaterialize keeps an in-memory asset dependency graph and
// turns asset production/expiry into new WorkflowRuns for downstream
// consumers (§4.F). It has no direct teacher analog (conductor has no
// asset-materialization concept); grounded on the in-memory bookkeeping
// style of internal/controller/polltrigger.RateLimiter/StateManager (one
// mutex-guarded map of per-key state, mutated only from the owning
// component) and the callback-registration pattern of
// internal/leader.Elector.OnLeadershipChange for how the graph learns
// about state changes — here, subscribing to internal/eventbus instead of
// a typed callback slice.
package automaterialize

import (
	"strings"
	"time"
)

// AssetPolicy is reserved for per-asset materialization policy (e.g. a
// future max-staleness window); it carries no fields yet because spec
// §4.F only specifies the workflow-level onUpstreamUpdate flag, tracked
// on workflowConfig itself.
type AssetPolicy struct{}

type workflowConfig struct {
	slug             string
	producedAssets   map[string]AssetPolicy // normalized asset id -> policy
	consumes         map[string]struct{}    // normalized asset ids this workflow consumes
	onUpstreamUpdate bool
}

type assetProduction struct {
	producedAt    time.Time
	workflowRunID string
}

// FailureState is the per-workflow auto-materialization backoff state
// §4.F names.
type FailureState struct {
	Failures      int
	NextEligibleAt time.Time
}

// normalizeAssetID lower-cases and trims an asset id, matching the
// case-insensitive canonical string spec §3 requires of
// WorkflowAssetDeclaration/WorkflowRunStepAsset identifiers.
func normalizeAssetID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// normalizePartitionKey maps a nil/empty partition key to the empty
// string, per spec §4.F's "partitionKey === null is stored as an
// empty-string normalized key".
func normalizePartitionKey(key string) string {
	return key
}
