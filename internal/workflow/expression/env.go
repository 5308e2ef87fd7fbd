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

package expression

import "github.com/forgeline/controlplane/internal/store"

// BuildRunEnv constructs the template-resolution environment spec §4.D
// names: { parameters, steps.<id>.output, steps.<id>.response,
// shared.<name>, run.{id, triggeredBy, trigger}, asset.<id>.payload }.
// assetPayloads is keyed by canonical asset id and is typically the
// workflow's own latest-produced-asset snapshot at template-resolution
// time (populated by the orchestrator from internal/store).
func BuildRunEnv(run *store.WorkflowRun, assetPayloads map[string]map[string]any) map[string]any {
	steps := make(map[string]any, len(run.Context.Steps))
	for id, sc := range run.Context.Steps {
		entry := map[string]any{}
		if sc.Output != nil {
			entry["output"] = sc.Output
		}
		if sc.Response != nil {
			entry["response"] = sc.Response
		}
		steps[id] = entry
	}

	shared := map[string]any{}
	for k, v := range run.Context.Shared {
		shared[k] = v
	}

	assets := make(map[string]any, len(assetPayloads))
	for id, payload := range assetPayloads {
		assets[id] = map[string]any{"payload": payload}
	}

	params := map[string]any{}
	for k, v := range run.Parameters {
		params[k] = v
	}

	return map[string]any{
		"parameters": params,
		"steps":      steps,
		"shared":     shared,
		"run": map[string]any{
			"id":          run.ID,
			"triggeredBy": run.TriggeredBy,
			"trigger":     run.TriggerPayload,
		},
		"asset": assets,
	}
}

// SetShared sets shared.<name> in env to value, creating the shared map
// when env has none. It changes only the resolution environment; the
// persisted run context's shared namespace is written by the orchestrator.
func SetShared(env map[string]any, name string, value any) {
	shared, ok := env["shared"].(map[string]any)
	if !ok {
		shared = map[string]any{}
		env["shared"] = shared
	}
	shared[name] = value
}
