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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/store"
)

func TestBuildRunEnv(t *testing.T) {
	run := &store.WorkflowRun{
		ID:          "run-1",
		TriggeredBy: "manual",
		Parameters:  map[string]any{"x": 1},
		Context: store.RunContext{
			Steps: map[string]store.StepContext{
				"a": {Output: map[string]any{"y": 2}},
			},
			Shared: map[string]any{"z": 3},
		},
	}

	env := BuildRunEnv(run, map[string]map[string]any{"orders": {"count": 5}})

	v, err := ResolvePath("run.id", env)
	require.NoError(t, err)
	assert.Equal(t, "run-1", v)

	v, err = ResolvePath("parameters.x", env)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = ResolvePath("steps.a.output.y", env)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = ResolvePath("shared.z", env)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = ResolvePath("asset.orders.payload.count", env)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestSetShared(t *testing.T) {
	env := map[string]any{}
	SetShared(env, "name", "value")
	v, err := ResolvePath("shared.name", env)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}
