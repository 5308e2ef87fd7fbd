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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/store"
)

func linearDef() *store.WorkflowDefinition {
	return &store.WorkflowDefinition{
		Slug: "pipeline", Version: 1,
		Steps: []store.WorkflowStep{
			{ID: "a", Kind: store.StepKindJob},
			{ID: "b", Kind: store.StepKindJob, DependsOn: []string{"a"}},
			{ID: "c", Kind: store.StepKindJob, DependsOn: []string{"a"}},
			{ID: "d", Kind: store.StepKindJob, DependsOn: []string{"b", "c"}},
		},
	}
}

func TestBuildGraph_ReadySetRespectsDependencies(t *testing.T) {
	g, err := BuildGraph(linearDef())
	require.NoError(t, err)

	ready := g.ReadySet(map[string]string{})
	assert.Equal(t, []string{"a"}, ready)

	ready = g.ReadySet(map[string]string{"a": store.StatusSucceeded})
	assert.Equal(t, []string{"b", "c"}, ready)

	ready = g.ReadySet(map[string]string{"a": store.StatusSucceeded, "b": store.StatusSucceeded, "c": store.StatusSucceeded})
	assert.Equal(t, []string{"d"}, ready)
}

func TestBuildGraph_DetectsCycle(t *testing.T) {
	def := &store.WorkflowDefinition{
		Steps: []store.WorkflowStep{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	_, err := BuildGraph(def)
	assert.Error(t, err)
}

func TestBuildGraph_RejectsUnknownDependency(t *testing.T) {
	def := &store.WorkflowDefinition{
		Steps: []store.WorkflowStep{{ID: "a", DependsOn: []string{"ghost"}}},
	}
	_, err := BuildGraph(def)
	assert.Error(t, err)
}

func TestGraph_Descendants(t *testing.T) {
	g, err := BuildGraph(linearDef())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c", "d"}, g.Descendants("a"))
	assert.ElementsMatch(t, []string{"d"}, g.Descendants("b"))
}

func TestGraph_Blocked(t *testing.T) {
	g, err := BuildGraph(linearDef())
	require.NoError(t, err)
	// Only directly-blocked steps surface in one pass; "d" becomes blocked
	// on a later pass once "b"/"c" are themselves recorded as skipped.
	blocked := g.Blocked(map[string]string{"a": store.StatusFailed})
	assert.ElementsMatch(t, []string{"b", "c"}, blocked)

	blocked = g.Blocked(map[string]string{"a": store.StatusFailed, "b": store.StatusSkipped, "c": store.StatusSkipped})
	assert.ElementsMatch(t, []string{"d"}, blocked)
}
