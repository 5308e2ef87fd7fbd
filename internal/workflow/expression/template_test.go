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
)

func TestResolveValue_WholeTokenPreservesType(t *testing.T) {
	env := map[string]any{"parameters": map[string]any{"count": 3}}
	resolved, err := ResolveValue("{{ parameters.count }}", env)
	require.NoError(t, err)
	assert.Equal(t, 3, resolved)
}

func TestResolveValue_EmbeddedTokenStringifies(t *testing.T) {
	env := map[string]any{"parameters": map[string]any{"name": "acme"}}
	resolved, err := ResolveValue("hello {{ parameters.name }}!", env)
	require.NoError(t, err)
	assert.Equal(t, "hello acme!", resolved)
}

func TestResolveValue_NestedMapAndSlice(t *testing.T) {
	env := map[string]any{"steps": map[string]any{"a": map[string]any{"output": map[string]any{"x": 1}}}}
	input := map[string]any{
		"list": []any{"{{ steps.a.output.x }}", "literal"},
	}
	resolved, err := ResolveValue(input, env)
	require.NoError(t, err)
	m := resolved.(map[string]any)
	list := m["list"].([]any)
	assert.Equal(t, 1, list[0])
	assert.Equal(t, "literal", list[1])
}

func TestResolveValue_MissingPathIsValidationError(t *testing.T) {
	env := map[string]any{"parameters": map[string]any{}}
	_, err := ResolveValue("{{ parameters.missing }}", env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestResolveValue_NonTemplateStringUnchanged(t *testing.T) {
	resolved, err := ResolveValue("plain string", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "plain string", resolved)
}

func TestResolvePath_TrimsLeadingDot(t *testing.T) {
	env := map[string]any{"run": map[string]any{"id": "r1"}}
	v, err := ResolvePath(".run.id", env)
	require.NoError(t, err)
	assert.Equal(t, "r1", v)
}
