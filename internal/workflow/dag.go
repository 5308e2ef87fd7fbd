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
	"fmt"
	"sort"

	"github.com/forgeline/controlplane/internal/store"
	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

// Graph is an adjacency-list view of a WorkflowDefinition's steps, built
// once per definition version and safe to share across runs of that
// version (it holds no per-run state). Nodes are addressed by step id
// rather than by pointer (indexOf maps each id to its index in the
// definition's Steps slice), per Design Note §9.
type Graph struct {
	def       *store.WorkflowDefinition
	indexOf   map[string]int
	dependsOn map[string][]string // stepID -> direct dependency stepIDs
	dependents map[string][]string // stepID -> direct dependent stepIDs
	order     []string            // topological order, stable for tie-breaking
}

// BuildGraph validates def's dependency edges (every dependsOn entry names
// a real step) and detects cycles with a linear Kahn's-algorithm pass.
func BuildGraph(def *store.WorkflowDefinition) (*Graph, error) {
	g := &Graph{
		def:        def,
		indexOf:    make(map[string]int, len(def.Steps)),
		dependsOn:  make(map[string][]string, len(def.Steps)),
		dependents: make(map[string][]string, len(def.Steps)),
	}
	for i, step := range def.Steps {
		if _, dup := g.indexOf[step.ID]; dup {
			return nil, &cperrors.ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate step id %q", step.ID)}
		}
		g.indexOf[step.ID] = i
	}
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := g.indexOf[dep]; !ok {
				return nil, &cperrors.ValidationError{Field: "dependsOn", Message: fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep)}
			}
			g.dependsOn[step.ID] = append(g.dependsOn[step.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], step.ID)
		}
	}

	order, err := kahnOrder(def, g.dependsOn)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// kahnOrder performs a standard Kahn's-algorithm topological sort,
// returning a FatalError if a cycle remains after all zero-indegree nodes
// are exhausted.
func kahnOrder(def *store.WorkflowDefinition, dependsOn map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		indegree[step.ID] = len(dependsOn[step.ID])
	}
	for stepID, deps := range dependsOn {
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], stepID)
		}
	}

	var queue []string
	for _, step := range def.Steps {
		if indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var freed []string
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
		sort.Strings(queue)
	}

	if len(order) != len(def.Steps) {
		return nil, &cperrors.FatalError{Reason: "workflow definition contains a dependency cycle"}
	}
	return order, nil
}

// StepByID returns the step with the given id, or nil.
func (g *Graph) StepByID(id string) *store.WorkflowStep {
	return g.def.StepByID(id)
}

// Descendants returns every step id transitively depending on stepID,
// used for cascade-skip on step failure.
func (g *Graph) Descendants(stepID string) []string {
	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		for _, dependent := range g.dependents[id] {
			if !seen[dependent] {
				seen[dependent] = true
				walk(dependent)
			}
		}
	}
	walk(stepID)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReadySet returns the step ids not yet present in done/inflight whose
// DependsOn are all marked succeeded in statuses, in deterministic
// (topological, then step-id) order, matching spec §4.D's "pop one step"
// ordering contract.
func (g *Graph) ReadySet(statuses map[string]string) []string {
	var ready []string
	for _, id := range g.order {
		if _, started := statuses[id]; started {
			continue
		}
		if g.dependenciesSatisfied(id, statuses) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (g *Graph) dependenciesSatisfied(stepID string, statuses map[string]string) bool {
	for _, dep := range g.dependsOn[stepID] {
		if statuses[dep] != store.StatusSucceeded {
			return false
		}
	}
	return true
}

// Blocked reports the step ids that can never become ready because at
// least one dependency is in a terminal-but-not-succeeded state
// (failed/skipped/canceled/expired). The orchestrator cascade-skips these
// rather than waiting on them forever.
func (g *Graph) Blocked(statuses map[string]string) []string {
	var blocked []string
	for _, id := range g.order {
		if _, done := statuses[id]; done {
			continue
		}
		for _, dep := range g.dependsOn[id] {
			depStatus, ok := statuses[dep]
			if ok && store.IsTerminal(depStatus) && depStatus != store.StatusSucceeded {
				blocked = append(blocked, id)
				break
			}
		}
	}
	return blocked
}
