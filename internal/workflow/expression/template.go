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

// Package expression implements the parameter-template language of spec
// §4.D: "{{ path }}" substitutions resolved against an explicit
// environment map, never a string-eval dispatch (Design Note §9).
//
// Grounded on the teacher's pkg/workflow/expression/template.go
// (PreprocessTemplate's regex-based {{...}} scan and dot-path resolver),
// generalized from "always substitute a stringified expr-lang literal"
// to "substitute the resolved value in place, preserving its type, when
// the whole field is a single {{ path }} token" — workflow parameter
// templates carry numbers, booleans, and objects, not just condition
// expressions.
package expression

import (
	"fmt"
	"regexp"
	"strings"

	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

var templatePattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// ResolveValue recursively resolves "{{ path }}" substitutions within
// value against env. Maps and slices are walked; strings are scanned for
// template tokens. A string consisting of exactly one "{{ path }}" token
// (after trimming whitespace) resolves to the referenced value verbatim,
// preserving its type (so a step can pass a number or nested object
// through, not just interpolate it into a larger string). Any other
// string has each token's resolved value formatted in place.
//
// A path that does not resolve against env is an immediate
// *errors.ValidationError, per spec §4.D ("missing paths are errors, not
// empty strings").
func ResolveValue(value any, env map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			resolved, err := ResolveValue(child, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			resolved, err := ResolveValue(child, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveString(s string, env map[string]any) (any, error) {
	matches := templatePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		return ResolvePath(path, env)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end, pathStart, pathEnd := m[0], m[1], m[2], m[3]
		b.WriteString(s[last:start])
		path := s[pathStart:pathEnd]
		resolved, err := ResolvePath(path, env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(resolved))
		last = end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// ResolvePath resolves a dot-separated path against env, e.g.
// "steps.check.output.status" or "run.triggeredBy". A missing key at any
// segment is a ValidationError naming the full path.
func ResolvePath(path string, env map[string]any) (any, error) {
	path = strings.TrimSpace(strings.TrimPrefix(path, "."))
	if path == "" {
		return nil, &cperrors.ValidationError{Field: "template", Message: "empty path"}
	}

	parts := strings.Split(path, ".")
	var current any = env
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, &cperrors.ValidationError{Field: "template", Message: fmt.Sprintf("invalid path %q: empty segment at position %d", path, i)}
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, &cperrors.ValidationError{Field: "template", Message: fmt.Sprintf("path %q not found: cannot index into %T at %q", path, current, part)}
		}
		val, ok := m[part]
		if !ok {
			return nil, &cperrors.ValidationError{Field: "template", Message: fmt.Sprintf("path %q not found: missing key %q", path, part)}
		}
		current = val
	}
	return current, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
