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
	"fmt"

	"github.com/expr-lang/expr"

	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

// EvaluateBool compiles and runs an expr-lang boolean expression against
// env, used for event-trigger predicates (spec §4.E). This is the DOMAIN
// STACK reuse SPEC_FULL calls for: one expression engine
// (github.com/expr-lang/expr) serves both the event scheduler's predicates
// here and fan-out `collection` expressions (EvaluateArray), rather than a
// second hand-rolled one.
func EvaluateBool(exprStr string, env map[string]any) (bool, error) {
	result, err := Evaluate(exprStr, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, &cperrors.ValidationError{Field: "predicate", Message: fmt.Sprintf("expression %q did not evaluate to a boolean (got %T)", exprStr, result)}
	}
	return b, nil
}

// Evaluate compiles and runs an arbitrary expr-lang expression against
// env, returning its result. Used for fan-out `collection` expressions
// that must yield an array.
func Evaluate(exprStr string, env map[string]any) (any, error) {
	program, err := expr.Compile(exprStr, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &cperrors.ValidationError{Field: "expression", Message: fmt.Sprintf("compile %q: %v", exprStr, err)}
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, &cperrors.ValidationError{Field: "expression", Message: fmt.Sprintf("evaluate %q: %v", exprStr, err)}
	}
	return result, nil
}

// EvaluateArray evaluates exprStr and requires the result to be an array,
// used for WorkflowStep.Collection when it is an expression string rather
// than a literal array.
func EvaluateArray(exprStr string, env map[string]any) ([]any, error) {
	result, err := Evaluate(exprStr, env)
	if err != nil {
		return nil, err
	}
	arr, ok := result.([]any)
	if !ok {
		return nil, &cperrors.ValidationError{Field: "collection", Message: fmt.Sprintf("expression %q did not evaluate to an array (got %T)", exprStr, result)}
	}
	return arr, nil
}
