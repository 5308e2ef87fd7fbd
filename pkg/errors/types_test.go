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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *cperrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &cperrors.ValidationError{
				Field:      "parameters.x",
				Message:    "required field is missing",
				Suggestion: "set x in the run parameters",
			},
			wantMsg: "validation failed on parameters.x: required field is missing",
		},
		{
			name: "without field",
			err: &cperrors.ValidationError{
				Message:    "invalid format",
				Suggestion: "check the input format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
			if tt.err.IsRetryable() {
				t.Error("ValidationError must never be retryable")
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *cperrors.NotFoundError
		wantMsg string
	}{
		{
			name:    "workflow definition not found",
			err:     &cperrors.NotFoundError{Resource: "workflow_definition", ID: "deploy-preview"},
			wantMsg: "workflow_definition not found: deploy-preview",
		},
		{
			name:    "job run not found",
			err:     &cperrors.NotFoundError{Resource: "job_run", ID: "jr-123"},
			wantMsg: "job_run not found: jr-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestPreconditionError_Error(t *testing.T) {
	err := &cperrors.PreconditionError{
		Entity:   "build",
		ID:       "b-1",
		Status:   "pending",
		Expected: []string{"succeeded"},
	}
	got := err.Error()
	for _, want := range []string{"build", "b-1", "pending", "succeeded"} {
		if !strings.Contains(got, want) {
			t.Errorf("PreconditionError.Error() = %q, want to contain %q", got, want)
		}
	}
	if err.IsRetryable() {
		t.Error("PreconditionError must never be retryable")
	}
}

func TestRetriableError_Error(t *testing.T) {
	cause := errors.New("connection reset")
	err := &cperrors.RetriableError{Operation: "enqueue", Cause: cause}

	if got, want := err.Error(), "retriable error during enqueue: connection reset"; got != want {
		t.Errorf("RetriableError.Error() = %q, want %q", got, want)
	}
	if !err.IsRetryable() {
		t.Error("RetriableError must report IsRetryable() == true")
	}
	if err.Unwrap() != cause {
		t.Error("RetriableError.Unwrap() should return the wrapped cause")
	}
}

func TestConflictError_Error(t *testing.T) {
	err := &cperrors.ConflictError{Entity: "workflow_run", ID: "wr-1"}
	got := err.Error()
	if !strings.Contains(got, "wr-1") {
		t.Errorf("ConflictError.Error() = %q, want to mention id", got)
	}
	if err.IsRetryable() {
		t.Error("ConflictError is handled locally, never retried by the caller")
	}
}

func TestFatalError_Error(t *testing.T) {
	cause := errors.New("unknown status: bogus")
	err := &cperrors.FatalError{Reason: "corrupt workflow DAG", Cause: cause}
	got := err.Error()
	for _, want := range []string{"fatal", "corrupt workflow DAG", "unknown status"} {
		if !strings.Contains(got, want) {
			t.Errorf("FatalError.Error() = %q, want to contain %q", got, want)
		}
	}
	if err.Unwrap() != cause {
		t.Error("FatalError.Unwrap() should return the wrapped cause")
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *cperrors.ConfigError
		wantMsg string
	}{
		{
			name:    "with key",
			err:     &cperrors.ConfigError{Key: "queue.mode", Reason: "must be inline or distributed"},
			wantMsg: "config error at queue.mode: must be inline or distributed",
		},
		{
			name:    "without key",
			err:     &cperrors.ConfigError{Reason: "file not found"},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &cperrors.ConfigError{Key: "config", Reason: "failed to load", Cause: cause}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *cperrors.TimeoutError
		want []string
	}{
		{
			name: "job run timeout",
			err:  &cperrors.TimeoutError{Operation: "job run jr-1", Duration: 30 * time.Second},
			want: []string{"job run jr-1", "30s"},
		},
		{
			name: "workflow step timeout",
			err:  &cperrors.TimeoutError{Operation: "workflow step execution", Duration: 2 * time.Minute},
			want: []string{"workflow step execution", "2m0s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &cperrors.TimeoutError{Operation: "test", Duration: 5 * time.Second, Cause: cause}

	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &cperrors.ValidationError{Field: "email", Message: "invalid format"}
		wrapped := fmt.Errorf("user input validation: %w", original)

		var target *cperrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "email" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "email")
		}
	})

	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &cperrors.NotFoundError{Resource: "workflow_run", ID: "test"}
		wrapped := fmt.Errorf("loading workflow run: %w", original)

		var target *cperrors.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find NotFoundError in wrapped error")
		}
		if target.Resource != "workflow_run" {
			t.Errorf("unwrapped error Resource = %q, want %q", target.Resource, "workflow_run")
		}
	})

	t.Run("RetriableError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("network timeout")
		retriable := &cperrors.RetriableError{Operation: "dequeue", Cause: rootCause}
		wrapped := fmt.Errorf("executing job: %w", retriable)

		var target *cperrors.RetriableError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find RetriableError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("RetriableError.Unwrap() should return root cause")
		}
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("file not found")
		configErr := &cperrors.ConfigError{Key: "store.dsn", Reason: "missing required field", Cause: rootCause}
		wrapped := fmt.Errorf("loading config: %w", configErr)

		var target *cperrors.ConfigError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ConfigError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("ConfigError.Unwrap() should return root cause")
		}
	})

	t.Run("TimeoutError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("context deadline exceeded")
		timeoutErr := &cperrors.TimeoutError{Operation: "test", Duration: 5 * time.Second, Cause: rootCause}
		wrapped := fmt.Errorf("operation timeout: %w", timeoutErr)

		var target *cperrors.TimeoutError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find TimeoutError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("TimeoutError.Unwrap() should return root cause")
		}
	})
}

func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped ValidationError", func(t *testing.T) {
		original := &cperrors.ValidationError{Field: "test"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &cperrors.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
