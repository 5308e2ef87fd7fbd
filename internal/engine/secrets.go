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

package engine

import (
	"context"
	"os"
	"strings"

	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

// envSecretPrefix mirrors the teacher's CONDUCTOR_SECRET_ prefix idiom
// (internal/secrets/env.go), renamed to this engine's own namespace.
const envSecretPrefix = "FORGELINE_SECRET_"

// EnvSecretResolver resolves a service-step "secret.<ref>" header reference
// against environment variables, the default collaborator for
// workflow.SecretResolver until a real secret-store collaborator is wired
// in. Grounded on internal/secrets/env.go's EnvBackend.Get/normalizeKey.
type EnvSecretResolver struct{}

// GetSecret implements workflow.SecretResolver. ref is the bare reference
// name (the "secret." scheme prefix, if present, is stripped by the
// caller); it is upper-cased and has "/", "." and "-" replaced with "_" to form
// the environment variable name.
func (EnvSecretResolver) GetSecret(_ context.Context, ref string) (string, error) {
	key := strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(strings.ToUpper(ref))
	if v, ok := os.LookupEnv(envSecretPrefix + key); ok && v != "" {
		return v, nil
	}
	return "", &cperrors.NotFoundError{Resource: "secret", ID: ref}
}
