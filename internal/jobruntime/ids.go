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

package jobruntime

import (
	"fmt"
	"strconv"
	"strings"

	cperrors "github.com/forgeline/controlplane/pkg/errors"
)

// FormatJobDefinitionID is the canonical "<slug>@<version>" encoding a
// JobRun.JobDefinitionID carries, matching the convention already used by
// the store tests.
func FormatJobDefinitionID(slug string, version int) string {
	return fmt.Sprintf("%s@%d", slug, version)
}

// ParseJobDefinitionID splits a JobRun.JobDefinitionID back into its slug
// and version.
func ParseJobDefinitionID(id string) (slug string, version int, err error) {
	i := strings.LastIndex(id, "@")
	if i < 0 {
		return "", 0, &cperrors.ValidationError{Field: "jobDefinitionId", Message: fmt.Sprintf("malformed job definition id %q", id)}
	}
	slug = id[:i]
	version, convErr := strconv.Atoi(id[i+1:])
	if convErr != nil {
		return "", 0, &cperrors.ValidationError{Field: "jobDefinitionId", Message: fmt.Sprintf("malformed job definition id %q: %v", id, convErr)}
	}
	return slug, version, nil
}
