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

// Package cursor implements the opaque pagination cursor used to page
// through the workflow-event journal.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// version is the only cursor shape this package will ever decode. There is
// no forward-compatible fallback: any other version value is an invalid
// cursor.
const version = "v1"

// Cursor identifies a position in the workflow-event journal by occurrence
// time and id, broken only by strict equality of both fields.
type Cursor struct {
	OccurredAt time.Time `json:"occurredAt"`
	ID         string    `json:"id"`
}

type envelope struct {
	V          string    `json:"v"`
	OccurredAt time.Time `json:"occurredAt"`
	ID         string    `json:"id"`
}

// Encode produces the base64url token for c.
func Encode(c Cursor) string {
	env := envelope{V: version, OccurredAt: c.OccurredAt, ID: c.ID}
	data, err := json.Marshal(env)
	if err != nil {
		// envelope has no types json.Marshal can fail on.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses a cursor token. Any malformed token, or one carrying a
// version other than v1, decodes to (nil, nil) rather than an error: a bad
// cursor from a client is treated as "no cursor", not a fatal condition.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil
	}
	if env.V != version {
		return nil, nil
	}
	if env.ID == "" {
		return nil, nil
	}
	return &Cursor{OccurredAt: env.OccurredAt, ID: env.ID}, nil
}
