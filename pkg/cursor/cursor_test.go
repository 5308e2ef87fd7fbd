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

package cursor_test

import (
	"testing"
	"time"

	"github.com/forgeline/controlplane/pkg/cursor"
)

func TestRoundTrip(t *testing.T) {
	tests := []cursor.Cursor{
		{OccurredAt: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), ID: "evt-1"},
		{OccurredAt: time.Unix(0, 0).UTC(), ID: "evt-2"},
	}

	for _, c := range tests {
		token := cursor.Encode(c)
		got, err := cursor.Decode(token)
		if err != nil {
			t.Fatalf("Decode(%q) returned error: %v", token, err)
		}
		if got == nil {
			t.Fatalf("Decode(%q) = nil, want %+v", token, c)
		}
		if !got.OccurredAt.Equal(c.OccurredAt) || got.ID != c.ID {
			t.Errorf("Decode(Encode(%+v)) = %+v, want round trip", c, got)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []string{
		"",
		"not-base64!!!",
		"e30", // base64 of "{}"
	}

	for _, token := range tests {
		got, err := cursor.Decode(token)
		if err != nil {
			t.Errorf("Decode(%q) returned error %v, want nil error", token, err)
		}
		if got != nil {
			t.Errorf("Decode(%q) = %+v, want nil", token, got)
		}
	}
}

func TestDecodeWrongVersion(t *testing.T) {
	// {"v":"v2","occurredAt":"2026-01-01T00:00:00Z","id":"x"} base64url-encoded.
	token := "eyJ2IjoidjIiLCJvY2N1cnJlZEF0IjoiMjAyNi0wMS0wMVQwMDowMDowMFoiLCJpZCI6IngifQ"
	got, err := cursor.Decode(token)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if got != nil {
		t.Errorf("Decode of a v2 cursor = %+v, want nil", got)
	}
}
