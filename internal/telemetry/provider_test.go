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

package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewProviderWiresMeterAndRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewProvider(reg)
	require.NoError(t, err)
	require.NotNil(t, p.Registry)
	require.NotNil(t, p.Meter)

	p.Meter.RunStarted()
	p.Meter.RecordStep(context.Background(), "job", "succeeded", 1.5)
	p.Meter.RunFinished()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)

	require.NoError(t, p.Shutdown(context.Background()))
}
