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

package retry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/forgeline/controlplane/internal/store"
)

func TestDelay_ExponentialFullJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	policy := store.RetryPolicy{
		Strategy:       store.RetryExponential,
		InitialDelayMs: 10,
		MaxDelayMs:     1000,
		Jitter:         store.JitterFull,
	}
	for attempt := 1; attempt <= 8; attempt++ {
		upper := clamp(time.Duration(policy.InitialDelayMs)*time.Millisecond*time.Duration(int64(1)<<uint(attempt-1)), policy.MaxDelayMs)
		for i := 0; i < 50; i++ {
			d := Delay(policy, attempt, rng)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, upper)
		}
	}
}

func TestDelay_Fixed(t *testing.T) {
	policy := store.RetryPolicy{Strategy: store.RetryFixed, InitialDelayMs: 50, MaxDelayMs: 200}
	assert.Equal(t, 50*time.Millisecond, Delay(policy, 1, nil))
	assert.Equal(t, 50*time.Millisecond, Delay(policy, 5, nil))
}

func TestDelay_NoneIsZero(t *testing.T) {
	policy := store.RetryPolicy{Strategy: store.RetryNone}
	assert.Equal(t, time.Duration(0), Delay(policy, 1, nil))
}

func TestDelay_ClampsAtMax(t *testing.T) {
	policy := store.RetryPolicy{
		Strategy:       store.RetryExponential,
		InitialDelayMs: 1000,
		MaxDelayMs:     5000,
		Jitter:         store.JitterNone,
	}
	d := Delay(policy, 10, nil)
	assert.Equal(t, 5000*time.Millisecond, d)
}

func TestExponentialBackoff(t *testing.T) {
	base := time.Second
	max := 10 * time.Minute
	assert.Equal(t, time.Second, ExponentialBackoff(base, max, 1))
	assert.Equal(t, 2*time.Second, ExponentialBackoff(base, max, 2))
	assert.Equal(t, 4*time.Second, ExponentialBackoff(base, max, 3))
	assert.Equal(t, max, ExponentialBackoff(base, max, 30))
}
