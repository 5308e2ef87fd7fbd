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

// Package retry computes the per-attempt delay for a store.RetryPolicy.
// It is shared between the job runtime (§4.C) and the workflow
// orchestrator's per-step retry (§4.D) so the two components never drift.
package retry

import (
	"math/rand"
	"time"

	"github.com/forgeline/controlplane/internal/store"
)

// Delay computes how long to wait before the given attempt (1-indexed, the
// attempt about to be retried) given policy. attempt is the attempt number
// that just failed; the returned delay precedes attempt+1.
func Delay(policy store.RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	switch policy.Strategy {
	case store.RetryFixed:
		return clamp(time.Duration(policy.InitialDelayMs)*time.Millisecond, policy.MaxDelayMs)
	case store.RetryExponential:
		base := time.Duration(policy.InitialDelayMs) * time.Millisecond
		factor := int64(1) << uint(attempt-1) // attempt-1 doublings
		raw := base * time.Duration(factor)
		clamped := clamp(raw, policy.MaxDelayMs)
		return applyJitter(clamped, policy.Jitter, rng)
	case store.RetryNone:
		return 0
	default:
		return 0
	}
}

func clamp(d time.Duration, maxMs int64) time.Duration {
	if maxMs <= 0 {
		return d
	}
	max := time.Duration(maxMs) * time.Millisecond
	if d > max {
		return max
	}
	return d
}

// applyJitter implements the three jitter kinds spec §4.C names. "full"
// picks uniformly in [0, d]; "equal" picks uniformly in [d/2, d]; "none"
// returns d unchanged. Both jittered forms always lie within
// [0, clamp(initial*2^(attempt-1), maxDelay)] (property P6).
func applyJitter(d time.Duration, kind string, rng *rand.Rand) time.Duration {
	if d <= 0 {
		return 0
	}
	switch kind {
	case store.JitterFull:
		return time.Duration(randInt63n(rng, int64(d)))
	case store.JitterEqual:
		half := d / 2
		return half + time.Duration(randInt63n(rng, int64(d-half)))
	case store.JitterNone:
		fallthrough
	default:
		return d
	}
}

func randInt63n(rng *rand.Rand, n int64) int64 {
	if n <= 0 {
		return 0
	}
	if rng != nil {
		return rng.Int63n(n)
	}
	return rand.Int63n(n)
}

// ExponentialBackoff computes the auto-materializer's failure backoff
// (§4.F): nextEligibleAt = now + min(maxBackoff, baseBackoff*2^(failures-1)).
// failures must be >= 1.
func ExponentialBackoff(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	factor := int64(1) << uint(failures-1)
	d := base * time.Duration(factor)
	if d > max || d < 0 {
		return max
	}
	return d
}
