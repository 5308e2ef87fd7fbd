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

// Package eventscheduler ingests normalized event envelopes, applies
// per-source admission control, evaluates event triggers, and enqueues the
// workflow runs they fire (§4.E). Grounded on
// internal/controller/polltrigger/{ratelimit,state,metrics}.go, repurposed
// from "poll a SaaS API on a timer" to "admit and route an
// already-delivered event envelope".
package eventscheduler

import (
	"sync"
	"time"
)

// RateLimiter is internal/controller/polltrigger.RateLimiter reindexed by
// event source instead of integration name; same minimum-interval,
// request-budget-window, and exponential-backoff-on-rate-limit behavior.
type RateLimiter struct {
	mu     sync.Mutex
	limits map[string]*sourceLimit
}

type sourceLimit struct {
	minInterval       time.Duration
	lastEvent         time.Time
	backoffUntil      time.Time
	backoffCount      int
	requestsPerWindow int
	requestWindow     time.Time
	requestCount      int
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limits: make(map[string]*sourceLimit)}
}

// Decision is the admission outcome §4.E's step 2 ("registerSourceEvent")
// hands back to the caller.
type Decision struct {
	Allowed bool
	Reason  string // "rate_limit" | "paused"
	Until   time.Time
}

// Allow reports whether source may process an event right now.
func (r *RateLimiter) Allow(source string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.getOrCreate(source)
	now := time.Now()

	if now.Before(limit.backoffUntil) {
		return Decision{Allowed: false, Reason: "paused", Until: limit.backoffUntil}
	}
	if limit.minInterval > 0 && now.Sub(limit.lastEvent) < limit.minInterval {
		return Decision{Allowed: false, Reason: "rate_limit", Until: limit.lastEvent.Add(limit.minInterval)}
	}
	if limit.requestsPerWindow > 0 {
		if now.Sub(limit.requestWindow) >= time.Minute {
			limit.requestWindow = now
			limit.requestCount = 0
		}
		if limit.requestCount >= limit.requestsPerWindow {
			return Decision{Allowed: false, Reason: "rate_limit", Until: limit.requestWindow.Add(time.Minute)}
		}
	}
	return Decision{Allowed: true}
}

// RecordSuccess marks source as having just processed an event.
func (r *RateLimiter) RecordSuccess(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.getOrCreate(source)
	limit.lastEvent = time.Now()
	if limit.requestsPerWindow > 0 {
		limit.requestCount++
	}
	limit.backoffCount = 0
	limit.backoffUntil = time.Time{}
}

// Pause applies exponential backoff (30s, 60s, 120s, ... capped at 10m) to
// source, matching internal/controller/polltrigger.RateLimiter.RecordRateLimit.
func (r *RateLimiter) Pause(source string, retryAfter time.Duration) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.getOrCreate(source)
	limit.backoffCount++

	backoff := time.Duration(30<<uint(limit.backoffCount-1)) * time.Second
	if backoff > 10*time.Minute {
		backoff = 10 * time.Minute
	}
	if retryAfter > backoff {
		backoff = retryAfter
	}
	limit.backoffUntil = time.Now().Add(backoff)
	return limit.backoffUntil
}

// SetMinInterval configures source's minimum spacing between processed
// events.
func (r *RateLimiter) SetMinInterval(source string, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(source).minInterval = interval
}

// SetRequestBudget configures source's per-minute admission budget.
func (r *RateLimiter) SetRequestBudget(source string, perMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.getOrCreate(source)
	limit.requestsPerWindow = perMinute
	limit.requestWindow = time.Now()
	limit.requestCount = 0
}

func (r *RateLimiter) getOrCreate(source string) *sourceLimit {
	limit, ok := r.limits[source]
	if !ok {
		limit = &sourceLimit{requestWindow: time.Now()}
		r.limits[source] = limit
	}
	return limit
}
