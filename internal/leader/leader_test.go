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

package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/store/memory"
)

func TestElectorSingleInstanceAcquires(t *testing.T) {
	locks := memory.New()
	bus := eventbus.New(nil)

	acquired := make(chan struct{}, 1)
	bus.Subscribe(eventbus.TypeLeaderAcquired, func(e eventbus.Event) {
		select {
		case acquired <- struct{}{}:
		default:
		}
	})

	e := NewElector(Config{Locks: locks, Namespace: "schedule-leader", ID: "singleton", OwnerID: "node-a", RetryInterval: 20 * time.Millisecond, Bus: bus})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for leadership acquisition")
	}
	require.True(t, e.IsLeader())
	e.Stop()
	require.False(t, e.IsLeader())
}

// TestElectorAtMostOneLeader is property P9's "at most one process holds
// the advisory lock at any time": two electors contesting the same
// (namespace, id) pair never both report IsLeader()==true.
func TestElectorAtMostOneLeader(t *testing.T) {
	locks := memory.New()

	e1 := NewElector(Config{Locks: locks, Namespace: "schedule-leader", ID: "singleton", OwnerID: "node-a", RetryInterval: 15 * time.Millisecond})
	e2 := NewElector(Config{Locks: locks, Namespace: "schedule-leader", ID: "singleton", OwnerID: "node-b", RetryInterval: 15 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e1.Start(ctx)
	e2.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	require.False(t, e1.IsLeader() && e2.IsLeader(), "both electors claimed leadership simultaneously")
	require.True(t, e1.IsLeader() || e2.IsLeader(), "neither elector acquired leadership")

	e1.Stop()
	e2.Stop()
}

func TestElectorSuccessorResumesAfterLoss(t *testing.T) {
	locks := memory.New()

	e1 := NewElector(Config{Locks: locks, Namespace: "schedule-leader", ID: "singleton", OwnerID: "node-a", RetryInterval: 15 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e1.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	require.True(t, e1.IsLeader())
	e1.Stop()

	e2 := NewElector(Config{Locks: locks, Namespace: "schedule-leader", ID: "singleton", OwnerID: "node-b", RetryInterval: 15 * time.Millisecond})
	e2.Start(ctx)
	defer e2.Stop()
	require.Eventually(t, e2.IsLeader, time.Second, 10*time.Millisecond)
}
