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

package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
)

// advisoryKeys hashes a (namespace, id) pair into the two int32 keys the
// two-argument form of pg_try_advisory_lock takes, generalizing
// internal/controller/leader's single hardcoded AdvisoryLockID into a
// namespaced key space: one lock per (namespace, id), not one lock for the
// whole cluster.
func advisoryKeys(namespace, id string) (int32, int32) {
	h1 := fnv.New32a()
	h1.Write([]byte(namespace))
	h2 := fnv.New32a()
	h2.Write([]byte(id))
	return int32(h1.Sum32()), int32(h2.Sum32())
}

// TryAcquireLock takes a genuine Postgres session-level advisory lock,
// grounded on internal/controller/leader's pg_try_advisory_lock/
// pg_advisory_unlock pair. Unlike that single-lock-ID implementation, the
// lock key here is namespaced per (namespace, id) via advisoryKeys, and the
// holding connection is pinned out of the pool for the lock's lifetime —
// advisory locks are tied to the session that took them, so a future
// statement issued on a different pooled connection would not see it held.
func (s *Store) TryAcquireLock(ctx context.Context, namespace, id, ownerID string) (bool, error) {
	s.lockMu.Lock()
	key := lockKey{namespace, id}
	if held, ok := s.locks[key]; ok {
		owned := held.ownerID == ownerID
		s.lockMu.Unlock()
		return owned, nil
	}
	s.lockMu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}

	k1, k2 := advisoryKeys(namespace, id)
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, k1, k2).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if existing, ok := s.locks[key]; ok {
		// Lost the race between the unlocked check above and acquiring the
		// lock server-side; release what we just took and defer to the
		// owner that is already tracked.
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1, $2)`, k1, k2)
		conn.Close()
		return existing.ownerID == ownerID, nil
	}
	s.locks[key] = &heldLock{conn: conn, ownerID: ownerID}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, namespace, id, ownerID string) error {
	s.lockMu.Lock()
	key := lockKey{namespace, id}
	held, ok := s.locks[key]
	if !ok || held.ownerID != ownerID {
		s.lockMu.Unlock()
		return nil
	}
	delete(s.locks, key)
	s.lockMu.Unlock()

	k1, k2 := advisoryKeys(namespace, id)
	_, err := held.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1, $2)`, k1, k2)
	closeErr := held.conn.Close()
	if err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close advisory lock connection: %w", closeErr)
	}
	return nil
}

// RefreshLock verifies against pg_locks that the pinned connection still
// genuinely holds the lock server-side, mirroring the verification query
// internal/controller/leader's verifyLeadership runs rather than trusting
// local bookkeeping alone — a dropped connection silently releases its
// advisory locks, and this is how a heartbeat notices that happened.
func (s *Store) RefreshLock(ctx context.Context, namespace, id, ownerID string) (bool, error) {
	s.lockMu.Lock()
	held, ok := s.locks[lockKey{namespace, id}]
	s.lockMu.Unlock()
	if !ok || held.ownerID != ownerID {
		return false, nil
	}

	k1, k2 := advisoryKeys(namespace, id)
	var count int
	err := held.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pg_locks
		WHERE locktype = 'advisory' AND classid = $1 AND objid = $2 AND pid = pg_backend_pid()
	`, k1, k2).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("verify advisory lock: %w", err)
	}
	return count > 0, nil
}
