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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TryAcquireLock, ReleaseLock and RefreshLock implement AdvisoryLockStore
// over a plain table rather than Postgres's pg_try_advisory_lock — SQLite
// has no server-side advisory lock primitive, and the single-writer
// connection (internal/store/sqlite.New sets MaxOpenConns(1)) already
// serializes every statement, so a transaction around the read-then-write
// is enough to make the check atomic. Multi-node deployments MUST use
// internal/store/postgres instead; this is documented as single-node-only,
// the same restriction internal/store/memory carries.
func (s *Store) TryAcquireLock(ctx context.Context, namespace, id, ownerID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var holder string
	err = tx.QueryRowContext(ctx, `SELECT owner_id FROM advisory_locks WHERE namespace = ? AND id = ?`, namespace, id).Scan(&holder)
	now := formatTime(time.Now())
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO advisory_locks (namespace, id, owner_id, acquired_at, heartbeat_at) VALUES (?, ?, ?, ?, ?)
		`, namespace, id, ownerID, now, now); err != nil {
			return false, fmt.Errorf("insert advisory lock: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("query advisory lock: %w", err)
	case holder != ownerID:
		return false, nil
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE advisory_locks SET heartbeat_at = ? WHERE namespace = ? AND id = ?
		`, now, namespace, id); err != nil {
			return false, fmt.Errorf("refresh advisory lock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, namespace, id, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM advisory_locks WHERE namespace = ? AND id = ? AND owner_id = ?
	`, namespace, id, ownerID)
	if err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}

func (s *Store) RefreshLock(ctx context.Context, namespace, id, ownerID string) (bool, error) {
	var holder string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM advisory_locks WHERE namespace = ? AND id = ?`, namespace, id).Scan(&holder)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query advisory lock: %w", err)
	}
	return holder == ownerID, nil
}
