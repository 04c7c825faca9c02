// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TryAcquireSchedulerLock upserts the advisory lock row for key. It succeeds
// iff no non-expired lock for key exists (or the caller already owns it).
// Exactly one caller per key wins within a TTL window.
func (s *Store) TryAcquireSchedulerLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := nowMS()
	until := now + ttl.Milliseconds()

	acquired := false
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var currentOwner string
		var lockedUntil int64
		err := tx.QueryRowContext(ctx,
			`SELECT owner, locked_until FROM scheduler_locks WHERE lock_key = ?`,
			key).Scan(&currentOwner, &lockedUntil)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// free
		case err != nil:
			return fmt.Errorf("select lock %q: %w", key, err)
		case lockedUntil > now && currentOwner != owner:
			return nil // held by someone else
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scheduler_locks (lock_key, owner, locked_until)
			VALUES (?, ?, ?)
			ON CONFLICT(lock_key) DO UPDATE SET
				owner = excluded.owner,
				locked_until = excluded.locked_until`,
			key, owner, until); err != nil {
			return fmt.Errorf("upsert lock %q: %w", key, err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseSchedulerLock drops the lock iff owner still holds it. Locks also
// expire on their own; release is a courtesy.
func (s *Store) ReleaseSchedulerLock(ctx context.Context, key, owner string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM scheduler_locks WHERE lock_key = ? AND owner = ?`, key, owner)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", key, err)
	}
	return nil
}

// PruneExpiredSchedulerLocks removes rows whose TTL elapsed.
func (s *Store) PruneExpiredSchedulerLocks(ctx context.Context) (int, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM scheduler_locks WHERE locked_until < ?`, nowMS())
	if err != nil {
		return 0, fmt.Errorf("prune locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
