// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const nurtureColumns = `id, title, group_title, operator, profile_ids, status,
	lease_owner, lease_until, heartbeat_at, run_attempt, run_last_error,
	created_at, updated_at`

// CreateNurtureBatch enqueues a profile warm-up batch with one nurture job
// per profile.
func (s *Store) CreateNurtureBatch(ctx context.Context, title, groupTitle, operator string, profileIDs []string) (*NurtureBatch, error) {
	if len(profileIDs) == 0 {
		return nil, errors.New("store: nurture batch needs at least one profile")
	}
	ids, err := json.Marshal(profileIDs)
	if err != nil {
		return nil, err
	}
	now := nowMS()

	var batchID int64
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sora_nurture_batches
				(title, group_title, operator, profile_ids, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
			title, groupTitle, operator, string(ids), now, now)
		if err != nil {
			return fmt.Errorf("create nurture batch: %w", err)
		}
		batchID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for _, pid := range profileIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sora_nurture_jobs
					(batch_id, profile_id, status, created_at, updated_at)
				VALUES (?, ?, 'queued', ?, ?)`, batchID, pid, now, now); err != nil {
				return fmt.Errorf("create nurture job: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetNurtureBatch(ctx, batchID)
}

// GetNurtureBatch returns one batch by id, or ErrNotFound.
func (s *Store) GetNurtureBatch(ctx context.Context, id int64) (*NurtureBatch, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+nurtureColumns+` FROM sora_nurture_batches WHERE id = ?`, id)
	b, err := scanNurtureBatch(row)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	return b, nil
}

// ClaimNextNurtureBatch mirrors ClaimNextJob for batches.
func (s *Store) ClaimNextNurtureBatch(ctx context.Context, owner string, leaseSeconds int) (*NurtureBatch, error) {
	now := nowMS()
	until := now + int64(leaseSeconds)*1000

	var claimed *NurtureBatch
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM sora_nurture_batches
			WHERE status = 'queued' AND (lease_until IS NULL OR lease_until < ?)
			ORDER BY id ASC LIMIT 1`, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable batch: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE sora_nurture_batches SET
				status = 'running',
				lease_owner = ?, lease_until = ?, heartbeat_at = ?,
				run_attempt = run_attempt + 1, run_last_error = NULL,
				updated_at = ?
			WHERE id = ? AND status = 'queued'
			  AND (lease_until IS NULL OR lease_until < ?)`,
			owner, until, now, now, id, now)
		if err != nil {
			return fmt.Errorf("claim batch %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}

		b, err := scanNurtureBatch(tx.QueryRowContext(ctx,
			`SELECT `+nurtureColumns+` FROM sora_nurture_batches WHERE id = ?`, id))
		if err != nil {
			return err
		}
		claimed = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// HeartbeatNurtureBatch extends the batch lease iff owner still holds it.
func (s *Store) HeartbeatNurtureBatch(ctx context.Context, id int64, owner string, leaseSeconds int) (bool, error) {
	now := nowMS()
	res, err := s.write.ExecContext(ctx, `
		UPDATE sora_nurture_batches
		SET lease_until = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		now+int64(leaseSeconds)*1000, now, now, id, owner)
	if err != nil {
		return false, fmt.Errorf("heartbeat batch %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ClearNurtureBatchLease nulls the batch lease iff owner still holds it.
func (s *Store) ClearNurtureBatchLease(ctx context.Context, id int64, owner string) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_nurture_batches
		SET lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?`, nowMS(), id, owner)
	if err != nil {
		return fmt.Errorf("clear lease batch %d: %w", id, err)
	}
	return nil
}

// RequeueStaleNurtureBatches recycles running batches with expired leases.
func (s *Store) RequeueStaleNurtureBatches(ctx context.Context) (int, error) {
	now := nowMS()
	res, err := s.write.ExecContext(ctx, `
		UPDATE sora_nurture_batches SET
			status = 'queued',
			lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL,
			run_last_error = 'worker lease expired',
			updated_at = ?
		WHERE status = 'running' AND lease_until < ?`, now, now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale batches: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FinishNurtureBatch records the terminal batch status.
func (s *Store) FinishNurtureBatch(ctx context.Context, id int64, status, lastError string) error {
	var errVal any
	if lastError != "" {
		errVal = Truncate(lastError, 500)
	}
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_nurture_batches SET
			status = ?, run_last_error = ?,
			lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL,
			updated_at = ?
		WHERE id = ? AND status NOT IN ('completed','failed','canceled')`,
		status, errVal, nowMS(), id)
	if err != nil {
		return fmt.Errorf("finish batch %d: %w", id, err)
	}
	return nil
}

// UpdateNurtureJob records the per-profile outcome inside a batch.
func (s *Store) UpdateNurtureJob(ctx context.Context, batchID int64, profileID, status, message string) error {
	var msg any
	if message != "" {
		msg = Truncate(message, 500)
	}
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_nurture_jobs SET status = ?, message = ?, updated_at = ?
		WHERE batch_id = ? AND profile_id = ?`,
		status, msg, nowMS(), batchID, profileID)
	return err
}

// ListNurtureJobs returns the per-profile slots of a batch.
func (s *Store) ListNurtureJobs(ctx context.Context, batchID int64) ([]*NurtureJob, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, batch_id, profile_id, status, message, created_at, updated_at
		FROM sora_nurture_jobs WHERE batch_id = ? ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list nurture jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*NurtureJob
	for rows.Next() {
		var nj NurtureJob
		var msg sql.NullString
		if err := rows.Scan(&nj.ID, &nj.BatchID, &nj.ProfileID, &nj.Status, &msg, &nj.CreatedAt, &nj.UpdatedAt); err != nil {
			return nil, err
		}
		nj.Message = nullStrPtr(msg)
		out = append(out, &nj)
	}
	return out, rows.Err()
}

func scanNurtureBatch(scanner interface{ Scan(dest ...any) error }) (*NurtureBatch, error) {
	var b NurtureBatch
	var profileIDs string
	var leaseOwner, runLastError sql.NullString
	var leaseUntil, heartbeatAt sql.NullInt64

	err := scanner.Scan(
		&b.ID, &b.Title, &b.GroupTitle, &b.Operator, &profileIDs, &b.Status,
		&leaseOwner, &leaseUntil, &heartbeatAt, &b.RunAttempt, &runLastError,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(profileIDs), &b.ProfileIDs); err != nil {
		return nil, fmt.Errorf("batch %d: bad profile_ids: %w", b.ID, err)
	}
	b.LeaseOwner = nullStrPtr(leaseOwner)
	b.LeaseUntil = nullInt64Ptr(leaseUntil)
	b.HeartbeatAt = nullInt64Ptr(heartbeatAt)
	b.RunLastError = nullStrPtr(runLastError)
	return &b, nil
}
