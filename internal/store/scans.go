// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const scanResultColumns = `id, run_id, profile_id, profile_name, group_title,
	session_status, remaining_count, total_count, reset_at, plan_type,
	cooldown_until, error, scanned_at`

// CreateScanRun opens a session-scan run row.
func (s *Store) CreateScanRun(ctx context.Context, runUID, groupTitle, triggerKind string) (*ScanRun, error) {
	now := nowMS()
	res, err := s.write.ExecContext(ctx, `
		INSERT INTO ixbrowser_scan_runs (run_uid, group_title, trigger_kind, status, started_at)
		VALUES (?, ?, ?, 'running', ?)`,
		runUID, groupTitle, triggerKind, now)
	if err != nil {
		return nil, fmt.Errorf("create scan run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetScanRun(ctx, id)
}

// GetScanRun returns one run by id, or ErrNotFound.
func (s *Store) GetScanRun(ctx context.Context, id int64) (*ScanRun, error) {
	var r ScanRun
	var finishedAt sql.NullInt64
	err := s.read.QueryRowContext(ctx, `
		SELECT id, run_uid, group_title, trigger_kind, status, profile_count,
			ok_count, fail_count, started_at, finished_at
		FROM ixbrowser_scan_runs WHERE id = ?`, id).Scan(
		&r.ID, &r.RunUID, &r.GroupTitle, &r.TriggerKind, &r.Status,
		&r.ProfileCount, &r.OKCount, &r.FailCount, &r.StartedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.FinishedAt = nullInt64Ptr(finishedAt)
	return &r, nil
}

// FinishScanRun closes a run with its tallies.
func (s *Store) FinishScanRun(ctx context.Context, id int64, status string, profileCount, okCount, failCount int) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE ixbrowser_scan_runs SET
			status = ?, profile_count = ?, ok_count = ?, fail_count = ?, finished_at = ?
		WHERE id = ?`,
		status, profileCount, okCount, failCount, nowMS(), id)
	if err != nil {
		return fmt.Errorf("finish scan run %d: %w", id, err)
	}
	return nil
}

// InsertScanResult records one profile's state for a run.
func (s *Store) InsertScanResult(ctx context.Context, r *ScanResult) error {
	if r.ScannedAt == 0 {
		r.ScannedAt = nowMS()
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO ixbrowser_scan_results (
			run_id, profile_id, profile_name, group_title, session_status,
			remaining_count, total_count, reset_at, plan_type, cooldown_until,
			error, scanned_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ProfileID, r.ProfileName, r.GroupTitle, r.SessionStatus,
		r.RemainingCount, r.TotalCount, r.ResetAt, r.PlanType, r.CooldownUntil,
		r.Error, r.ScannedAt)
	if err != nil {
		return fmt.Errorf("insert scan result: %w", err)
	}
	return nil
}

// LatestScanResults returns the newest result row per profile. This is the
// dispatcher's candidate universe.
func (s *Store) LatestScanResults(ctx context.Context) ([]*ScanResult, error) {
	// Newest row per profile by rowid.
	rows, err := s.read.QueryContext(ctx, `
		SELECT `+scanResultColumns+` FROM ixbrowser_scan_results
		WHERE id IN (
			SELECT MAX(id) FROM ixbrowser_scan_results GROUP BY profile_id
		)
		ORDER BY profile_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("latest scan results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ScanResult
	for rows.Next() {
		r, err := scanScanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestScanResultForProfile returns the newest result for one profile, or
// ErrNotFound.
func (s *Store) LatestScanResultForProfile(ctx context.Context, profileID string) (*ScanResult, error) {
	row := s.read.QueryRowContext(ctx, `
		SELECT `+scanResultColumns+` FROM ixbrowser_scan_results
		WHERE profile_id = ? ORDER BY id DESC LIMIT 1`, profileID)
	r, err := scanScanResult(row)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

// UpsertLiveObservation folds a quota response observed by a running job into
// the profile's latest scan row. When the profile has no scan row yet the
// observation is dropped (the profile is not a dispatch candidate anyway).
func (s *Store) UpsertLiveObservation(ctx context.Context, profileID string, remaining, total int, resetAt *int64, planType string) (bool, error) {
	now := nowMS()
	res, err := s.write.ExecContext(ctx, `
		UPDATE ixbrowser_scan_results SET
			remaining_count = ?, total_count = ?, reset_at = ?, plan_type = ?,
			scanned_at = ?
		WHERE id = (
			SELECT MAX(id) FROM ixbrowser_scan_results WHERE profile_id = ?
		)`,
		remaining, total, resetAt, planType, now, profileID)
	if err != nil {
		return false, fmt.Errorf("upsert live observation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetProfileCooldown stamps a cooldown on the profile's latest scan row.
func (s *Store) SetProfileCooldown(ctx context.Context, profileID string, untilMS int64) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE ixbrowser_scan_results SET cooldown_until = ?
		WHERE id = (
			SELECT MAX(id) FROM ixbrowser_scan_results WHERE profile_id = ?
		)`, untilMS, profileID)
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

func scanScanResult(scanner interface{ Scan(dest ...any) error }) (*ScanResult, error) {
	var r ScanResult
	var remaining, total sql.NullInt64
	var resetAt, cooldownUntil sql.NullInt64
	var errText sql.NullString

	err := scanner.Scan(
		&r.ID, &r.RunID, &r.ProfileID, &r.ProfileName, &r.GroupTitle,
		&r.SessionStatus, &remaining, &total, &resetAt, &r.PlanType,
		&cooldownUntil, &errText, &r.ScannedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if remaining.Valid {
		v := int(remaining.Int64)
		r.RemainingCount = &v
	}
	if total.Valid {
		v := int(total.Int64)
		r.TotalCount = &v
	}
	r.ResetAt = nullInt64Ptr(resetAt)
	r.CooldownUntil = nullInt64Ptr(cooldownUntil)
	r.Error = nullStrPtr(errText)
	return &r, nil
}
