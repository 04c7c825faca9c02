// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const jobColumns = `id, root_job_id, retry_of_job_id, retry_index, prompt, image_url,
	duration, aspect_ratio, group_title, operator, profile_id, status, phase,
	progress_pct, task_id, generation_id, publish_url, publish_post_id,
	publish_permalink, dispatch_mode, dispatch_score, dispatch_quantity_score,
	dispatch_quality_score, dispatch_reason, lease_owner, lease_until,
	heartbeat_at, run_attempt, run_last_error, watermark_status, watermark_url,
	watermark_error, watermark_attempts, created_at, updated_at`

// CreateJob inserts a queued job and returns the stored row.
func (s *Store) CreateJob(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.Prompt == "" {
		return nil, errors.New("store: prompt is required")
	}
	now := nowMS()
	res, err := s.write.ExecContext(ctx, `
		INSERT INTO sora_jobs (
			root_job_id, retry_of_job_id, retry_index, prompt, image_url,
			duration, aspect_ratio, group_title, operator, profile_id,
			status, phase, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', 'queue', ?, ?)`,
		spec.RootJobID, spec.RetryOfJobID, spec.RetryIndex, spec.Prompt,
		spec.ImageURL, spec.Duration, spec.AspectRatio, spec.GroupTitle,
		spec.Operator, spec.ProfileID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// GetJob returns one job by id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sora_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	return j, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM sora_jobs WHERE 1=1`
	args := []any{}

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Phase != "" {
		query += " AND phase = ?"
		args = append(args, f.Phase)
	}
	if f.ProfileID != "" {
		query += " AND profile_id = ?"
		args = append(args, f.ProfileID)
	}
	if f.GroupTitle != "" {
		query += " AND group_title = ?"
		args = append(args, f.GroupTitle)
	}
	if f.Keyword != "" {
		query += " AND prompt LIKE ?"
		args = append(args, "%"+f.Keyword+"%")
	}
	query += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimNextJob atomically leases the lowest-id claimable queued job for
// owner. It returns nil when nothing is claimable. Concurrent callers get
// distinct rows: the UPDATE re-checks the claim predicate under the single
// write connection.
func (s *Store) ClaimNextJob(ctx context.Context, owner string, leaseSeconds int) (*Job, error) {
	now := nowMS()
	until := now + int64(leaseSeconds)*1000

	var claimed *Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM sora_jobs
			WHERE status = 'queued' AND (lease_until IS NULL OR lease_until < ?)
			ORDER BY id ASC LIMIT 1`, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE sora_jobs SET
				status = 'running',
				lease_owner = ?,
				lease_until = ?,
				heartbeat_at = ?,
				run_attempt = run_attempt + 1,
				run_last_error = NULL,
				updated_at = ?
			WHERE id = ? AND status = 'queued'
			  AND (lease_until IS NULL OR lease_until < ?)`,
			owner, until, now, now, id, now)
		if err != nil {
			return fmt.Errorf("claim job %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil // raced away; caller polls again
		}

		j, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM sora_jobs WHERE id = ?`, id))
		if err != nil {
			return err
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// HeartbeatJob extends the lease iff owner still holds it.
func (s *Store) HeartbeatJob(ctx context.Context, id int64, owner string, leaseSeconds int) (bool, error) {
	now := nowMS()
	res, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs
		SET lease_until = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		now+int64(leaseSeconds)*1000, now, now, id, owner)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ClearJobLease nulls the lease fields iff owner still holds them. Called on
// every runner exit path.
func (s *Store) ClearJobLease(ctx context.Context, id int64, owner string) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs
		SET lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		nowMS(), id, owner)
	if err != nil {
		return fmt.Errorf("clear lease job %d: %w", id, err)
	}
	return nil
}

// RequeueStaleJobs recycles running rows whose lease expired: back to queued,
// lease cleared, run_attempt kept. Returns the number of rows recycled.
func (s *Store) RequeueStaleJobs(ctx context.Context) (int, error) {
	now := nowMS()
	res, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs SET
			status = 'queued',
			lease_owner = NULL,
			lease_until = NULL,
			heartbeat_at = NULL,
			run_last_error = 'worker lease expired',
			updated_at = ?
		WHERE status = 'running' AND lease_until < ?`, now, now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CancelJob flips a non-terminal job to canceled. Returns false when the job
// was already terminal (double cancel is a no-op).
func (s *Store) CancelJob(ctx context.Context, id int64) (bool, error) {
	res, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs SET
			status = 'canceled',
			lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL,
			updated_at = ?
		WHERE id = ? AND status NOT IN ('completed','failed','canceled')`,
		nowMS(), id)
	if err != nil {
		return false, fmt.Errorf("cancel job %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// IsJobCanceled reports whether the job row carries status canceled. Runners
// poll this at safe points.
func (s *Store) IsJobCanceled(ctx context.Context, id int64) (bool, error) {
	var status string
	err := s.read.QueryRowContext(ctx,
		`SELECT status FROM sora_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return status == JobCanceled, nil
}

// SetJobDispatch records the chosen profile and the scoring audit trail.
func (s *Store) SetJobDispatch(ctx context.Context, id int64, profileID, mode string, score, quantity, quality float64, reason string) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs SET
			profile_id = ?, dispatch_mode = ?, dispatch_score = ?,
			dispatch_quantity_score = ?, dispatch_quality_score = ?,
			dispatch_reason = ?, updated_at = ?
		WHERE id = ?`,
		profileID, mode, score, quantity, quality, reason, nowMS(), id)
	if err != nil {
		return fmt.Errorf("set dispatch job %d: %w", id, err)
	}
	return nil
}

// SetJobPhase advances the phase marker.
func (s *Store) SetJobPhase(ctx context.Context, id int64, phase string) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs SET phase = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed','failed','canceled')`,
		phase, nowMS(), id)
	if err != nil {
		return fmt.Errorf("set phase job %d: %w", id, err)
	}
	return nil
}

// UpdateJobProgress raises progress_pct; the MAX keeps it monotone within a
// claim regardless of caller ordering.
func (s *Store) UpdateJobProgress(ctx context.Context, id int64, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs SET progress_pct = MAX(progress_pct, ?), updated_at = ?
		WHERE id = ?`, pct, nowMS(), id)
	if err != nil {
		return fmt.Errorf("update progress job %d: %w", id, err)
	}
	return nil
}

// SetJobTaskID records the upstream task id obtained at submit.
func (s *Store) SetJobTaskID(ctx context.Context, id int64, taskID string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE sora_jobs SET task_id = ?, updated_at = ? WHERE id = ?`,
		taskID, nowMS(), id)
	return err
}

// SetJobGenerationID records the completed draft id.
func (s *Store) SetJobGenerationID(ctx context.Context, id int64, generationID string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE sora_jobs SET generation_id = ?, updated_at = ? WHERE id = ?`,
		generationID, nowMS(), id)
	return err
}

// SetJobPublishResult records the publish outcome.
func (s *Store) SetJobPublishResult(ctx context.Context, id int64, url, postID, permalink string) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs SET
			publish_url = ?, publish_post_id = ?, publish_permalink = ?, updated_at = ?
		WHERE id = ?`, url, postID, permalink, nowMS(), id)
	return err
}

// CompleteJob marks the terminal success state. Terminal rows are never
// rewritten.
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs SET
			status = 'completed', phase = 'done', progress_pct = 100,
			lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL,
			updated_at = ?
		WHERE id = ? AND status NOT IN ('completed','failed','canceled')`,
		nowMS(), id)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	return nil
}

// FailJob marks the terminal failure state with a truncated reason.
func (s *Store) FailJob(ctx context.Context, id int64, reason string) error {
	reason = Truncate(reason, 500)
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs SET
			status = 'failed', run_last_error = ?,
			lease_owner = NULL, lease_until = NULL, heartbeat_at = NULL,
			updated_at = ?
		WHERE id = ? AND status NOT IN ('completed','failed','canceled')`,
		reason, nowMS(), id)
	if err != nil {
		return fmt.Errorf("fail job %d: %w", id, err)
	}
	return nil
}

// SetJobRunLastError records a non-terminal execution error.
func (s *Store) SetJobRunLastError(ctx context.Context, id int64, msg string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE sora_jobs SET run_last_error = ?, updated_at = ? WHERE id = ?`,
		Truncate(msg, 500), nowMS(), id)
	return err
}

// SetJobWatermark updates the watermark sub-lifecycle fields.
func (s *Store) SetJobWatermark(ctx context.Context, id int64, status, url, wmErr string, attempts int) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE sora_jobs SET
			watermark_status = ?, watermark_url = ?, watermark_error = ?,
			watermark_attempts = ?, updated_at = ?
		WHERE id = ?`,
		status, url, Truncate(wmErr, 500), attempts, nowMS(), id)
	return err
}

// PendingSubmitsByProfile counts queued/running jobs per profile that have
// not yet obtained a task_id, within a group. These are quota reservations.
func (s *Store) PendingSubmitsByProfile(ctx context.Context, groupTitle string) (map[string]int, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT profile_id, COUNT(*) FROM sora_jobs
		WHERE group_title = ? AND status IN ('queued','running')
		  AND profile_id IS NOT NULL AND profile_id != ''
		  AND (task_id IS NULL OR task_id = '')
		GROUP BY profile_id`, groupTitle)
	if err != nil {
		return nil, fmt.Errorf("pending submits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var profile string
		var n int
		if err := rows.Scan(&profile, &n); err != nil {
			return nil, err
		}
		out[profile] = n
	}
	return out, rows.Err()
}

// RunningJobsByProfile counts currently running jobs per profile.
func (s *Store) RunningJobsByProfile(ctx context.Context) (map[string]int, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT profile_id, COUNT(*) FROM sora_jobs
		WHERE status = 'running' AND profile_id IS NOT NULL AND profile_id != ''
		GROUP BY profile_id`)
	if err != nil {
		return nil, fmt.Errorf("running jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var profile string
		var n int
		if err := rows.Scan(&profile, &n); err != nil {
			return nil, err
		}
		out[profile] = n
	}
	return out, rows.Err()
}

// ProfilesTriedInChain returns every profile already assigned to a job in the
// retry chain anchored at rootID. Retried dispatches must exclude them.
func (s *Store) ProfilesTriedInChain(ctx context.Context, rootID int64) ([]string, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT DISTINCT profile_id FROM sora_jobs
		WHERE (id = ? OR root_job_id = ?)
		  AND profile_id IS NOT NULL AND profile_id != ''`, rootID, rootID)
	if err != nil {
		return nil, fmt.Errorf("chain profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var profile string
		if err := rows.Scan(&profile); err != nil {
			return nil, err
		}
		out = append(out, profile)
	}
	return out, rows.Err()
}

// Truncate trims s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := strings.ToValidUTF8(s[:n], "")
	return cut + "…"
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var j Job
	var imageURL, profileID, taskID, generationID sql.NullString
	var publishURL, publishPostID, publishPermalink sql.NullString
	var dispatchMode, dispatchReason, leaseOwner, runLastError sql.NullString
	var watermarkURL, watermarkError sql.NullString
	var rootJobID, retryOfJobID, leaseUntil, heartbeatAt sql.NullInt64
	var dispatchScore, dispatchQuantity, dispatchQuality sql.NullFloat64

	err := scanner.Scan(
		&j.ID, &rootJobID, &retryOfJobID, &j.RetryIndex, &j.Prompt, &imageURL,
		&j.Duration, &j.AspectRatio, &j.GroupTitle, &j.Operator, &profileID,
		&j.Status, &j.Phase, &j.ProgressPct, &taskID, &generationID,
		&publishURL, &publishPostID, &publishPermalink, &dispatchMode,
		&dispatchScore, &dispatchQuantity, &dispatchQuality, &dispatchReason,
		&leaseOwner, &leaseUntil, &heartbeatAt, &j.RunAttempt, &runLastError,
		&j.WatermarkStatus, &watermarkURL, &watermarkError,
		&j.WatermarkAttempts, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	j.RootJobID = nullInt64Ptr(rootJobID)
	j.RetryOfJobID = nullInt64Ptr(retryOfJobID)
	j.ImageURL = nullStrPtr(imageURL)
	j.ProfileID = nullStrPtr(profileID)
	j.TaskID = nullStrPtr(taskID)
	j.GenerationID = nullStrPtr(generationID)
	j.PublishURL = nullStrPtr(publishURL)
	j.PublishPostID = nullStrPtr(publishPostID)
	j.PublishPermalink = nullStrPtr(publishPermalink)
	j.DispatchMode = nullStrPtr(dispatchMode)
	j.DispatchScore = nullFloatPtr(dispatchScore)
	j.DispatchQuantityScore = nullFloatPtr(dispatchQuantity)
	j.DispatchQualityScore = nullFloatPtr(dispatchQuality)
	j.DispatchReason = nullStrPtr(dispatchReason)
	j.LeaseOwner = nullStrPtr(leaseOwner)
	j.LeaseUntil = nullInt64Ptr(leaseUntil)
	j.HeartbeatAt = nullInt64Ptr(heartbeatAt)
	j.RunLastError = nullStrPtr(runLastError)
	j.WatermarkURL = nullStrPtr(watermarkURL)
	j.WatermarkError = nullStrPtr(watermarkError)
	return &j, nil
}

func nullStrPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullInt64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nullFloatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
