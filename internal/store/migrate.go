// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"fmt"
)

const schemaVersion = 1

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.write.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}

	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.write.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'admin',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sora_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		root_job_id INTEGER,
		retry_of_job_id INTEGER,
		retry_index INTEGER NOT NULL DEFAULT 0,
		prompt TEXT NOT NULL,
		image_url TEXT,
		duration TEXT NOT NULL,
		aspect_ratio TEXT NOT NULL,
		group_title TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',
		profile_id TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		phase TEXT NOT NULL DEFAULT 'queue',
		progress_pct INTEGER NOT NULL DEFAULT 0,
		task_id TEXT,
		generation_id TEXT,
		publish_url TEXT,
		publish_post_id TEXT,
		publish_permalink TEXT,
		dispatch_mode TEXT,
		dispatch_score REAL,
		dispatch_quantity_score REAL,
		dispatch_quality_score REAL,
		dispatch_reason TEXT,
		lease_owner TEXT,
		lease_until INTEGER,
		heartbeat_at INTEGER,
		run_attempt INTEGER NOT NULL DEFAULT 0,
		run_last_error TEXT,
		watermark_status TEXT NOT NULL DEFAULT 'queued',
		watermark_url TEXT,
		watermark_error TEXT,
		watermark_attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sora_jobs_claim
		ON sora_jobs(status, lease_until, id ASC);
	CREATE INDEX IF NOT EXISTS idx_sora_jobs_reservations
		ON sora_jobs(group_title, status, profile_id);
	CREATE INDEX IF NOT EXISTS idx_sora_jobs_root
		ON sora_jobs(root_job_id);

	CREATE TABLE IF NOT EXISTS event_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		source TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		level TEXT NOT NULL,
		event TEXT,
		phase TEXT,
		message TEXT,
		trace_id TEXT,
		request_id TEXT,
		method TEXT,
		path TEXT,
		query_text TEXT,
		status_code INTEGER,
		duration_ms INTEGER,
		is_slow INTEGER NOT NULL DEFAULT 0,
		operator TEXT,
		operator_id INTEGER,
		resource_type TEXT,
		resource_id TEXT,
		error_type TEXT,
		error_code TEXT,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_event_logs_created
		ON event_logs(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_event_logs_source_created
		ON event_logs(source, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_event_logs_fail_lookup
		ON event_logs(source, resource_type, event, created_at DESC, resource_id);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		operator TEXT,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_created
		ON audit_logs(created_at DESC);

	CREATE TABLE IF NOT EXISTS system_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scan_scheduler_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS watermark_free_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scheduler_locks (
		lock_key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		locked_until INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ixbrowser_scan_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_uid TEXT NOT NULL UNIQUE,
		group_title TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		profile_count INTEGER NOT NULL DEFAULT 0,
		ok_count INTEGER NOT NULL DEFAULT 0,
		fail_count INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS ixbrowser_scan_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES ixbrowser_scan_runs(id),
		profile_id TEXT NOT NULL,
		profile_name TEXT NOT NULL DEFAULT '',
		group_title TEXT NOT NULL DEFAULT '',
		session_status TEXT NOT NULL DEFAULT 'unknown',
		remaining_count INTEGER,
		total_count INTEGER,
		reset_at INTEGER,
		plan_type TEXT NOT NULL DEFAULT 'unknown',
		cooldown_until INTEGER,
		error TEXT,
		scanned_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scan_results_profile
		ON ixbrowser_scan_results(profile_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_scan_results_run
		ON ixbrowser_scan_results(run_id);

	CREATE TABLE IF NOT EXISTS sora_nurture_batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL DEFAULT '',
		group_title TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',
		profile_ids TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'queued',
		lease_owner TEXT,
		lease_until INTEGER,
		heartbeat_at INTEGER,
		run_attempt INTEGER NOT NULL DEFAULT 0,
		run_last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nurture_batches_claim
		ON sora_nurture_batches(status, lease_until, id ASC);

	CREATE TABLE IF NOT EXISTS sora_nurture_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id INTEGER NOT NULL REFERENCES sora_nurture_batches(id),
		profile_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nurture_jobs_batch
		ON sora_nurture_jobs(batch_id);

	CREATE TABLE IF NOT EXISTS proxies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL DEFAULT '',
		disabled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS proxy_cf_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proxy_id INTEGER,
		profile_id TEXT NOT NULL DEFAULT '',
		job_id INTEGER,
		kind TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		marker TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_proxy_cf_events_window
		ON proxy_cf_events(proxy_id, created_at DESC);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}
