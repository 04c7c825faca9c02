// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Event log sources.
const (
	SourceAPI       = "api"
	SourceAudit     = "audit"
	SourceTask      = "task"
	SourceSystem    = "system"
	SourceIXBrowser = "ixbrowser"
)

// EventLog is one append-only structured log row.
type EventLog struct {
	ID        int64
	CreatedAt int64
	Source    string
	Action    string
	Status    string
	Level     string

	Event   string
	Phase   string
	Message string

	TraceID   string
	RequestID string

	Method     string
	Path       string
	QueryText  string
	StatusCode int
	DurationMS int64
	IsSlow     bool

	Operator   string
	OperatorID *int64

	ResourceType string
	ResourceID   string

	ErrorType string
	ErrorCode string
	Metadata  string
}

// EventLogFilter narrows listing and stats queries.
type EventLogFilter struct {
	Source       string
	Status       string
	Level        string
	Keyword      string
	Action       string
	Path         string
	TraceID      string
	RequestID    string
	Operator     string
	StartAt      int64 // unix ms, inclusive
	EndAt        int64 // unix ms, inclusive
	SlowOnly     bool
	ResourceType string
	ResourceID   string
	Limit        int
	Cursor       int64 // last seen id; 0 means newest page
}

// EventLogStats is the server-side aggregate over filtered rows.
type EventLogStats struct {
	TotalCount         int64            `json:"total_count"`
	FailedCount        int64            `json:"failed_count"`
	FailureRate        float64          `json:"failure_rate"`
	P95DurationMS      int64            `json:"p95_duration_ms"`
	SlowCount          int64            `json:"slow_count"`
	SourceDistribution map[string]int64 `json:"source_distribution"`
	TopActions         []ActionCount    `json:"top_actions"`
	TopFailedReasons   []ReasonCount    `json:"top_failed_reasons"`
}

// ActionCount pairs an action with its row count.
type ActionCount struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

// ReasonCount pairs a failure message with its row count.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// FailedJobEvent is a quality-scoring view row: a failed job event joined to
// its job's profile.
type FailedJobEvent struct {
	ProfileID string
	Phase     string
	Message   string
	CreatedAt int64
}

const eventColumns = `id, created_at, source, action, status, level, event,
	phase, message, trace_id, request_id, method, path, query_text,
	status_code, duration_ms, is_slow, operator, operator_id, resource_type,
	resource_id, error_type, error_code, metadata`

// InsertEventLog appends one row and returns its id. Rows are never mutated.
func (s *Store) InsertEventLog(ctx context.Context, e *EventLog) (int64, error) {
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMS()
	}
	res, err := s.write.ExecContext(ctx, `
		INSERT INTO event_logs (
			created_at, source, action, status, level, event, phase, message,
			trace_id, request_id, method, path, query_text, status_code,
			duration_ms, is_slow, operator, operator_id, resource_type,
			resource_id, error_type, error_code, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CreatedAt, e.Source, e.Action, e.Status, e.Level, e.Event, e.Phase,
		e.Message, e.TraceID, e.RequestID, e.Method, e.Path, e.QueryText,
		e.StatusCode, e.DurationMS, boolInt(e.IsSlow), e.Operator, e.OperatorID,
		e.ResourceType, e.ResourceID, e.ErrorType, e.ErrorCode, e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("insert event log: %w", err)
	}
	return res.LastInsertId()
}

func eventLogWhere(f EventLogFilter) (string, []any) {
	where := " WHERE 1=1"
	args := []any{}
	add := func(clause string, v any) {
		where += clause
		args = append(args, v)
	}
	if f.Source != "" {
		add(" AND source = ?", f.Source)
	}
	if f.Status != "" {
		add(" AND status = ?", f.Status)
	}
	if f.Level != "" {
		add(" AND level = ?", f.Level)
	}
	if f.Action != "" {
		add(" AND action = ?", f.Action)
	}
	if f.Path != "" {
		add(" AND path = ?", f.Path)
	}
	if f.TraceID != "" {
		add(" AND trace_id = ?", f.TraceID)
	}
	if f.RequestID != "" {
		add(" AND request_id = ?", f.RequestID)
	}
	if f.Operator != "" {
		add(" AND operator = ?", f.Operator)
	}
	if f.ResourceType != "" {
		add(" AND resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		add(" AND resource_id = ?", f.ResourceID)
	}
	if f.StartAt > 0 {
		add(" AND created_at >= ?", f.StartAt)
	}
	if f.EndAt > 0 {
		add(" AND created_at <= ?", f.EndAt)
	}
	if f.SlowOnly {
		where += " AND is_slow = 1"
	}
	if f.Keyword != "" {
		where += " AND (message LIKE ? OR action LIKE ? OR path LIKE ?)"
		kw := "%" + f.Keyword + "%"
		args = append(args, kw, kw, kw)
	}
	return where, args
}

// ListEventLogs pages rows by descending id. hasMore reports whether an older
// page exists past the returned rows.
func (s *Store) ListEventLogs(ctx context.Context, f EventLogFilter) (items []*EventLog, hasMore bool, err error) {
	where, args := eventLogWhere(f)
	if f.Cursor > 0 {
		where += " AND id < ?"
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	// One extra row decides has_more without a second count query.
	query := `SELECT ` + eventColumns + ` FROM event_logs` + where +
		` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list event logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		e, err := scanEventLog(rows)
		if err != nil {
			return nil, false, err
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(items) > limit {
		items = items[:limit]
		hasMore = true
	}
	return items, hasMore, nil
}

// ListEventLogsSince returns rows with id > afterID in ascending order.
// Serves the SSE stream.
func (s *Store) ListEventLogsSince(ctx context.Context, afterID int64, source string, limit int) ([]*EventLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM event_logs WHERE id > ?`
	args := []any{afterID}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list event logs since: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EventLog
	for rows.Next() {
		e, err := scanEventLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MaxEventLogID returns the current highest id (0 when empty).
func (s *Store) MaxEventLogID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.read.QueryRowContext(ctx,
		`SELECT MAX(id) FROM event_logs`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// EventLogStats aggregates the filtered rows entirely in SQL.
func (s *Store) EventLogStats(ctx context.Context, f EventLogFilter) (*EventLogStats, error) {
	where, args := eventLogWhere(f)
	stats := &EventLogStats{SourceDistribution: map[string]int64{}}

	err := s.read.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'failed' OR level = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(is_slow), 0)
		FROM event_logs`+where, args...).
		Scan(&stats.TotalCount, &stats.FailedCount, &stats.SlowCount)
	if err != nil {
		return nil, fmt.Errorf("event log stats: %w", err)
	}
	if stats.TotalCount > 0 {
		stats.FailureRate = float64(stats.FailedCount) / float64(stats.TotalCount)
	}

	// p95 by offset into the ordered duration column.
	if stats.TotalCount > 0 {
		offset := (stats.TotalCount*95 + 99) / 100
		if offset > 0 {
			offset--
		}
		var p95 sql.NullInt64
		err = s.read.QueryRowContext(ctx, `
			SELECT duration_ms FROM event_logs`+where+`
			ORDER BY duration_ms ASC LIMIT 1 OFFSET ?`,
			append(append([]any{}, args...), offset)...).Scan(&p95)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event log p95: %w", err)
		}
		stats.P95DurationMS = p95.Int64
	}

	rows, err := s.read.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM event_logs`+where+` GROUP BY source`, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var src string
		var n int64
		if err := rows.Scan(&src, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.SourceDistribution[src] = n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.read.QueryContext(ctx, `
		SELECT action, COUNT(*) AS n FROM event_logs`+where+`
		GROUP BY action ORDER BY n DESC LIMIT 10`, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ac ActionCount
		if err := rows.Scan(&ac.Action, &ac.Count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.TopActions = append(stats.TopActions, ac)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.read.QueryContext(ctx, `
		SELECT message, COUNT(*) AS n FROM event_logs`+where+`
		AND (status = 'failed' OR level = 'error') AND message != ''
		GROUP BY message ORDER BY n DESC LIMIT 10`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var rc ReasonCount
		if err := rows.Scan(&rc.Reason, &rc.Count); err != nil {
			return nil, err
		}
		stats.TopFailedReasons = append(stats.TopFailedReasons, rc)
	}
	return stats, rows.Err()
}

// RecentFailedJobEvents returns failed job events newer than sinceMS joined
// to the owning job's profile. Feeds the dispatcher quality score.
func (s *Store) RecentFailedJobEvents(ctx context.Context, sinceMS int64) ([]FailedJobEvent, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT j.profile_id, e.phase, e.message, e.created_at
		FROM event_logs e
		JOIN sora_jobs j ON j.id = CAST(e.resource_id AS INTEGER)
		WHERE e.source = 'task' AND e.resource_type = 'sora_job'
		  AND e.event = 'fail' AND e.created_at >= ?
		  AND j.profile_id IS NOT NULL AND j.profile_id != ''
		ORDER BY e.created_at DESC`, sinceMS)
	if err != nil {
		return nil, fmt.Errorf("recent failed events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FailedJobEvent
	for rows.Next() {
		var f FailedJobEvent
		if err := rows.Scan(&f.ProfileID, &f.Phase, &f.Message, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListJobEvents returns the task events of one job in append order.
func (s *Store) ListJobEvents(ctx context.Context, jobID int64) ([]*EventLog, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM event_logs
		WHERE source = 'task' AND resource_type = 'sora_job' AND resource_id = ?
		ORDER BY id ASC`, fmt.Sprintf("%d", jobID))
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EventLog
	for rows.Next() {
		e, err := scanEventLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- retention primitives (policy lives in internal/eventlog) ---

// DeleteEventLogsBefore removes rows older than cutoffMS.
func (s *Store) DeleteEventLogsBefore(ctx context.Context, cutoffMS int64) (int, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM event_logs WHERE created_at < ?`, cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("delete old event logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// EstimateEventLogSize approximates the table footprint: the sum of LENGTH
// over the string columns plus a fixed per-row overhead. Approximate by
// contract; callers needing exact bounds wire a real size probe.
func (s *Store) EstimateEventLogSize(ctx context.Context) (int64, error) {
	const perRowOverhead = 128
	var size sql.NullInt64
	err := s.read.QueryRowContext(ctx, `
		SELECT SUM(
			LENGTH(source) + LENGTH(action) + LENGTH(status) + LENGTH(level) +
			LENGTH(event) + LENGTH(phase) + LENGTH(COALESCE(message,'')) +
			LENGTH(COALESCE(trace_id,'')) + LENGTH(COALESCE(request_id,'')) +
			LENGTH(COALESCE(method,'')) + LENGTH(COALESCE(path,'')) +
			LENGTH(COALESCE(query_text,'')) + LENGTH(COALESCE(operator,'')) +
			LENGTH(COALESCE(resource_type,'')) + LENGTH(COALESCE(resource_id,'')) +
			LENGTH(COALESCE(error_type,'')) + LENGTH(COALESCE(error_code,'')) +
			LENGTH(COALESCE(metadata,'')) + ?
		) FROM event_logs`, perRowOverhead).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("estimate event log size: %w", err)
	}
	return size.Int64, nil
}

// DeleteOldestEventLogs removes the n oldest rows.
func (s *Store) DeleteOldestEventLogs(ctx context.Context, n int) (int, error) {
	res, err := s.write.ExecContext(ctx, `
		DELETE FROM event_logs WHERE id IN (
			SELECT id FROM event_logs ORDER BY id ASC LIMIT ?
		)`, n)
	if err != nil {
		return 0, fmt.Errorf("delete oldest event logs: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

// CountEventLogs returns the row count.
func (s *Store) CountEventLogs(ctx context.Context) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_logs`).Scan(&n)
	return n, err
}

// InsertAuditLog appends a legacy audit row.
func (s *Store) InsertAuditLog(ctx context.Context, operator, method, path string, statusCode int, durationMS int64, detail string) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO audit_logs (created_at, operator, method, path, status_code, duration_ms, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nowMS(), operator, method, path, statusCode, durationMS, detail)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// DeleteAuditLogsBefore removes audit rows older than cutoffMS.
func (s *Store) DeleteAuditLogsBefore(ctx context.Context, cutoffMS int64) (int, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE created_at < ?`, cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("delete old audit logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanEventLog(scanner interface{ Scan(dest ...any) error }) (*EventLog, error) {
	var e EventLog
	var event, phase, message, traceID, requestID sql.NullString
	var method, path, queryText, operator sql.NullString
	var resourceType, resourceID, errorType, errorCode, metadata sql.NullString
	var statusCode, isSlow sql.NullInt64
	var durationMS, operatorID sql.NullInt64

	err := scanner.Scan(
		&e.ID, &e.CreatedAt, &e.Source, &e.Action, &e.Status, &e.Level,
		&event, &phase, &message, &traceID, &requestID, &method, &path,
		&queryText, &statusCode, &durationMS, &isSlow, &operator, &operatorID,
		&resourceType, &resourceID, &errorType, &errorCode, &metadata,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Event = fromNullStr(event)
	e.Phase = fromNullStr(phase)
	e.Message = fromNullStr(message)
	e.TraceID = fromNullStr(traceID)
	e.RequestID = fromNullStr(requestID)
	e.Method = fromNullStr(method)
	e.Path = fromNullStr(path)
	e.QueryText = fromNullStr(queryText)
	e.StatusCode = int(statusCode.Int64)
	e.DurationMS = durationMS.Int64
	e.IsSlow = isSlow.Int64 == 1
	e.Operator = fromNullStr(operator)
	e.OperatorID = nullInt64Ptr(operatorID)
	e.ResourceType = fromNullStr(resourceType)
	e.ResourceID = fromNullStr(resourceID)
	e.ErrorType = fromNullStr(errorType)
	e.ErrorCode = fromNullStr(errorCode)
	e.Metadata = fromNullStr(metadata)
	return &e, nil
}

func fromNullStr(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
