// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertProxy registers (or re-labels) a proxy URL and returns its id.
func (s *Store) UpsertProxy(ctx context.Context, url, label string) (int64, error) {
	if url == "" {
		return 0, errors.New("store: proxy url is required")
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO proxies (url, label, created_at) VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET label = excluded.label`,
		url, label, nowMS())
	if err != nil {
		return 0, fmt.Errorf("upsert proxy: %w", err)
	}
	var id int64
	if err := s.read.QueryRowContext(ctx,
		`SELECT id FROM proxies WHERE url = ?`, url).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// SetProxyDisabled toggles a proxy out of rotation.
func (s *Store) SetProxyDisabled(ctx context.Context, id int64, disabled bool) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE proxies SET disabled = ? WHERE id = ?`, boolInt(disabled), id)
	if err != nil {
		return fmt.Errorf("set proxy disabled: %w", err)
	}
	return nil
}

// ListProxies returns every registered proxy.
func (s *Store) ListProxies(ctx context.Context) ([]*Proxy, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, url, label, disabled, created_at FROM proxies ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Proxy
	for rows.Next() {
		var p Proxy
		var disabled int
		if err := rows.Scan(&p.ID, &p.URL, &p.Label, &disabled, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Disabled = disabled == 1
		out = append(out, &p)
	}
	return out, rows.Err()
}

// RecordProxyEvent appends a request/challenge observation for a proxy. The
// window of these rows backs CFRecentRatio.
func (s *Store) RecordProxyEvent(ctx context.Context, proxyID int64, profileID string, jobID int64, kind, phase, marker string) error {
	var markerVal any
	if marker != "" {
		markerVal = Truncate(marker, 200)
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO proxy_cf_events (proxy_id, profile_id, job_id, kind, phase, marker, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		proxyID, profileID, jobID, kind, phase, markerVal, nowMS())
	if err != nil {
		return fmt.Errorf("record proxy event: %w", err)
	}
	return nil
}

// CFRecentRatio returns challenges/requests for a proxy within the window
// ending now. Zero requests yields 0.
func (s *Store) CFRecentRatio(ctx context.Context, proxyID int64, sinceMS int64) (float64, error) {
	var requests, challenges sql.NullInt64
	err := s.read.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN kind = 'challenge' THEN 1 ELSE 0 END), 0)
		FROM proxy_cf_events
		WHERE proxy_id = ? AND created_at >= ?`, proxyID, sinceMS).
		Scan(&requests, &challenges)
	if err != nil {
		return 0, fmt.Errorf("cf recent ratio: %w", err)
	}
	if requests.Int64 == 0 {
		return 0, nil
	}
	return float64(challenges.Int64) / float64(requests.Int64), nil
}
