// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Settings tables. Each holds a single JSON document row; typed overlays live
// in internal/settings.
const (
	SettingsSystem        = "system_settings"
	SettingsScanScheduler = "scan_scheduler_settings"
	SettingsWatermarkFree = "watermark_free_config"
)

func validSettingsTable(table string) bool {
	switch table {
	case SettingsSystem, SettingsScanScheduler, SettingsWatermarkFree:
		return true
	}
	return false
}

// GetSettingsDoc returns the raw JSON document and its update time (unix ms).
// A missing row yields "{}" and zero time.
func (s *Store) GetSettingsDoc(ctx context.Context, table string) (string, int64, error) {
	if !validSettingsTable(table) {
		return "", 0, fmt.Errorf("store: unknown settings table %q", table)
	}
	var data string
	var updatedAt int64
	err := s.read.QueryRowContext(ctx,
		`SELECT data, updated_at FROM `+table+` WHERE id = 1`).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "{}", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("get settings %s: %w", table, err)
	}
	return data, updatedAt, nil
}

// PutSettingsDoc replaces the JSON document.
func (s *Store) PutSettingsDoc(ctx context.Context, table, data string) error {
	if !validSettingsTable(table) {
		return fmt.Errorf("store: unknown settings table %q", table)
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO `+table+` (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data, updated_at = excluded.updated_at`,
		data, nowMS())
	if err != nil {
		return fmt.Errorf("put settings %s: %w", table, err)
	}
	return nil
}
