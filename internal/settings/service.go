// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/store"
)

// Envelope is the API shape for settings reads: the effective document, the
// compiled-in defaults, and the last write timestamp.
type Envelope[T any] struct {
	Data            T     `json:"data"`
	Defaults        T     `json:"defaults"`
	UpdatedAt       int64 `json:"updated_at"`
	RequiresRestart bool  `json:"requires_restart"`
}

// Service reads and writes the three settings documents. Stored documents may
// be partial; reads overlay them on the defaults so new fields pick up their
// default until explicitly set.
type Service struct {
	store  *store.Store
	events *eventlog.Service
	logger zerolog.Logger
}

// New builds a Service. events may be nil in tests; PUT audit events are then
// skipped.
func New(s *store.Store, events *eventlog.Service, logger zerolog.Logger) *Service {
	return &Service{
		store:  s,
		events: events,
		logger: logger.With().Str("component", "settings").Logger(),
	}
}

// System returns the effective SystemSettings.
func (s *Service) System(ctx context.Context) (SystemSettings, error) {
	out := DefaultSystem()
	_, err := s.load(ctx, store.SettingsSystem, &out)
	return out, err
}

// ScanScheduler returns the effective scan slot config.
func (s *Service) ScanScheduler(ctx context.Context) (ScanSchedulerSettings, error) {
	out := DefaultScanScheduler()
	_, err := s.load(ctx, store.SettingsScanScheduler, &out)
	return out, err
}

// Watermark returns the effective watermark config.
func (s *Service) Watermark(ctx context.Context) (WatermarkSettings, error) {
	out := DefaultWatermark()
	_, err := s.load(ctx, store.SettingsWatermarkFree, &out)
	return out, err
}

// SystemEnvelope returns the System document in API shape.
func (s *Service) SystemEnvelope(ctx context.Context) (Envelope[SystemSettings], error) {
	out := DefaultSystem()
	updated, err := s.load(ctx, store.SettingsSystem, &out)
	return Envelope[SystemSettings]{
		Data: out, Defaults: DefaultSystem(), UpdatedAt: updated,
	}, err
}

// ScanSchedulerEnvelope returns the scan slot document in API shape.
func (s *Service) ScanSchedulerEnvelope(ctx context.Context) (Envelope[ScanSchedulerSettings], error) {
	out := DefaultScanScheduler()
	updated, err := s.load(ctx, store.SettingsScanScheduler, &out)
	return Envelope[ScanSchedulerSettings]{
		Data: out, Defaults: DefaultScanScheduler(), UpdatedAt: updated,
	}, err
}

// WatermarkEnvelope returns the watermark document in API shape.
func (s *Service) WatermarkEnvelope(ctx context.Context) (Envelope[WatermarkSettings], error) {
	out := DefaultWatermark()
	updated, err := s.load(ctx, store.SettingsWatermarkFree, &out)
	return Envelope[WatermarkSettings]{
		Data: out, Defaults: DefaultWatermark(), UpdatedAt: updated,
	}, err
}

// PutSystem validates and stores a full SystemSettings document.
func (s *Service) PutSystem(ctx context.Context, doc SystemSettings, operator string) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return s.put(ctx, store.SettingsSystem, doc, operator)
}

// PutScanScheduler validates and stores the scan slot document.
func (s *Service) PutScanScheduler(ctx context.Context, doc ScanSchedulerSettings, operator string) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return s.put(ctx, store.SettingsScanScheduler, doc, operator)
}

// PutWatermark validates and stores the watermark document.
func (s *Service) PutWatermark(ctx context.Context, doc WatermarkSettings, operator string) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return s.put(ctx, store.SettingsWatermarkFree, doc, operator)
}

// EventLogConfig bridges SystemSettings into the eventlog config provider.
// Read errors fall back to the defaults so appends keep working.
func (s *Service) EventLogConfig() func() eventlog.Config {
	return func() eventlog.Config {
		sys, err := s.System(context.Background())
		if err != nil {
			s.logger.Warn().Err(err).Msg("settings read failed, using eventlog defaults")
			return eventlog.DefaultConfig()
		}
		return eventlog.Config{
			RetentionDays:      sys.EventLog.RetentionDays,
			MaxMB:              sys.EventLog.MaxMB,
			CleanupInterval:    time.Duration(sys.EventLog.CleanupIntervalSec) * time.Second,
			AuditRetentionDays: sys.EventLog.AuditRetentionDays,
			MaskMode:           sys.LogMaskMode,
		}
	}
}

func (s *Service) load(ctx context.Context, table string, into any) (updatedAt int64, err error) {
	raw, updatedAt, err := s.store.GetSettingsDoc(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("settings: read %s: %w", table, err)
	}
	if raw == "" || raw == "{}" {
		return updatedAt, nil
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return 0, fmt.Errorf("settings: decode %s: %w", table, err)
	}
	return updatedAt, nil
}

func (s *Service) put(ctx context.Context, table string, doc any, operator string) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", table, err)
	}
	if err := s.store.PutSettingsDoc(ctx, table, string(b)); err != nil {
		return fmt.Errorf("settings: write %s: %w", table, err)
	}
	s.logger.Info().Str("table", table).Str("operator", operator).Msg("settings updated")
	if s.events != nil {
		if _, err := s.events.Append(ctx, &store.EventLog{
			Source:       store.SourceAudit,
			Action:       "settings.update",
			Status:       "ok",
			Level:        "info",
			Operator:     operator,
			ResourceType: "settings",
			ResourceID:   table,
			Message:      fmt.Sprintf("settings table %s replaced", table),
		}); err != nil {
			s.logger.Error().Err(err).Str("table", table).Msg("settings audit event failed")
		}
	}
	return nil
}
