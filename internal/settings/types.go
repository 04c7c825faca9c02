// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package settings exposes the single-row JSON configuration documents as
// typed structs with a defaults overlay. Validation happens here, at the
// edge; no other component inspects raw blobs.
package settings

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SystemSettings is the main runtime-tunable document.
type SystemSettings struct {
	Sora     SoraSettings     `json:"sora"`
	Dispatch AccountDispatch  `json:"account_dispatch"`
	EventLog EventLogSettings `json:"event_log"`

	// LogMaskMode is "off" or "basic".
	LogMaskMode string `json:"log_mask_mode"`
}

// SoraSettings tunes the job runner and worker pool.
type SoraSettings struct {
	JobMaxConcurrency int `json:"job_max_concurrency"`

	GeneratePollIntervalSec        int `json:"generate_poll_interval_sec"`
	GenerateMaxMinutes             int `json:"generate_max_minutes"`
	DraftWaitTimeoutMinutes        int `json:"draft_wait_timeout_minutes"`
	DraftManualPollIntervalMinutes int `json:"draft_manual_poll_interval_minutes"`

	PublishRetryMax           int `json:"publish_retry_max"`
	HeavyLoadRetryMaxAttempts int `json:"heavy_load_retry_max_attempts"`
	RequestTimeoutMS          int `json:"request_timeout_ms"`

	// Anti-bot transport failover thresholds.
	CFRecentRatioThreshold  float64 `json:"cf_recent_ratio_threshold"`
	CFRecentLookbackMinutes int     `json:"cf_recent_lookback_minutes"`
}

// EventLogSettings bounds event log retention.
type EventLogSettings struct {
	RetentionDays      int `json:"event_log_retention_days"`
	MaxMB              int `json:"event_log_max_mb"`
	CleanupIntervalSec int `json:"event_log_cleanup_interval_sec"`
	AuditRetentionDays int `json:"audit_log_retention_days"`
}

// AccountDispatch configures profile selection and the recovery scheduler.
type AccountDispatch struct {
	QuantityWeight float64 `json:"quantity_weight"`
	QualityWeight  float64 `json:"quality_weight"`

	QuotaCap               int     `json:"quota_cap"`
	MinQuotaRemaining      int     `json:"min_quota_remaining"`
	UnknownQuotaScore      float64 `json:"unknown_quota_score"`
	QuotaResetGraceMinutes int     `json:"quota_reset_grace_minutes"`

	DefaultQualityScore  float64 `json:"default_quality_score"`
	QualityLookbackHours int     `json:"quality_lookback_hours"`
	DecayHalfLifeHours   float64 `json:"decay_half_life_hours"`

	ActiveJobPenalty float64 `json:"active_job_penalty"`
	PlusBonus        float64 `json:"plus_bonus"`

	QualityIgnoreRules []IgnoreRule `json:"quality_ignore_rules"`
	QualityErrorRules  []ErrorRule  `json:"quality_error_rules"`
	DefaultErrorRule   ErrorRule    `json:"default_error_rule"`

	// Recovery scheduler.
	Enabled                 bool   `json:"enabled"`
	AutoScanEnabled         bool   `json:"auto_scan_enabled"`
	AutoScanIntervalMinutes int    `json:"auto_scan_interval_minutes"`
	AutoScanGroupTitle      string `json:"auto_scan_group_title"`
}

// IgnoreRule skips a failed event during quality scoring when both the phase
// and the message substring match. Empty phase matches every phase.
type IgnoreRule struct {
	Phase           string `json:"phase"`
	MessageContains string `json:"message_contains"`
}

// Matches reports whether the rule covers the event.
func (r IgnoreRule) Matches(phase, message string) bool {
	if r.Phase != "" && r.Phase != phase {
		return false
	}
	return r.MessageContains == "" || strings.Contains(message, r.MessageContains)
}

// ErrorRule penalises a failed event, optionally putting the profile into a
// virtual cooldown.
type ErrorRule struct {
	Phase               string  `json:"phase"`
	MessageContains     string  `json:"message_contains"`
	Penalty             float64 `json:"penalty"`
	CooldownMinutes     int     `json:"cooldown_minutes"`
	BlockDuringCooldown bool    `json:"block_during_cooldown"`
}

// Matches reports whether the rule covers the event.
func (r ErrorRule) Matches(phase, message string) bool {
	if r.Phase != "" && r.Phase != phase {
		return false
	}
	return r.MessageContains == "" || strings.Contains(message, r.MessageContains)
}

// ScanSchedulerSettings configures the wall-clock scan slots.
type ScanSchedulerSettings struct {
	Enabled  bool     `json:"enabled"`
	Times    []string `json:"times"` // "HH:MM"
	Timezone string   `json:"timezone"`
}

// WatermarkSettings configures the watermark-free rewrite step.
type WatermarkSettings struct {
	Enabled           bool   `json:"enabled"`
	Endpoint          string `json:"endpoint"`
	MaxAttempts       int    `json:"max_attempts"`
	TimeoutMS         int    `json:"timeout_ms"`
	FallbackOnFailure bool   `json:"fallback_on_failure"`
}

// DefaultSystem returns the baseline SystemSettings.
func DefaultSystem() SystemSettings {
	return SystemSettings{
		Sora: SoraSettings{
			JobMaxConcurrency:              2,
			GeneratePollIntervalSec:        10,
			GenerateMaxMinutes:             20,
			DraftWaitTimeoutMinutes:        30,
			DraftManualPollIntervalMinutes: 5,
			PublishRetryMax:                5,
			HeavyLoadRetryMaxAttempts:      3,
			RequestTimeoutMS:               10000,
			CFRecentRatioThreshold:         0.5,
			CFRecentLookbackMinutes:        30,
		},
		Dispatch: AccountDispatch{
			QuantityWeight:         0.6,
			QualityWeight:          0.4,
			QuotaCap:               30,
			MinQuotaRemaining:      1,
			UnknownQuotaScore:      40,
			QuotaResetGraceMinutes: 15,
			DefaultQualityScore:    70,
			QualityLookbackHours:   48,
			DecayHalfLifeHours:     12,
			ActiveJobPenalty:       8,
			PlusBonus:              5,
			DefaultErrorRule: ErrorRule{
				Penalty:         10,
				CooldownMinutes: 0,
			},
			Enabled:                 true,
			AutoScanEnabled:         false,
			AutoScanIntervalMinutes: 60,
		},
		EventLog: EventLogSettings{
			RetentionDays:      14,
			MaxMB:              256,
			CleanupIntervalSec: 300,
			AuditRetentionDays: 7,
		},
		LogMaskMode: "basic",
	}
}

// DefaultScanScheduler returns the baseline scan slots (disabled).
func DefaultScanScheduler() ScanSchedulerSettings {
	return ScanSchedulerSettings{
		Enabled:  false,
		Times:    []string{"06:00", "18:00"},
		Timezone: "UTC",
	}
}

// DefaultWatermark returns the baseline watermark config (disabled).
func DefaultWatermark() WatermarkSettings {
	return WatermarkSettings{
		Enabled:           false,
		MaxAttempts:       2,
		TimeoutMS:         60000,
		FallbackOnFailure: false,
	}
}

// Validate rejects system documents the runtime cannot operate with.
func (s SystemSettings) Validate() error {
	if s.Sora.JobMaxConcurrency < 1 || s.Sora.JobMaxConcurrency > 64 {
		return fmt.Errorf("sora.job_max_concurrency out of range: %d", s.Sora.JobMaxConcurrency)
	}
	if s.Sora.GeneratePollIntervalSec < 1 {
		return fmt.Errorf("sora.generate_poll_interval_sec must be positive")
	}
	if s.Sora.GenerateMaxMinutes < 1 || s.Sora.DraftWaitTimeoutMinutes < 1 {
		return fmt.Errorf("sora phase budgets must be positive")
	}
	if s.Sora.RequestTimeoutMS < 100 {
		return fmt.Errorf("sora.request_timeout_ms too small: %d", s.Sora.RequestTimeoutMS)
	}
	if s.Sora.CFRecentRatioThreshold < 0 || s.Sora.CFRecentRatioThreshold > 1 {
		return fmt.Errorf("sora.cf_recent_ratio_threshold out of range")
	}
	if sum := s.Dispatch.QuantityWeight + s.Dispatch.QualityWeight; math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("dispatch weights must sum to 1, got %g", sum)
	}
	if s.Dispatch.QuotaCap < 1 {
		return fmt.Errorf("account_dispatch.quota_cap must be positive")
	}
	if s.Dispatch.MinQuotaRemaining < 0 {
		return fmt.Errorf("account_dispatch.min_quota_remaining must not be negative")
	}
	if s.Dispatch.DecayHalfLifeHours <= 0 {
		return fmt.Errorf("account_dispatch.decay_half_life_hours must be positive")
	}
	if s.EventLog.RetentionDays < 1 || s.EventLog.MaxMB < 1 {
		return fmt.Errorf("event_log retention bounds must be positive")
	}
	switch s.LogMaskMode {
	case "off", "basic":
	default:
		return fmt.Errorf("unknown log_mask_mode: %q", s.LogMaskMode)
	}
	return nil
}

// Validate rejects malformed scan slots.
func (s ScanSchedulerSettings) Validate() error {
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", s.Timezone, err)
	}
	for _, slot := range s.Times {
		if _, err := time.Parse("15:04", slot); err != nil {
			return fmt.Errorf("bad scan time %q: want HH:MM", slot)
		}
	}
	return nil
}

// Validate rejects unusable watermark configs.
func (s WatermarkSettings) Validate() error {
	if s.Enabled && s.Endpoint == "" {
		return fmt.Errorf("watermark endpoint is required when enabled")
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("watermark max_attempts must be positive")
	}
	if s.TimeoutMS < 100 {
		return fmt.Errorf("watermark timeout_ms too small: %d", s.TimeoutMS)
	}
	return nil
}
