// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package scheduler hosts the background scan triggers: wall-clock scan slots
// and the interval-based account recovery scan. Cross-process idempotence
// comes from the store's advisory scheduler locks; a tick that loses the lock
// logs the conflict and moves on.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/lease"
	"github.com/ManuGH/sorad/internal/metrics"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
)

const (
	scanTickInterval     = 20 * time.Second
	scanLockTTL          = 120 * time.Second
	recoveryTickInterval = 30 * time.Second
	firedSetLimit        = 256
)

// Scanner triggers one session scan. Satisfied by scan.Service.
type Scanner interface {
	Run(ctx context.Context, groupTitle, triggerKind string) (*store.ScanRun, error)
}

// ScanScheduler fires a full session scan at configured wall-clock slots
// (HH:MM in a configured timezone). Each slot fires at most once per local
// date across all processes.
type ScanScheduler struct {
	leases   *lease.Registry
	settings *settings.Service
	scanner  Scanner
	events   *eventlog.Service
	logger   zerolog.Logger

	tick  time.Duration
	now   func() time.Time
	fired *firedSet
}

// NewScanScheduler builds a ScanScheduler. events may be nil.
func NewScanScheduler(leases *lease.Registry, cfg *settings.Service, scanner Scanner,
	events *eventlog.Service, logger zerolog.Logger) *ScanScheduler {
	return &ScanScheduler{
		leases:   leases,
		settings: cfg,
		scanner:  scanner,
		events:   events,
		logger:   logger.With().Str("component", "scheduler").Str("scheduler", "scan").Logger(),
		tick:     scanTickInterval,
		now:      time.Now,
		fired:    newFiredSet(firedSetLimit),
	}
}

// Run ticks until ctx ends. Tick errors are logged and counted, never fatal.
func (s *ScanScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s.tickOnce(ctx)
	}
}

func (s *ScanScheduler) tickOnce(ctx context.Context) {
	cfg, err := s.settings.ScanScheduler(ctx)
	if err != nil {
		metrics.RecordSchedulerError("scan")
		s.logger.Error().Err(err).Msg("settings read failed")
		return
	}
	if !cfg.Enabled {
		return
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		metrics.RecordSchedulerError("scan")
		s.logger.Error().Err(err).Str("timezone", cfg.Timezone).Msg("bad timezone")
		return
	}
	now := s.now().In(loc)
	current := now.Format("15:04")

	for _, slot := range cfg.Times {
		if slot != current {
			continue
		}
		key := fmt.Sprintf("scheduler.scan.%s %s %s", now.Format("2006-01-02"), slot, cfg.Timezone)
		if s.fired.contains(key) {
			continue
		}
		got, err := s.leases.TryLock(ctx, key, scanLockTTL)
		if err != nil {
			metrics.RecordSchedulerError("scan")
			s.logger.Error().Err(err).Str("key", key).Msg("lock attempt failed")
			continue
		}
		// Either way this slot is handled for this process.
		s.fired.add(key)
		if !got {
			metrics.RecordSchedulerLockConflict("scan")
			s.logger.Info().Str("key", key).Msg("slot already claimed by another process")
			if s.events != nil {
				s.events.SystemEvent(ctx, "scheduler.scan.lock_conflict", "info",
					fmt.Sprintf("slot %s claimed elsewhere", key))
			}
			continue
		}
		metrics.RecordSchedulerFire("scan")
		s.logger.Info().Str("key", key).Msg("scan slot fired")
		if _, err := s.scanner.Run(ctx, "", store.ScanTriggerScheduled); err != nil {
			metrics.RecordSchedulerError("scan")
			s.logger.Error().Err(err).Str("key", key).Msg("scheduled scan failed")
		}
	}
}

// RecoveryScheduler fires a group-scoped scan every N minutes, driven by the
// dispatch settings. When dispatch or auto-scan is disabled it parks itself
// and logs the pause reason once per state change.
type RecoveryScheduler struct {
	leases   *lease.Registry
	settings *settings.Service
	scanner  Scanner
	events   *eventlog.Service
	logger   zerolog.Logger

	tick time.Duration
	now  func() time.Time

	pauseReason string
	lastSlot    int64
}

// NewRecoveryScheduler builds a RecoveryScheduler. events may be nil.
func NewRecoveryScheduler(leases *lease.Registry, cfg *settings.Service, scanner Scanner,
	events *eventlog.Service, logger zerolog.Logger) *RecoveryScheduler {
	return &RecoveryScheduler{
		leases:   leases,
		settings: cfg,
		scanner:  scanner,
		events:   events,
		logger:   logger.With().Str("component", "scheduler").Str("scheduler", "account_recovery").Logger(),
		tick:     recoveryTickInterval,
		now:      time.Now,
		lastSlot: -1,
	}
}

// Run ticks until ctx ends.
func (s *RecoveryScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s.tickOnce(ctx)
	}
}

func (s *RecoveryScheduler) tickOnce(ctx context.Context) {
	sys, err := s.settings.System(ctx)
	if err != nil {
		metrics.RecordSchedulerError("account_recovery")
		s.logger.Error().Err(err).Msg("settings read failed")
		return
	}
	cfg := sys.Dispatch

	switch {
	case !cfg.Enabled:
		s.pause(ctx, "dispatch disabled")
		return
	case !cfg.AutoScanEnabled:
		s.pause(ctx, "auto scan disabled")
		return
	}
	s.resume(ctx)

	intervalMin := cfg.AutoScanIntervalMinutes
	if intervalMin <= 0 {
		intervalMin = 60
	}
	interval := time.Duration(intervalMin) * time.Minute
	slot := s.now().Unix() / int64(interval.Seconds())
	if slot == s.lastSlot {
		return
	}

	key := fmt.Sprintf("scheduler.account_recovery.%d", slot)
	got, err := s.leases.TryLock(ctx, key, interval)
	if err != nil {
		metrics.RecordSchedulerError("account_recovery")
		s.logger.Error().Err(err).Str("key", key).Msg("lock attempt failed")
		return
	}
	s.lastSlot = slot
	if !got {
		metrics.RecordSchedulerLockConflict("account_recovery")
		s.logger.Info().Str("key", key).Msg("slot already claimed by another process")
		if s.events != nil {
			s.events.SystemEvent(ctx, "scheduler.account_recovery.lock_conflict", "info",
				fmt.Sprintf("slot %s claimed elsewhere", key))
		}
		return
	}
	metrics.RecordSchedulerFire("account_recovery")
	s.logger.Info().Str("key", key).Str("group", cfg.AutoScanGroupTitle).Msg("recovery scan fired")
	if _, err := s.scanner.Run(ctx, cfg.AutoScanGroupTitle, store.ScanTriggerRecovery); err != nil {
		metrics.RecordSchedulerError("account_recovery")
		s.logger.Error().Err(err).Str("key", key).Msg("recovery scan failed")
	}
}

// pause records the paused state once per distinct reason.
func (s *RecoveryScheduler) pause(ctx context.Context, reason string) {
	if s.pauseReason == reason {
		return
	}
	s.pauseReason = reason
	s.logger.Info().Str("reason", reason).Msg("recovery scheduler paused")
	if s.events != nil {
		s.events.SystemEvent(ctx, "scheduler.account_recovery.paused", "info", reason)
	}
}

func (s *RecoveryScheduler) resume(ctx context.Context) {
	if s.pauseReason == "" {
		return
	}
	s.pauseReason = ""
	s.logger.Info().Msg("recovery scheduler resumed")
	if s.events != nil {
		s.events.SystemEvent(ctx, "scheduler.account_recovery.resumed", "info", "configuration re-enabled")
	}
}
