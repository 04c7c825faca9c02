// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventlog

import (
	"context"
	"time"

	"github.com/ManuGH/sorad/internal/metrics"
)

// sizeDeleteBatch bounds each size-retention round so one append never pays
// for an unbounded delete.
const sizeDeleteBatch = 500

// maybeCleanup runs retention at most once per CleanupInterval. Errors are
// logged and swallowed: retention must never fail an append.
func (s *Service) maybeCleanup(ctx context.Context) {
	cfg := s.cfg()

	s.mu.Lock()
	due := time.Since(s.lastCleanup) >= cfg.CleanupInterval
	if due {
		s.lastCleanup = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	// Time axis.
	if cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.RetentionDays).UnixMilli()
		n, err := s.store.DeleteEventLogsBefore(ctx, cutoff)
		if err != nil {
			s.logger.Error().Err(err).Msg("time retention failed")
		} else if n > 0 {
			metrics.RecordRetentionDeletes("time", n)
			s.logger.Info().Int("deleted", n).Msg("time retention pass")
		}
	}

	// Size axis: delete oldest rows in rounds until the estimate fits.
	if cfg.MaxMB > 0 {
		limit := int64(cfg.MaxMB) * 1024 * 1024
		for {
			estimate, err := s.store.EstimateEventLogSize(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("size estimate failed")
				break
			}
			metrics.SetEventLogEstimatedBytes(estimate)
			if estimate <= limit {
				break
			}
			n, err := s.store.DeleteOldestEventLogs(ctx, sizeDeleteBatch)
			if err != nil {
				s.logger.Error().Err(err).Msg("size retention failed")
				break
			}
			if n == 0 {
				break
			}
			metrics.RecordRetentionDeletes("size", n)
		}
	}

	// Audit axis: separate, shorter window for legacy API logs.
	if cfg.AuditRetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.AuditRetentionDays).UnixMilli()
		n, err := s.store.DeleteAuditLogsBefore(ctx, cutoff)
		if err != nil {
			s.logger.Error().Err(err).Msg("audit retention failed")
		} else if n > 0 {
			metrics.RecordRetentionDeletes("audit", n)
		}
	}
}

// ForceCleanup resets the gate and runs a retention pass now. Used by tests
// and the admin scan trigger.
func (s *Service) ForceCleanup(ctx context.Context) {
	s.mu.Lock()
	s.lastCleanup = time.Time{}
	s.mu.Unlock()
	s.maybeCleanup(ctx)
}
