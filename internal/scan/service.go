// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package scan runs session scans: enumerate browser profiles, open each one,
// read its quota state, and persist the per-profile rows the dispatcher feeds
// on.
package scan

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/sorad/internal/browser"
	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/metrics"
	"github.com/ManuGH/sorad/internal/store"
)

const defaultConcurrency = 3

// Service fans a scan run out over the listed profiles.
type Service struct {
	store  *store.Store
	events *eventlog.Service
	lister browser.Lister
	opener browser.Opener
	logger zerolog.Logger

	// Concurrency bounds the parallel profile scans. Zero picks the default.
	Concurrency int
}

// New builds a scan Service. events may be nil.
func New(s *store.Store, events *eventlog.Service, lister browser.Lister, opener browser.Opener, logger zerolog.Logger) *Service {
	return &Service{
		store:  s,
		events: events,
		lister: lister,
		opener: opener,
		logger: logger.With().Str("component", "scan").Logger(),
	}
}

// Run executes one full session scan over the group (empty = all groups) and
// returns the finished run row. Individual profile failures are recorded in
// their result rows; only run-level failures return an error.
func (s *Service) Run(ctx context.Context, groupTitle, triggerKind string) (*store.ScanRun, error) {
	runUID := uuid.NewString()
	run, err := s.store.CreateScanRun(ctx, runUID, groupTitle, triggerKind)
	if err != nil {
		return nil, fmt.Errorf("scan: create run: %w", err)
	}
	log := s.logger.With().Int64("run_id", run.ID).Str("run_uid", runUID).
		Str("trigger", triggerKind).Logger()

	s.appendEvent(ctx, "ixbrowser.scan.start", "ok", "info", run,
		fmt.Sprintf("scan started (group=%q, trigger=%s)", groupTitle, triggerKind))

	profiles, err := s.lister.ListProfiles(ctx, groupTitle)
	if err != nil {
		_ = s.store.FinishScanRun(ctx, run.ID, "failed", 0, 0, 0)
		s.appendEvent(ctx, "ixbrowser.scan.finish", "failed", "error", run,
			fmt.Sprintf("profile listing failed: %v", err))
		return nil, fmt.Errorf("scan: list profiles: %w", err)
	}

	limit := s.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	okCount, failCount := 0, 0

	for _, p := range profiles {
		g.Go(func() error {
			result := s.scanProfile(gctx, run.ID, p)
			if err := s.store.InsertScanResult(gctx, result); err != nil {
				return fmt.Errorf("scan: insert result for %s: %w", p.ID, err)
			}
			outcome := "ok"
			if result.Error != nil {
				outcome = "failed"
			}
			metrics.RecordScanProfile(outcome)
			mu.Lock()
			if result.Error != nil {
				failCount++
			} else {
				okCount++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = s.store.FinishScanRun(ctx, run.ID, "failed", len(profiles), okCount, failCount)
		s.appendEvent(ctx, "ixbrowser.scan.finish", "failed", "error", run, err.Error())
		return nil, err
	}

	status := "completed"
	if len(profiles) > 0 && okCount == 0 {
		status = "failed"
	}
	if err := s.store.FinishScanRun(ctx, run.ID, status, len(profiles), okCount, failCount); err != nil {
		return nil, fmt.Errorf("scan: finish run: %w", err)
	}
	level, evStatus := "info", "ok"
	if status == "failed" {
		level, evStatus = "error", "failed"
	}
	s.appendEvent(ctx, "ixbrowser.scan.finish", evStatus, level, run,
		fmt.Sprintf("scanned %d profiles (%d ok, %d failed)", len(profiles), okCount, failCount))
	log.Info().Int("profiles", len(profiles)).Int("ok", okCount).
		Int("failed", failCount).Str("status", status).Msg("scan run finished")

	return s.store.GetScanRun(ctx, run.ID)
}

// scanProfile reads one profile's state. It never fails the run: errors land
// in the result row.
func (s *Service) scanProfile(ctx context.Context, runID int64, p browser.Profile) *store.ScanResult {
	result := &store.ScanResult{
		RunID:         runID,
		ProfileID:     p.ID,
		ProfileName:   p.Name,
		GroupTitle:    p.GroupTitle,
		SessionStatus: "active",
	}

	session, err := s.opener.Open(ctx, p.ID)
	if err != nil {
		msg := fmt.Sprintf("open: %v", err)
		result.SessionStatus = "error"
		result.Error = &msg
		return result
	}
	defer func() { _ = session.Close(context.WithoutCancel(ctx)) }()

	// A drafts poll is the cheapest logged-in call that exposes quota.
	poll, err := session.Poll(ctx, "", "", true)
	if err != nil {
		msg := fmt.Sprintf("poll: %v", err)
		result.SessionStatus = "error"
		result.Error = &msg
		return result
	}
	result.RemainingCount = poll.QuotaRemaining
	result.TotalCount = poll.QuotaTotal
	result.ResetAt = poll.QuotaResetAt
	result.PlanType = poll.PlanType
	return result
}

func (s *Service) appendEvent(ctx context.Context, action, status, level string, run *store.ScanRun, msg string) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(ctx, &store.EventLog{
		Source:       store.SourceIXBrowser,
		Action:       action,
		Status:       status,
		Level:        level,
		ResourceType: "scan_run",
		ResourceID:   run.RunUID,
		Message:      msg,
	}); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("scan event append failed")
	}
}
