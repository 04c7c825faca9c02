// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package quota derives the per-profile dispatch view from persisted session
// scans, live in-browser observations, and pending-reservation accounting.
// The tracker holds no state of its own; every read goes to the store.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/metrics"
	"github.com/ManuGH/sorad/internal/store"
)

// ProfileState is one profile's quota view at query time.
type ProfileState struct {
	ProfileID     string `json:"profile_id"`
	ProfileName   string `json:"profile_name"`
	GroupTitle    string `json:"group_title"`
	SessionStatus string `json:"session_status"`

	RemainingCount *int   `json:"remaining_count"`
	TotalCount     *int   `json:"total_count"`
	ResetAt        *int64 `json:"reset_at"`
	PlanType       string `json:"plan_type"`

	CooldownUntil *int64 `json:"cooldown_until"`
	LastSeenAt    int64  `json:"last_seen_at"`

	// Reservations counts queued/running jobs assigned to the profile that
	// have not yet obtained a task id.
	Reservations int `json:"reservations"`

	// RunningJobs counts currently running jobs on the profile.
	RunningJobs int `json:"running_jobs"`
}

// EffectiveRemaining is remaining minus reservations, floored at zero.
// Unknown remaining returns (0, false).
func (p ProfileState) EffectiveRemaining() (int, bool) {
	if p.RemainingCount == nil {
		return 0, false
	}
	n := *p.RemainingCount - p.Reservations
	if n < 0 {
		n = 0
	}
	return n, true
}

// InCooldown reports whether the profile is suppressed at the given instant.
func (p ProfileState) InCooldown(nowMS int64) bool {
	return p.CooldownUntil != nil && *p.CooldownUntil > nowMS
}

// Tracker is the query-only quota view.
type Tracker struct {
	store  *store.Store
	events *eventlog.Service
	logger zerolog.Logger
}

// New builds a Tracker. events may be nil in tests.
func New(s *store.Store, events *eventlog.Service, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  s,
		events: events,
		logger: logger.With().Str("component", "quota").Logger(),
	}
}

// Snapshot returns the current state of every profile seen by the latest
// session scan, optionally restricted to one operator group.
func (t *Tracker) Snapshot(ctx context.Context, groupTitle string) ([]ProfileState, error) {
	results, err := t.store.LatestScanResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota snapshot: %w", err)
	}
	pending, err := t.store.PendingSubmitsByProfile(ctx, groupTitle)
	if err != nil {
		return nil, fmt.Errorf("quota snapshot: %w", err)
	}
	running, err := t.store.RunningJobsByProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota snapshot: %w", err)
	}

	var out []ProfileState
	totalReserved := 0
	for _, r := range results {
		if groupTitle != "" && r.GroupTitle != groupTitle {
			continue
		}
		st := fromScanResult(r)
		st.Reservations = pending[r.ProfileID]
		st.RunningJobs = running[r.ProfileID]
		totalReserved += st.Reservations
		out = append(out, st)
	}
	metrics.SetQuotaReservations(totalReserved)
	return out, nil
}

// Profile returns one profile's state, or store.ErrNotFound when it has never
// been scanned.
func (t *Tracker) Profile(ctx context.Context, profileID string) (*ProfileState, error) {
	r, err := t.store.LatestScanResultForProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	pending, err := t.store.PendingSubmitsByProfile(ctx, r.GroupTitle)
	if err != nil {
		return nil, err
	}
	running, err := t.store.RunningJobsByProfile(ctx)
	if err != nil {
		return nil, err
	}
	st := fromScanResult(r)
	st.Reservations = pending[profileID]
	st.RunningJobs = running[profileID]
	return &st, nil
}

// Observe folds a quota response seen inside a running browser session into
// the profile's latest scan row and mirrors an event. Observations for
// never-scanned profiles are dropped.
func (t *Tracker) Observe(ctx context.Context, profileID string, remaining, total int, resetAt *int64, planType string) error {
	applied, err := t.store.UpsertLiveObservation(ctx, profileID, remaining, total, resetAt, planType)
	if err != nil {
		return fmt.Errorf("quota observe: %w", err)
	}
	if !applied {
		t.logger.Debug().Str("profile_id", profileID).Msg("live observation dropped, profile never scanned")
		return nil
	}
	t.logger.Debug().Str("profile_id", profileID).
		Int("remaining", remaining).Int("total", total).Msg("live quota observation")
	if t.events != nil {
		if _, err := t.events.Append(ctx, &store.EventLog{
			Source:       store.SourceTask,
			Action:       "quota.observed",
			Status:       "ok",
			Level:        "info",
			ResourceType: "profile",
			ResourceID:   profileID,
			Message:      fmt.Sprintf("quota %d/%d plan=%s", remaining, total, planType),
		}); err != nil {
			t.logger.Error().Err(err).Msg("quota observation event failed")
		}
	}
	return nil
}

// SetCooldown suppresses a profile until the given time and mirrors an event.
func (t *Tracker) SetCooldown(ctx context.Context, profileID string, until time.Time, reason string) error {
	if err := t.store.SetProfileCooldown(ctx, profileID, until.UnixMilli()); err != nil {
		return fmt.Errorf("quota cooldown: %w", err)
	}
	t.logger.Info().Str("profile_id", profileID).
		Time("until", until).Str("reason", reason).Msg("profile cooldown set")
	if t.events != nil {
		if _, err := t.events.Append(ctx, &store.EventLog{
			Source:       store.SourceTask,
			Action:       "quota.cooldown",
			Status:       "ok",
			Level:        "warn",
			ResourceType: "profile",
			ResourceID:   profileID,
			Message:      reason,
		}); err != nil {
			t.logger.Error().Err(err).Msg("cooldown event failed")
		}
	}
	return nil
}

func fromScanResult(r *store.ScanResult) ProfileState {
	return ProfileState{
		ProfileID:      r.ProfileID,
		ProfileName:    r.ProfileName,
		GroupTitle:     r.GroupTitle,
		SessionStatus:  r.SessionStatus,
		RemainingCount: r.RemainingCount,
		TotalCount:     r.TotalCount,
		ResetAt:        r.ResetAt,
		PlanType:       r.PlanType,
		CooldownUntil:  r.CooldownUntil,
		LastSeenAt:     r.ScannedAt,
	}
}
