// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package dispatch picks a browser profile for a claimed job. Candidates come
// from the quota tracker's snapshot; scoring weighs remaining quota against
// recent failure history with exponential decay.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/metrics"
	"github.com/ManuGH/sorad/internal/quota"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
)

// ErrNoCandidate is returned when every profile fails the hard filters. The
// job has already been moved to failed when this comes back.
var ErrNoCandidate = errors.New("dispatch: no candidate profile")

// Result is the chosen profile plus the audit fields written to the job row.
type Result struct {
	ProfileID string
	Mode      string
	Score     float64
	Quantity  float64
	Quality   float64
	Reason    string
}

// Engine scores and assigns profiles.
type Engine struct {
	store  *store.Store
	quota  *quota.Tracker
	events *eventlog.Service
	logger zerolog.Logger
	now    func() time.Time
}

// New builds an Engine. events may be nil in tests.
func New(s *store.Store, q *quota.Tracker, events *eventlog.Service, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  s,
		quota:  q,
		events: events,
		logger: logger.With().Str("component", "dispatch").Logger(),
		now:    time.Now,
	}
}

type candidate struct {
	state    quota.ProfileState
	quantity float64
	quality  float64
	score    float64
}

// Dispatch selects a profile for the job and writes the dispatch audit fields
// back to its row. A job that exhausts the candidate set is failed in place
// and ErrNoCandidate is returned.
func (e *Engine) Dispatch(ctx context.Context, job *store.Job, cfg settings.AccountDispatch) (*Result, error) {
	now := e.now()
	nowMS := now.UnixMilli()

	states, err := e.quota.Snapshot(ctx, job.GroupTitle)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	var excluded map[string]bool
	if job.RetryIndex > 0 {
		tried, err := e.store.ProfilesTriedInChain(ctx, job.ChainRootID())
		if err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
		excluded = make(map[string]bool, len(tried))
		for _, p := range tried {
			excluded[p] = true
		}
	}

	failed, err := e.store.RecentFailedJobEvents(ctx, nowMS-int64(cfg.QualityLookbackHours)*3600_000)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	failsByProfile := map[string][]store.FailedJobEvent{}
	for _, f := range failed {
		failsByProfile[f.ProfileID] = append(failsByProfile[f.ProfileID], f)
	}

	var candidates []candidate
	for _, st := range states {
		if excluded[st.ProfileID] {
			continue
		}
		if st.InCooldown(nowMS) {
			continue
		}

		eff, effKnown := st.EffectiveRemaining()
		// Quota reset grace: a cooldown that just ended means the daily
		// window rolled over, so treat remaining as refreshed.
		if st.CooldownUntil != nil && *st.CooldownUntil <= nowMS &&
			nowMS-*st.CooldownUntil <= int64(cfg.QuotaResetGraceMinutes)*60_000 &&
			st.TotalCount != nil {
			refreshed := *st.TotalCount - st.Reservations
			if refreshed < 0 {
				refreshed = 0
			}
			eff, effKnown = refreshed, true
		}
		if effKnown && eff < cfg.MinQuotaRemaining {
			continue
		}

		quality, virtualCooldown := e.qualityScore(cfg, failsByProfile[st.ProfileID], now)
		if virtualCooldown {
			continue
		}

		var quantity float64
		if effKnown {
			quantity = clamp(float64(eff)/float64(cfg.QuotaCap), 0, 1) * 100
		} else {
			quantity = cfg.UnknownQuotaScore
		}

		score := cfg.QuantityWeight*quantity + cfg.QualityWeight*quality
		score -= cfg.ActiveJobPenalty * float64(st.RunningJobs)
		switch st.PlanType {
		case store.PlanPlus, store.PlanPro, store.PlanChatGPTPro:
			score += cfg.PlusBonus
		}

		candidates = append(candidates, candidate{
			state: st, quantity: quantity, quality: quality, score: score,
		})
	}

	if len(candidates) == 0 {
		return nil, e.failNoCandidate(ctx, job, len(states))
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.state.LastSeenAt != b.state.LastSeenAt {
			return a.state.LastSeenAt > b.state.LastSeenAt
		}
		return a.state.ProfileID < b.state.ProfileID
	})
	best := candidates[0]

	reason := fmt.Sprintf("score=%.1f quantity=%.1f quality=%.1f running=%d candidates=%d",
		best.score, best.quantity, best.quality, best.state.RunningJobs, len(candidates))
	res := &Result{
		ProfileID: best.state.ProfileID,
		Mode:      "auto",
		Score:     best.score,
		Quantity:  best.quantity,
		Quality:   best.quality,
		Reason:    reason,
	}
	if err := e.store.SetJobDispatch(ctx, job.ID, res.ProfileID, res.Mode,
		res.Score, res.Quantity, res.Quality, res.Reason); err != nil {
		return nil, fmt.Errorf("dispatch: persist: %w", err)
	}

	metrics.RecordDispatch("ok", best.score, len(candidates))
	e.logger.Info().Int64("job_id", job.ID).Str("profile_id", res.ProfileID).
		Float64("score", best.score).Int("candidates", len(candidates)).Msg("job dispatched")
	if e.events != nil {
		e.events.JobEvent(ctx, job.ID, store.PhaseQueue, "dispatch", "info",
			reason, "", "", map[string]any{"profile_id": res.ProfileID})
	}
	return res, nil
}

// qualityScore folds the profile's recent failures into a 0..100 score. The
// second return is true when a block_during_cooldown rule still suppresses
// the profile.
func (e *Engine) qualityScore(cfg settings.AccountDispatch, fails []store.FailedJobEvent, now time.Time) (float64, bool) {
	score := cfg.DefaultQualityScore
	nowMS := now.UnixMilli()

	for _, f := range fails {
		if ignored(cfg.QualityIgnoreRules, f.Phase, f.Message) {
			continue
		}
		rule := cfg.DefaultErrorRule
		for _, r := range cfg.QualityErrorRules {
			if r.Matches(f.Phase, f.Message) {
				rule = r
				break
			}
		}
		ageHours := float64(nowMS-f.CreatedAt) / 3600_000
		if ageHours < 0 {
			ageHours = 0
		}
		score -= rule.Penalty * math.Exp2(-ageHours/cfg.DecayHalfLifeHours)

		if rule.BlockDuringCooldown && rule.CooldownMinutes > 0 &&
			f.CreatedAt+int64(rule.CooldownMinutes)*60_000 > nowMS {
			return 0, true
		}
	}
	return clamp(score, 0, 100), false
}

func (e *Engine) failNoCandidate(ctx context.Context, job *store.Job, scanned int) error {
	reason := fmt.Sprintf("no candidate profile (scanned=%d, retry_index=%d)", scanned, job.RetryIndex)
	if err := e.store.FailJob(ctx, job.ID, "dispatch: "+reason); err != nil {
		return fmt.Errorf("dispatch: fail job %d: %w", job.ID, err)
	}
	metrics.RecordDispatch("no_candidate", 0, 0)
	metrics.RecordPhaseFail(store.PhaseQueue, "no_candidate")
	e.logger.Warn().Int64("job_id", job.ID).Str("reason", reason).Msg("dispatch exhausted")
	if e.events != nil {
		e.events.JobEvent(ctx, job.ID, store.PhaseQueue, "fail", "error", reason, "", "", nil)
	}
	return ErrNoCandidate
}

func ignored(rules []settings.IgnoreRule, phase, message string) bool {
	for _, r := range rules {
		if r.Matches(phase, message) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
