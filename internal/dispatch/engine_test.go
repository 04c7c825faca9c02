// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package dispatch

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/sorad/internal/quota"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
)

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	tracker := quota.New(st, nil, zerolog.Nop())
	return New(st, tracker, nil, zerolog.Nop()), st
}

func seedProfile(t *testing.T, st *store.Store, profileID string, remaining, total int, plan string) {
	t.Helper()
	ctx := context.Background()
	run, err := st.CreateScanRun(ctx, "run-"+profileID, "groupA", store.ScanTriggerManual)
	require.NoError(t, err)
	require.NoError(t, st.InsertScanResult(ctx, &store.ScanResult{
		RunID: run.ID, ProfileID: profileID, ProfileName: "profile " + profileID,
		GroupTitle: "groupA", SessionStatus: "active",
		RemainingCount: &remaining, TotalCount: &total, PlanType: plan,
	}))
}

func mustJob(t *testing.T, st *store.Store) *store.Job {
	t.Helper()
	j, err := st.CreateJob(context.Background(), store.JobSpec{
		Prompt: "p", Duration: "10s", AspectRatio: "landscape", GroupTitle: "groupA",
	})
	require.NoError(t, err)
	return j
}

func cfg() settings.AccountDispatch {
	return settings.DefaultSystem().Dispatch
}

func TestDispatchPicksHighestQuota(t *testing.T) {
	e, st := newEngine(t)
	seedProfile(t, st, "low", 2, 30, store.PlanFree)
	seedProfile(t, st, "high", 25, 30, store.PlanFree)

	res, err := e.Dispatch(context.Background(), mustJob(t, st), cfg())
	require.NoError(t, err)
	require.Equal(t, "high", res.ProfileID)
	require.Greater(t, res.Score, 0.0)
	require.Equal(t, "auto", res.Mode)
}

func TestDispatchWritesAuditFields(t *testing.T) {
	e, st := newEngine(t)
	seedProfile(t, st, "p1", 20, 30, store.PlanPlus)
	j := mustJob(t, st)

	res, err := e.Dispatch(context.Background(), j, cfg())
	require.NoError(t, err)

	got, err := st.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProfileID)
	require.Equal(t, res.ProfileID, *got.ProfileID)
	require.NotNil(t, got.DispatchScore)
	require.InDelta(t, res.Score, *got.DispatchScore, 0.01)
	require.NotNil(t, got.DispatchReason)
}

func TestQuotaReservationUnderConcurrency(t *testing.T) {
	// remaining=3, min_quota_remaining=2: only two of four dispatches may
	// choose the profile; the rest find no candidate.
	e, st := newEngine(t)
	ctx := context.Background()
	seedProfile(t, st, "p1", 3, 30, store.PlanFree)

	c := cfg()
	c.MinQuotaRemaining = 2

	chosen, failed := 0, 0
	for i := 0; i < 4; i++ {
		res, err := e.Dispatch(ctx, mustJob(t, st), c)
		switch {
		case err == nil:
			require.Equal(t, "p1", res.ProfileID)
			chosen++
		case err == ErrNoCandidate:
			failed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 2, chosen)
	require.Equal(t, 2, failed)
}

func TestNoCandidateFailsJob(t *testing.T) {
	e, st := newEngine(t)
	j := mustJob(t, st)

	_, err := e.Dispatch(context.Background(), j, cfg())
	require.ErrorIs(t, err, ErrNoCandidate)

	got, err := st.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, got.Status)
	require.NotNil(t, got.RunLastError)
	require.Contains(t, *got.RunLastError, "no candidate")
}

func TestCooldownExcluded(t *testing.T) {
	e, st := newEngine(t)
	ctx := context.Background()
	seedProfile(t, st, "p1", 20, 30, store.PlanFree)
	require.NoError(t, st.SetProfileCooldown(ctx, "p1", time.Now().Add(10*time.Minute).UnixMilli()))

	_, err := e.Dispatch(ctx, mustJob(t, st), cfg())
	require.ErrorIs(t, err, ErrNoCandidate)
}

func TestQuotaResetGraceRefreshes(t *testing.T) {
	e, st := newEngine(t)
	ctx := context.Background()
	seedProfile(t, st, "p1", 0, 30, store.PlanFree)
	// Cooldown ended two minutes ago, inside the grace window: remaining is
	// treated as refreshed to total.
	require.NoError(t, st.SetProfileCooldown(ctx, "p1", time.Now().Add(-2*time.Minute).UnixMilli()))

	res, err := e.Dispatch(ctx, mustJob(t, st), cfg())
	require.NoError(t, err)
	require.Equal(t, "p1", res.ProfileID)
}

func TestRetryExcludesTriedProfiles(t *testing.T) {
	e, st := newEngine(t)
	ctx := context.Background()
	seedProfile(t, st, "p1", 20, 30, store.PlanFree)
	seedProfile(t, st, "p2", 20, 30, store.PlanFree)

	root := mustJob(t, st)
	require.NoError(t, st.SetJobDispatch(ctx, root.ID, "p1", "auto", 50, 50, 50, "first try"))

	retry, err := st.CreateJob(ctx, store.JobSpec{
		Prompt: "p", Duration: "10s", AspectRatio: "landscape", GroupTitle: "groupA",
		RootJobID: &root.ID, RetryIndex: 1,
	})
	require.NoError(t, err)

	res, err := e.Dispatch(ctx, retry, cfg())
	require.NoError(t, err)
	require.Equal(t, "p2", res.ProfileID)
}

func TestQualityPenaltyWithDecay(t *testing.T) {
	e, st := newEngine(t)
	ctx := context.Background()
	seedProfile(t, st, "clean", 20, 30, store.PlanFree)
	seedProfile(t, st, "flaky", 20, 30, store.PlanFree)

	// Record a fresh submit failure on "flaky" via the event log join path.
	j := mustJob(t, st)
	require.NoError(t, st.SetJobDispatch(ctx, j.ID, "flaky", "auto", 0, 0, 0, ""))
	_, err := st.InsertEventLog(ctx, &store.EventLog{
		Source: store.SourceTask, Action: "sora.job.fail", Status: "failed", Level: "error",
		Event: "fail", Phase: store.PhaseSubmit, Message: "submit rejected",
		ResourceType: "sora_job", ResourceID: itoa(j.ID),
	})
	require.NoError(t, err)

	c := cfg()
	c.QualityErrorRules = []settings.ErrorRule{{
		Phase: store.PhaseSubmit, MessageContains: "rejected", Penalty: 60,
	}}

	res, err := e.Dispatch(ctx, mustJob(t, st), c)
	require.NoError(t, err)
	require.Equal(t, "clean", res.ProfileID)
}

func TestIgnoreRuleSkipsFailure(t *testing.T) {
	e, st := newEngine(t)
	ctx := context.Background()
	seedProfile(t, st, "p1", 20, 30, store.PlanFree)

	j := mustJob(t, st)
	require.NoError(t, st.SetJobDispatch(ctx, j.ID, "p1", "auto", 0, 0, 0, ""))
	require.NoError(t, st.CompleteJob(ctx, j.ID)) // keep it out of reservations
	_, err := st.InsertEventLog(ctx, &store.EventLog{
		Source: store.SourceTask, Action: "sora.job.fail", Status: "failed", Level: "error",
		Event: "fail", Phase: store.PhasePublish, Message: "user canceled mid-flight",
		ResourceType: "sora_job", ResourceID: itoa(j.ID),
	})
	require.NoError(t, err)

	c := cfg()
	c.QualityIgnoreRules = []settings.IgnoreRule{{MessageContains: "canceled"}}
	c.QualityErrorRules = []settings.ErrorRule{{Penalty: 100}}

	res, err := e.Dispatch(ctx, mustJob(t, st), c)
	require.NoError(t, err)
	require.Equal(t, "p1", res.ProfileID)
	require.Equal(t, c.DefaultQualityScore, res.Quality)
}

func TestBlockDuringCooldownSuppresses(t *testing.T) {
	e, st := newEngine(t)
	ctx := context.Background()
	seedProfile(t, st, "p1", 20, 30, store.PlanFree)

	j := mustJob(t, st)
	require.NoError(t, st.SetJobDispatch(ctx, j.ID, "p1", "auto", 0, 0, 0, ""))
	_, err := st.InsertEventLog(ctx, &store.EventLog{
		Source: store.SourceTask, Action: "sora.job.fail", Status: "failed", Level: "error",
		Event: "fail", Phase: store.PhaseSubmit, Message: "challenge wall",
		ResourceType: "sora_job", ResourceID: itoa(j.ID),
	})
	require.NoError(t, err)

	c := cfg()
	c.QualityErrorRules = []settings.ErrorRule{{
		MessageContains: "challenge", Penalty: 5,
		CooldownMinutes: 30, BlockDuringCooldown: true,
	}}

	_, err = e.Dispatch(ctx, mustJob(t, st), c)
	require.ErrorIs(t, err, ErrNoCandidate)
}

func TestPlusBonusBreaksNearTie(t *testing.T) {
	e, st := newEngine(t)
	seedProfile(t, st, "free", 20, 30, store.PlanFree)
	seedProfile(t, st, "plus", 20, 30, store.PlanPlus)

	res, err := e.Dispatch(context.Background(), mustJob(t, st), cfg())
	require.NoError(t, err)
	require.Equal(t, "plus", res.ProfileID)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
