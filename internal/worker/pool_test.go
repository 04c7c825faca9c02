// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/sorad/internal/lease"
	"github.com/ManuGH/sorad/internal/runner"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
)

type stubExecutor struct {
	store *store.Store

	mu  sync.Mutex
	ran []int64
}

func (s *stubExecutor) Run(ctx context.Context, jobID int64, _ runner.Config, _ func() bool) error {
	if err := s.store.CompleteJob(ctx, jobID); err != nil {
		return err
	}
	s.mu.Lock()
	s.ran = append(s.ran, jobID)
	s.mu.Unlock()
	return nil
}

func (s *stubExecutor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ran)
}

type stubBatchExecutor struct {
	store *store.Store
}

func (s *stubBatchExecutor) Run(ctx context.Context, batch *store.NurtureBatch, _ func() bool) error {
	return s.store.FinishNurtureBatch(ctx, batch.ID, store.JobCompleted, "")
}

func newPool(t *testing.T) (*Pool, *store.Store, *stubExecutor) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := lease.New(st, lease.NewOwner(), 30*time.Second, zerolog.Nop())
	cfg := settings.New(st, nil, zerolog.Nop())
	exec := &stubExecutor{store: st}
	p := New(st, reg, exec, &stubBatchExecutor{store: st}, cfg, Options{
		PollInterval:    10 * time.Millisecond,
		SweepInterval:   20 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}, zerolog.Nop())
	return p, st, exec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPoolRunsQueuedJobs(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	p, st, exec := newPool(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := st.CreateJob(ctx, store.JobSpec{Prompt: "p", Duration: "10s", AspectRatio: "landscape"})
		require.NoError(t, err)
	}

	require.NoError(t, p.Start(ctx))
	waitFor(t, func() bool { return exec.count() == 3 })
	require.NoError(t, p.Stop(ctx))

	jobs, err := st.ListJobs(ctx, store.JobFilter{Status: store.JobCompleted})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		require.Nil(t, j.LeaseOwner)
	}
}

func TestPoolRunsNurtureBatches(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	p, st, _ := newPool(t)
	ctx := context.Background()

	b, err := st.CreateNurtureBatch(ctx, "warmup", "groupA", "ops", []string{"p1", "p2"})
	require.NoError(t, err)

	require.NoError(t, p.Start(ctx))
	waitFor(t, func() bool {
		got, err := st.GetNurtureBatch(ctx, b.ID)
		return err == nil && got.Status == store.JobCompleted
	})
	require.NoError(t, p.Stop(ctx))
}

func TestDoubleStartRejected(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	p, _, _ := newPool(t)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	require.Error(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))
}

func TestDoubleStopNoop(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	p, _, _ := newPool(t)
	ctx := context.Background()

	require.NoError(t, p.Stop(ctx)) // stop before start
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx))
}

func TestStartupSweepRecoversOrphans(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	p, st, exec := newPool(t)
	ctx := context.Background()

	j, err := st.CreateJob(ctx, store.JobSpec{Prompt: "p", Duration: "10s", AspectRatio: "landscape"})
	require.NoError(t, err)

	// Simulate a crashed worker: running with an expired lease.
	crashed := lease.New(st, "crashed-owner", 30*time.Second, zerolog.Nop())
	claimed, err := crashed.ClaimJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = st.WriteDB().ExecContext(ctx,
		`UPDATE sora_jobs SET lease_until = ? WHERE id = ?`,
		time.Now().Add(-time.Minute).UnixMilli(), j.ID)
	require.NoError(t, err)

	require.NoError(t, p.Start(ctx))
	waitFor(t, func() bool { return exec.count() == 1 })
	require.NoError(t, p.Stop(ctx))

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCompleted, got.Status)
	require.Equal(t, 2, got.RunAttempt)
}
