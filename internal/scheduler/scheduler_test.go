// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/lease"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
)

type countingScanner struct {
	mu   sync.Mutex
	runs []string // "group|trigger"
}

func (c *countingScanner) Run(_ context.Context, groupTitle, triggerKind string) (*store.ScanRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, groupTitle+"|"+triggerKind)
	return &store.ScanRun{}, nil
}

func (c *countingScanner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

type fixture struct {
	store    *store.Store
	settings *settings.Service
	events   *eventlog.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	events := eventlog.New(st, zerolog.Nop(), nil)
	return &fixture{
		store:    st,
		settings: settings.New(st, events, zerolog.Nop()),
		events:   events,
	}
}

func (f *fixture) scanScheduler(t *testing.T, scanner Scanner, now time.Time) *ScanScheduler {
	t.Helper()
	reg := lease.New(f.store, lease.NewOwner(), 30*time.Second, zerolog.Nop())
	s := NewScanScheduler(reg, f.settings, scanner, f.events, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s
}

func enableScanSlots(t *testing.T, f *fixture, times []string) {
	t.Helper()
	require.NoError(t, f.settings.PutScanScheduler(context.Background(), settings.ScanSchedulerSettings{
		Enabled:  true,
		Times:    times,
		Timezone: "UTC",
	}, "test"))
}

func eventActions(t *testing.T, st *store.Store, source string) []string {
	t.Helper()
	events, _, err := st.ListEventLogs(context.Background(), store.EventLogFilter{Source: source})
	require.NoError(t, err)
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestScanSlotFiresOnce(t *testing.T) {
	f := newFixture(t)
	scanner := &countingScanner{}
	now := time.Date(2026, 3, 10, 6, 0, 5, 0, time.UTC)
	s := f.scanScheduler(t, scanner, now)
	enableScanSlots(t, f, []string{"06:00", "18:00"})
	ctx := context.Background()

	s.tickOnce(ctx)
	require.Equal(t, 1, scanner.count())
	require.Equal(t, []string{"|scheduled"}, scanner.runs)

	// Same minute, further ticks: the fired set suppresses a re-fire.
	s.tickOnce(ctx)
	s.tickOnce(ctx)
	require.Equal(t, 1, scanner.count())
}

func TestScanSlotSkippedWhenTimeDoesNotMatch(t *testing.T) {
	f := newFixture(t)
	scanner := &countingScanner{}
	s := f.scanScheduler(t, scanner, time.Date(2026, 3, 10, 6, 1, 0, 0, time.UTC))
	enableScanSlots(t, f, []string{"06:00"})

	s.tickOnce(context.Background())
	require.Equal(t, 0, scanner.count())
}

func TestScanDisabledDoesNothing(t *testing.T) {
	f := newFixture(t)
	scanner := &countingScanner{}
	s := f.scanScheduler(t, scanner, time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC))
	// Defaults leave the scheduler disabled.

	s.tickOnce(context.Background())
	require.Equal(t, 0, scanner.count())
}

func TestScanSameSlotNextDayFiresAgain(t *testing.T) {
	f := newFixture(t)
	scanner := &countingScanner{}
	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	s := f.scanScheduler(t, scanner, now)
	enableScanSlots(t, f, []string{"06:00"})
	ctx := context.Background()

	s.tickOnce(ctx)
	s.now = func() time.Time { return now.Add(24 * time.Hour) }
	s.tickOnce(ctx)
	require.Equal(t, 2, scanner.count())
}

func TestTwoSchedulersOneWinner(t *testing.T) {
	f := newFixture(t)
	scannerA := &countingScanner{}
	scannerB := &countingScanner{}
	now := time.Date(2026, 3, 10, 18, 0, 30, 0, time.UTC)
	a := f.scanScheduler(t, scannerA, now)
	b := f.scanScheduler(t, scannerB, now)
	enableScanSlots(t, f, []string{"18:00"})
	ctx := context.Background()

	a.tickOnce(ctx)
	b.tickOnce(ctx)

	require.Equal(t, 1, scannerA.count()+scannerB.count())
	require.Contains(t, eventActions(t, f.store, store.SourceSystem), "scheduler.scan.lock_conflict")
}

func (f *fixture) recoveryScheduler(t *testing.T, scanner Scanner, now time.Time) *RecoveryScheduler {
	t.Helper()
	reg := lease.New(f.store, lease.NewOwner(), 30*time.Second, zerolog.Nop())
	s := NewRecoveryScheduler(reg, f.settings, scanner, f.events, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s
}

func enableRecovery(t *testing.T, f *fixture, intervalMinutes int, group string) {
	t.Helper()
	ctx := context.Background()
	sys, err := f.settings.System(ctx)
	require.NoError(t, err)
	sys.Dispatch.Enabled = true
	sys.Dispatch.AutoScanEnabled = true
	sys.Dispatch.AutoScanIntervalMinutes = intervalMinutes
	sys.Dispatch.AutoScanGroupTitle = group
	require.NoError(t, f.settings.PutSystem(ctx, sys, "test"))
}

func TestRecoveryFiresOncePerSlot(t *testing.T) {
	f := newFixture(t)
	scanner := &countingScanner{}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := f.recoveryScheduler(t, scanner, now)
	enableRecovery(t, f, 30, "groupA")
	ctx := context.Background()

	s.tickOnce(ctx)
	s.tickOnce(ctx)
	require.Equal(t, 1, scanner.count())
	require.Equal(t, []string{"groupA|recovery"}, scanner.runs)

	// Next slot, 30 minutes later.
	s.now = func() time.Time { return now.Add(30 * time.Minute) }
	s.tickOnce(ctx)
	require.Equal(t, 2, scanner.count())
}

func TestRecoveryPausedLogsOnce(t *testing.T) {
	f := newFixture(t)
	scanner := &countingScanner{}
	s := f.recoveryScheduler(t, scanner, time.Now())
	// Dispatch disabled by default.
	ctx := context.Background()

	s.tickOnce(ctx)
	s.tickOnce(ctx)
	s.tickOnce(ctx)
	require.Equal(t, 0, scanner.count())

	paused := 0
	for _, a := range eventActions(t, f.store, store.SourceSystem) {
		if a == "scheduler.account_recovery.paused" {
			paused++
		}
	}
	require.Equal(t, 1, paused)
}

func TestRecoveryResumeAfterPause(t *testing.T) {
	f := newFixture(t)
	scanner := &countingScanner{}
	s := f.recoveryScheduler(t, scanner, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	s.tickOnce(ctx) // paused
	enableRecovery(t, f, 30, "groupA")
	s.tickOnce(ctx) // resumes and fires
	require.Equal(t, 1, scanner.count())
	require.Contains(t, eventActions(t, f.store, store.SourceSystem), "scheduler.account_recovery.resumed")
}

func TestRecoveryTwoProcessesOneWinner(t *testing.T) {
	f := newFixture(t)
	scannerA := &countingScanner{}
	scannerB := &countingScanner{}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := f.recoveryScheduler(t, scannerA, now)
	b := f.recoveryScheduler(t, scannerB, now)
	enableRecovery(t, f, 30, "groupA")
	ctx := context.Background()

	a.tickOnce(ctx)
	b.tickOnce(ctx)
	require.Equal(t, 1, scannerA.count()+scannerB.count())
	require.Contains(t, eventActions(t, f.store, store.SourceSystem), "scheduler.account_recovery.lock_conflict")
}

func TestFiredSetEvictsOldest(t *testing.T) {
	s := newFiredSet(2)
	s.add("a")
	s.add("b")
	s.add("c")
	require.False(t, s.contains("a"))
	require.True(t, s.contains("b"))
	require.True(t, s.contains("c"))
}
