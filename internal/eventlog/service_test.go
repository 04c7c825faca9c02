// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventlog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/sorad/internal/store"
)

func newService(t *testing.T, cfg Config) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, zerolog.Nop(), func() Config { return cfg }), st
}

func TestAppendRequiresCoreFields(t *testing.T) {
	svc, _ := newService(t, DefaultConfig())
	_, err := svc.Append(context.Background(), &store.EventLog{Source: "task"})
	require.Error(t, err)
}

func TestAppendMasksSensitiveContent(t *testing.T) {
	svc, st := newService(t, DefaultConfig())
	ctx := context.Background()

	id, err := svc.Append(ctx, &store.EventLog{
		Source: store.SourceAPI, Action: "http.request", Status: "ok", Level: "info",
		Message:   "auth failed for Bearer eyJhbGciOiJIUzI1NiJ9.payload.sig",
		QueryText: "page=2&access_token=abc123&sort=desc",
		Metadata:  `{"password":"hunter2","nested":{"api_key":"sk-xyz"},"plain":"ok"}`,
	})
	require.NoError(t, err)

	rows, err := st.ListEventLogsSince(ctx, id-1, "", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	e := rows[0]

	require.Contains(t, e.Message, "Bearer ***")
	require.NotContains(t, e.Message, "eyJhbGci")
	require.Contains(t, e.QueryText, "access_token=***")
	require.Contains(t, e.QueryText, "page=2")
	require.Contains(t, e.Metadata, `"password":"***"`)
	require.Contains(t, e.Metadata, `"api_key":"***"`)
	require.Contains(t, e.Metadata, `"plain":"ok"`)
}

func TestMaskModeOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaskMode = MaskOff
	svc, st := newService(t, cfg)
	ctx := context.Background()

	id, err := svc.Append(ctx, &store.EventLog{
		Source: store.SourceAPI, Action: "a", Status: "ok", Level: "info",
		Message: "Bearer secret-token",
	})
	require.NoError(t, err)

	rows, err := st.ListEventLogsSince(ctx, id-1, "", 1)
	require.NoError(t, err)
	require.Equal(t, "Bearer secret-token", rows[0].Message)
}

func TestRetentionBySize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMB = 1
	cfg.RetentionDays = 3650
	cfg.CleanupInterval = 0
	svc, st := newService(t, cfg)
	ctx := context.Background()

	// ~40 KB each; 80 rows far exceed 1 MB.
	payload := strings.Repeat("x", 40*1024)
	for i := 0; i < 80; i++ {
		_, err := svc.Append(ctx, &store.EventLog{
			Source: store.SourceSystem, Action: "bulk", Status: "ok", Level: "info",
			Message: payload,
		})
		require.NoError(t, err)
	}

	before, err := st.CountEventLogs(ctx)
	require.NoError(t, err)

	svc.ForceCleanup(ctx)

	estimate, err := st.EstimateEventLogSize(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, estimate, int64(1024*1024))

	after, err := st.CountEventLogs(ctx)
	require.NoError(t, err)
	require.Less(t, after, before)
}

func TestRetentionByTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetentionDays = 1
	cfg.CleanupInterval = 0
	svc, st := newService(t, cfg)
	ctx := context.Background()

	old := &store.EventLog{
		Source: store.SourceSystem, Action: "old", Status: "ok", Level: "info",
		CreatedAt: time.Now().AddDate(0, 0, -3).UnixMilli(),
	}
	_, err := st.InsertEventLog(ctx, old)
	require.NoError(t, err)
	_, err = svc.Append(ctx, &store.EventLog{
		Source: store.SourceSystem, Action: "fresh", Status: "ok", Level: "info",
	})
	require.NoError(t, err)

	svc.ForceCleanup(ctx)

	items, _, _, err := svc.List(ctx, store.EventLogFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "fresh", items[0].Action)
}

func TestListCursorTriple(t *testing.T) {
	svc, _ := newService(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := svc.Append(ctx, &store.EventLog{
			Source: store.SourceTask, Action: "tick", Status: "ok", Level: "info",
		})
		require.NoError(t, err)
	}

	items, hasMore, next, err := svc.List(ctx, store.EventLogFilter{Limit: 5})
	require.NoError(t, err)
	require.Len(t, items, 5)
	require.True(t, hasMore)
	require.Equal(t, items[4].ID, next)

	items, hasMore, _, err = svc.List(ctx, store.EventLogFilter{Limit: 5, Cursor: next})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.False(t, hasMore)
}

func TestSubscribeNotify(t *testing.T) {
	svc, _ := newService(t, DefaultConfig())
	ctx := context.Background()

	ch, cancel := svc.Subscribe()
	defer cancel()

	_, err := svc.Append(ctx, &store.EventLog{
		Source: store.SourceTask, Action: "tick", Status: "ok", Level: "info",
	})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no wakeup after append")
	}
}

func TestJobEventStreamReconstructsStatus(t *testing.T) {
	svc, st := newService(t, DefaultConfig())
	ctx := context.Background()

	j, err := st.CreateJob(ctx, store.JobSpec{Prompt: "p", Duration: "10s", AspectRatio: "landscape"})
	require.NoError(t, err)

	svc.JobEvent(ctx, j.ID, store.PhaseSubmit, "start", "info", "", "ops", "", nil)
	svc.JobEvent(ctx, j.ID, store.PhaseSubmit, "finish", "info", "", "ops", "", nil)
	svc.JobEvent(ctx, j.ID, store.PhaseProgress, "start", "info", "", "ops", "", nil)
	svc.JobEvent(ctx, j.ID, store.PhaseProgress, "finish", "info", "", "ops", "", nil)
	svc.JobEvent(ctx, j.ID, store.PhasePublish, "start", "info", "", "ops", "", nil)
	svc.JobEvent(ctx, j.ID, store.PhasePublish, "finish", "info", "", "ops", "", nil)

	events, err := st.ListJobEvents(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, events, 6)

	// Replaying the stream yields the final phase outcome.
	last := events[len(events)-1]
	require.Equal(t, store.PhasePublish, last.Phase)
	require.Equal(t, "finish", last.Event)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].ID, events[i-1].ID, "events must be ordered by id")
	}
}
