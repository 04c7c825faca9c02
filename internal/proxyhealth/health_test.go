// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package proxyhealth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/sorad/internal/store"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, zerolog.Nop()), st
}

func TestRegisterNormalisesURL(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()

	id, err := s.Register(ctx, "HTTP://Proxy.Example.COM:8080", "eu-west")
	require.NoError(t, err)
	require.Positive(t, id)

	proxies, err := st.ListProxies(ctx)
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	require.Equal(t, "http://proxy.example.com:8080", proxies[0].URL)
	require.Equal(t, "eu-west", proxies[0].Label)
}

func TestRegisterRejectsBadScheme(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Register(context.Background(), "ftp://proxy.example.com:21", "nope")
	require.Error(t, err)
}

func TestRegisterSameURLKeepsOneRow(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()

	first, err := s.Register(ctx, "socks5://10.0.0.5:1080", "old")
	require.NoError(t, err)
	second, err := s.Register(ctx, "SOCKS5://10.0.0.5:1080", "new")
	require.NoError(t, err)
	require.Equal(t, first, second)

	proxies, err := st.ListProxies(ctx)
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	require.Equal(t, "new", proxies[0].Label)
}

func TestEventRecorderAndRatio(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	id, err := s.Register(ctx, "http://proxy.example.com:3128", "")
	require.NoError(t, err)

	record := s.EventRecorder(id, "p1", 42)
	record(ctx, "request", "progress", "")
	record(ctx, "request", "progress", "")
	record(ctx, "request", "publish", "")
	record(ctx, "challenge", "progress", "cf-chl")

	ratio, err := s.Ratio(ctx, id, 30*time.Minute)
	require.NoError(t, err)
	require.InDelta(t, 0.25, ratio, 0.001)

	healthy, got, err := s.Healthy(ctx, id, 0.5, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, healthy)
	require.InDelta(t, 0.25, got, 0.001)

	healthy, _, err = s.Healthy(ctx, id, 0.2, 30*time.Minute)
	require.NoError(t, err)
	require.False(t, healthy)
}

func TestHealthyWithNoTraffic(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	id, err := s.Register(ctx, "http://proxy.example.com:3128", "")
	require.NoError(t, err)

	healthy, ratio, err := s.Healthy(ctx, id, 0.5, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, healthy)
	require.Zero(t, ratio)
}

func TestStats(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	a, err := s.Register(ctx, "http://a.example.com:3128", "a")
	require.NoError(t, err)
	_, err = s.Register(ctx, "http://b.example.com:3128", "b")
	require.NoError(t, err)

	record := s.EventRecorder(a, "p1", 1)
	record(ctx, "request", "progress", "")
	record(ctx, "challenge", "progress", "cf-chl")

	stats, err := s.Stats(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.InDelta(t, 0.5, stats[0].Ratio, 0.001)
	require.Zero(t, stats[1].Ratio)
}

func TestLookbackExcludesOldEvents(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	id, err := s.Register(ctx, "http://proxy.example.com:3128", "")
	require.NoError(t, err)
	record := s.EventRecorder(id, "p1", 1)
	record(ctx, "challenge", "progress", "cf-chl")

	// Window in the future: nothing counts.
	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	ratio, err := s.Ratio(ctx, id, time.Hour)
	require.NoError(t, err)
	require.Zero(t, ratio)
}
