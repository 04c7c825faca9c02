// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedis(RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisGetSet(t *testing.T) {
	c, _ := newRedisCache(t)

	_, ok := c.Get(KeyLatestScan)
	require.False(t, ok)

	c.Set(KeyLatestScan, map[string]any{"profiles": float64(3)}, time.Minute)
	v, ok := c.Get(KeyLatestScan)
	require.True(t, ok)
	require.Equal(t, map[string]any{"profiles": float64(3)}, v)
}

func TestRedisExpiry(t *testing.T) {
	c, mr := newRedisCache(t)

	c.Set("k", "v", time.Second)
	mr.FastForward(2 * time.Second)
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestRedisDeleteAndClear(t *testing.T) {
	c, _ := newRedisCache(t)

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Delete("a")
	_, ok := c.Get("a")
	require.False(t, ok)

	c.Clear()
	_, ok = c.Get("b")
	require.False(t, ok)
}

func TestRedisStats(t *testing.T) {
	c, _ := newRedisCache(t)

	c.Set("a", 1, time.Minute)
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	require.EqualValues(t, 1, s.Hits)
	require.EqualValues(t, 1, s.Misses)
	require.EqualValues(t, 1, s.Sets)
	require.Equal(t, 1, s.CurrentSize)
}

func TestRedisPing(t *testing.T) {
	c, mr := newRedisCache(t)
	require.NoError(t, c.Ping(context.Background()))
	mr.Close()
	require.Error(t, c.Ping(context.Background()))
}

func TestNewRedisUnreachable(t *testing.T) {
	_, err := NewRedis(RedisConfig{Addr: "127.0.0.1:1"}, zerolog.Nop())
	require.Error(t, err)
}
