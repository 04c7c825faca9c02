// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package cache holds hot read-side snapshots: admin log stats and the latest
// scan view. Implementations are interchangeable; the daemon picks one from
// the environment.
package cache

import (
	"sync"
	"time"
)

// Well-known keys, kept here so producers and consumers agree.
const (
	KeyLogStats   = "eventlog:stats"
	KeyLatestScan = "scan:latest"
)

// Cache is a TTL key/value store for derived read models.
type Cache interface {
	// Get returns the cached value, or false when absent or expired.
	Get(key string) (any, bool)
	// Set stores value under key for ttl.
	Set(key string, value any, ttl time.Duration)
	// Delete drops one key.
	Delete(key string)
	// Clear drops everything.
	Clear()
	// Stats reports hit/miss counters.
	Stats() Stats
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

type entry struct {
	value     any
	expiresAt time.Time
}

// MemoryCache is the in-process implementation.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	stats   Stats
	stop    chan struct{}
	once    sync.Once
}

// NewMemory builds an in-process cache. cleanupInterval > 0 starts a janitor
// goroutine; call Stop to end it.
func NewMemory(cleanupInterval time.Duration) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.janitor(cleanupInterval)
	}
	return c
}

func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

func (c *MemoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.stats.Sets++
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.CurrentSize = len(c.entries)
	return s
}

// Stop ends the janitor goroutine. Safe to call more than once.
func (c *MemoryCache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		c.mu.Lock()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
				c.stats.Evictions++
			}
		}
		c.mu.Unlock()
	}
}

type noop struct{}

// NewNoop returns a cache that stores nothing, for when caching is disabled.
func NewNoop() Cache { return noop{} }

func (noop) Get(string) (any, bool)         { return nil, false }
func (noop) Set(string, any, time.Duration) {}
func (noop) Delete(string)                  {}
func (noop) Clear()                         {}
func (noop) Stats() Stats                   { return Stats{} }
