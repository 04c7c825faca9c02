// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package scheduler

import "sync"

// firedSet remembers the most recent slot keys a process already handled, so
// fast ticks and restarts within the same minute do not hammer the lock
// table. The authoritative cross-process guard stays scheduler_locks.
type firedSet struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	order []string
}

func newFiredSet(limit int) *firedSet {
	return &firedSet{limit: limit, seen: make(map[string]struct{}, limit)}
}

func (f *firedSet) contains(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[key]
	return ok
}

func (f *firedSet) add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[key]; ok {
		return
	}
	f.seen[key] = struct{}{}
	f.order = append(f.order, key)
	if len(f.order) > f.limit {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.seen, oldest)
	}
}
