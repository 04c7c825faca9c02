// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package eventlog is the single entrypoint for durable structured events:
// append with masking, listing with cursors, SQL-side stats, bounded
// retention (time + size), and change notification for the live stream.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sorad/internal/metrics"
	"github.com/ManuGH/sorad/internal/store"
)

// Config carries the runtime-tunable retention and masking knobs. Values come
// from SystemSettings; the provider is re-read on every append.
type Config struct {
	RetentionDays      int
	MaxMB              int
	CleanupInterval    time.Duration
	AuditRetentionDays int
	MaskMode           string
}

// DefaultConfig mirrors the SystemSettings defaults.
func DefaultConfig() Config {
	return Config{
		RetentionDays:      14,
		MaxMB:              256,
		CleanupInterval:    5 * time.Minute,
		AuditRetentionDays: 7,
		MaskMode:           MaskBasic,
	}
}

// Service appends, lists and retains event logs.
type Service struct {
	store  *store.Store
	logger zerolog.Logger
	cfg    func() Config

	mu          sync.Mutex
	lastCleanup time.Time
	subscribers map[chan struct{}]struct{}
}

// New builds a Service. cfgFn may be nil, which pins the defaults.
func New(s *store.Store, logger zerolog.Logger, cfgFn func() Config) *Service {
	if cfgFn == nil {
		def := DefaultConfig()
		cfgFn = func() Config { return def }
	}
	return &Service{
		store:       s,
		logger:      logger.With().Str("component", "eventlog").Logger(),
		cfg:         cfgFn,
		subscribers: map[chan struct{}]struct{}{},
	}
}

// Append masks and persists one event, wakes stream subscribers, and
// opportunistically runs retention. Required fields: Source, Action, Status,
// Level.
func (s *Service) Append(ctx context.Context, e *store.EventLog) (int64, error) {
	if e.Source == "" || e.Action == "" || e.Status == "" || e.Level == "" {
		return 0, fmt.Errorf("eventlog: source, action, status and level are required (got %q %q %q %q)",
			e.Source, e.Action, e.Status, e.Level)
	}
	mode := s.cfg().MaskMode
	e.Message = MaskString(mode, e.Message)
	e.QueryText = MaskString(mode, e.QueryText)
	e.Metadata = MaskJSON(mode, e.Metadata)

	id, err := s.store.InsertEventLog(ctx, e)
	if err != nil {
		return 0, err
	}
	metrics.RecordEventAppend(e.Source, e.Level)
	s.notify()
	s.maybeCleanup(ctx)
	return id, nil
}

// JobEvent appends one task event for a job. The metadata snapshot is
// marshalled best-effort; a nil snapshot writes no metadata.
func (s *Service) JobEvent(ctx context.Context, jobID int64, phase, event, level, message, operator, traceID string, snapshot any) {
	meta := ""
	if snapshot != nil {
		if b, err := json.Marshal(snapshot); err == nil {
			meta = string(b)
		}
	}
	status := "ok"
	if event == "fail" {
		status = "failed"
	}
	if _, err := s.Append(ctx, &store.EventLog{
		Source:       store.SourceTask,
		Action:       "sora.job." + event,
		Status:       status,
		Level:        level,
		Event:        event,
		Phase:        phase,
		Message:      message,
		TraceID:      traceID,
		Operator:     operator,
		ResourceType: "sora_job",
		ResourceID:   strconv.FormatInt(jobID, 10),
		Metadata:     meta,
	}); err != nil {
		// Event loss must never break job execution.
		s.logger.Error().Err(err).Int64("job_id", jobID).
			Str("event", event).Msg("job event append failed")
	}
}

// SystemEvent appends one system-source event.
func (s *Service) SystemEvent(ctx context.Context, action, level, message string) {
	status := "ok"
	if level == "error" {
		status = "failed"
	}
	if _, err := s.Append(ctx, &store.EventLog{
		Source:  store.SourceSystem,
		Action:  action,
		Status:  status,
		Level:   level,
		Message: message,
	}); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("system event append failed")
	}
}

// List pages filtered events newest-first and returns the next cursor.
func (s *Service) List(ctx context.Context, f store.EventLogFilter) (items []*store.EventLog, hasMore bool, nextCursor int64, err error) {
	items, hasMore, err = s.store.ListEventLogs(ctx, f)
	if err != nil {
		return nil, false, 0, err
	}
	if hasMore && len(items) > 0 {
		nextCursor = items[len(items)-1].ID
	}
	return items, hasMore, nextCursor, nil
}

// Since returns rows after afterID in append order, for the stream.
func (s *Service) Since(ctx context.Context, afterID int64, source string, limit int) ([]*store.EventLog, error) {
	return s.store.ListEventLogsSince(ctx, afterID, source, limit)
}

// Stats aggregates the filtered rows.
func (s *Service) Stats(ctx context.Context, f store.EventLogFilter) (*store.EventLogStats, error) {
	return s.store.EventLogStats(ctx, f)
}

// Subscribe registers a wakeup channel for the live stream. The channel
// carries edge-triggered signals; missed signals coalesce.
func (s *Service) Subscribe() (ch chan struct{}, cancel func()) {
	ch = make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	metrics.IncSSESubscribers()
	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
		metrics.DecSSESubscribers()
	}
}

func (s *Service) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
