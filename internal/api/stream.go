// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	streamBatchLimit   = 100
	streamPingInterval = 25 * time.Second
)

// handleLogStream serves the event log as Server-Sent Events. New rows arrive
// edge-triggered via the eventlog subscription; periodic pings keep proxies
// from dropping the idle connection.
func (s *server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeServerError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	source := r.URL.Query().Get("source")
	afterID := queryInt64(r.URL.Query().Get("after_id"))
	if afterID == 0 {
		// Start at the tail: only rows appended after connect are streamed.
		maxID, err := s.deps.Store.MaxEventLogID(r.Context())
		if err != nil {
			writeServerError(w, err)
			return
		}
		afterID = maxID
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	wakeup, cancel := s.deps.Events.Subscribe()
	defer cancel()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		// Drain everything appended since the cursor before sleeping again.
		for {
			items, err := s.deps.Events.Since(ctx, afterID, source, streamBatchLimit)
			if err != nil {
				s.logger.Error().Err(err).Msg("log stream read failed")
				return
			}
			if len(items) == 0 {
				break
			}
			for _, e := range items {
				payload, err := json.Marshal(toEventView(e))
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", e.ID, payload); err != nil {
					return
				}
				afterID = e.ID
			}
			flusher.Flush()
			if len(items) < streamBatchLimit {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-wakeup:
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
