// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ManuGH/sorad/internal/auth"
	"github.com/ManuGH/sorad/internal/cache"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
)

func eventFilterFromQuery(q url.Values) store.EventLogFilter {
	return store.EventLogFilter{
		Source:       q.Get("source"),
		Status:       q.Get("status"),
		Level:        q.Get("level"),
		Keyword:      q.Get("keyword"),
		Action:       q.Get("action"),
		Path:         q.Get("path"),
		TraceID:      q.Get("trace_id"),
		RequestID:    q.Get("request_id"),
		Operator:     q.Get("operator"),
		StartAt:      queryInt64(q.Get("start_at")),
		EndAt:        queryInt64(q.Get("end_at")),
		SlowOnly:     q.Get("slow_only") == "true",
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        queryInt(q.Get("limit"), 50),
		Cursor:       queryInt64(q.Get("cursor")),
	}
}

func queryInt64(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	f := eventFilterFromQuery(r.URL.Query())
	items, hasMore, nextCursor, err := s.deps.Events.List(r.Context(), f)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       toEventViews(items),
		"has_more":    hasMore,
		"next_cursor": nextCursor,
	})
}

const logStatsCacheTTL = 30 * time.Second

func (s *server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	f := eventFilterFromQuery(r.URL.Query())

	// Only the unfiltered aggregate is cached; filtered views hit SQL.
	cacheable := f == (store.EventLogFilter{Limit: f.Limit})
	if cacheable {
		if cached, ok := s.deps.Cache.Get(cache.KeyLogStats); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}
	stats, err := s.deps.Events.Stats(r.Context(), f)
	if err != nil {
		writeServerError(w, err)
		return
	}
	if cacheable {
		s.deps.Cache.Set(cache.KeyLogStats, stats, logStatsCacheTTL)
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleGetSystemSettings(w http.ResponseWriter, r *http.Request) {
	env, err := s.deps.Settings.SystemEnvelope(r.Context())
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *server) handlePutSystemSettings(w http.ResponseWriter, r *http.Request) {
	var doc settings.SystemSettings
	if !decodeSettingsBody(w, r, &doc) {
		return
	}
	if err := s.deps.Settings.PutSystem(r.Context(), doc, operatorName(r)); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	s.handleGetSystemSettings(w, r)
}

func (s *server) handleGetScanSettings(w http.ResponseWriter, r *http.Request) {
	env, err := s.deps.Settings.ScanSchedulerEnvelope(r.Context())
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *server) handlePutScanSettings(w http.ResponseWriter, r *http.Request) {
	var doc settings.ScanSchedulerSettings
	if !decodeSettingsBody(w, r, &doc) {
		return
	}
	if err := s.deps.Settings.PutScanScheduler(r.Context(), doc, operatorName(r)); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	s.handleGetScanSettings(w, r)
}

func (s *server) handleGetWatermarkSettings(w http.ResponseWriter, r *http.Request) {
	env, err := s.deps.Settings.WatermarkEnvelope(r.Context())
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *server) handlePutWatermarkSettings(w http.ResponseWriter, r *http.Request) {
	var doc settings.WatermarkSettings
	if !decodeSettingsBody(w, r, &doc) {
		return
	}
	if err := s.deps.Settings.PutWatermark(r.Context(), doc, operatorName(r)); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	s.handleGetWatermarkSettings(w, r)
}

func decodeSettingsBody(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeBadRequest(w, "malformed settings document: "+err.Error())
		return false
	}
	return true
}

type triggerScanRequest struct {
	GroupTitle string `json:"group_title"`
}

func (s *server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scanning is not configured"})
		return
	}
	var req triggerScanRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "malformed JSON body")
			return
		}
	}
	run, err := s.deps.Scanner.Run(r.Context(), req.GroupTitle, store.ScanTriggerManual)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	// A fresh scan invalidates the cached account view.
	s.deps.Cache.Delete(cache.KeyLatestScan)
	writeJSON(w, http.StatusOK, map[string]any{"run": toScanRunView(run)})
}

type scanRunView struct {
	ID           int64  `json:"id"`
	RunUID       string `json:"run_uid"`
	GroupTitle   string `json:"group_title,omitempty"`
	TriggerKind  string `json:"trigger_kind"`
	Status       string `json:"status"`
	ProfileCount int    `json:"profile_count"`
	OKCount      int    `json:"ok_count"`
	FailCount    int    `json:"fail_count"`
	StartedAt    int64  `json:"started_at"`
	FinishedAt   *int64 `json:"finished_at,omitempty"`
}

func toScanRunView(run *store.ScanRun) scanRunView {
	return scanRunView{
		ID:           run.ID,
		RunUID:       run.RunUID,
		GroupTitle:   run.GroupTitle,
		TriggerKind:  run.TriggerKind,
		Status:       run.Status,
		ProfileCount: run.ProfileCount,
		OKCount:      run.OKCount,
		FailCount:    run.FailCount,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
}

const proxyStatsLookback = 30 * time.Minute

type proxyView struct {
	ID            int64   `json:"id"`
	URL           string  `json:"url"`
	Label         string  `json:"label,omitempty"`
	Disabled      bool    `json:"disabled"`
	CreatedAt     int64   `json:"created_at"`
	CFRecentRatio float64 `json:"cf_recent_ratio"`
}

func (s *server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Proxies.Stats(r.Context(), proxyStatsLookback)
	if err != nil {
		writeServerError(w, err)
		return
	}
	items := make([]proxyView, 0, len(stats))
	for _, st := range stats {
		items = append(items, proxyView{
			ID:            st.Proxy.ID,
			URL:           st.Proxy.URL,
			Label:         st.Proxy.Label,
			Disabled:      st.Proxy.Disabled,
			CreatedAt:     st.Proxy.CreatedAt,
			CFRecentRatio: st.Ratio,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type registerProxyRequest struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

func (s *server) handleRegisterProxy(w http.ResponseWriter, r *http.Request) {
	var req registerProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed JSON body")
		return
	}
	if req.URL == "" {
		writeBadRequest(w, "url is required")
		return
	}
	id, err := s.deps.Proxies.Register(r.Context(), req.URL, req.Label)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

type disableProxyRequest struct {
	Disabled bool `json:"disabled"`
}

func (s *server) handleDisableProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req disableProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed JSON body")
		return
	}
	if err := s.deps.Proxies.SetDisabled(r.Context(), id, req.Disabled); err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "disabled": req.Disabled})
}

func operatorName(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.Username
	}
	return ""
}
