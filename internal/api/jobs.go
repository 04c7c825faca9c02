// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/sorad/internal/auth"
	"github.com/ManuGH/sorad/internal/cache"
	"github.com/ManuGH/sorad/internal/store"
)

const maxPromptLen = 4000

type createJobRequest struct {
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url"`
	Duration    string `json:"duration"`
	AspectRatio string `json:"aspect_ratio"`
	GroupTitle  string `json:"group_title"`
	ProfileID   string `json:"profile_id"`
}

func (s *server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed JSON body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeBadRequest(w, "prompt is required")
		return
	}
	if len(req.Prompt) > maxPromptLen {
		writeBadRequest(w, "prompt too long")
		return
	}
	if !slices.Contains(store.ValidDurations, req.Duration) {
		writeBadRequest(w, "duration must be one of "+strings.Join(store.ValidDurations, ", "))
		return
	}
	if !slices.Contains(store.ValidAspectRatios, req.AspectRatio) {
		writeBadRequest(w, "aspect_ratio must be one of "+strings.Join(store.ValidAspectRatios, ", "))
		return
	}

	operator := ""
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		operator = p.Username
	}
	spec := store.JobSpec{
		Prompt:      req.Prompt,
		Duration:    req.Duration,
		AspectRatio: req.AspectRatio,
		GroupTitle:  req.GroupTitle,
		Operator:    operator,
	}
	if req.ImageURL != "" {
		spec.ImageURL = &req.ImageURL
	}
	if req.ProfileID != "" {
		spec.ProfileID = &req.ProfileID
	}

	job, err := s.deps.Store.CreateJob(r.Context(), spec)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobView(job))
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status:     q.Get("status"),
		Phase:      q.Get("phase"),
		ProfileID:  q.Get("profile_id"),
		GroupTitle: q.Get("group_title"),
		Keyword:    q.Get("keyword"),
		Limit:      queryInt(q.Get("limit"), 50),
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), filter)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toJobViews(jobs)})
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w)
			return
		}
		writeServerError(w, err)
		return
	}
	events, err := s.deps.Store.ListJobEvents(r.Context(), id)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":    toJobView(job),
		"events": toEventViews(events),
	})
}

func (s *server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.Store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w)
			return
		}
		writeServerError(w, err)
		return
	}

	// Already-terminal jobs make this a no-op; repeated cancels succeed.
	canceled, err := s.deps.Store.CancelJob(r.Context(), id)
	if err != nil {
		writeServerError(w, err)
		return
	}
	if canceled {
		operator := ""
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			operator = p.Username
		}
		s.deps.Events.JobEvent(r.Context(), id, "", "cancel", "info",
			"canceled by operator", operator, "", nil)
	}
	job, err := s.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

const accountsCacheTTL = 10 * time.Second

func (s *server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	groupTitle := r.URL.Query().Get("group_title")

	if groupTitle == "" {
		if cached, ok := s.deps.Cache.Get(cache.KeyLatestScan); ok {
			writeJSON(w, http.StatusOK, map[string]any{"items": cached, "cached": true})
			return
		}
	}
	states, err := s.deps.Quota.Snapshot(r.Context(), groupTitle)
	if err != nil {
		writeServerError(w, err)
		return
	}
	if groupTitle == "" {
		s.deps.Cache.Set(cache.KeyLatestScan, states, accountsCacheTTL)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": states})
}

type createNurtureBatchRequest struct {
	Title      string   `json:"title"`
	GroupTitle string   `json:"group_title"`
	ProfileIDs []string `json:"profile_ids"`
}

func (s *server) handleCreateNurtureBatch(w http.ResponseWriter, r *http.Request) {
	var req createNurtureBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed JSON body")
		return
	}
	if len(req.ProfileIDs) == 0 {
		writeBadRequest(w, "profile_ids must not be empty")
		return
	}
	operator := ""
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		operator = p.Username
	}
	batch, err := s.deps.Store.CreateNurtureBatch(r.Context(), req.Title, req.GroupTitle, operator, req.ProfileIDs)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchView(batch))
}

func (s *server) handleGetNurtureBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	batch, err := s.deps.Store.GetNurtureBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w)
			return
		}
		writeServerError(w, err)
		return
	}
	jobs, err := s.deps.Store.ListNurtureJobs(r.Context(), id)
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch": toBatchView(batch),
		"jobs":  toNurtureJobViews(jobs),
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeBadRequest(w, "bad id")
		return 0, false
	}
	return id, true
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
