// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/sorad/internal/auth"
	"github.com/ManuGH/sorad/internal/cache"
	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/proxyhealth"
	"github.com/ManuGH/sorad/internal/quota"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
)

type fakeScanner struct {
	lastGroup   string
	lastTrigger string
	run         *store.ScanRun
	err         error
}

func (f *fakeScanner) Run(_ context.Context, groupTitle, triggerKind string) (*store.ScanRun, error) {
	f.lastGroup = groupTitle
	f.lastTrigger = triggerKind
	if f.err != nil {
		return nil, f.err
	}
	return f.run, nil
}

type fixture struct {
	srv     *httptest.Server
	store   *store.Store
	events  *eventlog.Service
	scanner *fakeScanner
	token   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	events := eventlog.New(st, logger, nil)
	cfg := settings.New(st, events, logger)
	authSvc := auth.New(st, "test-secret-key-0123456789", logger)
	created, err := authSvc.Bootstrap(context.Background(), "admin", "hunter2hunter2")
	require.NoError(t, err)
	require.True(t, created)

	mem := cache.NewMemory(0)
	t.Cleanup(mem.Stop)

	scanner := &fakeScanner{run: &store.ScanRun{ID: 1, RunUID: "uid", Status: "completed"}}
	handler := NewRouter(Deps{
		Logger:   logger,
		Store:    st,
		Events:   events,
		Settings: cfg,
		Auth:     authSvc,
		Quota:    quota.New(st, events, logger),
		Proxies:  proxyhealth.New(st, logger),
		Scanner:  scanner,
		Cache:    mem,
		Version:  "test",
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := &fixture{srv: srv, store: st, events: events, scanner: scanner}
	f.token = f.login(t, "admin", "hunter2hunter2")
	return f
}

func (f *fixture) login(t *testing.T, username, password string) string {
	t.Helper()
	resp, err := http.PostForm(f.srv.URL+"/api/v1/auth/login", url.Values{
		"username": {username},
		"password": {password},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "bearer", body.TokenType)
	require.NotEmpty(t, body.AccessToken)
	return body.AccessToken
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newFixture(t)
	resp, err := http.PostForm(f.srv.URL+"/api/v1/auth/login", url.Values{
		"username": {"admin"},
		"password": {"wrong"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/api/v1/sora/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeBody[map[string]string](t, resp)
	require.Equal(t, "admin", me["username"])
	require.Equal(t, "admin", me["role"])
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)
	cases := []map[string]string{
		// missing prompt, unknown duration, unknown aspect ratio
		{"duration": "10s", "aspect_ratio": "landscape"},
		{"prompt": "a cat", "duration": "99s", "aspect_ratio": "landscape"},
		{"prompt": "a cat", "duration": "10s", "aspect_ratio": "widescreen"},
	}
	for _, body := range cases {
		resp := f.do(t, http.MethodPost, "/api/v1/sora/jobs", body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/sora/jobs", map[string]string{
		"prompt":       "a red fox in the snow",
		"duration":     "10s",
		"aspect_ratio": "landscape",
		"group_title":  "team-a",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[jobView](t, resp)
	require.Positive(t, created.ID)
	require.Equal(t, store.JobQueued, created.Status)
	require.Equal(t, "admin", created.Operator)

	resp = f.do(t, http.MethodGet, "/api/v1/sora/jobs?status=queued&group_title=team-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[struct {
		Items []jobView `json:"items"`
	}](t, resp)
	require.Len(t, list.Items, 1)

	resp = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sora/jobs/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeBody[struct {
		Job    jobView     `json:"job"`
		Events []eventView `json:"events"`
	}](t, resp)
	require.Equal(t, created.ID, detail.Job.ID)

	// Cancel twice: both succeed, status stays canceled.
	for range 2 {
		resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sora/jobs/%d/cancel", created.ID), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got := decodeBody[jobView](t, resp)
		require.Equal(t, store.JobCanceled, got.Status)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/sora/jobs/999999", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRequestsLandInEventLog(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/sora/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	items, _, err := f.store.ListEventLogs(context.Background(), store.EventLogFilter{
		Source: store.SourceAPI, Limit: 10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	found := false
	for _, e := range items {
		if e.Path == "/api/v1/sora/jobs" && e.Method == http.MethodGet {
			found = true
			require.Equal(t, http.StatusOK, e.StatusCode)
			require.Equal(t, "admin", e.Operator)
		}
	}
	require.True(t, found)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/admin/settings/system", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeBody[settings.Envelope[settings.SystemSettings]](t, resp)
	require.Equal(t, settings.DefaultSystem(), env.Data)

	doc := env.Data
	doc.Sora.JobMaxConcurrency = 4
	resp = f.do(t, http.MethodPut, "/api/v1/admin/settings/system", doc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env = decodeBody[settings.Envelope[settings.SystemSettings]](t, resp)
	require.Equal(t, 4, env.Data.Sora.JobMaxConcurrency)
	require.Equal(t, 2, env.Defaults.Sora.JobMaxConcurrency)

	// Invalid documents are rejected and nothing is stored.
	doc.Sora.JobMaxConcurrency = 0
	resp = f.do(t, http.MethodPut, "/api/v1/admin/settings/system", doc)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestScanSettingsRejectBadSlot(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPut, "/api/v1/admin/settings/scheduler/scan", map[string]any{
		"enabled": true, "times": []string{"25:99"}, "timezone": "UTC",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTriggerScan(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/v1/admin/scans", map[string]string{"group_title": "team-a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, "team-a", f.scanner.lastGroup)
	require.Equal(t, store.ScanTriggerManual, f.scanner.lastTrigger)
}

func TestProxyAdmin(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/admin/proxies", map[string]string{
		"url": "http://proxy.example.com:3128", "label": "eu",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[map[string]any](t, resp)
	id := int64(created["id"].(float64))
	require.Positive(t, id)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/proxies/%d/disable", id),
		map[string]bool{"disabled": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/admin/proxies", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[struct {
		Items []proxyView `json:"items"`
	}](t, resp)
	require.Len(t, list.Items, 1)
	require.True(t, list.Items[0].Disabled)
	require.Equal(t, "http://proxy.example.com:3128", list.Items[0].URL)
}

func TestLogStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.events.SystemEvent(context.Background(), "test.event", "info", "hello")

	resp := f.do(t, http.MethodGet, "/api/v1/admin/logs/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeBody[store.EventLogStats](t, resp)
	require.Positive(t, stats.TotalCount)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogStreamDeliversEvents(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.srv.URL+"/api/v1/admin/logs/stream?token="+f.token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	f.events.SystemEvent(context.Background(), "stream.test", "info", "streamed row")

	deadline := time.After(4 * time.Second)
	sawEvent := false
	for !sawEvent {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before delivering the event")
			}
			if strings.HasPrefix(line, "event: log") {
				sawEvent = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for the streamed event")
		}
	}
}

func TestStreamRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/api/v1/admin/logs/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
