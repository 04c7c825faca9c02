// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, record ProxyEventFn) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, record, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestPollParsesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/backend/video_gen/task-1", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{
			"status":"running","progress_pct":42,"generation_id":"",
			"quota":{"remaining":7,"total":30,"plan_type":"plus"}
		}`))
	}, nil)

	res, err := c.Poll(context.Background(), "task-1", "tok", false)
	require.NoError(t, err)
	require.Equal(t, "running", res.State)
	require.Equal(t, 42, *res.Progress)
	require.Equal(t, 7, *res.QuotaRemaining)
	require.Equal(t, "plus", res.PlanType)
}

func TestPollChallengeDetection(t *testing.T) {
	var events []string
	record := func(_ context.Context, kind, phase, marker string) {
		events = append(events, kind+":"+phase)
	}
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<html>challenge-platform</html>`))
	}, record)

	_, err := c.Poll(context.Background(), "task-1", "tok", false)
	require.ErrorIs(t, err, ErrChallenge)
	require.Equal(t, []string{"request:progress", "challenge:progress"}, events)
}

func TestPollChallengeHeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("cf-mitigated", "challenge")
		w.WriteHeader(http.StatusOK)
	}, nil)

	_, err := c.Poll(context.Background(), "task-1", "", false)
	require.ErrorIs(t, err, ErrChallenge)
}

func TestOverloadStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, nil)

	_, err := c.Poll(context.Background(), "task-1", "", false)
	require.ErrorIs(t, err, ErrOverload)
}

func TestPublishInvalidRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad generation id"}`))
	}, nil)

	_, err := c.Publish(context.Background(), "gen-1", "caption")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPublishSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{
			"publish_url":"https://sora.chatgpt.com/p/s_abc12345",
			"post_id":"post-1","permalink":"/p/s_abc12345"
		}`))
	}, nil)

	res, err := c.Publish(context.Background(), "gen-1", "caption")
	require.NoError(t, err)
	require.Equal(t, "https://sora.chatgpt.com/p/s_abc12345", res.PublishURL)
	require.Equal(t, "post-1", res.PostID)
}

func TestNewClientRejectsBadProxy(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://x", ProxyURL: "ftp://nope"}, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestIsOverloadMarker(t *testing.T) {
	require.True(t, IsOverloadMarker("we are under HEAVY LOAD, retry later"))
	require.True(t, IsOverloadMarker("heavy_load"))
	require.False(t, IsOverloadMarker("all good"))
}

func TestClassifyPublishError(t *testing.T) {
	require.NoError(t, ClassifyPublishError("", ""))
	require.ErrorIs(t, ClassifyPublishError("duplicate_publish", ""), ErrDuplicatePublish)
	require.ErrorIs(t, ClassifyPublishError("", "post already published"), ErrDuplicatePublish)
	require.ErrorIs(t, ClassifyPublishError("invalid_request", "genid unknown"), ErrInvalidRequest)
	require.ErrorIs(t, ClassifyPublishError("", "heavy load"), ErrOverload)
	require.Error(t, ClassifyPublishError("mystery", "boom"))
}
