// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package watermark

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRewriteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"output_url":"https://cdn.example/video-clean.mp4"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, zerolog.Nop())
	out, err := c.Rewrite(context.Background(), "https://sora.chatgpt.com/p/s_abc12345")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/video-clean.mp4", out)
}

func TestRewriteServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"source unavailable"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, zerolog.Nop())
	_, err := c.Rewrite(context.Background(), "https://sora.chatgpt.com/p/s_abc12345")
	require.ErrorContains(t, err, "source unavailable")
}

func TestRewriteBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, zerolog.Nop())
	_, err := c.Rewrite(context.Background(), "https://sora.chatgpt.com/p/s_abc12345")
	require.ErrorContains(t, err, "status 502")
}

func TestRewriteEmptyOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, zerolog.Nop())
	_, err := c.Rewrite(context.Background(), "https://sora.chatgpt.com/p/s_abc12345")
	require.ErrorContains(t, err, "empty output url")
}
