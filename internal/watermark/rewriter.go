// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package watermark rewrites a published video into its watermark-free
// variant through an external rewrite service. Failures here are never fatal
// to the owning job.
package watermark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Rewriter turns a publish URL into a watermark-free output URL.
type Rewriter interface {
	Rewrite(ctx context.Context, publishURL string) (outputURL string, err error)
}

// Client calls the external rewrite endpoint.
type Client struct {
	http     *http.Client
	endpoint string
	logger   zerolog.Logger
}

// NewClient builds a Client against the configured endpoint.
func NewClient(endpoint string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		endpoint: endpoint,
		logger:   logger.With().Str("component", "watermark").Logger(),
	}
}

type rewriteResponse struct {
	OutputURL string `json:"output_url"`
	Error     string `json:"error"`
}

// Rewrite submits the publish URL and returns the rewritten output URL.
func (c *Client) Rewrite(ctx context.Context, publishURL string) (string, error) {
	payload, err := json.Marshal(map[string]string{"publish_url": publishURL})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("watermark: rewrite request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("watermark: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("watermark: rewrite status %d", resp.StatusCode)
	}

	var rr rewriteResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", fmt.Errorf("watermark: decode response: %w", err)
	}
	if rr.Error != "" {
		return "", fmt.Errorf("watermark: rewrite failed: %s", rr.Error)
	}
	if rr.OutputURL == "" {
		return "", fmt.Errorf("watermark: empty output url")
	}
	return rr.OutputURL, nil
}

// Fake is a scripted Rewriter for tests.
type Fake struct {
	OutputURL string
	Err       error
	Calls     int
}

func (f *Fake) Rewrite(context.Context, string) (string, error) {
	f.Calls++
	return f.OutputURL, f.Err
}
