// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package upstream implements the proxied-API transport: direct HTTP against
// the video service through the profile's proxy, without a browser window.
// It mirrors the poll/publish shape of a browser session so the runner can
// fail over between the two.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	xproxy "golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/ManuGH/sorad/internal/browser"
)

// Config builds a Client.
type Config struct {
	BaseURL  string
	ProxyURL string
	Timeout  time.Duration

	// RequestsPerSecond paces outbound calls; zero disables pacing.
	RequestsPerSecond float64

	// UserAgent impersonates the profile's fingerprint.
	UserAgent string
}

// ProxyEventFn records request/challenge observations for the CF ratio. kind
// is "request" or "challenge".
type ProxyEventFn func(ctx context.Context, kind, phase, marker string)

// Client is the proxied-API transport for one profile/proxy pairing.
type Client struct {
	http    *http.Client
	base    string
	ua      string
	limiter *rate.Limiter
	logger  zerolog.Logger
	record  ProxyEventFn
}

// NewClient builds a Client. http(s) proxies go through the transport's proxy
// hook; socks5 proxies dial through x/net. record may be nil.
func NewClient(cfg Config, record ProxyEventFn, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		IdleConnTimeout:     60 * time.Second,
		TLSHandshakeTimeout: cfg.Timeout,
	}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			var auth *xproxy.Auth
			if u.User != nil {
				pw, _ := u.User.Password()
				auth = &xproxy.Auth{User: u.User.Username(), Password: pw}
			}
			dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: cfg.Timeout})
			if err != nil {
				return nil, fmt.Errorf("upstream: socks5 dialer: %w", err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		default:
			return nil, fmt.Errorf("upstream: unsupported proxy scheme %q", u.Scheme)
		}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if record == nil {
		record = func(context.Context, string, string, string) {}
	}
	return &Client{
		http:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		ua:      cfg.UserAgent,
		limiter: limiter,
		logger:  logger.With().Str("component", "upstream").Logger(),
		record:  record,
	}, nil
}

type taskStatusResponse struct {
	Status       string `json:"status"`
	ProgressPct  *int   `json:"progress_pct"`
	GenerationID string `json:"generation_id"`
	PublishURL   string `json:"publish_url"`
	Error        string `json:"error"`
	Quota        *struct {
		Remaining *int   `json:"remaining"`
		Total     *int   `json:"total"`
		ResetAt   *int64 `json:"reset_at"`
		PlanType  string `json:"plan_type"`
	} `json:"quota"`
}

// Poll fetches the task's current state through the proxy. A challenge
// response returns ErrChallenge after recording it.
func (c *Client) Poll(ctx context.Context, taskID, accessToken string, wantDrafts bool) (*browser.PollResult, error) {
	endpoint := fmt.Sprintf("%s/backend/video_gen/%s", c.base, url.PathEscape(taskID))
	if wantDrafts {
		endpoint += "?include_drafts=true"
	}
	body, err := c.do(ctx, http.MethodGet, endpoint, accessToken, nil, "progress")
	if err != nil {
		return nil, err
	}

	var ts taskStatusResponse
	if err := json.Unmarshal(body, &ts); err != nil {
		return nil, fmt.Errorf("upstream: decode task status: %w", err)
	}
	out := &browser.PollResult{
		State:        ts.Status,
		Progress:     ts.ProgressPct,
		GenerationID: ts.GenerationID,
		PublishURL:   ts.PublishURL,
		Error:        ts.Error,
	}
	if ts.Quota != nil {
		out.QuotaRemaining = ts.Quota.Remaining
		out.QuotaTotal = ts.Quota.Total
		out.QuotaResetAt = ts.Quota.ResetAt
		out.PlanType = ts.Quota.PlanType
	}
	return out, nil
}

type publishResponse struct {
	PublishURL string `json:"publish_url"`
	PostID     string `json:"post_id"`
	Permalink  string `json:"permalink"`
	ErrorCode  string `json:"error_code"`
	ErrorMsg   string `json:"error_msg"`
}

// Publish posts the generation for public viewing through the proxy.
func (c *Client) Publish(ctx context.Context, generationID, caption string) (*browser.PublishResult, error) {
	payload, err := json.Marshal(map[string]string{
		"generation_id": generationID,
		"caption":       caption,
	})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPost, c.base+"/backend/publish", "", payload, "publish")
	if err != nil {
		return nil, err
	}

	var pr publishResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("upstream: decode publish response: %w", err)
	}
	return &browser.PublishResult{
		PublishURL: pr.PublishURL,
		PostID:     pr.PostID,
		Permalink:  pr.Permalink,
		ErrorCode:  pr.ErrorCode,
		ErrorMsg:   pr.ErrorMsg,
	}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, accessToken string, payload []byte, phase string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}

	c.record(ctx, "request", phase, "")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}

	if marker := challengeMarker(resp, body); marker != "" {
		c.record(ctx, "challenge", phase, marker)
		c.logger.Warn().Str("marker", marker).Str("phase", phase).Msg("anti-bot challenge")
		return nil, ErrChallenge
	}
	if resp.StatusCode == http.StatusTooManyRequests || IsOverloadMarker(string(body)) {
		return nil, ErrOverload
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("upstream: %s: status %d", endpoint, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvalidRequest, resp.StatusCode, string(body[:min(len(body), 200)]))
	}
	return body, nil
}

// challengeMarker returns a non-empty marker when the response is an anti-bot
// challenge page rather than an API answer.
func challengeMarker(resp *http.Response, body []byte) string {
	if v := resp.Header.Get("cf-mitigated"); strings.EqualFold(v, "challenge") {
		return "cf-mitigated"
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		s := string(body)
		for _, marker := range []string{"challenge-platform", "cf-chl", "just a moment", "Just a moment"} {
			if strings.Contains(s, marker) {
				return marker
			}
		}
	}
	return ""
}
