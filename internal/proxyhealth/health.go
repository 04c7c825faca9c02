// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package proxyhealth tracks anti-bot pressure per proxy. Every upstream
// request and challenge is recorded; the recent challenge ratio decides
// whether a proxy is still fit for the proxied transport.
package proxyhealth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	pnet "github.com/ManuGH/sorad/internal/platform/net"
	"github.com/ManuGH/sorad/internal/store"
	"github.com/ManuGH/sorad/internal/upstream"
)

// Service is the proxy registry plus its health view.
type Service struct {
	store  *store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a Service.
func New(s *store.Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  s,
		logger: logger.With().Str("component", "proxyhealth").Logger(),
		now:    time.Now,
	}
}

// Register normalises and stores a proxy URL, returning its id. Re-registering
// an existing URL updates the label.
func (s *Service) Register(ctx context.Context, rawURL, label string) (int64, error) {
	normalized, err := pnet.NormalizeProxyURL(rawURL)
	if err != nil {
		return 0, fmt.Errorf("proxyhealth: %w", err)
	}
	id, err := s.store.UpsertProxy(ctx, normalized, label)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("proxy_id", id).Str("url", pnet.SanitizeURL(normalized)).Msg("proxy registered")
	return id, nil
}

// SetDisabled toggles a proxy in or out of rotation.
func (s *Service) SetDisabled(ctx context.Context, id int64, disabled bool) error {
	return s.store.SetProxyDisabled(ctx, id, disabled)
}

// List returns the registry.
func (s *Service) List(ctx context.Context) ([]*store.Proxy, error) {
	return s.store.ListProxies(ctx)
}

// EventRecorder binds a proxy/profile/job triple to the upstream client's
// observation hook. Recording failures are logged, never surfaced: health
// accounting must not break a running job.
func (s *Service) EventRecorder(proxyID int64, profileID string, jobID int64) upstream.ProxyEventFn {
	return func(ctx context.Context, kind, phase, marker string) {
		if err := s.store.RecordProxyEvent(ctx, proxyID, profileID, jobID, kind, phase, marker); err != nil {
			s.logger.Error().Err(err).Int64("proxy_id", proxyID).
				Str("kind", kind).Msg("proxy event record failed")
		}
	}
}

// Ratio returns challenges/requests for the proxy within the lookback window.
func (s *Service) Ratio(ctx context.Context, proxyID int64, lookback time.Duration) (float64, error) {
	since := s.now().Add(-lookback).UnixMilli()
	return s.store.CFRecentRatio(ctx, proxyID, since)
}

// Healthy reports whether the proxy's recent challenge ratio is below the
// threshold. A proxy with no recent traffic is healthy.
func (s *Service) Healthy(ctx context.Context, proxyID int64, threshold float64, lookback time.Duration) (bool, float64, error) {
	ratio, err := s.Ratio(ctx, proxyID, lookback)
	if err != nil {
		return false, 0, err
	}
	return ratio < threshold, ratio, nil
}

// ProxyStats is one registry entry with its recent challenge ratio.
type ProxyStats struct {
	Proxy *store.Proxy `json:"proxy"`
	Ratio float64      `json:"cf_recent_ratio"`
}

// Stats returns the registry with per-proxy ratios, for the admin surface.
func (s *Service) Stats(ctx context.Context, lookback time.Duration) ([]ProxyStats, error) {
	proxies, err := s.store.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	since := s.now().Add(-lookback).UnixMilli()
	out := make([]ProxyStats, 0, len(proxies))
	for _, p := range proxies {
		ratio, err := s.store.CFRecentRatio(ctx, p.ID, since)
		if err != nil {
			return nil, err
		}
		out = append(out, ProxyStats{Proxy: p, Ratio: ratio})
	}
	return out, nil
}
