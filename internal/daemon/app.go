// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sorad/internal/api"
	"github.com/ManuGH/sorad/internal/auth"
	"github.com/ManuGH/sorad/internal/browser"
	"github.com/ManuGH/sorad/internal/cache"
	"github.com/ManuGH/sorad/internal/config"
	"github.com/ManuGH/sorad/internal/dispatch"
	"github.com/ManuGH/sorad/internal/eventlog"
	"github.com/ManuGH/sorad/internal/lease"
	pnet "github.com/ManuGH/sorad/internal/platform/net"
	"github.com/ManuGH/sorad/internal/proxyhealth"
	"github.com/ManuGH/sorad/internal/quota"
	"github.com/ManuGH/sorad/internal/runner"
	"github.com/ManuGH/sorad/internal/scan"
	"github.com/ManuGH/sorad/internal/scheduler"
	"github.com/ManuGH/sorad/internal/settings"
	"github.com/ManuGH/sorad/internal/store"
	"github.com/ManuGH/sorad/internal/telemetry"
	"github.com/ManuGH/sorad/internal/upstream"
	"github.com/ManuGH/sorad/internal/watermark"
	"github.com/ManuGH/sorad/internal/worker"
)

// ProfileTransportFn describes how to reach the upstream service for one
// profile: the proxied-API client config plus the registry id of the
// profile's proxy (0 when the profile has none). The browser-manager
// integration supplies it; without one the runner stays in-browser.
type ProfileTransportFn func(ctx context.Context, profileID string) (upstream.Config, int64, error)

// Options assembles an App. Config, Logger, Opener and Lister are required.
type Options struct {
	Config config.Config
	Logger zerolog.Logger

	// Browser-manager integration.
	Opener           browser.Opener
	Lister           browser.Lister
	ProfileTransport ProfileTransportFn

	// WatermarkOutbound gates the watermark-removal endpoint. The zero value
	// disables outbound rewrites entirely.
	WatermarkOutbound pnet.OutboundPolicy

	Version string
}

// App owns the wired component graph and its lifecycle.
type App struct {
	opts    Options
	logger  zerolog.Logger
	manager *Manager

	store *store.Store
	pool  *worker.Pool
}

// NewApp opens the store and wires every component, returning an App ready to
// Run. Nothing is started yet.
func NewApp(ctx context.Context, opts Options) (*App, error) {
	if opts.Opener == nil || opts.Lister == nil {
		return nil, fmt.Errorf("daemon: browser opener and lister are required")
	}
	cfg := opts.Config
	logger := opts.Logger

	st, err := store.Open(cfg.DBPath, store.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	// The settings service needs the event log for PUT audit rows, and the
	// event log reads its retention config from settings. A config-only
	// settings instance breaks the cycle.
	settingsForCfg := settings.New(st, nil, logger)
	events := eventlog.New(st, logger, settingsForCfg.EventLogConfig())
	settingsSvc := settings.New(st, events, logger)

	authSvc := auth.New(st, cfg.SecretKey, logger)
	if err := bootstrapAdmin(ctx, authSvc, logger); err != nil {
		_ = st.Close()
		return nil, err
	}

	leases := lease.New(st, lease.NewOwner(), time.Duration(cfg.LeaseSeconds)*time.Second, logger)
	quotaTracker := quota.New(st, events, logger)
	engine := dispatch.New(st, quotaTracker, events, logger)
	proxies := proxyhealth.New(st, logger)

	var transportFactory runner.TransportFactory
	if opts.ProfileTransport != nil {
		transportFactory = newTransportFactory(opts.ProfileTransport, settingsSvc, proxies, logger)
	}
	rewriter := newPolicyRewriter(settingsSvc, opts.WatermarkOutbound, logger)

	jobRunner := runner.New(st, engine, quotaTracker, events, opts.Opener,
		transportFactory, rewriter, logger)
	nurtureRunner := runner.NewNurtureRunner(st, events, opts.Opener, logger)
	pool := worker.New(st, leases, jobRunner, nurtureRunner, settingsSvc, worker.Options{
		PollInterval:    cfg.WorkerPollInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	scanner := scan.New(st, events, opts.Lister, opts.Opener, logger)
	scanSched := scheduler.NewScanScheduler(leases, settingsSvc, scanner, events, logger)
	recoverySched := scheduler.NewRecoveryScheduler(leases, settingsSvc, scanner, events, logger)

	appCache, cacheHook, cacheReady := buildCache(cfg, logger)

	tracer, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OtelEnabled,
		ServiceName:    "sorad",
		ServiceVersion: opts.Version,
		ExporterType:   cfg.OtelExporter,
		Endpoint:       cfg.OtelEndpoint,
		SamplingRate:   cfg.OtelSampling,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("daemon: telemetry: %w", err)
	}

	ready := []api.ReadyChecker{
		func(ctx context.Context) error { return st.ReadDB().PingContext(ctx) },
	}
	if cacheReady != nil {
		ready = append(ready, cacheReady)
	}
	handler := api.NewRouter(api.Deps{
		Logger:   logger,
		Store:    st,
		Events:   events,
		Settings: settingsSvc,
		Auth:     authSvc,
		Quota:    quotaTracker,
		Proxies:  proxies,
		Scanner:  scanner,
		Cache:    appCache,
		Ready:    ready,
		Version:  opts.Version,
	})

	manager, err := NewManager(ServerConfig{
		ListenAddr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, handler, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	// Shutdown runs LIFO: pool first so running jobs release their leases
	// before anything underneath goes away; the store closes last.
	manager.RegisterShutdownHook("store", func(context.Context) error { return st.Close() })
	manager.RegisterShutdownHook("telemetry", tracer.Shutdown)
	if cacheHook != nil {
		manager.RegisterShutdownHook("cache", cacheHook)
	}
	manager.RegisterShutdownHook("worker-pool", pool.Stop)

	manager.RegisterTask("scan-scheduler", scanSched.Run)
	manager.RegisterTask("recovery-scheduler", recoverySched.Run)

	return &App{
		opts:    opts,
		logger:  logger.With().Str("component", "app").Logger(),
		manager: manager,
		store:   st,
		pool:    pool,
	}, nil
}

// Run starts the worker pool and then the manager, blocking until shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.pool.Start(ctx); err != nil {
		return fmt.Errorf("daemon: start worker pool: %w", err)
	}
	a.logger.Info().Msg("sorad started")
	return a.manager.Start(ctx)
}

// bootstrapAdmin seeds the first operator account. Without a configured
// password a random one is generated and printed once.
func bootstrapAdmin(ctx context.Context, authSvc *auth.Service, logger zerolog.Logger) error {
	password := config.ParseString("SORAD_ADMIN_PASSWORD", "")
	generated := false
	if password == "" {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("daemon: generate admin password: %w", err)
		}
		password = hex.EncodeToString(buf)
		generated = true
	}
	created, err := authSvc.Bootstrap(ctx, config.ParseString("SORAD_ADMIN_USER", "admin"), password)
	if err != nil {
		return fmt.Errorf("daemon: bootstrap admin: %w", err)
	}
	if created && generated {
		logger.Warn().Str("password", password).
			Msg("no SORAD_ADMIN_PASSWORD set; generated admin credentials, rotate them")
	}
	return nil
}

// newTransportFactory builds per-profile proxied-API transports, refusing
// proxies whose recent challenge ratio crossed the failover threshold.
func newTransportFactory(profileTransport ProfileTransportFn, settingsSvc *settings.Service,
	proxies *proxyhealth.Service, logger zerolog.Logger) runner.TransportFactory {
	return func(ctx context.Context, profileID string) (runner.Transport, error) {
		upCfg, proxyID, err := profileTransport(ctx, profileID)
		if err != nil {
			return nil, fmt.Errorf("profile transport %s: %w", profileID, err)
		}
		sys, err := settingsSvc.System(ctx)
		if err != nil {
			return nil, err
		}
		if upCfg.Timeout <= 0 {
			upCfg.Timeout = time.Duration(sys.Sora.RequestTimeoutMS) * time.Millisecond
		}

		var record upstream.ProxyEventFn
		if proxyID != 0 {
			lookback := time.Duration(sys.Sora.CFRecentLookbackMinutes) * time.Minute
			healthy, ratio, herr := proxies.Healthy(ctx, proxyID, sys.Sora.CFRecentRatioThreshold, lookback)
			if herr != nil {
				return nil, herr
			}
			if !healthy {
				return nil, fmt.Errorf("proxy %d over challenge threshold (ratio %.2f)", proxyID, ratio)
			}
			record = proxies.EventRecorder(proxyID, profileID, 0)
		}
		return upstream.NewClient(upCfg, record, logger)
	}
}

// policyRewriter reads the watermark endpoint from settings on every call and
// polices it against the outbound allowlist before delegating.
type policyRewriter struct {
	settings *settings.Service
	policy   pnet.OutboundPolicy
	logger   zerolog.Logger
}

func newPolicyRewriter(settingsSvc *settings.Service, policy pnet.OutboundPolicy, logger zerolog.Logger) watermark.Rewriter {
	return &policyRewriter{settings: settingsSvc, policy: policy, logger: logger}
}

func (p *policyRewriter) Rewrite(ctx context.Context, publishURL string) (string, error) {
	wm, err := p.settings.Watermark(ctx)
	if err != nil {
		return "", err
	}
	endpoint, err := pnet.ValidateOutboundURL(ctx, wm.Endpoint, p.policy)
	if err != nil {
		return "", fmt.Errorf("watermark endpoint rejected: %w", err)
	}
	client := watermark.NewClient(endpoint, time.Duration(wm.TimeoutMS)*time.Millisecond, p.logger)
	return client.Rewrite(ctx, publishURL)
}

// buildCache picks Redis when configured, the in-process cache otherwise.
func buildCache(cfg config.Config, logger zerolog.Logger) (cache.Cache, ShutdownHook, api.ReadyChecker) {
	if cfg.RedisAddr == "" {
		mem := cache.NewMemory(time.Minute)
		return mem, func(context.Context) error { mem.Stop(); return nil }, nil
	}
	redis, err := cache.NewRedis(cache.RedisConfig{Addr: cfg.RedisAddr}, logger)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).
			Msg("redis unreachable, falling back to in-process cache")
		mem := cache.NewMemory(time.Minute)
		return mem, func(context.Context) error { mem.Stop(); return nil }, nil
	}
	return redis, func(context.Context) error { return redis.Close() },
		func(ctx context.Context) error { return redis.Ping(ctx) }
}
