// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// sorad is the task-execution daemon: it serves the HTTP API, runs the worker
// pool, and hosts the background schedulers. The browser-manager driver is an
// integration point; this binary links the built-in development driver when
// asked and refuses to start without one otherwise.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/sorad/internal/browser"
	"github.com/ManuGH/sorad/internal/config"
	"github.com/ManuGH/sorad/internal/daemon"
	xlog "github.com/ManuGH/sorad/internal/log"
	"github.com/ManuGH/sorad/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	devFakeBrowser := flag.Bool("dev-fake-browser", false,
		"use the in-process fake browser driver (development only)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sorad %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sorad: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sorad: invalid configuration: %v\n", err)
		return 1
	}

	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "sorad"})
	logger := xlog.Base()

	opener, lister, err := browserDriver(*devFakeBrowser)
	if err != nil {
		logger.Error().Err(err).Msg("no browser driver")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	holder := config.NewHolder(cfg, *configPath)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("config hot reload unavailable")
	}
	defer holder.Stop()

	app, err := daemon.NewApp(ctx, daemon.Options{
		Config:  cfg,
		Logger:  logger,
		Opener:  opener,
		Lister:  lister,
		Version: version.Version,
	})
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return 1
	}

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("daemon exited with error")
		return 1
	}
	logger.Info().Msg("goodbye")
	return 0
}

// browserDriver picks the driver implementation. Production deployments build
// a main that passes their driver into daemon.Options; the stock binary only
// offers the development fake.
func browserDriver(devFake bool) (browser.Opener, browser.Lister, error) {
	if devFake {
		return &browser.FakeOpener{}, &browser.FakeLister{}, nil
	}
	return nil, nil, fmt.Errorf("no browser driver linked; run with -dev-fake-browser for development")
}
