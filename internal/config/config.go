// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads process configuration with the precedence
// ENV > config file > defaults. Runtime-tunable settings (dispatch rules,
// scheduler slots, watermark policy) live in the database instead; this
// package only covers what the process needs before the store is open.
package config

import (
	"fmt"
	"time"
)

// Config is the process-level configuration for sorad.
type Config struct {
	// HTTP listener.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// SecretKey signs access tokens. Required, never logged.
	SecretKey string `yaml:"secret_key"`

	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`

	// Logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Worker pool.
	LeaseSeconds       int           `yaml:"lease_seconds"`
	WorkerPollInterval time.Duration `yaml:"worker_poll_interval"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`

	// Optional Redis cache. Empty selects the in-memory cache.
	RedisAddr string `yaml:"redis_addr"`

	// Optional OpenTelemetry tracing.
	OtelEnabled  bool    `yaml:"otel_enabled"`
	OtelExporter string  `yaml:"otel_exporter"`
	OtelEndpoint string  `yaml:"otel_endpoint"`
	OtelSampling float64 `yaml:"otel_sampling"`
}

// Defaults returns the built-in configuration baseline.
func Defaults() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		DBPath:             "data/sorad.db",
		LogLevel:           "info",
		LogFormat:          "json",
		LeaseSeconds:       60,
		WorkerPollInterval: time.Second,
		ShutdownTimeout:    15 * time.Second,
		OtelExporter:       "grpc",
		OtelSampling:       1.0,
	}
}

// FromEnv overlays environment variables onto cfg and returns the result.
// Every lookup logs its source at debug level; sensitive keys are masked.
func FromEnv(cfg Config) Config {
	cfg.Host = ParseString("HOST", cfg.Host)
	cfg.Port = ParseInt("PORT", cfg.Port)
	cfg.SecretKey = ParseString("SECRET_KEY", cfg.SecretKey)
	cfg.DBPath = ParseString("DB_PATH", cfg.DBPath)
	cfg.LogLevel = ParseString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = ParseString("LOG_FORMAT", cfg.LogFormat)
	cfg.LeaseSeconds = ParseInt("SORAD_LEASE_SECONDS", cfg.LeaseSeconds)
	cfg.WorkerPollInterval = ParseDuration("SORAD_WORKER_POLL_INTERVAL", cfg.WorkerPollInterval)
	cfg.ShutdownTimeout = ParseDuration("SORAD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.RedisAddr = ParseString("SORAD_REDIS_ADDR", cfg.RedisAddr)
	cfg.OtelEnabled = ParseBool("SORAD_OTEL_ENABLED", cfg.OtelEnabled)
	cfg.OtelExporter = ParseString("SORAD_OTEL_EXPORTER", cfg.OtelExporter)
	cfg.OtelEndpoint = ParseString("SORAD_OTEL_ENDPOINT", cfg.OtelEndpoint)
	cfg.OtelSampling = ParseFloat("SORAD_OTEL_SAMPLING", cfg.OtelSampling)
	return cfg
}

// Validate rejects configurations the daemon cannot start with.
func Validate(cfg Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port out of range: %d", cfg.Port)
	}
	if cfg.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	if len(cfg.SecretKey) < 16 {
		return fmt.Errorf("SECRET_KEY too short: need at least 16 bytes, got %d", len(cfg.SecretKey))
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if cfg.LeaseSeconds < 5 {
		return fmt.Errorf("lease_seconds too small: %d (minimum 5)", cfg.LeaseSeconds)
	}
	if cfg.WorkerPollInterval <= 0 {
		return fmt.Errorf("worker_poll_interval must be positive")
	}
	switch cfg.OtelExporter {
	case "", "grpc", "http", "noop":
	default:
		return fmt.Errorf("unknown otel exporter: %q", cfg.OtelExporter)
	}
	if cfg.OtelSampling < 0 || cfg.OtelSampling > 1 {
		return fmt.Errorf("otel_sampling out of range: %f", cfg.OtelSampling)
	}
	return nil
}
