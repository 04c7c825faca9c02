// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Port)
	}
	if cfg.LeaseSeconds != 60 {
		t.Errorf("default lease seconds = %d, want 60", cfg.LeaseSeconds)
	}
	if cfg.WorkerPollInterval != time.Second {
		t.Errorf("default poll interval = %v, want 1s", cfg.WorkerPollInterval)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("SECRET_KEY", "0123456789abcdef")
	t.Setenv("DB_PATH", "/tmp/test.db")
	t.Setenv("SORAD_LEASE_SECONDS", "30")
	t.Setenv("SORAD_WORKER_POLL_INTERVAL", "250ms")

	cfg := FromEnv(Defaults())
	if cfg.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.Host)
	}
	if cfg.Port != 9090 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.SecretKey != "0123456789abcdef" {
		t.Errorf("secret key not taken from env")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.LeaseSeconds != 30 {
		t.Errorf("lease seconds = %d", cfg.LeaseSeconds)
	}
	if cfg.WorkerPollInterval != 250*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.WorkerPollInterval)
	}
}

func TestLoadPrecedenceEnvOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sorad.yaml")
	body := "port: 7000\nlog_level: debug\nsecret_key: filefilefilefile\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "7001")
	t.Setenv("SECRET_KEY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7001 {
		t.Errorf("env should win over file: port = %d, want 7001", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("file value not applied: log level = %q", cfg.LogLevel)
	}
	// Empty env value falls back to the file layer.
	if cfg.SecretKey != "filefilefilefile" {
		t.Errorf("secret key = %q, want file value", cfg.SecretKey)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("explicit missing config file should fail")
	}

	cfg := Defaults()
	got, err := LoadFile(cfg, filepath.Join(t.TempDir(), "absent.yaml"), true)
	if err != nil {
		t.Fatalf("optional missing file should not fail: %v", err)
	}
	if got.Port != cfg.Port {
		t.Errorf("optional missing file must leave config unchanged")
	}
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.SecretKey = "0123456789abcdef"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "missing secret", mutate: func(c *Config) { c.SecretKey = "" }, wantErr: true},
		{name: "short secret", mutate: func(c *Config) { c.SecretKey = "short" }, wantErr: true},
		{name: "port zero", mutate: func(c *Config) { c.Port = 0 }, wantErr: true},
		{name: "port too big", mutate: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "empty db path", mutate: func(c *Config) { c.DBPath = "" }, wantErr: true},
		{name: "tiny lease", mutate: func(c *Config) { c.LeaseSeconds = 1 }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) { c.OtelExporter = "udp" }, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.OtelSampling = 1.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}
