// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile overlays the YAML file at path onto cfg. A missing file is not an
// error when optional is true; malformed YAML always is.
func LoadFile(cfg Config, path string, optional bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Load resolves the effective configuration: defaults, then the optional YAML
// file (SORAD_CONFIG or the explicit path), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	optional := false
	if path == "" {
		path = os.Getenv("SORAD_CONFIG")
		optional = true
	}
	if path != "" {
		var err error
		cfg, err = LoadFile(cfg, path, optional)
		if err != nil {
			return cfg, err
		}
	}
	cfg = FromEnv(cfg)
	return cfg, nil
}
