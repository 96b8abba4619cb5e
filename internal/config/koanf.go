// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where a config file is searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/streamlens/config.yaml",
	"/etc/streamlens/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envKeyMap maps recognized environment variables onto koanf keys.
// These names are the engine's public process surface; everything else is
// file-or-default only.
var envKeyMap = map[string]string{
	"ANALYTICS_MAX_WS":            "collector.max_ws_connections",
	"ANALYTICS_MIN_VIEWERS":       "collector.min_viewers",
	"ANALYTICS_SNAPSHOT_INTERVAL": "collector.snapshot_interval_seconds",
	"ANALYTICS_POLL_INTERVAL":     "collector.api_polling_interval_seconds",

	"SNOWFLAKE_ACCOUNT":   "warehouse.account",
	"SNOWFLAKE_USER":      "warehouse.user",
	"SNOWFLAKE_PASSWORD":  "warehouse.password",
	"SNOWFLAKE_WAREHOUSE": "warehouse.warehouse",
	"SNOWFLAKE_DATABASE":  "warehouse.database",
	"SNOWFLAKE_SCHEMA":    "warehouse.schema",
	"SNOWFLAKE_ROLE":      "warehouse.role",

	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",

	"OPS_HOST": "server.host",
	"OPS_PORT": "server.port",
}

// Load builds the configuration: struct defaults, then the first config file
// found (if any), then environment overrides. The result is validated.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", mapEnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mapEnvKey translates a recognized environment variable name to its koanf
// key. Unrecognized variables are dropped (empty key).
func mapEnvKey(name string) string {
	return envKeyMap[name]
}

// findConfigFile returns the first existing config file path, honoring the
// CONFIG_PATH override.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
