// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig is Default plus the credentials Validate requires.
func validConfig() *Config {
	cfg := Default()
	cfg.Warehouse.Account = "acct"
	cfg.Warehouse.User = "svc"
	cfg.Warehouse.Password = "secret"
	cfg.Warehouse.Database = "analytics"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 100, cfg.Collector.MaxWebSocketConnections)
	assert.Equal(t, 100, cfg.Collector.MinViewersThreshold)
	assert.Equal(t, 300, cfg.Collector.SnapshotIntervalSeconds)
	assert.Equal(t, 300, cfg.Collector.APIPollingIntervalSeconds)
	assert.Equal(t, 5*time.Minute, cfg.Collector.SnapshotInterval())
	assert.Equal(t, 5*time.Minute, cfg.Collector.PollInterval())

	assert.True(t, cfg.Soop.Enabled)
	assert.True(t, cfg.Chzzk.Enabled)
	assert.Equal(t, "live.sooplive.co.kr", cfg.Soop.LiveHost)
	assert.Equal(t, "api.chzzk.naver.com", cfg.Chzzk.APIHost)

	assert.Equal(t, 5, cfg.Warehouse.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, cfg.Warehouse.ReconnectDelay)

	assert.Equal(t, "0.0.0.0:9187", cfg.Server.Addr())
}

func TestPerPlatformCap(t *testing.T) {
	c := CollectorConfig{MaxWebSocketConnections: 100}
	assert.Equal(t, 50, c.PerPlatformCap())

	// An odd total rounds down; the engine never oversubscribes.
	c.MaxWebSocketConnections = 7
	assert.Equal(t, 3, c.PerPlatformCap())
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing warehouse account", func(c *Config) { c.Warehouse.Account = "" }},
		{"missing warehouse password", func(c *Config) { c.Warehouse.Password = "" }},
		{"zero connection cap", func(c *Config) { c.Collector.MaxWebSocketConnections = 0 }},
		{"zero snapshot interval", func(c *Config) { c.Collector.SnapshotIntervalSeconds = 0 }},
		{"negative viewer threshold", func(c *Config) { c.Collector.MinViewersThreshold = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad server port", func(c *Config) { c.Server.Port = 70000 }},
		{"both platforms disabled", func(c *Config) {
			c.Soop.Enabled = false
			c.Chzzk.Enabled = false
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAllowsSinglePlatform(t *testing.T) {
	cfg := validConfig()
	cfg.Chzzk.Enabled = false
	require.NoError(t, cfg.Validate())
}
