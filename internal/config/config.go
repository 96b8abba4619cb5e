// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

// Package config defines the engine configuration and its koanf-based
// loading pipeline: struct defaults, then an optional YAML file, then
// environment variable overrides. Hot reload is intentionally not supported;
// the configuration is read once at startup.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the collection engine.
type Config struct {
	Collector CollectorConfig `koanf:"collector"`
	Warehouse WarehouseConfig `koanf:"warehouse"`
	Soop      SoopConfig      `koanf:"soop"`
	Chzzk     ChzzkConfig     `koanf:"chzzk"`
	Logging   LoggingConfig   `koanf:"logging"`
	Server    ServerConfig    `koanf:"server"`
}

// CollectorConfig controls the orchestrator's schedules and caps.
type CollectorConfig struct {
	// MaxWebSocketConnections is the total session cap across both
	// platforms, split evenly between the two pools.
	MaxWebSocketConnections int `koanf:"max_ws_connections" validate:"gt=0"`

	// MinViewersThreshold filters the selector: broadcasts below this
	// viewer count never get a chat session.
	MinViewersThreshold int `koanf:"min_viewers" validate:"gte=0"`

	// SnapshotIntervalSeconds is the Schedule B period and the bucket size
	// used to quantize snapshot timestamps.
	SnapshotIntervalSeconds int `koanf:"snapshot_interval_seconds" validate:"gt=0"`

	// APIPollingIntervalSeconds is the Schedule A period.
	APIPollingIntervalSeconds int `koanf:"api_polling_interval_seconds" validate:"gt=0"`

	// APITimeout bounds one platform's index poll within a cycle.
	APITimeout time.Duration `koanf:"api_timeout" validate:"gt=0"`

	// ConnectTimeout bounds a single WebSocket open plus handshake.
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gt=0"`

	// ShutdownTimeout bounds graceful shutdown; sessions still open after
	// this are force-closed.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`

	// EventBuffer is the capacity of the bounded session-to-orchestrator
	// chat event channel. When full, the oldest event is dropped.
	EventBuffer int `koanf:"event_buffer" validate:"gt=0"`

	// ChatFlushInterval is how often buffered chat events are appended to
	// the warehouse.
	ChatFlushInterval time.Duration `koanf:"chat_flush_interval" validate:"gt=0"`

	// ChatFlushSize flushes the chat event buffer early once it holds this
	// many rows.
	ChatFlushSize int `koanf:"chat_flush_size" validate:"gt=0"`

	// PendingStatsLimit bounds the in-memory stats buffer kept during a
	// warehouse outage; beyond it the oldest rows are dropped.
	PendingStatsLimit int `koanf:"pending_stats_limit" validate:"gt=0"`
}

// SnapshotInterval returns the Schedule B period.
func (c CollectorConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// PollInterval returns the Schedule A period.
func (c CollectorConfig) PollInterval() time.Duration {
	return time.Duration(c.APIPollingIntervalSeconds) * time.Second
}

// PerPlatformCap returns the connection cap for one platform's pool.
func (c CollectorConfig) PerPlatformCap() int {
	return c.MaxWebSocketConnections / 2
}

// WarehouseConfig holds the analytics warehouse credentials and the
// reconnect policy.
type WarehouseConfig struct {
	Account  string `koanf:"account" validate:"required"`
	User     string `koanf:"user" validate:"required"`
	Password string `koanf:"password" validate:"required"`
	Wh       string `koanf:"warehouse"`
	Database string `koanf:"database" validate:"required"`
	Schema   string `koanf:"schema"`
	Role     string `koanf:"role"`

	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts" validate:"gt=0"`
	ReconnectDelay       time.Duration `koanf:"reconnect_delay" validate:"gt=0"`
	QueryTimeout         time.Duration `koanf:"query_timeout" validate:"gt=0"`
}

// SoopConfig holds SOOP endpoint settings.
type SoopConfig struct {
	Enabled bool `koanf:"enabled"`
	// LiveHost is the host of the live index and player APIs.
	LiveHost string `koanf:"live_host" validate:"required_if=Enabled true"`
	// MaxPages caps index pagination.
	MaxPages int `koanf:"max_pages" validate:"gt=0"`
}

// ChzzkConfig holds CHZZK endpoint settings.
type ChzzkConfig struct {
	Enabled bool `koanf:"enabled"`
	// APIHost is the host of the service API.
	APIHost string `koanf:"api_host" validate:"required_if=Enabled true"`
	// ChatHost is the chat server domain suffix; sessions connect to
	// kr-ss{1..5}.{ChatHost}.
	ChatHost string `koanf:"chat_host" validate:"required_if=Enabled true"`
	// MaxPages caps index pagination.
	MaxPages int `koanf:"max_pages" validate:"gt=0"`
	// PageSize is the index page size.
	PageSize int `koanf:"page_size" validate:"gt=0"`
}

// LoggingConfig mirrors logging.Config for koanf loading.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// ServerConfig configures the ops HTTP server (metrics, health).
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"gt=0,lte=65535"`
}

// Addr returns the ops server listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Default returns a Config with all default values. Defaults are applied
// first, then overridden by the config file and environment variables.
func Default() *Config {
	return &Config{
		Collector: CollectorConfig{
			MaxWebSocketConnections:   100,
			MinViewersThreshold:       100,
			SnapshotIntervalSeconds:   300,
			APIPollingIntervalSeconds: 300,
			APITimeout:                60 * time.Second,
			ConnectTimeout:            10 * time.Second,
			ShutdownTimeout:           30 * time.Second,
			EventBuffer:               4096,
			ChatFlushInterval:         10 * time.Second,
			ChatFlushSize:             500,
			PendingStatsLimit:         1000,
		},
		Warehouse: WarehouseConfig{
			MaxReconnectAttempts: 5,
			ReconnectDelay:       5 * time.Second,
			QueryTimeout:         30 * time.Second,
		},
		Soop: SoopConfig{
			Enabled:  true,
			LiveHost: "live.sooplive.co.kr",
			MaxPages: 20,
		},
		Chzzk: ChzzkConfig{
			Enabled:  true,
			APIHost:  "api.chzzk.naver.com",
			ChatHost: "chat.naver.com",
			MaxPages: 40,
			PageSize: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9187,
		},
	}
}

// Validate checks the configuration for startup-fatal problems: missing
// warehouse credentials, zero caps, malformed intervals.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Soop.Enabled && !c.Chzzk.Enabled {
		return fmt.Errorf("invalid configuration: at least one platform must be enabled")
	}
	return nil
}
