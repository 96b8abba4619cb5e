// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package warehouse

import (
	"context"
	"fmt"
)

// schemaStatements is the persisted state layout. Statements are idempotent;
// the warehouse treats the declared keys as metadata, so write-path
// idempotence comes from MERGE and NOT EXISTS guards, not from enforcement.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS persons (
		platform VARCHAR NOT NULL,
		platform_user_id VARCHAR NOT NULL,
		nickname VARCHAR,
		profile_image VARCHAR,
		is_broadcaster BOOLEAN DEFAULT FALSE,
		channel_id VARCHAR,
		follower_count NUMBER,
		subscriber_count NUMBER,
		total_broadcast_minutes NUMBER,
		last_broadcast_at TIMESTAMP_NTZ,
		first_seen_at TIMESTAMP_NTZ NOT NULL,
		last_seen_at TIMESTAMP_NTZ NOT NULL,
		PRIMARY KEY (platform, platform_user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS broadcasts (
		broadcast_id NUMBER AUTOINCREMENT,
		platform VARCHAR NOT NULL,
		channel_id VARCHAR NOT NULL,
		platform_broadcast_id VARCHAR NOT NULL,
		broadcaster_user_id VARCHAR NOT NULL,
		title VARCHAR,
		category_id VARCHAR,
		category_name VARCHAR,
		tags VARCHAR,
		thumbnail_url VARCHAR,
		current_viewers NUMBER DEFAULT 0,
		peak_viewers NUMBER DEFAULT 0,
		viewer_sum NUMBER DEFAULT 0,
		snapshot_count NUMBER DEFAULT 0,
		avg_viewers FLOAT DEFAULT 0,
		is_live BOOLEAN DEFAULT TRUE,
		started_at TIMESTAMP_NTZ,
		ended_at TIMESTAMP_NTZ,
		duration_seconds NUMBER,
		created_at TIMESTAMP_NTZ DEFAULT CURRENT_TIMESTAMP(),
		updated_at TIMESTAMP_NTZ DEFAULT CURRENT_TIMESTAMP(),
		PRIMARY KEY (broadcast_id),
		UNIQUE (platform, channel_id, platform_broadcast_id)
	)`,

	`CREATE TABLE IF NOT EXISTS broadcast_segments (
		segment_id NUMBER AUTOINCREMENT,
		broadcast_id NUMBER NOT NULL,
		platform VARCHAR NOT NULL,
		channel_id VARCHAR NOT NULL,
		title VARCHAR,
		category_id VARCHAR,
		category_name VARCHAR,
		started_at TIMESTAMP_NTZ NOT NULL,
		ended_at TIMESTAMP_NTZ,
		peak_viewers NUMBER DEFAULT 0,
		viewer_sum NUMBER DEFAULT 0,
		snapshot_count NUMBER DEFAULT 0,
		PRIMARY KEY (segment_id)
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		event_id VARCHAR NOT NULL,
		event_type VARCHAR NOT NULL,
		platform VARCHAR NOT NULL,
		actor_user_id VARCHAR,
		actor_nickname VARCHAR,
		actor_role VARCHAR,
		target_user_id VARCHAR,
		target_channel_id VARCHAR,
		broadcast_id NUMBER,
		message VARCHAR,
		amount NUMBER DEFAULT 0,
		original_amount NUMBER DEFAULT 0,
		currency VARCHAR DEFAULT 'KRW',
		donation_type VARCHAR,
		subscription_months NUMBER,
		event_timestamp TIMESTAMP_NTZ NOT NULL,
		ingested_at TIMESTAMP_NTZ NOT NULL,
		PRIMARY KEY (event_id)
	) CLUSTER BY (event_timestamp)`,

	`CREATE TABLE IF NOT EXISTS viewer_snapshots (
		platform VARCHAR NOT NULL,
		channel_id VARCHAR NOT NULL,
		broadcast_id NUMBER NOT NULL,
		segment_id NUMBER,
		viewer_count NUMBER DEFAULT 0,
		chat_rate FLOAT DEFAULT 0,
		snapshot_at TIMESTAMP_NTZ NOT NULL,
		UNIQUE (broadcast_id, snapshot_at)
	) CLUSTER BY (snapshot_at)`,

	`CREATE TABLE IF NOT EXISTS broadcast_stats_5min (
		broadcast_id NUMBER NOT NULL,
		snapshot_at TIMESTAMP_NTZ NOT NULL,
		viewer_count NUMBER DEFAULT 0,
		subscriber_count NUMBER DEFAULT 0,
		fan_count NUMBER DEFAULT 0,
		subscriber_ratio FLOAT DEFAULT 0,
		fan_ratio FLOAT DEFAULT 0,
		chat_count NUMBER DEFAULT 0,
		unique_chatters NUMBER DEFAULT 0,
		UNIQUE (broadcast_id, snapshot_at)
	) CLUSTER BY (snapshot_at)`,

	`CREATE TABLE IF NOT EXISTS viewing_records (
		viewer_id VARCHAR NOT NULL,
		broadcast_id NUMBER NOT NULL,
		snapshot_at TIMESTAMP_NTZ NOT NULL,
		is_subscriber BOOLEAN DEFAULT FALSE,
		is_fan BOOLEAN DEFAULT FALSE
	) CLUSTER BY (snapshot_at)`,

	`CREATE TABLE IF NOT EXISTS broadcast_changes (
		broadcast_id NUMBER NOT NULL,
		platform VARCHAR NOT NULL,
		channel_id VARCHAR NOT NULL,
		field VARCHAR NOT NULL,
		old_value VARCHAR,
		new_value VARCHAR,
		changed_at TIMESTAMP_NTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS viewer_engagement (
		platform VARCHAR NOT NULL,
		viewer_user_id VARCHAR NOT NULL,
		channel_id VARCHAR NOT NULL,
		category_id VARCHAR NOT NULL,
		chat_count NUMBER DEFAULT 0,
		donation_count NUMBER DEFAULT 0,
		donation_amount NUMBER DEFAULT 0,
		first_seen_at TIMESTAMP_NTZ NOT NULL,
		last_seen_at TIMESTAMP_NTZ NOT NULL,
		UNIQUE (platform, viewer_user_id, channel_id, category_id)
	)`,

	`CREATE TABLE IF NOT EXISTS categories (
		platform VARCHAR NOT NULL,
		category_id VARCHAR NOT NULL,
		category_name VARCHAR,
		updated_at TIMESTAMP_NTZ NOT NULL,
		UNIQUE (platform, category_id)
	)`,
}

// EnsureSchema creates the persisted state layout if it does not exist.
// This is startup bootstrap, not migration tooling; altering existing tables
// is out of scope.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := c.Run(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
