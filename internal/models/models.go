// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

// Package models defines the shared data model for the collection engine:
// normalized broadcasts, persons, the unified wire-event model emitted by the
// protocol codecs, and the warehouse-facing record shapes.
package models

import (
	"fmt"
	"time"
)

// Platform identifies one of the observed streaming platforms.
type Platform string

const (
	PlatformSoop  Platform = "soop"
	PlatformChzzk Platform = "chzzk"
)

// Platforms lists all platforms in collection scope.
var Platforms = []Platform{PlatformSoop, PlatformChzzk}

// BroadcastKey uniquely identifies one live session within one platform.
// Format: platform:channelID:broadcastID.
func BroadcastKey(platform Platform, channelID, broadcastID string) string {
	return fmt.Sprintf("%s:%s:%s", platform, channelID, broadcastID)
}

// FloorBucket quantizes ts down to the nearest bucket boundary.
// Buckets are aligned to the Unix epoch so every row for the same interval
// lands on the identical snapshot_at value regardless of which schedule
// produced it.
func FloorBucket(ts time.Time, bucket time.Duration) time.Time {
	return ts.UTC().Truncate(bucket)
}

// LiveBroadcast is the normalized shape of one entry from a platform's
// live-broadcast index. Raw platform payloads are mapped into this by the
// collector's normalize layer.
type LiveBroadcast struct {
	Platform    Platform
	ChannelID   string
	BroadcastID string
	StreamerID  string // platform user id of the broadcaster
	Nickname    string
	Title       string
	CategoryID  string
	Category    string
	Tags        []string
	Thumbnail   string
	Viewers     int
	StartedAt   time.Time
}

// Key returns the broadcast key for this entry.
func (b *LiveBroadcast) Key() string {
	return BroadcastKey(b.Platform, b.ChannelID, b.BroadcastID)
}

// ChatCoordinates holds the per-channel chat server endpoint resolved from a
// platform's live-detail API.
type ChatCoordinates struct {
	Host       string
	Port       int
	ChatRoomID string
}

// Target is one broadcast the pool has selected for a live chat session.
// Targets are value-copied between the orchestrator and the pools.
type Target struct {
	Platform    Platform
	ChannelID   string
	BroadcastID string
	StreamerID  string
	Nickname    string
	Viewers     int
}

// Key returns the broadcast key for this target.
func (t Target) Key() string {
	return BroadcastKey(t.Platform, t.ChannelID, t.BroadcastID)
}

// Viewer is one entry in a session's rolling viewer map.
type Viewer struct {
	UserID       string
	Nickname     string
	IsSubscriber bool
	IsFan        bool
}

// ChatStats is the drained per-session chat-rate counter pair.
type ChatStats struct {
	MessageCount   int
	UniqueChatters int
}

// ViewerList couples a broadcast target with a point-in-time copy of its
// viewer map.
type ViewerList struct {
	Target  Target
	Viewers []Viewer
}

// BroadcastChatStats couples a broadcast target with its drained counters.
type BroadcastChatStats struct {
	Target Target
	Stats  ChatStats
}

// BroadcastStats is the per-bucket aggregate persisted by Schedule B.
// Ratios are 0 when ViewerCount is 0; the engine never synthesizes values.
type BroadcastStats struct {
	Platform        Platform
	ChannelID       string
	BroadcastID     string
	SnapshotAt      time.Time
	ViewerCount     int
	SubscriberCount int
	FanCount        int
	SubscriberRatio float64
	FanRatio        float64
	ChatCount       int
	UniqueChatters  int
}
