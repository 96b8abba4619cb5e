// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
persistence.go - Warehouse Write Contracts

The Store translates the orchestrator's logical operations into MERGE, UPDATE
and guarded INSERT statements. All upserts are idempotent; replaying a cycle
converges to the same rows. The Store talks to the warehouse through the
Warehouse interface so the test suite can substitute a recording stub.
*/

package collector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/injooinjoo/streamlens/internal/models"
	"github.com/injooinjoo/streamlens/internal/warehouse"
)

// Warehouse is the slice of the warehouse client the Store needs.
type Warehouse interface {
	warehouse.Execer
	Get(ctx context.Context, query string, binds ...any) (warehouse.Row, error)
	BatchInsert(ctx context.Context, table string, cols []string, values [][]any) error
	InTransaction(ctx context.Context, fn func(ex warehouse.Execer) error) error
}

// Store issues the persistence layer's SQL contracts.
type Store struct {
	wh Warehouse

	// idMu guards the broadcast key -> warehouse id cache. Entries live for
	// the process lifetime; broadcast ids never change once assigned.
	idMu sync.Mutex
	ids  map[string]int64
}

// NewStore creates a Store over the given warehouse.
func NewStore(wh Warehouse) *Store {
	return &Store{wh: wh, ids: make(map[string]int64)}
}

// UpsertPerson merges one identity on (platform, platform_user_id). A match
// refreshes the nickname and advances last_seen_at; a miss inserts with
// first_seen_at = now. The broadcaster flag only ever turns on.
func (s *Store) UpsertPerson(ctx context.Context, ex warehouse.Execer, platform models.Platform, userID, nickname string, isBroadcaster bool) error {
	if userID == "" {
		return nil
	}
	stmt := warehouse.MergeStatement{
		Target: "persons",
		Using:  "SELECT ? AS platform, ? AS platform_user_id, ? AS nickname, ? AS is_broadcaster",
		On:     "persons.platform = src.platform AND persons.platform_user_id = src.platform_user_id",
		UpdateSet: []warehouse.Assignment{
			{Column: "nickname", Expr: "COALESCE(NULLIF(src.nickname, ''), persons.nickname)"},
			{Column: "is_broadcaster", Expr: "persons.is_broadcaster OR src.is_broadcaster"},
			{Column: "last_seen_at", Expr: "CURRENT_TIMESTAMP()"},
		},
		InsertCols: []string{"platform", "platform_user_id", "nickname", "is_broadcaster", "first_seen_at", "last_seen_at"},
		InsertVals: []string{"src.platform", "src.platform_user_id", "src.nickname", "src.is_broadcaster", "CURRENT_TIMESTAMP()", "CURRENT_TIMESTAMP()"},
		Binds:      []any{string(platform), userID, nickname, isBroadcaster},
	}
	return ex.Merge(ctx, stmt)
}

// UpsertBroadcast merges one live-index observation. A match refreshes the
// mutable fields, ratchets peak_viewers with GREATEST and folds the observed
// count into the running average; a miss inserts the broadcast as live.
func (s *Store) UpsertBroadcast(ctx context.Context, b models.LiveBroadcast) error {
	stmt := warehouse.MergeStatement{
		Target: "broadcasts",
		Using: "SELECT ? AS platform, ? AS channel_id, ? AS platform_broadcast_id, ? AS broadcaster_user_id, " +
			"? AS title, ? AS category_id, ? AS category_name, ? AS tags, ? AS thumbnail_url, ? AS viewers, ? AS started_at",
		On: "broadcasts.platform = src.platform AND broadcasts.channel_id = src.channel_id AND broadcasts.platform_broadcast_id = src.platform_broadcast_id",
		UpdateSet: []warehouse.Assignment{
			{Column: "title", Expr: "src.title"},
			{Column: "category_id", Expr: "src.category_id"},
			{Column: "category_name", Expr: "src.category_name"},
			{Column: "tags", Expr: "src.tags"},
			{Column: "thumbnail_url", Expr: "src.thumbnail_url"},
			{Column: "current_viewers", Expr: "src.viewers"},
			{Column: "peak_viewers", Expr: "GREATEST(broadcasts.peak_viewers, src.viewers)"},
			{Column: "viewer_sum", Expr: "broadcasts.viewer_sum + src.viewers"},
			{Column: "snapshot_count", Expr: "broadcasts.snapshot_count + 1"},
			{Column: "avg_viewers", Expr: "(broadcasts.viewer_sum + src.viewers) / (broadcasts.snapshot_count + 1)"},
			{Column: "is_live", Expr: "TRUE"},
			{Column: "updated_at", Expr: "CURRENT_TIMESTAMP()"},
		},
		InsertCols: []string{
			"platform", "channel_id", "platform_broadcast_id", "broadcaster_user_id",
			"title", "category_id", "category_name", "tags", "thumbnail_url",
			"current_viewers", "peak_viewers", "viewer_sum", "snapshot_count", "avg_viewers", "is_live", "started_at",
		},
		InsertVals: []string{
			"src.platform", "src.channel_id", "src.platform_broadcast_id", "src.broadcaster_user_id",
			"src.title", "src.category_id", "src.category_name", "src.tags", "src.thumbnail_url",
			"src.viewers", "src.viewers", "src.viewers", "1", "src.viewers", "TRUE", "src.started_at",
		},
		Binds: []any{
			string(b.Platform), b.ChannelID, b.BroadcastID, b.StreamerID,
			b.Title, b.CategoryID, b.Category, strings.Join(b.Tags, ","), b.Thumbnail,
			b.Viewers, nullableTime(b.StartedAt),
		},
	}
	return s.wh.Merge(ctx, stmt)
}

// SaveBroadcastSnapshot merges one bucketed viewer snapshot on
// (broadcast_id, snapshot_at), replacing the counts on conflict. The
// broadcast's warehouse id is resolved inside the MERGE source.
func (s *Store) SaveBroadcastSnapshot(ctx context.Context, b models.LiveBroadcast, chatRate float64, bucket time.Time) error {
	stmt := warehouse.MergeStatement{
		Target: "viewer_snapshots",
		Using: "SELECT b.broadcast_id AS broadcast_id, b.platform AS platform, b.channel_id AS channel_id, " +
			"? AS viewer_count, ? AS chat_rate, ? AS snapshot_at " +
			"FROM broadcasts b WHERE b.platform = ? AND b.channel_id = ? AND b.platform_broadcast_id = ?",
		On: "viewer_snapshots.broadcast_id = src.broadcast_id AND viewer_snapshots.snapshot_at = src.snapshot_at",
		UpdateSet: []warehouse.Assignment{
			{Column: "viewer_count", Expr: "src.viewer_count"},
			{Column: "chat_rate", Expr: "src.chat_rate"},
		},
		InsertCols: []string{"platform", "channel_id", "broadcast_id", "viewer_count", "chat_rate", "snapshot_at"},
		InsertVals: []string{"src.platform", "src.channel_id", "src.broadcast_id", "src.viewer_count", "src.chat_rate", "src.snapshot_at"},
		Binds:      []any{b.Viewers, chatRate, bucket, string(b.Platform), b.ChannelID, b.BroadcastID},
	}
	return s.wh.Merge(ctx, stmt)
}

// MarkBroadcastEnded closes a broadcast that disappeared from the live index.
func (s *Store) MarkBroadcastEnded(ctx context.Context, platform models.Platform, channelID, broadcastID string) error {
	_, err := s.wh.Run(ctx,
		`UPDATE broadcasts
		 SET is_live = FALSE,
		     ended_at = CURRENT_TIMESTAMP(),
		     duration_seconds = DATEDIFF(second, started_at, CURRENT_TIMESTAMP()),
		     updated_at = CURRENT_TIMESTAMP()
		 WHERE platform = ? AND channel_id = ? AND platform_broadcast_id = ? AND is_live = TRUE`,
		string(platform), channelID, broadcastID)
	return err
}

// BroadcastDBID resolves a broadcast key to its warehouse id, caching
// resolutions for the process lifetime.
func (s *Store) BroadcastDBID(ctx context.Context, platform models.Platform, channelID, broadcastID string) (int64, error) {
	key := models.BroadcastKey(platform, channelID, broadcastID)

	s.idMu.Lock()
	if id, ok := s.ids[key]; ok {
		s.idMu.Unlock()
		return id, nil
	}
	s.idMu.Unlock()

	row, err := s.wh.Get(ctx,
		"SELECT broadcast_id FROM broadcasts WHERE platform = ? AND channel_id = ? AND platform_broadcast_id = ?",
		string(platform), channelID, broadcastID)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, fmt.Errorf("broadcast %s not found in warehouse", key)
	}

	id, err := toInt64(row["broadcast_id"])
	if err != nil {
		return 0, fmt.Errorf("broadcast %s has unusable id: %w", key, err)
	}

	s.idMu.Lock()
	s.ids[key] = id
	s.idMu.Unlock()
	return id, nil
}

// SaveSnapshotBundle persists one session's snapshot atomically: a viewing
// record per current viewer (guarded by NOT EXISTS, so replays are no-ops)
// and the per-bucket stats merge. One transaction per broadcast.
func (s *Store) SaveSnapshotBundle(ctx context.Context, dbID int64, stats models.BroadcastStats, viewers []models.Viewer) error {
	return s.wh.InTransaction(ctx, func(ex warehouse.Execer) error {
		for _, v := range viewers {
			if err := s.insertViewingRecord(ctx, ex, v, dbID, stats.SnapshotAt); err != nil {
				return err
			}
		}
		return s.mergeStats(ctx, ex, dbID, stats)
	})
}

// insertViewingRecord appends one (viewer, broadcast, bucket) observation.
func (s *Store) insertViewingRecord(ctx context.Context, ex warehouse.Execer, v models.Viewer, dbID int64, snapshotAt time.Time) error {
	_, err := ex.Run(ctx,
		`INSERT INTO viewing_records (viewer_id, broadcast_id, snapshot_at, is_subscriber, is_fan)
		 SELECT ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM viewing_records
		   WHERE viewer_id = ? AND broadcast_id = ? AND snapshot_at = ?
		 )`,
		v.UserID, dbID, snapshotAt, v.IsSubscriber, v.IsFan,
		v.UserID, dbID, snapshotAt)
	return err
}

// mergeStats replaces the per-bucket aggregate on (broadcast_id, snapshot_at).
func (s *Store) mergeStats(ctx context.Context, ex warehouse.Execer, dbID int64, st models.BroadcastStats) error {
	stmt := warehouse.MergeStatement{
		Target: "broadcast_stats_5min",
		Using: "SELECT ? AS broadcast_id, ? AS snapshot_at, ? AS viewer_count, ? AS subscriber_count, " +
			"? AS fan_count, ? AS subscriber_ratio, ? AS fan_ratio, ? AS chat_count, ? AS unique_chatters",
		On: "broadcast_stats_5min.broadcast_id = src.broadcast_id AND broadcast_stats_5min.snapshot_at = src.snapshot_at",
		UpdateSet: []warehouse.Assignment{
			{Column: "viewer_count", Expr: "src.viewer_count"},
			{Column: "subscriber_count", Expr: "src.subscriber_count"},
			{Column: "fan_count", Expr: "src.fan_count"},
			{Column: "subscriber_ratio", Expr: "src.subscriber_ratio"},
			{Column: "fan_ratio", Expr: "src.fan_ratio"},
			{Column: "chat_count", Expr: "src.chat_count"},
			{Column: "unique_chatters", Expr: "src.unique_chatters"},
		},
		InsertCols: []string{
			"broadcast_id", "snapshot_at", "viewer_count", "subscriber_count",
			"fan_count", "subscriber_ratio", "fan_ratio", "chat_count", "unique_chatters",
		},
		InsertVals: []string{
			"src.broadcast_id", "src.snapshot_at", "src.viewer_count", "src.subscriber_count",
			"src.fan_count", "src.subscriber_ratio", "src.fan_ratio", "src.chat_count", "src.unique_chatters",
		},
		Binds: []any{
			dbID, st.SnapshotAt, st.ViewerCount, st.SubscriberCount,
			st.FanCount, st.SubscriberRatio, st.FanRatio, st.ChatCount, st.UniqueChatters,
		},
	}
	return ex.Merge(ctx, stmt)
}

// InsertDonation appends one donation or subscription event, resolving the
// broadcast's warehouse id by key inside the statement. The pipeline does
// not dedupe donation frames: two identical frames are two events.
func (s *Store) InsertDonation(ctx context.Context, ev models.Event) error {
	_, err := s.wh.Run(ctx,
		`INSERT INTO events (event_id, event_type, platform, actor_user_id, actor_nickname, actor_role,
		                     target_user_id, target_channel_id, broadcast_id, message,
		                     amount, original_amount, currency, donation_type, subscription_months,
		                     event_timestamp, ingested_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, b.broadcast_id, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP()
		 FROM broadcasts b
		 WHERE b.platform = ? AND b.channel_id = ? AND b.platform_broadcast_id = ?`,
		uuid.NewString(), eventType(ev), string(ev.Platform), ev.UserID, ev.Nickname, string(ev.Role),
		ev.TargetUserID, ev.ChannelID, ev.Message,
		ev.Amount, ev.OriginalAmount, ev.Currency, string(ev.DonationType), ev.SubscriptionMonths,
		ev.Timestamp,
		string(ev.Platform), ev.ChannelID, ev.BroadcastID)
	return err
}

// ChatEventRow pairs a chat event with its resolved broadcast id for batch
// appending.
type ChatEventRow struct {
	Event models.Event
	DBID  int64
}

// chatEventCols is the column list for batched chat-event appends.
var chatEventCols = []string{
	"event_id", "event_type", "platform", "actor_user_id", "actor_nickname", "actor_role",
	"target_user_id", "target_channel_id", "broadcast_id", "message",
	"amount", "original_amount", "currency", "donation_type", "subscription_months",
	"event_timestamp", "ingested_at",
}

// AppendChatEvents batch-appends chat events. Individual failing rows are
// skipped by the warehouse client; chat is lossy by contract.
func (s *Store) AppendChatEvents(ctx context.Context, rows []ChatEventRow) error {
	if len(rows) == 0 {
		return nil
	}

	now := time.Now().UTC()
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		ev := r.Event
		values = append(values, []any{
			uuid.NewString(), "chat", string(ev.Platform), ev.UserID, ev.Nickname, string(ev.Role),
			ev.TargetUserID, ev.ChannelID, r.DBID, ev.Message,
			int64(0), int64(0), "KRW", "", 0,
			ev.Timestamp, now,
		})
	}
	return s.wh.BatchInsert(ctx, "events", chatEventCols, values)
}

// RecordBroadcastChange appends one title/category change observation.
func (s *Store) RecordBroadcastChange(ctx context.Context, dbID int64, platform models.Platform, channelID, field, oldValue, newValue string) error {
	_, err := s.wh.Run(ctx,
		`INSERT INTO broadcast_changes (broadcast_id, platform, channel_id, field, old_value, new_value, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP())`,
		dbID, string(platform), channelID, field, oldValue, newValue)
	return err
}

// CloseOpenSegment ends the broadcast's open segment, if any. Segments are
// non-overlapping by construction: a segment is closed before its successor
// opens.
func (s *Store) CloseOpenSegment(ctx context.Context, dbID int64, at time.Time) error {
	_, err := s.wh.Run(ctx,
		"UPDATE broadcast_segments SET ended_at = ? WHERE broadcast_id = ? AND ended_at IS NULL",
		at, dbID)
	return err
}

// OpenSegment starts a new stable title/category interval.
func (s *Store) OpenSegment(ctx context.Context, dbID int64, b models.LiveBroadcast, at time.Time) error {
	_, err := s.wh.Run(ctx,
		`INSERT INTO broadcast_segments (broadcast_id, platform, channel_id, title, category_id, category_name, started_at, peak_viewers, viewer_sum, snapshot_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		dbID, string(b.Platform), b.ChannelID, b.Title, b.CategoryID, b.Category, at, b.Viewers, b.Viewers)
	return err
}

// UpsertCategory keeps the platform category catalog current.
func (s *Store) UpsertCategory(ctx context.Context, platform models.Platform, categoryID, name string) error {
	if categoryID == "" {
		return nil
	}
	stmt := warehouse.MergeStatement{
		Target: "categories",
		Using:  "SELECT ? AS platform, ? AS category_id, ? AS category_name",
		On:     "categories.platform = src.platform AND categories.category_id = src.category_id",
		UpdateSet: []warehouse.Assignment{
			{Column: "category_name", Expr: "src.category_name"},
			{Column: "updated_at", Expr: "CURRENT_TIMESTAMP()"},
		},
		InsertCols: []string{"platform", "category_id", "category_name", "updated_at"},
		InsertVals: []string{"src.platform", "src.category_id", "src.category_name", "CURRENT_TIMESTAMP()"},
		Binds:      []any{string(platform), categoryID, name},
	}
	return s.wh.Merge(ctx, stmt)
}

// AccumulateEngagement folds one viewer's activity into the running
// per-(viewer, channel, category) totals.
func (s *Store) AccumulateEngagement(ctx context.Context, platform models.Platform, viewerID, channelID, categoryID string, chats, donations int, amount int64) error {
	if viewerID == "" {
		return nil
	}
	if categoryID == "" {
		categoryID = "unknown"
	}
	stmt := warehouse.MergeStatement{
		Target: "viewer_engagement",
		Using: "SELECT ? AS platform, ? AS viewer_user_id, ? AS channel_id, ? AS category_id, " +
			"? AS chat_count, ? AS donation_count, ? AS donation_amount",
		On: "viewer_engagement.platform = src.platform AND viewer_engagement.viewer_user_id = src.viewer_user_id " +
			"AND viewer_engagement.channel_id = src.channel_id AND viewer_engagement.category_id = src.category_id",
		UpdateSet: []warehouse.Assignment{
			{Column: "chat_count", Expr: "viewer_engagement.chat_count + src.chat_count"},
			{Column: "donation_count", Expr: "viewer_engagement.donation_count + src.donation_count"},
			{Column: "donation_amount", Expr: "viewer_engagement.donation_amount + src.donation_amount"},
			{Column: "last_seen_at", Expr: "CURRENT_TIMESTAMP()"},
		},
		InsertCols: []string{"platform", "viewer_user_id", "channel_id", "category_id", "chat_count", "donation_count", "donation_amount", "first_seen_at", "last_seen_at"},
		InsertVals: []string{"src.platform", "src.viewer_user_id", "src.channel_id", "src.category_id", "src.chat_count", "src.donation_count", "src.donation_amount", "CURRENT_TIMESTAMP()", "CURRENT_TIMESTAMP()"},
		Binds:      []any{string(platform), viewerID, channelID, categoryID, chats, donations, amount},
	}
	return s.wh.Merge(ctx, stmt)
}

// eventType maps an event kind to the warehouse event_type enum.
func eventType(ev models.Event) string {
	switch ev.Kind {
	case models.EventSubscription:
		return "subscribe"
	case models.EventDonation:
		return "donation"
	default:
		return "chat"
	}
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// toInt64 coerces the driver's numeric scan types.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		var out int64
		_, err := fmt.Sscanf(n, "%d", &out)
		return out, err
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
