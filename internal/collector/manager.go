// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
manager.go - Collector Orchestrator

The Manager owns one pool per enabled platform and drives the two schedules:

  Schedule A (API poll, first run immediate): enumerate live broadcasts on
  both platforms in parallel, upsert persons/broadcasts, write bucketed
  snapshots, track title/category changes and segments, close ended
  broadcasts, and hand the selector's picks to each pool.

  Schedule B (snapshot, first run +30 s): read every session's viewer list,
  drain its chat counters, and persist viewing records plus the per-bucket
  stats aggregate in one transaction per broadcast.

Sessions deliver events through a bounded chat channel (oldest dropped under
backpressure) and an unbounded donation queue (donations are never dropped).
A warehouse outage buffers snapshot bundles in memory up to a limit and
flips the health flag; buffered bundles drain once writes succeed again.
*/

package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/injooinjoo/streamlens/internal/config"
	"github.com/injooinjoo/streamlens/internal/logging"
	"github.com/injooinjoo/streamlens/internal/metrics"
	"github.com/injooinjoo/streamlens/internal/models"
)

// broadcastMeta is the cached title/category used for change detection.
type broadcastMeta struct {
	title        string
	categoryID   string
	categoryName string
}

// platformRuntime bundles one platform's API client and pool with the poll
// task's private live set.
type platformRuntime struct {
	platform models.Platform
	api      PlatformAPI
	pool     *Pool

	// live is the previous poll's broadcast set; mutated only by the poll
	// task for this platform.
	live map[string]models.LiveBroadcast
}

// snapshotBundle is one session's snapshot held back during a warehouse
// outage, kept unresolved so replay needs no warehouse state.
type snapshotBundle struct {
	target  models.Target
	stats   models.BroadcastStats
	viewers []models.Viewer
}

// Manager is the collector orchestrator. It implements suture.Service.
type Manager struct {
	cfg   *config.CollectorConfig
	store *Store

	platforms []*platformRuntime

	// metaMu guards metaCache: written by poll tasks, read by the chat
	// flusher for category attribution.
	metaMu    sync.RWMutex
	metaCache map[string]broadcastMeta

	chatCh chan models.Event

	donMu     sync.Mutex
	donations []models.Event
	donSignal chan struct{}

	pendMu  sync.Mutex
	pending []snapshotBundle

	healthy atomic.Bool
}

// NewManager wires the orchestrator. Platform runtimes are registered with
// AddPlatform before Serve is called.
func NewManager(cfg *config.CollectorConfig, store *Store) *Manager {
	m := &Manager{
		cfg:       cfg,
		store:     store,
		metaCache: make(map[string]broadcastMeta),
		chatCh:    make(chan models.Event, cfg.EventBuffer),
		donSignal: make(chan struct{}, 1),
	}
	m.healthy.Store(true)
	return m
}

// AddPlatform registers one platform's API client and creates its pool.
func (m *Manager) AddPlatform(platform models.Platform, api PlatformAPI, factory SessionFactory) {
	pool := NewPool(platform, m.cfg.PerPlatformCap(), m.cfg.ConnectTimeout, factory, m.handleSessionEvent)
	m.platforms = append(m.platforms, &platformRuntime{
		platform: platform,
		api:      api,
		pool:     pool,
		live:     make(map[string]models.LiveBroadcast),
	})
}

// Healthy reports whether the collector considers itself able to persist.
func (m *Manager) Healthy() bool { return m.healthy.Load() }

// Serve runs the schedules until ctx is cancelled, then shuts the pools and
// writers down within the configured shutdown budget.
func (m *Manager) Serve(ctx context.Context) error {
	logging.Info().Int("platforms", len(m.platforms)).Int("cap_per_platform", m.cfg.PerPlatformCap()).
		Msg("Collector starting")

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); m.pollLoop(ctx) }()
	go func() { defer wg.Done(); m.snapshotLoop(ctx) }()
	go func() { defer wg.Done(); m.chatFlushLoop(ctx) }()
	go func() { defer wg.Done(); m.donationLoop(ctx) }()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()

	var poolWG sync.WaitGroup
	for _, rt := range m.platforms {
		poolWG.Add(1)
		go func(rt *platformRuntime) {
			defer poolWG.Done()
			rt.pool.DisconnectAll(shutdownCtx)
		}(rt)
	}
	poolWG.Wait()

	// Final drain of buffered events; writes here are idempotent, so an
	// abandoned flush at the deadline loses nothing that matters.
	m.flushChat(shutdownCtx)
	m.flushDonations(shutdownCtx)

	logging.Info().Msg("Collector stopped")
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// Schedule A: API poll

func (m *Manager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()

	m.pollAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.pollAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// pollAll runs one poll cycle, both platforms in parallel under the shared
// per-platform deadline.
func (m *Manager) pollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, rt := range m.platforms {
		wg.Add(1)
		go func(rt *platformRuntime) {
			defer wg.Done()
			m.pollPlatform(ctx, rt)
		}(rt)
	}
	wg.Wait()
}

func (m *Manager) pollPlatform(ctx context.Context, rt *platformRuntime) {
	start := time.Now()
	pollCtx, cancel := context.WithTimeout(ctx, m.cfg.APITimeout)
	defer cancel()

	broadcasts, err := rt.api.FetchLiveBroadcasts(pollCtx)
	metrics.PollDuration.WithLabelValues(string(rt.platform)).Observe(time.Since(start).Seconds())
	if err != nil {
		logging.Warn().Err(err).Str("platform", string(rt.platform)).Msg("Live index poll failed, platform skipped this cycle")
		return
	}
	metrics.BroadcastsObserved.WithLabelValues(string(rt.platform)).Set(float64(len(broadcasts)))
	if len(broadcasts) == 0 {
		// An empty index is indistinguishable from a total API failure;
		// leave the live set alone rather than mass-ending broadcasts.
		logging.Warn().Str("platform", string(rt.platform)).Msg("Live index returned no broadcasts, platform skipped this cycle")
		return
	}

	bucket := models.FloorBucket(time.Now(), m.cfg.SnapshotInterval())
	current := make(map[string]models.LiveBroadcast, len(broadcasts))
	for _, b := range broadcasts {
		current[b.Key()] = b
		m.persistObservation(ctx, b, bucket)
	}

	for key, prev := range rt.live {
		if _, stillLive := current[key]; stillLive {
			continue
		}
		m.endBroadcast(ctx, prev)
	}
	rt.live = current

	targets := SelectTargets(broadcasts, m.cfg.MinViewersThreshold, m.cfg.PerPlatformCap())
	rt.pool.UpdateTargets(targets)

	logging.Info().Str("platform", string(rt.platform)).Int("broadcasts", len(broadcasts)).
		Int("targets", len(targets)).Dur("took", time.Since(start)).Msg("Poll cycle complete")
}

// persistObservation writes everything one live-index entry implies: the
// broadcaster person, the broadcast row, its category, the bucketed snapshot
// and any title/category change. Health recovers only when every write in the
// observation landed; a partial failure leaves the flag down.
func (m *Manager) persistObservation(ctx context.Context, b models.LiveBroadcast, bucket time.Time) {
	if err := m.store.UpsertPerson(ctx, m.store.wh, b.Platform, b.StreamerID, b.Nickname, true); err != nil {
		m.noteWriteFailure("upsert person", err)
		return
	}
	if err := m.store.UpsertBroadcast(ctx, b); err != nil {
		m.noteWriteFailure("upsert broadcast", err)
		return
	}

	ok := true
	if err := m.store.UpsertCategory(ctx, b.Platform, b.CategoryID, b.Category); err != nil {
		m.noteWriteFailure("upsert category", err)
		ok = false
	}
	if err := m.store.SaveBroadcastSnapshot(ctx, b, 0, bucket); err != nil {
		m.noteWriteFailure("save snapshot", err)
		ok = false
	}
	if !m.trackMetaChanges(ctx, b) {
		ok = false
	}
	if ok {
		m.healthy.Store(true)
	}
}

// trackMetaChanges compares the observation against the cached title and
// category, recording a broadcast_changes row per changed field and rolling
// the segment over. The first observation opens the initial segment. Returns
// false when any of its writes failed.
func (m *Manager) trackMetaChanges(ctx context.Context, b models.LiveBroadcast) bool {
	key := b.Key()

	m.metaMu.RLock()
	prev, seen := m.metaCache[key]
	m.metaMu.RUnlock()

	now := time.Now().UTC()
	next := broadcastMeta{title: b.Title, categoryID: b.CategoryID, categoryName: b.Category}
	ok := true

	if !seen {
		if dbID, err := m.store.BroadcastDBID(ctx, b.Platform, b.ChannelID, b.BroadcastID); err == nil {
			if err := m.store.OpenSegment(ctx, dbID, b, now); err != nil {
				m.noteWriteFailure("open segment", err)
				ok = false
			}
		}
		m.setMeta(key, next)
		return ok
	}
	if prev == next {
		return true
	}

	dbID, err := m.store.BroadcastDBID(ctx, b.Platform, b.ChannelID, b.BroadcastID)
	if err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("Change detected but broadcast id unresolved")
		m.setMeta(key, next)
		return true
	}

	if prev.title != next.title {
		if err := m.store.RecordBroadcastChange(ctx, dbID, b.Platform, b.ChannelID, "title", prev.title, next.title); err != nil {
			m.noteWriteFailure("record change", err)
			ok = false
		}
	}
	if prev.categoryID != next.categoryID || prev.categoryName != next.categoryName {
		if err := m.store.RecordBroadcastChange(ctx, dbID, b.Platform, b.ChannelID, "category", prev.categoryName, next.categoryName); err != nil {
			m.noteWriteFailure("record change", err)
			ok = false
		}
	}

	if err := m.store.CloseOpenSegment(ctx, dbID, now); err != nil {
		m.noteWriteFailure("close segment", err)
		ok = false
	}
	if err := m.store.OpenSegment(ctx, dbID, b, now); err != nil {
		m.noteWriteFailure("open segment", err)
		ok = false
	}
	m.setMeta(key, next)
	return ok
}

func (m *Manager) setMeta(key string, meta broadcastMeta) {
	m.metaMu.Lock()
	m.metaCache[key] = meta
	m.metaMu.Unlock()
}

// endBroadcast closes a broadcast that vanished from the live index.
func (m *Manager) endBroadcast(ctx context.Context, b models.LiveBroadcast) {
	logging.Info().Str("platform", string(b.Platform)).Str("channel", b.ChannelID).
		Str("broadcast", b.BroadcastID).Msg("Broadcast ended")

	if err := m.store.MarkBroadcastEnded(ctx, b.Platform, b.ChannelID, b.BroadcastID); err != nil {
		m.noteWriteFailure("mark ended", err)
	}
	if dbID, err := m.store.BroadcastDBID(ctx, b.Platform, b.ChannelID, b.BroadcastID); err == nil {
		if err := m.store.CloseOpenSegment(ctx, dbID, time.Now().UTC()); err != nil {
			m.noteWriteFailure("close segment", err)
		}
	}

	m.metaMu.Lock()
	delete(m.metaCache, b.Key())
	m.metaMu.Unlock()
}

// ---------------------------------------------------------------------------
// Schedule B: snapshot

func (m *Manager) snapshotLoop(ctx context.Context) {
	select {
	case <-time.After(30 * time.Second):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(m.cfg.SnapshotInterval())
	defer ticker.Stop()

	m.snapshotAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.snapshotAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// snapshotAll runs one snapshot cycle: retry buffered bundles first, then
// both pools in parallel, sessions sequentially within each pool.
func (m *Manager) snapshotAll(ctx context.Context) {
	start := time.Now()
	bucket := models.FloorBucket(start, m.cfg.SnapshotInterval())

	m.flushPending(ctx)

	var wg sync.WaitGroup
	for _, rt := range m.platforms {
		wg.Add(1)
		go func(rt *platformRuntime) {
			defer wg.Done()
			m.snapshotPool(ctx, rt, bucket)
		}(rt)
	}
	wg.Wait()

	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
}

func (m *Manager) snapshotPool(ctx context.Context, rt *platformRuntime, bucket time.Time) {
	lists := rt.pool.CollectViewerLists()
	drained := rt.pool.CollectChatStats()

	statsByKey := make(map[string]models.ChatStats, len(drained))
	for _, d := range drained {
		statsByKey[d.Target.Key()] = d.Stats
	}

	for _, list := range lists {
		stats := buildStats(list, statsByKey[list.Target.Key()], bucket)
		m.persistSessionSnapshot(ctx, list, stats)
	}
}

// buildStats derives the per-bucket aggregate from one viewer list and the
// drained chat counters. Ratios are 0 when there are no viewers.
func buildStats(list models.ViewerList, chat models.ChatStats, bucket time.Time) models.BroadcastStats {
	var subs, fans int
	for _, v := range list.Viewers {
		if v.IsSubscriber {
			subs++
		}
		if v.IsFan {
			fans++
		}
	}

	st := models.BroadcastStats{
		Platform:        list.Target.Platform,
		ChannelID:       list.Target.ChannelID,
		BroadcastID:     list.Target.BroadcastID,
		SnapshotAt:      bucket,
		ViewerCount:     len(list.Viewers),
		SubscriberCount: subs,
		FanCount:        fans,
		ChatCount:       chat.MessageCount,
		UniqueChatters:  chat.UniqueChatters,
	}
	if st.ViewerCount > 0 {
		st.SubscriberRatio = float64(subs) / float64(st.ViewerCount)
		st.FanRatio = float64(fans) / float64(st.ViewerCount)
	}
	return st
}

func (m *Manager) persistSessionSnapshot(ctx context.Context, list models.ViewerList, stats models.BroadcastStats) {
	t := list.Target

	for _, v := range list.Viewers {
		if err := m.store.UpsertPerson(ctx, m.store.wh, t.Platform, v.UserID, v.Nickname, false); err != nil {
			m.noteWriteFailure("upsert viewer", err)
			break
		}
	}

	if err := m.saveBundle(ctx, snapshotBundle{target: t, stats: stats, viewers: list.Viewers}); err != nil {
		m.bufferBundle(snapshotBundle{target: t, stats: stats, viewers: list.Viewers})
		m.noteWriteFailure("save stats", err)
		return
	}
	m.healthy.Store(true)
}

func (m *Manager) saveBundle(ctx context.Context, bundle snapshotBundle) error {
	t := bundle.target
	dbID, err := m.store.BroadcastDBID(ctx, t.Platform, t.ChannelID, t.BroadcastID)
	if err != nil {
		return err
	}
	return m.store.SaveSnapshotBundle(ctx, dbID, bundle.stats, bundle.viewers)
}

// bufferBundle holds a failed snapshot in memory, dropping the oldest when
// the buffer is full.
func (m *Manager) bufferBundle(bundle snapshotBundle) {
	m.pendMu.Lock()
	m.pending = append(m.pending, bundle)
	if over := len(m.pending) - m.cfg.PendingStatsLimit; over > 0 {
		m.pending = m.pending[over:]
		logging.Warn().Int("dropped", over).Msg("Pending stats buffer full, oldest dropped")
	}
	metrics.PendingStatsBuffered.Set(float64(len(m.pending)))
	m.pendMu.Unlock()
}

// flushPending retries buffered snapshot bundles. The first failure stops the
// flush; the rest stay buffered for the next cycle.
func (m *Manager) flushPending(ctx context.Context) {
	m.pendMu.Lock()
	pending := m.pending
	m.pending = nil
	m.pendMu.Unlock()
	if len(pending) == 0 {
		return
	}

	for i, bundle := range pending {
		if err := m.saveBundle(ctx, bundle); err != nil {
			m.pendMu.Lock()
			m.pending = append(pending[i:], m.pending...)
			metrics.PendingStatsBuffered.Set(float64(len(m.pending)))
			m.pendMu.Unlock()
			logging.Warn().Err(err).Int("remaining", len(pending)-i).Msg("Pending stats flush interrupted")
			return
		}
	}
	metrics.PendingStatsBuffered.Set(0)
	m.healthy.Store(true)
	logging.Info().Int("flushed", len(pending)).Msg("Pending stats flushed")
}

// ---------------------------------------------------------------------------
// Event path

// handleSessionEvent routes one decoded event from a session. Chat goes into
// the bounded channel (lossy under backpressure); donations and
// subscriptions go into the unbounded queue and are never dropped.
func (m *Manager) handleSessionEvent(ev models.Event) {
	switch ev.Kind {
	case models.EventChat:
		m.enqueueChat(ev)
	case models.EventDonation, models.EventSubscription:
		m.enqueueDonation(ev)
	}
}

func (m *Manager) enqueueChat(ev models.Event) {
	select {
	case m.chatCh <- ev:
		return
	default:
	}

	// Channel full: drop the oldest buffered event to make room.
	select {
	case dropped := <-m.chatCh:
		metrics.ChatEventsDropped.WithLabelValues(string(dropped.Platform)).Inc()
	default:
	}
	select {
	case m.chatCh <- ev:
	default:
		metrics.ChatEventsDropped.WithLabelValues(string(ev.Platform)).Inc()
	}
}

func (m *Manager) enqueueDonation(ev models.Event) {
	m.donMu.Lock()
	m.donations = append(m.donations, ev)
	depth := len(m.donations)
	m.donMu.Unlock()

	metrics.DonationQueueDepth.Set(float64(depth))
	select {
	case m.donSignal <- struct{}{}:
	default:
	}
}

// chatFlushLoop appends buffered chat events periodically or when the buffer
// grows past the flush size.
func (m *Manager) chatFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ChatFlushInterval)
	defer ticker.Stop()

	buffer := make([]models.Event, 0, m.cfg.ChatFlushSize)
	for {
		select {
		case ev := <-m.chatCh:
			buffer = append(buffer, ev)
			if len(buffer) >= m.cfg.ChatFlushSize {
				m.appendChat(ctx, buffer)
				buffer = buffer[:0]
			}
		case <-ticker.C:
			if len(buffer) > 0 {
				m.appendChat(ctx, buffer)
				buffer = buffer[:0]
			}
		case <-ctx.Done():
			if len(buffer) > 0 {
				m.appendChat(context.Background(), buffer)
			}
			return
		}
	}
}

// flushChat drains whatever is still queued in the chat channel. Called once
// during shutdown.
func (m *Manager) flushChat(ctx context.Context) {
	var buffer []models.Event
	for {
		select {
		case ev := <-m.chatCh:
			buffer = append(buffer, ev)
		default:
			if len(buffer) > 0 {
				m.appendChat(ctx, buffer)
			}
			return
		}
	}
}

// appendChat resolves broadcast ids, batch-appends the events and folds the
// per-viewer chat counts into the engagement totals.
func (m *Manager) appendChat(ctx context.Context, events []models.Event) {
	rows := make([]ChatEventRow, 0, len(events))
	type engKey struct {
		platform  models.Platform
		viewerID  string
		channelID string
		category  string
	}
	engagement := make(map[engKey]int)

	for _, ev := range events {
		dbID, err := m.store.BroadcastDBID(ctx, ev.Platform, ev.ChannelID, ev.BroadcastID)
		if err != nil {
			// Chat for a broadcast the warehouse has not seen yet; lossy by
			// contract.
			continue
		}
		rows = append(rows, ChatEventRow{Event: ev, DBID: dbID})
		engagement[engKey{ev.Platform, ev.UserID, ev.ChannelID, m.categoryFor(ev)}]++
	}

	if err := m.store.AppendChatEvents(ctx, rows); err != nil {
		m.noteWriteFailure("append chat", err)
		return
	}
	for k, chats := range engagement {
		if err := m.store.AccumulateEngagement(ctx, k.platform, k.viewerID, k.channelID, k.category, chats, 0, 0); err != nil {
			m.noteWriteFailure("engagement", err)
			break
		}
	}
}

// categoryFor looks up the broadcast's current category for engagement
// attribution.
func (m *Manager) categoryFor(ev models.Event) string {
	m.metaMu.RLock()
	defer m.metaMu.RUnlock()
	return m.metaCache[models.BroadcastKey(ev.Platform, ev.ChannelID, ev.BroadcastID)].categoryID
}

// donationLoop persists queued donations as they arrive. Insert failures log
// and continue; there is no retry, but the queue itself never drops.
func (m *Manager) donationLoop(ctx context.Context) {
	for {
		select {
		case <-m.donSignal:
			m.flushDonations(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) flushDonations(ctx context.Context) {
	m.donMu.Lock()
	queued := m.donations
	m.donations = nil
	m.donMu.Unlock()
	if len(queued) == 0 {
		return
	}
	metrics.DonationQueueDepth.Set(0)

	for _, ev := range queued {
		if err := m.store.UpsertPerson(ctx, m.store.wh, ev.Platform, ev.UserID, ev.Nickname, false); err != nil {
			m.noteWriteFailure("upsert donor", err)
		}
		if err := m.store.InsertDonation(ctx, ev); err != nil {
			m.noteWriteFailure("insert donation", err)
			continue
		}
		if ev.Kind == models.EventDonation {
			if err := m.store.AccumulateEngagement(ctx, ev.Platform, ev.UserID, ev.ChannelID, m.categoryFor(ev), 0, 1, ev.Amount); err != nil {
				m.noteWriteFailure("engagement", err)
			}
		}
		m.healthy.Store(true)
	}
}

// noteWriteFailure logs a failed warehouse write and flips the health flag.
func (m *Manager) noteWriteFailure(op string, err error) {
	m.healthy.Store(false)
	logging.Warn().Err(err).Str("op", op).Msg("Warehouse write failed")
}
