// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package collector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/injooinjoo/streamlens/internal/models"
)

// stubFactory hands out sessions without any network. Targets listed in
// failing are refused, simulating a dead chat server.
type stubFactory struct {
	mu      sync.Mutex
	failing map[string]bool
	made    []string
}

func (f *stubFactory) factory(_ context.Context, t models.Target, onEvent func(models.Event), onClose func(models.Target)) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[t.Key()] {
		return nil, fmt.Errorf("chat server unreachable for %s", t.ChannelID)
	}
	f.made = append(f.made, t.Key())
	return NewSession(t, "", newSoopCodec("room"), onEvent, onClose), nil
}

func (f *stubFactory) madeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func poolTarget(channel string, viewers int) models.Target {
	return models.Target{
		Platform:    models.PlatformSoop,
		ChannelID:   channel,
		BroadcastID: channel + "-b",
		StreamerID:  channel,
		Viewers:     viewers,
	}
}

func waitForSessions(t *testing.T, p *Pool, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(p.liveSessions()) == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPoolRespectsCap(t *testing.T) {
	f := &stubFactory{}
	p := NewPool(models.PlatformSoop, 2, time.Second, f.factory, nil)

	p.UpdateTargets([]models.Target{
		poolTarget("a", 500), poolTarget("b", 400), poolTarget("c", 300),
	})

	waitForSessions(t, p, 2)
	assert.Equal(t, 2, p.SessionCount())
	assert.Equal(t, 2, f.madeCount())

	// The overflow target is queued, not dropped.
	p.mu.Lock()
	waiting := len(p.waiting)
	p.mu.Unlock()
	assert.Equal(t, 1, waiting)
}

func TestPoolDrainsQueueOnClose(t *testing.T) {
	f := &stubFactory{}
	p := NewPool(models.PlatformSoop, 2, time.Second, f.factory, nil)

	p.UpdateTargets([]models.Target{
		poolTarget("a", 500), poolTarget("b", 400), poolTarget("c", 300),
	})
	waitForSessions(t, p, 2)

	// Closing one session frees the slot for the queued target.
	p.liveSessions()[0].Close()

	require.Eventually(t, func() bool {
		_, ok := p.ActiveKeys()[poolTarget("c", 300).Key()]
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, p.SessionCount(), 2)
}

func TestPoolDropsDeselectedSessions(t *testing.T) {
	f := &stubFactory{}
	p := NewPool(models.PlatformSoop, 4, time.Second, f.factory, nil)

	p.UpdateTargets([]models.Target{poolTarget("a", 500), poolTarget("b", 400)})
	waitForSessions(t, p, 2)

	// Next cycle selects b and c: a is closed, c connects.
	p.UpdateTargets([]models.Target{poolTarget("b", 400), poolTarget("c", 300)})

	require.Eventually(t, func() bool {
		keys := p.ActiveKeys()
		_, hasA := keys[poolTarget("a", 0).Key()]
		_, hasB := keys[poolTarget("b", 0).Key()]
		_, hasC := keys[poolTarget("c", 0).Key()]
		return !hasA && hasB && hasC
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPoolConnectFailureFreesSlot(t *testing.T) {
	f := &stubFactory{failing: map[string]bool{poolTarget("dead", 0).Key(): true}}
	p := NewPool(models.PlatformSoop, 2, time.Second, f.factory, nil)

	p.UpdateTargets([]models.Target{
		poolTarget("dead", 500), poolTarget("a", 400), poolTarget("b", 300),
	})

	// The failed connect must not burn a slot: both healthy targets end up
	// connected.
	require.Eventually(t, func() bool {
		keys := p.ActiveKeys()
		_, hasA := keys[poolTarget("a", 0).Key()]
		_, hasB := keys[poolTarget("b", 0).Key()]
		return hasA && hasB && len(keys) == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPoolUpdateIsIdempotentForRunningSessions(t *testing.T) {
	f := &stubFactory{}
	p := NewPool(models.PlatformSoop, 4, time.Second, f.factory, nil)

	targets := []models.Target{poolTarget("a", 500)}
	p.UpdateTargets(targets)
	waitForSessions(t, p, 1)

	p.UpdateTargets(targets)
	time.Sleep(50 * time.Millisecond)

	// Re-selecting a running session must not dial again.
	assert.Equal(t, 1, f.madeCount())
	waitForSessions(t, p, 1)
}

func TestPoolCollectors(t *testing.T) {
	f := &stubFactory{}
	events := make(chan models.Event, 1)
	p := NewPool(models.PlatformSoop, 4, time.Second, f.factory, func(ev models.Event) { events <- ev })

	p.UpdateTargets([]models.Target{poolTarget("a", 500), poolTarget("b", 400)})
	waitForSessions(t, p, 2)

	// Feed one session some state directly, the way its read loop would.
	sess := p.liveSessions()[0]
	sess.handleEvent(models.Event{
		Kind:     models.EventUserList,
		Platform: models.PlatformSoop,
		Viewers:  []models.Viewer{{UserID: "v1"}, {UserID: "v2", IsSubscriber: true}},
	})
	sess.handleEvent(models.Event{Kind: models.EventChat, Platform: models.PlatformSoop, UserID: "v1"})
	<-events

	lists := p.CollectViewerLists()
	require.Len(t, lists, 2)
	total := len(lists[0].Viewers) + len(lists[1].Viewers)
	assert.Equal(t, 2, total)

	stats := p.CollectChatStats()
	require.Len(t, stats, 2)
	msgs := stats[0].Stats.MessageCount + stats[1].Stats.MessageCount
	assert.Equal(t, 1, msgs)

	// CollectChatStats drains: a second pass is all zeros.
	for _, st := range p.CollectChatStats() {
		assert.Zero(t, st.Stats.MessageCount)
	}
}

func TestPoolDisconnectAll(t *testing.T) {
	f := &stubFactory{}
	p := NewPool(models.PlatformSoop, 4, time.Second, f.factory, nil)

	p.UpdateTargets([]models.Target{poolTarget("a", 500), poolTarget("b", 400)})
	waitForSessions(t, p, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.DisconnectAll(ctx)

	assert.Empty(t, p.liveSessions())
	assert.Equal(t, 0, p.SessionCount())

	// A closed pool refuses new targets.
	p.UpdateTargets([]models.Target{poolTarget("c", 300)})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, p.SessionCount())
}
