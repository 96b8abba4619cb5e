// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/injooinjoo/streamlens/internal/models"
)

// chatServer is a minimal SOOP-speaking chat server for session tests. It
// discards inbound frames and replays a scripted frame sequence.
type chatServer struct {
	t      *testing.T
	frames chan []byte

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newChatServer(t *testing.T) (*chatServer, string) {
	t.Helper()
	cs := &chatServer{t: t, frames: make(chan []byte, 64)}

	upgrader := websocket.Upgrader{Subprotocols: []string{"chat"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.conns = append(cs.conns, conn)
		cs.mu.Unlock()

		// Discard inbound handshake and keepalive frames.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for frame := range cs.frames {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(cs.closeAll)

	return cs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (cs *chatServer) send(frame []byte) { cs.frames <- frame }

func (cs *chatServer) closeAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, conn := range cs.conns {
		_ = conn.Close()
	}
}

func testTarget() models.Target {
	return models.Target{
		Platform:    models.PlatformSoop,
		ChannelID:   "chan-1",
		BroadcastID: "bcast-1",
		StreamerID:  "streamer-1",
		Viewers:     500,
	}
}

func connectTestSession(t *testing.T, url string, onEvent func(models.Event)) (*Session, chan models.Target) {
	t.Helper()

	closed := make(chan models.Target, 1)
	sess := NewSession(testTarget(), url, newSoopCodec("room-1"), onEvent, func(tg models.Target) {
		closed <- tg
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	t.Cleanup(sess.Close)
	return sess, closed
}

func TestSessionViewerMapLifecycle(t *testing.T) {
	server, url := newChatServer(t)
	sess, _ := connectTestSession(t, url, nil)

	// USER_LIST replaces the viewer map wholesale.
	server.send(soopInbound(soopActUserList,
		"alice", "Alice", "268435456|0",
		"bob", "Bob", "0|0",
	))
	require.Eventually(t, func() bool {
		return len(sess.SnapshotViewers()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// USER_JOIN adds one viewer in place.
	server.send(soopInbound(soopActUserJoin, "carol", "Carol", "0|262144"))
	require.Eventually(t, func() bool {
		return len(sess.SnapshotViewers()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	// A second USER_LIST replaces again, shrinking the map.
	server.send(soopInbound(soopActUserList, "dave", "Dave", "0|0"))
	require.Eventually(t, func() bool {
		viewers := sess.SnapshotViewers()
		return len(viewers) == 1 && viewers[0].UserID == "dave"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionChatCountersDrainAndReset(t *testing.T) {
	server, url := newChatServer(t)

	var eventMu sync.Mutex
	var chats int
	sess, _ := connectTestSession(t, url, func(ev models.Event) {
		if ev.Kind == models.EventChat {
			eventMu.Lock()
			chats++
			eventMu.Unlock()
		}
	})

	server.send(soopInbound(soopActChat, "one", "alice", "x", "x", "x", "Alice"))
	server.send(soopInbound(soopActChat, "two", "bob", "x", "x", "x", "Bob"))
	server.send(soopInbound(soopActChat, "three", "alice", "x", "x", "x", "Alice"))

	require.Eventually(t, func() bool {
		eventMu.Lock()
		defer eventMu.Unlock()
		return chats == 3
	}, 5*time.Second, 10*time.Millisecond)

	stats := sess.DrainChatStats()
	assert.Equal(t, 3, stats.MessageCount)
	assert.Equal(t, 2, stats.UniqueChatters)

	// Drained means drained: a second read before new frames is zero.
	again := sess.DrainChatStats()
	assert.Zero(t, again.MessageCount)
	assert.Zero(t, again.UniqueChatters)
}

func TestSessionStampsBroadcastIdentity(t *testing.T) {
	server, url := newChatServer(t)

	events := make(chan models.Event, 8)
	_, _ = connectTestSession(t, url, func(ev models.Event) { events <- ev })

	// Replaying the same donation frame twice yields two events; the
	// pipeline does not dedupe.
	frame := soopInbound(soopActTextDonation, "streamer-1", "donor", "Donor", "10")
	server.send(frame)
	server.send(frame)

	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			assert.Equal(t, models.EventDonation, ev.Kind)
			assert.Equal(t, "chan-1", ev.ChannelID)
			assert.Equal(t, "bcast-1", ev.BroadcastID)
			assert.Equal(t, "streamer-1", ev.TargetUserID)
		case <-time.After(5 * time.Second):
			t.Fatal("donation event not delivered")
		}
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	server, url := newChatServer(t)
	sess, closed := connectTestSession(t, url, nil)

	server.send(soopInbound(soopActUserList, "alice", "Alice", "0|0"))
	require.Eventually(t, func() bool {
		return len(sess.SnapshotViewers()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sess.Close()
	sess.Close()

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish closing")
	}

	// The close signal fires exactly once.
	select {
	case tg := <-closed:
		assert.Equal(t, "chan-1", tg.ChannelID)
	case <-time.After(time.Second):
		t.Fatal("close signal not delivered")
	}
	select {
	case <-closed:
		t.Fatal("close signal delivered twice")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, StateClosed, sess.State())
	assert.Empty(t, sess.SnapshotViewers())
}

func TestSessionServerDisconnectSignalsClose(t *testing.T) {
	server, url := newChatServer(t)
	sess, closed := connectTestSession(t, url, nil)

	server.closeAll()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close signal not delivered after server disconnect")
	}
	assert.Equal(t, StateClosed, sess.State())
}

func TestSessionConnectTimeout(t *testing.T) {
	sess := NewSession(testTarget(), "ws://127.0.0.1:1/Websocket/none", newSoopCodec("r"), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.Error(t, sess.Connect(ctx))
}
