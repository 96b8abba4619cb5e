// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
session.go - Chat Session

One Session per live broadcast the pool has selected. A session owns exactly
one WebSocket, its ping loop, its rolling viewer map and its chat-rate
counters. Sessions never reconnect themselves; when the socket dies the
session emits a close signal and the next poll cycle decides whether the
broadcast is still worth a slot.

State machine: Connecting -> Handshaking -> Connected -> Closing -> Closed.
The first decoded server ack moves Handshaking to Connected; any socket error
or an explicit Close moves to Closed.
*/

package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/injooinjoo/streamlens/internal/logging"
	"github.com/injooinjoo/streamlens/internal/metrics"
	"github.com/injooinjoo/streamlens/internal/models"
)

// SessionState is the connection state of one chat session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateHandshaking
	StateConnected
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

// chatWindow accumulates chat-rate counters between snapshot drains. Drains
// swap the whole struct out under the session lock so no message is lost or
// double-counted across the reset boundary.
type chatWindow struct {
	messages int
	chatters map[string]struct{}
}

func newChatWindow() *chatWindow {
	return &chatWindow{chatters: make(map[string]struct{})}
}

// Session is the in-process representation of one live chat connection.
type Session struct {
	target models.Target
	url    string
	codec  Codec

	// onEvent receives every decoded chat/donation/subscription event.
	// onClose fires exactly once when the session reaches Closed.
	onEvent func(models.Event)
	onClose func(models.Target)

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex // guards state, viewers, window
	state   SessionState
	viewers map[string]models.Viewer
	window  *chatWindow
	counted bool // session counted in the active gauge

	stopOnce  sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSession creates an unconnected session for one broadcast target.
func NewSession(target models.Target, url string, codec Codec, onEvent func(models.Event), onClose func(models.Target)) *Session {
	return &Session{
		target:  target,
		url:     url,
		codec:   codec,
		onEvent: onEvent,
		onClose: onClose,
		state:   StateConnecting,
		viewers: make(map[string]models.Viewer),
		window:  newChatWindow(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Target returns the broadcast this session observes.
func (s *Session) Target() models.Target { return s.target }

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the chat server and performs the client side of the
// handshake. It returns once the socket is open and the immediate handshake
// frames are sent; delayed handshake frames and the ping loop run in the
// background. The ctx deadline (10 s by default) bounds the dial.
func (s *Session) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     subprotocolsFor(s.target.Platform),
	}

	conn, resp, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		metrics.SessionConnectFailures.WithLabelValues(string(s.target.Platform)).Inc()
		if resp != nil {
			return fmt.Errorf("chat dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("chat dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateHandshaking
	s.mu.Unlock()

	// Immediate handshake frames go out before Connect returns; delayed ones
	// (SOOP's JOIN) are scheduled on the session's own clock.
	var delayed []DelayedFrame
	for _, hf := range s.codec.Handshake() {
		if hf.Delay == 0 {
			if err := s.writeFrame(hf.Frame); err != nil {
				s.Close()
				s.finish()
				return fmt.Errorf("handshake write failed: %w", err)
			}
			continue
		}
		delayed = append(delayed, hf)
	}

	metrics.SessionsActive.WithLabelValues(string(s.target.Platform)).Inc()
	s.mu.Lock()
	s.counted = true
	s.mu.Unlock()

	go s.sendDelayed(delayed)
	go s.pingLoop()
	go s.readLoop()

	logging.Debug().Str("platform", string(s.target.Platform)).Str("channel", s.target.ChannelID).
		Str("url", s.url).Msg("Chat session connected")
	return nil
}

func subprotocolsFor(platform models.Platform) []string {
	if platform == models.PlatformSoop {
		return []string{"chat"}
	}
	return nil
}

// sendDelayed writes the delayed handshake frames in order.
func (s *Session) sendDelayed(frames []DelayedFrame) {
	for _, hf := range frames {
		select {
		case <-time.After(hf.Delay):
		case <-s.stop:
			return
		}
		if err := s.writeFrame(hf.Frame); err != nil {
			logging.Warn().Err(err).Str("channel", s.target.ChannelID).Msg("Delayed handshake write failed")
			s.Close()
			return
		}
	}
}

// pingLoop writes the codec's keepalive frame at its interval until the
// session stops.
func (s *Session) pingLoop() {
	frame, interval := s.codec.Ping()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeFrame(frame); err != nil {
				logging.Debug().Err(err).Str("channel", s.target.ChannelID).Msg("Keepalive write failed")
				s.Close()
				return
			}
		case <-s.stop:
			return
		}
	}
}

// readLoop processes inbound frames until the socket dies or the session is
// stopped. The read deadline is three ping intervals; a silent server is
// treated as a dead connection.
func (s *Session) readLoop() {
	defer s.finish()

	_, interval := s.codec.Ping()
	deadline := 3 * interval

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug().Err(err).Str("platform", string(s.target.Platform)).
					Str("channel", s.target.ChannelID).Msg("Chat socket closed")
			}
			return
		}

		for _, ev := range s.codec.Decode(data) {
			s.handleEvent(ev)
		}
	}
}

// handleEvent applies one decoded event to the session state and forwards it
// to the orchestrator. Events are stamped with the broadcast identity here so
// codecs stay broadcast-agnostic.
func (s *Session) handleEvent(ev models.Event) {
	metrics.EventsDecoded.WithLabelValues(string(ev.Platform), string(ev.Kind)).Inc()

	if reply, ok := s.codec.Reply(ev); ok {
		if err := s.writeFrame(reply); err != nil {
			logging.Debug().Err(err).Str("channel", s.target.ChannelID).Msg("Reply write failed")
		}
	}

	ev.ChannelID = s.target.ChannelID
	ev.BroadcastID = s.target.BroadcastID
	if ev.TargetUserID == "" {
		ev.TargetUserID = s.target.StreamerID
	}

	switch ev.Kind {
	case models.EventConnected:
		s.mu.Lock()
		if s.state == StateHandshaking {
			s.state = StateConnected
		}
		s.mu.Unlock()
		return

	case models.EventPing:
		return

	case models.EventUserList:
		s.mu.Lock()
		s.viewers = make(map[string]models.Viewer, len(ev.Viewers))
		for _, v := range ev.Viewers {
			s.viewers[v.UserID] = v
		}
		s.mu.Unlock()
		return

	case models.EventUserJoin:
		s.mu.Lock()
		for _, v := range ev.Viewers {
			s.viewers[v.UserID] = v
		}
		s.mu.Unlock()
		return

	case models.EventChat:
		s.mu.Lock()
		s.window.messages++
		s.window.chatters[ev.UserID] = struct{}{}
		s.mu.Unlock()
	}

	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// writeFrame writes one frame under the session's write lock.
func (s *Session) writeFrame(frame Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session not connected")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(frame.MessageType, frame.Data)
}

// SnapshotViewers returns a copy of the current viewer map. Cheap read; the
// map and its counters keep accumulating.
func (s *Session) SnapshotViewers() []models.Viewer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		out = append(out, v)
	}
	return out
}

// DrainChatStats atomically reads and zeroes the chat-rate counters by
// swapping the whole window out under the session lock.
func (s *Session) DrainChatStats() models.ChatStats {
	s.mu.Lock()
	window := s.window
	s.window = newChatWindow()
	s.mu.Unlock()

	return models.ChatStats{
		MessageCount:   window.messages,
		UniqueChatters: len(window.chatters),
	}
}

// Close stops the ping loop, closes the socket and clears the viewer map.
// Idempotent; the close signal fires exactly once.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateClosing
		}
		conn := s.conn
		s.mu.Unlock()

		close(s.stop)
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		} else {
			// Never opened; the read loop will not run, finish here.
			s.finish()
		}
	})
}

// finish transitions to Closed and fires the close signal once.
func (s *Session) finish() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasOpen := s.counted
		s.state = StateClosed
		s.viewers = make(map[string]models.Viewer)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()

		// Make sure background loops observe the stop signal even when the
		// socket died on its own.
		s.stopOnce.Do(func() { close(s.stop) })

		if wasOpen {
			metrics.SessionsActive.WithLabelValues(string(s.target.Platform)).Dec()
		}
		close(s.done)
		if s.onClose != nil {
			s.onClose(s.target)
		}
	})
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }
