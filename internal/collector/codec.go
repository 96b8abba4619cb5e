// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
codec.go - Protocol Codec Contract

Each platform implements Codec once per broadcast session. Decode is a pure
function from one inbound frame to zero or more unified events; it never
fails on malformed individual records, it skips them. Frame construction for
the handshake and keepalive lives next to decoding so the whole wire protocol
of a platform stays in one file.
*/

package collector

import (
	"time"

	"github.com/injooinjoo/streamlens/internal/models"
)

// Frame is one outbound WebSocket frame.
type Frame struct {
	// MessageType is a gorilla/websocket message type constant.
	MessageType int
	Data        []byte
}

// DelayedFrame is a handshake frame sent Delay after the socket opens.
type DelayedFrame struct {
	Delay time.Duration
	Frame Frame
}

// Codec drives one platform's chat wire protocol for a single broadcast.
type Codec interface {
	// Handshake returns the client-initiated frames sent after the socket
	// opens, in order, each after its delay.
	Handshake() []DelayedFrame

	// Decode parses one inbound frame into unified events. Malformed
	// records are skipped; the slice may be empty.
	Decode(data []byte) []models.Event

	// Reply returns the frame to write in response to a decoded event
	// (server ping), or ok=false when no reply is required.
	Reply(ev models.Event) (Frame, bool)

	// Ping returns the keepalive frame and its interval.
	Ping() (Frame, time.Duration)
}
