// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package collector

import (
	"context"
	"fmt"

	"github.com/injooinjoo/streamlens/internal/models"
)

// SoopSessionFactory builds connected SOOP sessions: resolve the chat server
// for the streamer, dial it with the "chat" subprotocol, run the
// CONNECT-then-JOIN handshake.
func SoopSessionFactory(api PlatformAPI) SessionFactory {
	return func(ctx context.Context, t models.Target, onEvent func(models.Event), onClose func(models.Target)) (*Session, error) {
		coords, err := api.FetchChatCoordinates(ctx, t.StreamerID)
		if err != nil {
			return nil, fmt.Errorf("soop chat coordinates for %s: %w", t.StreamerID, err)
		}

		sess := NewSession(t, SoopChatURL(coords, t.StreamerID), newSoopCodec(coords.ChatRoomID), onEvent, onClose)
		if err := sess.Connect(ctx); err != nil {
			return nil, err
		}
		return sess, nil
	}
}

// ChzzkSessionFactory builds connected CHZZK sessions: resolve the chat
// channel via live-detail, dial one of the chat front ends, send the CONNECT
// frame.
func ChzzkSessionFactory(api PlatformAPI) SessionFactory {
	return func(ctx context.Context, t models.Target, onEvent func(models.Event), onClose func(models.Target)) (*Session, error) {
		coords, err := api.FetchChatCoordinates(ctx, t.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("chzzk chat coordinates for %s: %w", t.ChannelID, err)
		}

		sess := NewSession(t, ChzzkChatURL(coords), newChzzkCodec(coords.ChatRoomID), onEvent, onClose)
		if err := sess.Connect(ctx); err != nil {
			return nil, err
		}
		return sess, nil
	}
}
