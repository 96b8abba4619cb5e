// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
chzzk_codec.go - CHZZK Chat Wire Protocol

CHZZK frames are JSON objects dispatched on an integer "cmd" field. The
client sends a CONNECT frame on open and an unconditional keepalive pong
every 20 s; the server also pings (cmd 0) and expects the same pong. Chat
payloads nest two levels of JSON: the "profile" and "extras" fields of each
body item are themselves JSON-encoded strings.
*/

package collector

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/injooinjoo/streamlens/internal/metrics"
	"github.com/injooinjoo/streamlens/internal/models"
)

// Server and client command codes.
const (
	chzzkCmdPing         = 0
	chzzkCmdConnect      = 100
	chzzkCmdPong         = 10000
	chzzkCmdConnected    = 10100
	chzzkCmdRecentChat   = 15101
	chzzkCmdChat         = 93101
	chzzkCmdDonation     = 93102
	chzzkCmdSubscription = 93103
)

// chzzkCodec implements Codec for one CHZZK broadcast.
type chzzkCodec struct {
	chatChannelID string
}

func newChzzkCodec(chatChannelID string) *chzzkCodec {
	return &chzzkCodec{chatChannelID: chatChannelID}
}

type chzzkEnvelope struct {
	Cmd int             `json:"cmd"`
	Bdy json.RawMessage `json:"bdy"`
}

type chzzkChatBody struct {
	Profile string `json:"profile"`
	Extras  string `json:"extras"`
	Msg     string `json:"msg"`
	Content string `json:"content"`
	MsgTime int64  `json:"msgTime"`
	UserID  string `json:"uid"`
}

type chzzkProfile struct {
	UserIDHash string `json:"userIdHash"`
	Nickname   string `json:"nickname"`
	UserRole   string `json:"userRoleCode"`
}

type chzzkExtras struct {
	PayAmount int64  `json:"payAmount"`
	Month     int    `json:"month"`
	Msg       string `json:"msg"`
}

func chzzkConnectFrame(chatChannelID string) []byte {
	frame := map[string]any{
		"ver":   "3",
		"cmd":   chzzkCmdConnect,
		"svcid": "game",
		"cid":   chatChannelID,
		"bdy": map[string]any{
			"devType": 2001,
			"auth":    "READ",
		},
		"tid": 1,
	}
	data, _ := json.Marshal(frame)
	return data
}

func chzzkPongFrame() []byte {
	data, _ := json.Marshal(map[string]any{"ver": "3", "cmd": chzzkCmdPong})
	return data
}

func (c *chzzkCodec) Handshake() []DelayedFrame {
	return []DelayedFrame{
		{Delay: 0, Frame: Frame{MessageType: websocket.TextMessage, Data: chzzkConnectFrame(c.chatChannelID)}},
	}
}

// Ping returns the unconditional keepalive; CHZZK expects it regardless of
// server pings.
func (c *chzzkCodec) Ping() (Frame, time.Duration) {
	return Frame{MessageType: websocket.TextMessage, Data: chzzkPongFrame()}, 20 * time.Second
}

func (c *chzzkCodec) Reply(ev models.Event) (Frame, bool) {
	if ev.Kind == models.EventPing {
		return Frame{MessageType: websocket.TextMessage, Data: chzzkPongFrame()}, true
	}
	return Frame{}, false
}

// Decode parses one inbound CHZZK frame. Unknown commands are ignored;
// unparseable frames are counted and dropped.
func (c *chzzkCodec) Decode(data []byte) []models.Event {
	var env chzzkEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.MalformedFrames.WithLabelValues(string(models.PlatformChzzk)).Inc()
		return nil
	}

	now := time.Now().UTC()
	base := models.Event{Platform: models.PlatformChzzk, Timestamp: now}

	switch env.Cmd {
	case chzzkCmdPing:
		base.Kind = models.EventPing
		return []models.Event{base}

	case chzzkCmdConnected:
		base.Kind = models.EventConnected
		return []models.Event{base}

	case chzzkCmdChat, chzzkCmdRecentChat:
		return c.decodeChatBodies(env.Bdy, models.EventChat, base)

	case chzzkCmdDonation:
		return c.decodeChatBodies(env.Bdy, models.EventDonation, base)

	case chzzkCmdSubscription:
		return c.decodeChatBodies(env.Bdy, models.EventSubscription, base)
	}

	return nil
}

// decodeChatBodies unwraps the body, which is either a single object or a
// list of them, and maps each entry to one event.
func (c *chzzkCodec) decodeChatBodies(raw json.RawMessage, kind models.EventKind, base models.Event) []models.Event {
	bodies, ok := chzzkBodyItems(raw)
	if !ok {
		metrics.MalformedFrames.WithLabelValues(string(models.PlatformChzzk)).Inc()
		return nil
	}

	var events []models.Event
	for _, body := range bodies {
		ev, ok := c.mapChatBody(body, kind, base)
		if !ok {
			metrics.MalformedFrames.WithLabelValues(string(models.PlatformChzzk)).Inc()
			continue
		}
		events = append(events, ev)
	}
	return events
}

func chzzkBodyItems(raw json.RawMessage) ([]chzzkChatBody, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, false
	}

	if strings.HasPrefix(trimmed, "[") {
		var list []chzzkChatBody
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, false
		}
		return list, true
	}

	var single chzzkChatBody
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, false
	}
	return []chzzkChatBody{single}, true
}

func (c *chzzkCodec) mapChatBody(body chzzkChatBody, kind models.EventKind, base models.Event) (models.Event, bool) {
	base.Kind = kind

	var profile chzzkProfile
	if body.Profile != "" {
		if err := json.Unmarshal([]byte(body.Profile), &profile); err != nil {
			return base, false
		}
	}

	base.UserID = profile.UserIDHash
	if base.UserID == "" {
		base.UserID = body.UserID
	}
	base.Nickname = profile.Nickname
	base.Role = chzzkRole(profile.UserRole)

	base.Message = body.Msg
	if base.Message == "" {
		base.Message = body.Content
	}
	if body.MsgTime > 0 {
		base.Timestamp = time.UnixMilli(body.MsgTime).UTC()
	}

	switch kind {
	case models.EventChat:
		if base.UserID == "" {
			return base, false
		}

	case models.EventDonation:
		var extras chzzkExtras
		if body.Extras != "" {
			if err := json.Unmarshal([]byte(body.Extras), &extras); err != nil {
				return base, false
			}
		}
		base.DonationType = models.DonationCheese
		base.Amount = extras.PayAmount
		base.OriginalAmount = extras.PayAmount
		base.Currency = "KRW"
		if base.Message == "" {
			base.Message = extras.Msg
		}

	case models.EventSubscription:
		var extras chzzkExtras
		if body.Extras != "" {
			if err := json.Unmarshal([]byte(body.Extras), &extras); err != nil {
				return base, false
			}
		}
		base.DonationType = models.DonationSubscribe
		base.SubscriptionMonths = extras.Month
		base.Currency = "KRW"
		if base.UserID == "" {
			return base, false
		}
	}

	return base, true
}

func chzzkRole(code string) models.ChatterRole {
	switch code {
	case "streamer":
		return models.RoleStreamer
	case "streaming_chat_manager", "streaming_channel_manager", "manager":
		return models.RoleManager
	default:
		return models.RoleRegular
	}
}
