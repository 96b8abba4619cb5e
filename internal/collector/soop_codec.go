// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
soop_codec.go - SOOP Chat Wire Protocol

SOOP frames are text separated by a field separator byte (0x0C), prefixed by
0x1B 0x09 followed by a 4-digit action code and a 6-digit payload byte
length. The client initiates the handshake: CONNECT on open, JOIN (carrying
the chat room id) 500 ms later. Keepalive is a PING packet every 60 s.
*/

package collector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/injooinjoo/streamlens/internal/metrics"
	"github.com/injooinjoo/streamlens/internal/models"
)

// Packet grammar.
const (
	soopStarter   = "\x1b\x09"
	soopSeparator = "\x0c"
)

// Action codes.
const (
	soopActPing          = "0000"
	soopActConnect       = "0001"
	soopActJoin          = "0002"
	soopActUserList      = "0004"
	soopActChat          = "0005"
	soopActUserJoin      = "0012"
	soopActTextDonation  = "0018"
	soopActAdBalloon     = "0087"
	soopActSubscribe     = "0093"
	soopActVideoDonation = "0105"
)

// soopKRWPerBalloon converts a balloon count to KRW.
const soopKRWPerBalloon = 100

// soopCodec implements Codec for one SOOP broadcast.
type soopCodec struct {
	chatRoomID string
}

func newSoopCodec(chatRoomID string) *soopCodec {
	return &soopCodec{chatRoomID: chatRoomID}
}

// soopPacket builds one outbound packet: starter, action code, 6-digit UTF-8
// payload byte length, service code "00", payload.
func soopPacket(action, payload string) []byte {
	return []byte(fmt.Sprintf("%s%s%06d00%s", soopStarter, action, len(payload), payload))
}

func soopConnectPacket() []byte {
	payload := strings.Repeat(soopSeparator, 3) + "16" + soopSeparator
	return soopPacket(soopActConnect, payload)
}

func soopJoinPacket(chatRoomID string) []byte {
	payload := soopSeparator + chatRoomID + strings.Repeat(soopSeparator, 5)
	return soopPacket(soopActJoin, payload)
}

func soopPingPacket() []byte {
	return soopPacket(soopActPing, soopSeparator)
}

func (c *soopCodec) Handshake() []DelayedFrame {
	return []DelayedFrame{
		{Delay: 0, Frame: Frame{MessageType: websocket.BinaryMessage, Data: soopConnectPacket()}},
		{Delay: 500 * time.Millisecond, Frame: Frame{MessageType: websocket.BinaryMessage, Data: soopJoinPacket(c.chatRoomID)}},
	}
}

func (c *soopCodec) Ping() (Frame, time.Duration) {
	return Frame{MessageType: websocket.BinaryMessage, Data: soopPingPacket()}, 60 * time.Second
}

func (c *soopCodec) Reply(ev models.Event) (Frame, bool) {
	if ev.Kind == models.EventPing {
		return Frame{MessageType: websocket.BinaryMessage, Data: soopPingPacket()}, true
	}
	return Frame{}, false
}

// Decode parses one inbound SOOP frame. Unknown action codes are ignored;
// malformed packets are counted and dropped.
func (c *soopCodec) Decode(data []byte) []models.Event {
	packet := string(data)
	if !strings.HasPrefix(packet, soopStarter) || len(packet) < 6 {
		metrics.MalformedFrames.WithLabelValues(string(models.PlatformSoop)).Inc()
		return nil
	}

	action := packet[2:6]
	parts := strings.Split(packet, soopSeparator)
	now := time.Now().UTC()

	base := models.Event{Platform: models.PlatformSoop, Timestamp: now}

	switch action {
	case soopActPing:
		base.Kind = models.EventPing
		return []models.Event{base}

	case soopActConnect, soopActJoin:
		base.Kind = models.EventConnected
		return []models.Event{base}

	case soopActUserList:
		base.Kind = models.EventUserList
		base.Viewers = parseSoopViewerTuples(parts[1:])
		return []models.Event{base}

	case soopActUserJoin:
		viewers := parseSoopViewerTuples(parts[1:])
		if len(viewers) == 0 {
			return nil
		}
		base.Kind = models.EventUserJoin
		base.Viewers = viewers[:1]
		return []models.Event{base}

	case soopActChat:
		base.Kind = models.EventChat
		base.Message = part(parts, 1)
		base.UserID = stripViewerSuffix(part(parts, 2))
		base.Nickname = part(parts, 6)
		base.Role = models.RoleRegular
		if base.UserID == "" {
			metrics.MalformedFrames.WithLabelValues(string(models.PlatformSoop)).Inc()
			return nil
		}
		return []models.Event{base}

	case soopActTextDonation, soopActAdBalloon, soopActVideoDonation:
		ev, ok := c.decodeDonation(action, parts, base)
		if !ok {
			metrics.MalformedFrames.WithLabelValues(string(models.PlatformSoop)).Inc()
			return nil
		}
		return []models.Event{ev}

	case soopActSubscribe:
		base.Kind = models.EventSubscription
		base.UserID = stripViewerSuffix(part(parts, 1))
		base.Nickname = part(parts, 2)
		base.DonationType = models.DonationSubscribe
		base.Currency = "KRW"
		base.SubscriptionMonths, _ = strconv.Atoi(part(parts, 3))
		if base.UserID == "" {
			metrics.MalformedFrames.WithLabelValues(string(models.PlatformSoop)).Inc()
			return nil
		}
		return []models.Event{base}
	}

	return nil
}

// decodeDonation parses the three balloon-style donation packets. The count
// sits at parts[4]; for AD_BALLOON frames that carry 0 there, the first
// plausible count in parts[5..9] is used instead.
func (c *soopCodec) decodeDonation(action string, parts []string, base models.Event) (models.Event, bool) {
	base.Kind = models.EventDonation
	base.TargetUserID = part(parts, 1)
	base.UserID = stripViewerSuffix(part(parts, 2))
	base.Nickname = part(parts, 3)
	base.Currency = "KRW"

	count, err := strconv.ParseInt(part(parts, 4), 10, 64)
	if err != nil {
		return base, false
	}

	if action == soopActAdBalloon && count == 0 {
		for i := 5; i <= 9; i++ {
			n, err := strconv.ParseInt(part(parts, i), 10, 64)
			if err == nil && n > 0 && n < 100000 {
				count = n
				break
			}
		}
	}

	switch action {
	case soopActTextDonation:
		base.DonationType = models.DonationBalloon
	case soopActAdBalloon:
		base.DonationType = models.DonationAdBalloon
	case soopActVideoDonation:
		base.DonationType = models.DonationVideoBalloon
	}

	base.OriginalAmount = count
	base.Amount = count * soopKRWPerBalloon
	return base, base.UserID != ""
}

// parseSoopViewerTuples walks (rawId, nickname, flags) triples.
func parseSoopViewerTuples(fields []string) []models.Viewer {
	var viewers []models.Viewer
	for i := 0; i+2 < len(fields); i += 3 {
		v, ok := parseSoopViewer(fields[i], fields[i+1], fields[i+2])
		if !ok {
			continue
		}
		viewers = append(viewers, v)
	}
	return viewers
}

// parseSoopViewer decodes one viewer triple. Flags are two pipe-separated
// 32-bit ints: flag1&0x10000000 marks a subscriber, and fan status is
// (flag1&0x20000000) | (flag2&0x40000).
func parseSoopViewer(rawID, nickname, flags string) (models.Viewer, bool) {
	id := stripViewerSuffix(rawID)
	if id == "" {
		return models.Viewer{}, false
	}

	var flag1, flag2 int64
	if f1, f2, found := strings.Cut(flags, "|"); found {
		flag1, _ = strconv.ParseInt(f1, 10, 64)
		flag2, _ = strconv.ParseInt(f2, 10, 64)
	} else {
		flag1, _ = strconv.ParseInt(flags, 10, 64)
	}

	return models.Viewer{
		UserID:       id,
		Nickname:     nickname,
		IsSubscriber: flag1&0x10000000 != 0,
		IsFan:        flag1&0x20000000 != 0 || flag2&0x40000 != 0,
	}, true
}

// stripViewerSuffix removes the trailing "(n)" device ordinal SOOP appends
// to user ids.
func stripViewerSuffix(rawID string) string {
	if idx := strings.LastIndex(rawID, "("); idx > 0 && strings.HasSuffix(rawID, ")") {
		return rawID[:idx]
	}
	return rawID
}

// part returns parts[i] or "" when out of range.
func part(parts []string, i int) string {
	if i < 0 || i >= len(parts) {
		return ""
	}
	return parts[i]
}
