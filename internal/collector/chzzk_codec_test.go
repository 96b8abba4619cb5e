// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package collector

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/injooinjoo/streamlens/internal/models"
)

// chzzkFrame marshals a cmd envelope with the given body. profile and extras
// arrive double-encoded on the wire, so helpers below pre-encode them.
func chzzkFrame(t *testing.T, cmd int, bdy any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"cmd": cmd, "bdy": bdy})
	require.NoError(t, err)
	return data
}

func encodeJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestChzzkConnectFrame(t *testing.T) {
	var frame map[string]any
	require.NoError(t, json.Unmarshal(chzzkConnectFrame("room-1"), &frame))

	assert.Equal(t, "3", frame["ver"])
	assert.EqualValues(t, 100, frame["cmd"])
	assert.Equal(t, "game", frame["svcid"])
	assert.Equal(t, "room-1", frame["cid"])
	assert.EqualValues(t, 1, frame["tid"])

	bdy, ok := frame["bdy"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2001, bdy["devType"])
	assert.Equal(t, "READ", bdy["auth"])
}

func TestChzzkPingReply(t *testing.T) {
	codec := newChzzkCodec("room-1")

	events := codec.Decode([]byte(`{"cmd":0}`))
	require.Len(t, events, 1)
	assert.Equal(t, models.EventPing, events[0].Kind)

	reply, ok := codec.Reply(events[0])
	require.True(t, ok)

	var pong map[string]any
	require.NoError(t, json.Unmarshal(reply.Data, &pong))
	assert.Equal(t, "3", pong["ver"])
	assert.EqualValues(t, 10000, pong["cmd"])
}

func TestChzzkDecodeConnected(t *testing.T) {
	codec := newChzzkCodec("room-1")
	events := codec.Decode([]byte(`{"cmd":10100,"bdy":{}}`))
	require.Len(t, events, 1)
	assert.Equal(t, models.EventConnected, events[0].Kind)
}

func TestChzzkDecodeChat(t *testing.T) {
	codec := newChzzkCodec("room-1")

	profile := encodeJSON(t, map[string]any{
		"userIdHash":   "hash-1",
		"nickname":     "Viewer",
		"userRoleCode": "common_user",
	})
	frame := chzzkFrame(t, chzzkCmdChat, []map[string]any{
		{"profile": profile, "msg": "hello", "msgTime": int64(1735689600000)},
	})

	events := codec.Decode(frame)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, models.EventChat, ev.Kind)
	assert.Equal(t, "hash-1", ev.UserID)
	assert.Equal(t, "Viewer", ev.Nickname)
	assert.Equal(t, "hello", ev.Message)
	assert.Equal(t, models.RoleRegular, ev.Role)
	assert.Equal(t, int64(1735689600000), ev.Timestamp.UnixMilli())
}

func TestChzzkDecodeChatBatch(t *testing.T) {
	codec := newChzzkCodec("room-1")

	// RECENT_CHAT carries a list; each entry maps to one event.
	profile1 := encodeJSON(t, map[string]any{"userIdHash": "u1", "nickname": "A"})
	profile2 := encodeJSON(t, map[string]any{"userIdHash": "u2", "nickname": "B"})
	frame := chzzkFrame(t, chzzkCmdRecentChat, []map[string]any{
		{"profile": profile1, "msg": "one"},
		{"profile": profile2, "msg": "two"},
	})

	events := codec.Decode(frame)
	require.Len(t, events, 2)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, "u2", events[1].UserID)
}

func TestChzzkDecodeChatSingleObjectBody(t *testing.T) {
	codec := newChzzkCodec("room-1")

	profile := encodeJSON(t, map[string]any{"userIdHash": "solo", "nickname": "Solo"})
	frame := chzzkFrame(t, chzzkCmdChat, map[string]any{"profile": profile, "msg": "hi"})

	events := codec.Decode(frame)
	require.Len(t, events, 1)
	assert.Equal(t, "solo", events[0].UserID)
}

func TestChzzkDecodeDonation(t *testing.T) {
	codec := newChzzkCodec("room-1")

	profile := encodeJSON(t, map[string]any{"userIdHash": "donor-1", "nickname": "Donor"})
	extras := encodeJSON(t, map[string]any{"payAmount": 10000, "msg": "keep it up"})
	frame := chzzkFrame(t, chzzkCmdDonation, []map[string]any{
		{"profile": profile, "extras": extras},
	})

	events := codec.Decode(frame)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, models.EventDonation, ev.Kind)
	assert.Equal(t, models.DonationCheese, ev.DonationType)
	assert.Equal(t, int64(10000), ev.Amount)
	assert.Equal(t, int64(10000), ev.OriginalAmount)
	assert.Equal(t, "KRW", ev.Currency)
	assert.Equal(t, "keep it up", ev.Message)
	assert.Equal(t, "donor-1", ev.UserID)
}

func TestChzzkDecodeSubscription(t *testing.T) {
	codec := newChzzkCodec("room-1")

	profile := encodeJSON(t, map[string]any{"userIdHash": "sub-1", "nickname": "Sub"})
	extras := encodeJSON(t, map[string]any{"month": 12})
	frame := chzzkFrame(t, chzzkCmdSubscription, []map[string]any{
		{"profile": profile, "extras": extras},
	})

	events := codec.Decode(frame)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, models.EventSubscription, ev.Kind)
	assert.Equal(t, models.DonationSubscribe, ev.DonationType)
	assert.Equal(t, 12, ev.SubscriptionMonths)
	assert.Zero(t, ev.Amount)
}

func TestChzzkRoleMapping(t *testing.T) {
	codec := newChzzkCodec("room-1")

	profile := encodeJSON(t, map[string]any{"userIdHash": "m", "userRoleCode": "streaming_chat_manager"})
	frame := chzzkFrame(t, chzzkCmdChat, []map[string]any{{"profile": profile, "msg": "mod here"}})

	events := codec.Decode(frame)
	require.Len(t, events, 1)
	assert.Equal(t, models.RoleManager, events[0].Role)
}

func TestChzzkDecodeMalformed(t *testing.T) {
	codec := newChzzkCodec("room-1")

	assert.Empty(t, codec.Decode([]byte("not json")))
	assert.Empty(t, codec.Decode([]byte(`{"cmd":93101,"bdy":null}`)))
	// A chat entry with a broken double-encoded profile is skipped; the rest
	// of the batch survives.
	good := encodeJSON(t, map[string]any{"userIdHash": "ok"})
	frame := chzzkFrame(t, chzzkCmdChat, []map[string]any{
		{"profile": "{broken", "msg": "bad"},
		{"profile": good, "msg": "fine"},
	})
	events := codec.Decode(frame)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].UserID)
	// Unknown cmd codes are ignored.
	assert.Empty(t, codec.Decode([]byte(`{"cmd":77777,"bdy":{}}`)))
}
