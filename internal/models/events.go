// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package models

import "time"

// EventKind classifies a unified wire event decoded from a platform frame.
type EventKind string

const (
	// EventPing is an inbound server keepalive that requires a reply frame.
	EventPing EventKind = "ping"
	// EventConnected marks handshake completion from the chat server.
	EventConnected EventKind = "connected"
	// EventChat is one chat message.
	EventChat EventKind = "chat"
	// EventUserList is a full replacement of the viewer map.
	EventUserList EventKind = "user_list"
	// EventUserJoin adds or updates a single viewer.
	EventUserJoin EventKind = "user_join"
	// EventDonation is any monetary event (balloons, cheese, ad/video balloons).
	EventDonation EventKind = "donation"
	// EventSubscription is a channel subscription event. Amount is always 0.
	EventSubscription EventKind = "subscription"
)

// DonationType is the normalized donation subtype.
type DonationType string

const (
	DonationBalloon      DonationType = "balloon"
	DonationAdBalloon    DonationType = "ad_balloon"
	DonationVideoBalloon DonationType = "video_balloon"
	DonationCheese       DonationType = "cheese"
	DonationSubscribe    DonationType = "subscribe"
)

// ChatterRole is the actor role attached to chat events.
type ChatterRole string

const (
	RoleStreamer ChatterRole = "streamer"
	RoleManager  ChatterRole = "manager"
	RoleVIP      ChatterRole = "vip"
	RoleFan      ChatterRole = "fan"
	RoleRegular  ChatterRole = "regular"
	RoleSystem   ChatterRole = "system"
)

// Event is the unified event model produced by the protocol codecs.
// Codecs fill the fields relevant to their Kind; sessions stamp the broadcast
// identity before handing events to the orchestrator. Events are value-copied,
// never shared.
type Event struct {
	Kind     EventKind
	Platform Platform

	// Broadcast identity, stamped by the owning session.
	ChannelID   string
	BroadcastID string

	// Actor (chatter, donor, subscriber).
	UserID   string
	Nickname string
	Role     ChatterRole

	// Target user id when the frame names one (donation recipient);
	// otherwise the orchestrator fills it from the session's broadcaster.
	TargetUserID string

	// Chat / donation message body.
	Message string

	// Donation fields. Amount is normalized KRW; OriginalAmount is the raw
	// platform count or amount the KRW figure was derived from.
	DonationType   DonationType
	Amount         int64
	OriginalAmount int64
	Currency       string

	// Subscription fields.
	SubscriptionMonths int

	// Viewer-map payloads for EventUserList / EventUserJoin.
	Viewers []Viewer

	// Timestamp the frame was observed.
	Timestamp time.Time
}
