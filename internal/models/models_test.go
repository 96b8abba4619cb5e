// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBroadcastKey(t *testing.T) {
	assert.Equal(t, "soop:chan:77", BroadcastKey(PlatformSoop, "chan", "77"))

	b := LiveBroadcast{Platform: PlatformChzzk, ChannelID: "c1", BroadcastID: "b1"}
	tg := Target{Platform: PlatformChzzk, ChannelID: "c1", BroadcastID: "b1"}
	assert.Equal(t, b.Key(), tg.Key(), "broadcast and target keys must agree")
}

func TestFloorBucketAlignment(t *testing.T) {
	bucket := 5 * time.Minute

	ts := time.Date(2026, 8, 25, 12, 7, 33, 123456789, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 25, 12, 5, 0, 0, time.UTC), FloorBucket(ts, bucket))

	// A boundary timestamp is its own bucket.
	boundary := time.Date(2026, 8, 25, 12, 10, 0, 0, time.UTC)
	assert.Equal(t, boundary, FloorBucket(boundary, bucket))
}

func TestFloorBucketNormalizesZone(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)
	local := time.Date(2026, 8, 25, 21, 7, 0, 0, seoul)
	utc := local.UTC()

	// The same instant lands in the same bucket no matter the wall clock.
	assert.Equal(t, FloorBucket(utc, 5*time.Minute), FloorBucket(local, 5*time.Minute))
	assert.Equal(t, time.UTC, FloorBucket(local, 5*time.Minute).Location())
}
