// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package collector

import (
	"sort"

	"github.com/injooinjoo/streamlens/internal/models"
)

// SelectTargets picks the broadcasts worth a chat session: those at or above
// the viewer threshold, ordered by viewer count descending, capped at limit.
// Ties keep the index order the platform returned, which is already
// viewer-sorted, so selection is deterministic.
func SelectTargets(broadcasts []models.LiveBroadcast, minViewers, limit int) []models.Target {
	eligible := make([]models.LiveBroadcast, 0, len(broadcasts))
	for _, b := range broadcasts {
		if b.Viewers >= minViewers {
			eligible = append(eligible, b)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Viewers > eligible[j].Viewers
	})

	if limit < len(eligible) {
		eligible = eligible[:limit]
	}

	targets := make([]models.Target, 0, len(eligible))
	for _, b := range eligible {
		targets = append(targets, models.Target{
			Platform:    b.Platform,
			ChannelID:   b.ChannelID,
			BroadcastID: b.BroadcastID,
			StreamerID:  b.StreamerID,
			Nickname:    b.Nickname,
			Viewers:     b.Viewers,
		})
	}
	return targets
}
