// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
normalize.go - Raw Platform Payload Mapping

Maps the raw broadcast-index payloads of both platforms onto
models.LiveBroadcast. Platform APIs are loose about types (numbers arrive as
strings and vice versa), so the raw structs use tolerant scalar wrappers and
the mappers apply fallback rules instead of trusting any single field.
*/

package collector

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/injooinjoo/streamlens/internal/models"
)

// flexString unmarshals a JSON string or number into a string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}

func (f flexString) String() string { return string(f) }

// flexInt unmarshals a JSON number or numeric string into an int.
// Unparseable values become 0.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

func (f flexInt) Int() int { return int(f) }

// soopRawBroadcast is one entry of the SOOP broadcast index.
type soopRawBroadcast struct {
	BroadNo       flexString `json:"broad_no"`
	Bno           flexString `json:"bno"`
	UserID        string     `json:"user_id"`
	UserNick      string     `json:"user_nick"`
	BroadTitle    string     `json:"broad_title"`
	CategoryName  string     `json:"category_name"`
	SubCategory   string     `json:"sub_category"`
	CategoryNo    flexString `json:"broad_cate_no"`
	TotalViewCnt  flexInt    `json:"total_view_cnt"`
	PCViewCnt     flexInt    `json:"pc_view_cnt"`
	MobileViewCnt flexInt    `json:"mobile_view_cnt"`
	BroadStart    string     `json:"broad_start"`
	HashTags      []string   `json:"hash_tags"`
	BroadThumb    string     `json:"broad_thumb"`
}

// soopBroadStartLayout is the local-time layout SOOP uses for broad_start.
const soopBroadStartLayout = "2006-01-02 15:04:05"

// normalizeSoopBroadcast maps one raw index entry. Entries without a user id
// or a broadcast number are unusable and return ok=false.
func normalizeSoopBroadcast(raw soopRawBroadcast) (models.LiveBroadcast, bool) {
	broadcastID := raw.BroadNo.String()
	if broadcastID == "" {
		broadcastID = raw.Bno.String()
	}
	if raw.UserID == "" || broadcastID == "" {
		return models.LiveBroadcast{}, false
	}

	viewers := raw.TotalViewCnt.Int()
	if viewers == 0 {
		viewers = raw.PCViewCnt.Int() + raw.MobileViewCnt.Int()
	}

	category := raw.CategoryName
	if category == "" {
		category = raw.SubCategory
	}

	var startedAt time.Time
	if raw.BroadStart != "" {
		if ts, err := time.ParseInLocation(soopBroadStartLayout, raw.BroadStart, seoulLocation); err == nil {
			startedAt = ts.UTC()
		}
	}

	return models.LiveBroadcast{
		Platform:    models.PlatformSoop,
		ChannelID:   raw.UserID,
		BroadcastID: broadcastID,
		StreamerID:  raw.UserID,
		Nickname:    raw.UserNick,
		Title:       raw.BroadTitle,
		CategoryID:  raw.CategoryNo.String(),
		Category:    category,
		Tags:        raw.HashTags,
		Thumbnail:   raw.BroadThumb,
		Viewers:     viewers,
		StartedAt:   startedAt,
	}, true
}

// chzzkRawLive is one entry of content.streamingLiveList.
type chzzkRawLive struct {
	LiveID              flexString      `json:"liveId"`
	LiveTitle           string          `json:"liveTitle"`
	ConcurrentUserCount flexInt         `json:"concurrentUserCount"`
	LiveCategory        string          `json:"liveCategory"`
	LiveCategoryValue   string          `json:"liveCategoryValue"`
	OpenDate            string          `json:"openDate"`
	Tags                []string        `json:"tags"`
	ThumbnailImageURL   string          `json:"liveThumbnailImageUrl"`
	Channel             chzzkRawChannel `json:"channel"`
}

type chzzkRawChannel struct {
	ChannelID        string `json:"channelId"`
	ChannelName      string `json:"channelName"`
	ChannelImageURL  string `json:"channelImageUrl"`
	VerifiedMark     bool   `json:"verifiedMark"`
	FollowerCount    int    `json:"followerCount"`
	OpenLiveBadgeYn  string `json:"openLive"`
	PersonalDataYn   string `json:"personalData"`
	ChannelTypeValue string `json:"channelType"`
}

const chzzkOpenDateLayout = "2006-01-02 15:04:05"

// normalizeChzzkLive maps one raw live entry. Entries without a channel id
// return ok=false.
func normalizeChzzkLive(raw chzzkRawLive) (models.LiveBroadcast, bool) {
	if raw.Channel.ChannelID == "" {
		return models.LiveBroadcast{}, false
	}

	broadcastID := raw.LiveID.String()
	if broadcastID == "" {
		broadcastID = raw.Channel.ChannelID
	}

	var startedAt time.Time
	if raw.OpenDate != "" {
		if ts, err := time.ParseInLocation(chzzkOpenDateLayout, raw.OpenDate, seoulLocation); err == nil {
			startedAt = ts.UTC()
		}
	}

	return models.LiveBroadcast{
		Platform:    models.PlatformChzzk,
		ChannelID:   raw.Channel.ChannelID,
		BroadcastID: broadcastID,
		StreamerID:  raw.Channel.ChannelID,
		Nickname:    raw.Channel.ChannelName,
		Title:       raw.LiveTitle,
		CategoryID:  raw.LiveCategory,
		Category:    raw.LiveCategoryValue,
		Tags:        raw.Tags,
		Thumbnail:   raw.ThumbnailImageURL,
		Viewers:     raw.ConcurrentUserCount.Int(),
		StartedAt:   startedAt,
	}, true
}

// seoulLocation is the platform-local timezone both APIs report wall-clock
// timestamps in.
var seoulLocation = mustLoadSeoul()

func mustLoadSeoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}
