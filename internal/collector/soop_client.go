// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
soop_client.go - SOOP REST API Client

This file implements the SOOP broadcast-index and chat-coordinate lookups.
Both endpoints are the public player APIs; they expect browser-shaped
requests, so every call carries a desktop User-Agent and Referer.
*/

package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/injooinjoo/streamlens/internal/config"
	"github.com/injooinjoo/streamlens/internal/logging"
	"github.com/injooinjoo/streamlens/internal/models"
)

// browserUserAgent is sent on every platform API call. The public endpoints
// reject requests without a browser-shaped identity.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// SoopClientInterface defines the SOOP API operations. Both SoopClient and
// its circuit-breaker wrapper implement it.
type SoopClientInterface interface {
	FetchLiveBroadcasts(ctx context.Context) ([]models.LiveBroadcast, error)
	FetchChatCoordinates(ctx context.Context, streamerID string) (*models.ChatCoordinates, error)
}

// Ensure SoopClient implements SoopClientInterface
var _ SoopClientInterface = (*SoopClient)(nil)

// SoopClient provides access to the SOOP public live APIs.
type SoopClient struct {
	liveHost   string
	maxPages   int
	httpClient *http.Client
	pageLimit  *rate.Limiter
}

// soopBroadListResponse wraps the broadcast-index payload.
type soopBroadListResponse struct {
	Broad []soopRawBroadcast `json:"broad"`
}

// soopPlayerLiveResponse wraps the chat-coordinate payload.
type soopPlayerLiveResponse struct {
	Channel struct {
		Result flexInt    `json:"RESULT"`
		ChatNo flexString `json:"CHATNO"`
		Domain string     `json:"CHDOMAIN"`
		Port   flexInt    `json:"CHPT"`
	} `json:"CHANNEL"`
}

// NewSoopClient creates a SOOP API client. Pages are paced at one request
// per 100ms so full index sweeps stay polite.
func NewSoopClient(cfg *config.SoopConfig, timeout time.Duration) *SoopClient {
	return &SoopClient{
		liveHost:   cfg.LiveHost,
		maxPages:   cfg.MaxPages,
		httpClient: &http.Client{Timeout: timeout},
		pageLimit:  rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// FetchLiveBroadcasts sweeps the broadcast index ordered by viewer count,
// page by page, until an empty page or the page cap. A page failure ends the
// sweep and returns the pages already collected; partial results are normal
// operating mode, not an error.
func (c *SoopClient) FetchLiveBroadcasts(ctx context.Context) ([]models.LiveBroadcast, error) {
	var broadcasts []models.LiveBroadcast

	for page := 1; page <= c.maxPages; page++ {
		if err := c.pageLimit.Wait(ctx); err != nil {
			return broadcasts, err
		}

		raws, err := c.fetchBroadPage(ctx, page)
		if err != nil {
			logging.Warn().Err(err).Int("page", page).Int("collected", len(broadcasts)).
				Msg("SOOP broadcast index page failed, returning partial results")
			return broadcasts, nil
		}
		if len(raws) == 0 {
			break
		}

		for _, raw := range raws {
			if b, ok := normalizeSoopBroadcast(raw); ok {
				broadcasts = append(broadcasts, b)
			}
		}
	}

	return broadcasts, nil
}

func (c *SoopClient) fetchBroadPage(ctx context.Context, page int) ([]soopRawBroadcast, error) {
	endpoint := fmt.Sprintf("https://%s/api/main_broad_list_api.php", c.liveHost)

	form := url.Values{}
	form.Set("selectType", "action")
	form.Set("selectValue", "all")
	form.Set("orderType", "view_cnt")
	form.Set("pageNo", strconv.Itoa(page))
	form.Set("lang", "ko_KR")

	var payload soopBroadListResponse
	if err := c.postForm(ctx, endpoint, form, &payload); err != nil {
		return nil, err
	}
	return payload.Broad, nil
}

// FetchChatCoordinates resolves the chat server endpoint for one streamer.
// A non-success RESULT means the channel is not live (or restricted) and is
// reported as an error; the caller skips the channel this cycle.
func (c *SoopClient) FetchChatCoordinates(ctx context.Context, streamerID string) (*models.ChatCoordinates, error) {
	endpoint := fmt.Sprintf("https://%s/afreeca/player_live_api.php?bjid=%s", c.liveHost, url.QueryEscape(streamerID))

	form := url.Values{}
	form.Set("bid", streamerID)
	form.Set("bno", "")
	form.Set("type", "live")
	form.Set("confirm_adult", "false")
	form.Set("player_type", "html5")
	form.Set("mode", "landing")
	form.Set("from_api", "0")
	form.Set("pwd", "")
	form.Set("stream_type", "common")
	form.Set("quality", "HD")

	var payload soopPlayerLiveResponse
	if err := c.postForm(ctx, endpoint, form, &payload); err != nil {
		return nil, err
	}

	ch := payload.Channel
	if ch.Result.Int() != 1 {
		return nil, fmt.Errorf("soop player_live_api returned RESULT %d for %s", ch.Result.Int(), streamerID)
	}
	if ch.Domain == "" || ch.Port.Int() == 0 || ch.ChatNo.String() == "" {
		return nil, fmt.Errorf("soop player_live_api returned incomplete chat coordinates for %s", streamerID)
	}

	return &models.ChatCoordinates{
		Host:       strings.ToLower(ch.Domain),
		Port:       ch.Port.Int(),
		ChatRoomID: ch.ChatNo.String(),
	}, nil
}

func (c *SoopClient) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create SOOP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Referer", fmt.Sprintf("https://www.%s/", strings.TrimPrefix(c.liveHost, "live.")))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("soop request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("soop API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode SOOP response: %w", err)
	}
	return nil
}

// SoopChatURL builds the WebSocket endpoint from resolved coordinates. The
// chat server listens one port above the advertised CHPT.
func SoopChatURL(coords *models.ChatCoordinates, streamerID string) string {
	return fmt.Sprintf("wss://%s:%d/Websocket/%s", coords.Host, coords.Port+1, streamerID)
}
