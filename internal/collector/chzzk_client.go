// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
chzzk_client.go - CHZZK REST API Client

This file implements the CHZZK live-index and live-detail lookups. The index
pages through content.streamingLiveList; the live-detail call resolves the
chatChannelId a session needs before dialing the chat servers.
*/

package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/injooinjoo/streamlens/internal/config"
	"github.com/injooinjoo/streamlens/internal/logging"
	"github.com/injooinjoo/streamlens/internal/models"
)

// ChzzkClientInterface defines the CHZZK API operations. Both ChzzkClient and
// its circuit-breaker wrapper implement it.
type ChzzkClientInterface interface {
	FetchLiveBroadcasts(ctx context.Context) ([]models.LiveBroadcast, error)
	FetchChatCoordinates(ctx context.Context, channelID string) (*models.ChatCoordinates, error)
}

// Ensure ChzzkClient implements ChzzkClientInterface
var _ ChzzkClientInterface = (*ChzzkClient)(nil)

// ChzzkClient provides access to the CHZZK public service APIs.
type ChzzkClient struct {
	apiHost    string
	chatHost   string
	maxPages   int
	pageSize   int
	httpClient *http.Client
	pageLimit  *rate.Limiter
}

// chzzkLivesResponse wraps the live-index payload.
type chzzkLivesResponse struct {
	Code    int `json:"code"`
	Content struct {
		StreamingLiveList []chzzkRawLive `json:"streamingLiveList"`
	} `json:"content"`
}

// chzzkLiveDetailResponse wraps the live-detail payload.
type chzzkLiveDetailResponse struct {
	Code    int `json:"code"`
	Content struct {
		ChatChannelID string `json:"chatChannelId"`
		Status        string `json:"status"`
	} `json:"content"`
}

// NewChzzkClient creates a CHZZK API client. Pages are paced at one request
// per 100ms so full index sweeps stay polite.
func NewChzzkClient(cfg *config.ChzzkConfig, timeout time.Duration) *ChzzkClient {
	return &ChzzkClient{
		apiHost:    cfg.APIHost,
		chatHost:   cfg.ChatHost,
		maxPages:   cfg.MaxPages,
		pageSize:   cfg.PageSize,
		httpClient: &http.Client{Timeout: timeout},
		pageLimit:  rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// FetchLiveBroadcasts sweeps the home/lives index page by page until an empty
// page or the page cap. A page failure ends the sweep and returns the pages
// already collected.
func (c *ChzzkClient) FetchLiveBroadcasts(ctx context.Context) ([]models.LiveBroadcast, error) {
	var broadcasts []models.LiveBroadcast

	for page := 0; page < c.maxPages; page++ {
		if err := c.pageLimit.Wait(ctx); err != nil {
			return broadcasts, err
		}

		raws, err := c.fetchLivesPage(ctx, page*c.pageSize)
		if err != nil {
			logging.Warn().Err(err).Int("page", page).Int("collected", len(broadcasts)).
				Msg("CHZZK live index page failed, returning partial results")
			return broadcasts, nil
		}
		if len(raws) == 0 {
			break
		}

		for _, raw := range raws {
			if b, ok := normalizeChzzkLive(raw); ok {
				broadcasts = append(broadcasts, b)
			}
		}
	}

	return broadcasts, nil
}

func (c *ChzzkClient) fetchLivesPage(ctx context.Context, offset int) ([]chzzkRawLive, error) {
	endpoint := fmt.Sprintf("https://%s/service/v1/home/lives?size=%d&offset=%d", c.apiHost, c.pageSize, offset)

	var payload chzzkLivesResponse
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	if payload.Code != 200 {
		return nil, fmt.Errorf("chzzk lives API returned code %d", payload.Code)
	}
	return payload.Content.StreamingLiveList, nil
}

// FetchChatCoordinates resolves the chat channel for one CHZZK channel via
// the live-detail API. The chat servers are a fixed pool, so only the
// chatChannelId comes from the response; host selection happens in
// ChzzkChatURL.
func (c *ChzzkClient) FetchChatCoordinates(ctx context.Context, channelID string) (*models.ChatCoordinates, error) {
	endpoint := fmt.Sprintf("https://%s/service/v3/channels/%s/live-detail", c.apiHost, url.PathEscape(channelID))

	var payload chzzkLiveDetailResponse
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	if payload.Code != 200 {
		return nil, fmt.Errorf("chzzk live-detail returned code %d for %s", payload.Code, channelID)
	}
	if payload.Content.ChatChannelID == "" {
		return nil, fmt.Errorf("chzzk live-detail returned no chat channel for %s", channelID)
	}

	return &models.ChatCoordinates{
		Host:       c.chatHost,
		Port:       443,
		ChatRoomID: payload.Content.ChatChannelID,
	}, nil
}

func (c *ChzzkClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create CHZZK request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Referer", "https://chzzk.naver.com/")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chzzk request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chzzk API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode CHZZK response: %w", err)
	}
	return nil
}

// ChzzkChatURL builds the WebSocket endpoint for resolved coordinates. CHZZK
// runs five interchangeable chat front ends; the server index is derived from
// the chat room id so the same broadcast always lands on the same host.
func ChzzkChatURL(coords *models.ChatCoordinates) string {
	return fmt.Sprintf("wss://kr-ss%d.%s/chat", chzzkServerIndex(coords.ChatRoomID), coords.Host)
}

// chzzkServerIndex hashes a chat room id onto servers 1..5.
func chzzkServerIndex(chatRoomID string) int {
	var sum int
	for _, r := range chatRoomID {
		sum += int(r)
	}
	return sum%5 + 1
}
