// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/injooinjoo/streamlens/internal/models"
)

// newAPIServer starts a TLS server and returns its bare host, since the
// clients build https:// URLs from a configured host.
func newAPIServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "https://")
}

func testChzzkClient(srv *httptest.Server, host string) *ChzzkClient {
	return &ChzzkClient{
		apiHost:    host,
		chatHost:   "chat.naver.com",
		maxPages:   10,
		pageSize:   2,
		httpClient: srv.Client(),
		pageLimit:  rate.NewLimiter(rate.Inf, 1),
	}
}

func TestChzzkFetchLiveBroadcastsPaginates(t *testing.T) {
	srv, host := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("offset") {
		case "0":
			fmt.Fprint(w, `{"code":200,"content":{"streamingLiveList":[
				{"liveId":1,"liveTitle":"A","concurrentUserCount":500,"channel":{"channelId":"c1","channelName":"One"}},
				{"liveId":2,"liveTitle":"B","concurrentUserCount":"300","channel":{"channelId":"c2","channelName":"Two"}}]}}`)
		case "2":
			fmt.Fprint(w, `{"code":200,"content":{"streamingLiveList":[
				{"liveId":3,"liveTitle":"C","concurrentUserCount":100,"channel":{"channelId":"c3","channelName":"Three"}}]}}`)
		default:
			fmt.Fprint(w, `{"code":200,"content":{"streamingLiveList":[]}}`)
		}
	})

	broadcasts, err := testChzzkClient(srv, host).FetchLiveBroadcasts(context.Background())
	require.NoError(t, err)
	require.Len(t, broadcasts, 3)
	assert.Equal(t, models.PlatformChzzk, broadcasts[0].Platform)
	assert.Equal(t, "c1", broadcasts[0].ChannelID)
	assert.Equal(t, 300, broadcasts[1].Viewers)
	assert.Equal(t, "3", broadcasts[2].BroadcastID)
}

func TestChzzkFetchLiveBroadcastsPartialOnPageFailure(t *testing.T) {
	srv, host := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") == "0" {
			fmt.Fprint(w, `{"code":200,"content":{"streamingLiveList":[
				{"liveId":1,"liveTitle":"A","concurrentUserCount":500,"channel":{"channelId":"c1"}},
				{"liveId":2,"liveTitle":"B","concurrentUserCount":400,"channel":{"channelId":"c2"}}]}}`)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	// A failed page keeps the pages already swept.
	broadcasts, err := testChzzkClient(srv, host).FetchLiveBroadcasts(context.Background())
	require.NoError(t, err)
	assert.Len(t, broadcasts, 2)
}

func TestChzzkFetchChatCoordinates(t *testing.T) {
	srv, host := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/service/v3/channels/c1/live-detail", r.URL.Path)
		fmt.Fprint(w, `{"code":200,"content":{"chatChannelId":"room-77","status":"OPEN"}}`)
	})

	coords, err := testChzzkClient(srv, host).FetchChatCoordinates(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "room-77", coords.ChatRoomID)
	assert.Equal(t, "chat.naver.com", coords.Host)
}

func TestChzzkFetchChatCoordinatesNoChatChannel(t *testing.T) {
	srv, host := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":200,"content":{"chatChannelId":"","status":"CLOSE"}}`)
	})

	_, err := testChzzkClient(srv, host).FetchChatCoordinates(context.Background(), "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chat channel")
}

func TestChzzkChatURL(t *testing.T) {
	coords := &models.ChatCoordinates{Host: "chat.naver.com", ChatRoomID: "room-77"}

	url := ChzzkChatURL(coords)
	assert.True(t, strings.HasPrefix(url, "wss://kr-ss"))
	assert.True(t, strings.HasSuffix(url, ".chat.naver.com/chat"))

	// Same room, same front end, every time.
	assert.Equal(t, url, ChzzkChatURL(coords))

	for _, room := range []string{"a", "zz", "room-1", "room-2", "0123456789abcdef"} {
		idx := chzzkServerIndex(room)
		assert.GreaterOrEqual(t, idx, 1)
		assert.LessOrEqual(t, idx, 5)
	}
}

func testSoopClient(srv *httptest.Server, host string) *SoopClient {
	return &SoopClient{
		liveHost:   host,
		maxPages:   10,
		httpClient: srv.Client(),
		pageLimit:  rate.NewLimiter(rate.Inf, 1),
	}
}

func TestSoopFetchLiveBroadcastsPaginates(t *testing.T) {
	srv, host := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.PostFormValue("pageNo") {
		case "1":
			fmt.Fprint(w, `{"broad":[
				{"broad_no":"100","user_id":"bj1","user_nick":"One","broad_title":"T1","total_view_cnt":900},
				{"broad_no":200,"user_id":"bj2","user_nick":"Two","broad_title":"T2","total_view_cnt":"700"}]}`)
		case "2":
			fmt.Fprint(w, `{"broad":[
				{"broad_no":"300","user_id":"bj3","broad_title":"T3","pc_view_cnt":30,"mobile_view_cnt":20}]}`)
		default:
			fmt.Fprint(w, `{"broad":[]}`)
		}
	})

	broadcasts, err := testSoopClient(srv, host).FetchLiveBroadcasts(context.Background())
	require.NoError(t, err)
	require.Len(t, broadcasts, 3)
	assert.Equal(t, "100", broadcasts[0].BroadcastID)
	assert.Equal(t, 700, broadcasts[1].Viewers)
	assert.Equal(t, 50, broadcasts[2].Viewers)
}

func TestSoopFetchChatCoordinates(t *testing.T) {
	srv, host := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"CHANNEL":{"RESULT":1,"CHATNO":"12345","CHDOMAIN":"Chat7.Sooplive.Co.Kr","CHPT":"8001"}}`)
	})

	coords, err := testSoopClient(srv, host).FetchChatCoordinates(context.Background(), "bj1")
	require.NoError(t, err)
	assert.Equal(t, "chat7.sooplive.co.kr", coords.Host)
	assert.Equal(t, 8001, coords.Port)
	assert.Equal(t, "12345", coords.ChatRoomID)
}

func TestSoopFetchChatCoordinatesNotLive(t *testing.T) {
	srv, host := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"CHANNEL":{"RESULT":0}}`)
	})

	_, err := testSoopClient(srv, host).FetchChatCoordinates(context.Background(), "bj1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESULT 0")
}

func TestSoopChatURL(t *testing.T) {
	coords := &models.ChatCoordinates{Host: "chat7.sooplive.co.kr", Port: 8001, ChatRoomID: "12345"}
	// The chat WebSocket listens one port above the advertised CHPT.
	assert.Equal(t, "wss://chat7.sooplive.co.kr:8002/Websocket/bj1", SoopChatURL(coords, "bj1"))
}
