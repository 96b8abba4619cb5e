// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubChecker struct{ healthy bool }

func (s stubChecker) Healthy() bool { return s.healthy }

type stubPinger struct{ healthy bool }

func (s stubPinger) IsHealthy(context.Context) bool { return s.healthy }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name      string
		collector bool
		warehouse bool
		want      int
	}{
		{"all healthy", true, true, http.StatusOK},
		{"collector unhealthy", false, true, http.StatusServiceUnavailable},
		{"warehouse unreachable", true, false, http.StatusServiceUnavailable},
		{"both down", false, false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{collector: stubChecker{tt.collector}, wh: stubPinger{tt.warehouse}}

			rec := httptest.NewRecorder()
			s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
