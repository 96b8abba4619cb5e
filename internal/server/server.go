// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

// Package server exposes the engine's ops surface: Prometheus metrics and a
// health probe. The dashboard read-side lives elsewhere; this server carries
// no business endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/injooinjoo/streamlens/internal/config"
	"github.com/injooinjoo/streamlens/internal/logging"
)

// HealthChecker reports component health for the /healthz probe.
type HealthChecker interface {
	Healthy() bool
}

// WarehousePinger answers whether the warehouse is reachable.
type WarehousePinger interface {
	IsHealthy(ctx context.Context) bool
}

// Server is the ops HTTP server. It implements suture.Service.
type Server struct {
	addr      string
	collector HealthChecker
	wh        WarehousePinger
}

// New creates the ops server.
func New(cfg *config.ServerConfig, collector HealthChecker, wh WarehousePinger) *Server {
	return &Server{addr: cfg.Addr(), collector: collector, wh: wh}
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.addr).Msg("Ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if !s.collector.Healthy() || !s.wh.IsHealthy(ctx) {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
