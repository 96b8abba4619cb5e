// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

// Command collector runs the analytics collection engine: poll the live
// indexes of both platforms, hold chat sessions on the most popular
// broadcasts, and persist the normalized history to the warehouse.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/injooinjoo/streamlens/internal/collector"
	"github.com/injooinjoo/streamlens/internal/config"
	"github.com/injooinjoo/streamlens/internal/logging"
	"github.com/injooinjoo/streamlens/internal/models"
	"github.com/injooinjoo/streamlens/internal/server"
	"github.com/injooinjoo/streamlens/internal/warehouse"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("Configuration invalid")
		return 1
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logging.Info().Str("level", cfg.Logging.Level).Msg("Streamlens collector starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Missing or wrong warehouse credentials are fatal at startup; the
	// engine cannot do anything useful without its sink.
	wh := warehouse.New(&cfg.Warehouse)
	connectCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err = wh.Connect(connectCtx)
	cancel()
	if err != nil {
		logging.Error().Err(err).Msg("Warehouse connection failed")
		return 1
	}
	defer func() { _ = wh.Close() }()

	if err := wh.EnsureSchema(ctx); err != nil {
		logging.Error().Err(err).Msg("Warehouse schema bootstrap failed")
		return 1
	}

	store := collector.NewStore(wh)
	mgr := collector.NewManager(&cfg.Collector, store)

	if cfg.Soop.Enabled {
		api := collector.NewCircuitBreakerClient("soop-api",
			collector.NewSoopClient(&cfg.Soop, cfg.Collector.APITimeout))
		mgr.AddPlatform(models.PlatformSoop, api, collector.SoopSessionFactory(api))
	}
	if cfg.Chzzk.Enabled {
		api := collector.NewCircuitBreakerClient("chzzk-api",
			collector.NewChzzkClient(&cfg.Chzzk, cfg.Collector.APITimeout))
		mgr.AddPlatform(models.PlatformChzzk, api, collector.ChzzkSessionFactory(api))
	}

	ops := server.New(&cfg.Server, mgr, wh)

	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()
	root := suture.New("streamlens", suture.Spec{
		EventHook: hook,
		Timeout:   cfg.Collector.ShutdownTimeout,
	})
	root.Add(mgr)
	root.Add(ops)

	err = root.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, warehouse.ErrUnavailable) {
			logging.Error().Err(err).Msg("Warehouse unavailable, exiting")
			return 2
		}
		logging.Error().Err(err).Msg("Supervisor terminated")
		return 1
	}

	logging.Info().Msg("Clean shutdown")
	return 0
}
