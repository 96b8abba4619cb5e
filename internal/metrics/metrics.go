// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

// Package metrics provides Prometheus instrumentation for the collection
// engine: session counts, decoder health, warehouse write behavior, and the
// poll/snapshot schedules. Metrics are exposed on the ops server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks open chat sessions per platform.
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamlens_sessions_active",
			Help: "Number of open chat WebSocket sessions",
		},
		[]string{"platform"},
	)

	// SessionsWaiting tracks targets queued behind the connection cap.
	SessionsWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamlens_sessions_waiting",
			Help: "Number of targets waiting for a free connection slot",
		},
		[]string{"platform"},
	)

	// SessionConnectFailures counts failed session connect attempts.
	SessionConnectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlens_session_connect_failures_total",
			Help: "Chat session connect failures",
		},
		[]string{"platform"},
	)

	// EventsDecoded counts unified events produced by the protocol codecs.
	EventsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlens_events_decoded_total",
			Help: "Unified events decoded from platform frames",
		},
		[]string{"platform", "kind"},
	)

	// MalformedFrames counts frames or records skipped by the codecs.
	MalformedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlens_malformed_frames_total",
			Help: "Unparseable frames or records dropped by decoders",
		},
		[]string{"platform"},
	)

	// ChatEventsDropped counts chat events dropped under backpressure.
	// Donations are never dropped.
	ChatEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlens_chat_events_dropped_total",
			Help: "Chat events dropped because the event channel was full",
		},
		[]string{"platform"},
	)

	// DonationQueueDepth tracks buffered donations awaiting persistence.
	DonationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamlens_donation_queue_depth",
			Help: "Donations buffered for warehouse insertion",
		},
	)

	// PollDuration observes Schedule A cycle time per platform.
	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamlens_poll_duration_seconds",
			Help:    "Broadcast-index poll duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"platform"},
	)

	// SnapshotDuration observes Schedule B cycle time.
	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamlens_snapshot_duration_seconds",
			Help:    "Viewer/chat snapshot cycle duration",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// BroadcastsObserved counts live-index entries seen per poll.
	BroadcastsObserved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamlens_broadcasts_observed",
			Help: "Live broadcasts returned by the last index poll",
		},
		[]string{"platform"},
	)

	// WarehouseQueries counts statements by operation and outcome.
	WarehouseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlens_warehouse_queries_total",
			Help: "Warehouse statements executed",
		},
		[]string{"operation", "status"},
	)

	// WarehouseRetries counts transient-error retries after reconnect.
	WarehouseRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamlens_warehouse_retries_total",
			Help: "Statements retried after a warehouse reconnect",
		},
	)

	// WarehouseBatchRowsSkipped counts individual rows dropped from batches.
	WarehouseBatchRowsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamlens_warehouse_batch_rows_skipped_total",
			Help: "Rows skipped inside batch inserts after per-row failure",
		},
	)

	// CircuitBreakerState reports breaker state per API client.
	// 0=closed, 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamlens_circuit_breaker_state",
			Help: "Platform API circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerRequests counts breaker-mediated requests by outcome.
	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamlens_circuit_breaker_requests_total",
			Help: "Requests through platform API circuit breakers",
		},
		[]string{"name", "outcome"},
	)

	// PendingStatsBuffered tracks stats rows held in memory during a
	// warehouse outage.
	PendingStatsBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamlens_pending_stats_buffered",
			Help: "Snapshot stats rows buffered in memory awaiting the warehouse",
		},
	)
)
