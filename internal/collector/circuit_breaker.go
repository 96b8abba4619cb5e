// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

/*
circuit_breaker.go - Platform API Circuit Breaker

Wraps a platform API client with the circuit breaker pattern so a platform
that starts failing or stalling cannot burn a poll cycle's deadline on every
call. While the circuit is open the platform is effectively silent for the
cycle and the rest of the engine continues.

DETERMINISM NOTE: the breaker uses real time (via sony/gobreaker) for its
interval and timeout calculations. Tests exercise the wrapped client
directly; breaker timing is not part of data integrity.
*/

package collector

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/injooinjoo/streamlens/internal/logging"
	"github.com/injooinjoo/streamlens/internal/metrics"
	"github.com/injooinjoo/streamlens/internal/models"
)

// PlatformAPI is the platform-neutral API surface the orchestrator polls.
// SOOP passes a streamer id to FetchChatCoordinates, CHZZK a channel id; both
// are opaque strings at this level.
type PlatformAPI interface {
	FetchLiveBroadcasts(ctx context.Context) ([]models.LiveBroadcast, error)
	FetchChatCoordinates(ctx context.Context, id string) (*models.ChatCoordinates, error)
}

var (
	_ PlatformAPI = (*SoopClient)(nil)
	_ PlatformAPI = (*ChzzkClient)(nil)
	_ PlatformAPI = (*CircuitBreakerClient)(nil)
)

// CircuitBreakerClient wraps a PlatformAPI with a gobreaker circuit.
type CircuitBreakerClient struct {
	client PlatformAPI
	cb     *gobreaker.CircuitBreaker[any]
	name   string
}

// NewCircuitBreakerClient wraps client. Configuration:
// - 3 concurrent requests allowed in half-open state
// - 1 minute measurement window while closed
// - 2 minute timeout before attempting recovery
// - opens after a 60% failure rate with a minimum of 10 requests
func NewCircuitBreakerClient(name string, client PlatformAPI) *CircuitBreakerClient {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			if failureRatio >= 0.6 {
				logging.Warn().Str("breaker", name).Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).Msg("Opening platform API circuit")
				return true
			}
			return false
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Platform API circuit state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})

	return &CircuitBreakerClient{client: client, cb: cb, name: name}
}

// FetchLiveBroadcasts polls the index through the breaker. An open circuit
// returns the breaker error; the orchestrator treats it like any other
// per-platform failure and skips the platform this cycle.
func (c *CircuitBreakerClient) FetchLiveBroadcasts(ctx context.Context) ([]models.LiveBroadcast, error) {
	result, err := c.cb.Execute(func() (any, error) {
		return c.client.FetchLiveBroadcasts(ctx)
	})
	c.observe(err)
	if err != nil {
		return nil, err
	}
	return result.([]models.LiveBroadcast), nil
}

// FetchChatCoordinates resolves chat coordinates through the breaker.
func (c *CircuitBreakerClient) FetchChatCoordinates(ctx context.Context, id string) (*models.ChatCoordinates, error) {
	result, err := c.cb.Execute(func() (any, error) {
		return c.client.FetchChatCoordinates(ctx, id)
	})
	c.observe(err)
	if err != nil {
		return nil, err
	}
	return result.(*models.ChatCoordinates), nil
}

func (c *CircuitBreakerClient) observe(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CircuitBreakerRequests.WithLabelValues(c.name, outcome).Inc()
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
