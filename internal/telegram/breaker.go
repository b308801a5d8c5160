// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package telegram

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/telegram-engine/internal/metrics"
)

// Breaker defaults:
// - 3 trial requests in half-open state
// - 1 minute measurement window
// - 30 seconds open before a half-open trial
// - trips at 60% failures over at least 10 requests
const (
	defaultBreakerName        = "telegram-bot-api"
	defaultBreakerMinRequests = 10
	defaultBreakerFailureRate = 0.6
	defaultBreakerOpenTimeout = 30 * time.Second
)

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func newBreaker(cfg Config, logger zerolog.Logger) *gobreaker.CircuitBreaker[*apiResponse] {
	name := cfg.BreakerName
	if name == "" {
		name = defaultBreakerName
	}
	minRequests := cfg.BreakerMinRequests
	if minRequests == 0 {
		minRequests = defaultBreakerMinRequests
	}
	failureRate := cfg.BreakerFailureRate
	if failureRate <= 0 {
		failureRate = defaultBreakerFailureRate
	}
	openTimeout := cfg.BreakerOpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultBreakerOpenTimeout
	}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[*apiResponse](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     openTimeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= failureRate {
				logger.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", ratio*100).
					Msg("opening circuit")
				return true
			}
			return false
		},

		// Per-chat rejections say nothing about Bot API health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Code != 429 && apiErr.Code < 500
			}
			return false
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info().Str("from", stateToString(from)).Str("to", stateToString(to)).Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
