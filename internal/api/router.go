// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package api serves the engine's HTTP surface: event ingestion and
// subscriber opt-out under /api/v1, and Prometheus metrics on /metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/events"
	"github.com/tomtom215/telegram-engine/internal/middleware"
)

// Ingester accepts inbound events. *events.Ingestor satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, req events.IngestRequest) (events.IngestResult, error)
}

// Publisher emits domain events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Config tunes the HTTP surface.
type Config struct {
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	RateLimitDisabled  bool
	CORSAllowedOrigins []string

	// MaxBodyBytes caps request bodies on the ingestion route.
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		MaxBodyBytes:      1 << 20,
		RequestTimeout:    10 * time.Second,
	}
}

// Router builds the chi handler tree.
type Router struct {
	ingest    Ingester
	publisher Publisher
	cfg       Config
	chi       *ChiMiddleware
	logger    zerolog.Logger
}

// NewRouter creates a Router. Zero config fields take their defaults. A nil
// publisher leaves the unsubscribe route unregistered.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewRouter(ingest Ingester, publisher Publisher, cfg Config, logger zerolog.Logger) *Router {
	def := DefaultConfig()
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = def.RateLimitRequests
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &Router{
		ingest:    ingest,
		publisher: publisher,
		cfg:       cfg,
		chi:       NewChiMiddleware(cfg),
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Handler returns the routed handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.chi.CORS())

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.chi.RateLimit())
		r.Use(middleware.PrometheusMetrics)
		r.Use(chimiddleware.Timeout(rt.cfg.RequestTimeout))

		r.Post("/events", rt.handleIngest)
		if rt.publisher != nil {
			r.Post("/subscribers/{chatID}/unsubscribe", rt.handleUnsubscribe)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed", nil)
	})
	return r
}
