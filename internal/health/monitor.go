// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package health watches queue depth and raises operational alerts.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/eventbus"
	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/metrics"
)

// Alert kinds.
const (
	KindFailed  = "failed"
	KindWaiting = "waiting"
)

// Counter reports per-queue job counts.
type Counter interface {
	AllCounts(ctx context.Context) (map[string]jobs.Counts, error)
}

// Publisher sends domain events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Thresholds are inclusive upper bounds; a count above one raises an alert.
type Thresholds struct {
	Failed  int64
	Waiting int64
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Failed: 50, Waiting: 1000}
}

// Monitor samples queue counts into gauges and alerts on backlog.
type Monitor struct {
	counter    Counter
	publisher  Publisher
	thresholds Thresholds
	logger     zerolog.Logger
	now        func() time.Time
}

// NewMonitor creates a Monitor. publisher may be nil, in which case
// alerts are only logged and counted.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewMonitor(counter Counter, publisher Publisher, thresholds Thresholds, logger zerolog.Logger) *Monitor {
	return &Monitor{
		counter:    counter,
		publisher:  publisher,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "health").Logger(),
		now:        time.Now,
	}
}

// Check samples every queue once and returns the alerts it raised.
func (m *Monitor) Check(ctx context.Context) ([]eventbus.OpsAlert, error) {
	counts, err := m.counter.AllCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("read queue counts: %w", err)
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	log := logging.Ctx(ctx, m.logger)
	at := m.now().UTC()
	var alerts []eventbus.OpsAlert
	var errs []error

	for _, name := range names {
		c := counts[name]
		metrics.QueueJobs.WithLabelValues(name, "waiting").Set(float64(c.Waiting))
		metrics.QueueJobs.WithLabelValues(name, "active").Set(float64(c.Active))
		metrics.QueueJobs.WithLabelValues(name, "delayed").Set(float64(c.Delayed))
		metrics.QueueJobs.WithLabelValues(name, "failed").Set(float64(c.Failed))

		for _, breach := range []struct {
			kind      string
			value     int64
			threshold int64
		}{
			{KindFailed, c.Failed, m.thresholds.Failed},
			{KindWaiting, c.Waiting, m.thresholds.Waiting},
		} {
			if breach.threshold <= 0 || breach.value <= breach.threshold {
				continue
			}
			alert := eventbus.OpsAlert{
				Queue:     name,
				Kind:      breach.kind,
				Value:     breach.value,
				Threshold: breach.threshold,
				At:        at,
			}
			alerts = append(alerts, alert)
			metrics.QueueAlerts.WithLabelValues(name, breach.kind).Inc()
			log.Warn().
				Str("queue", name).
				Str("kind", breach.kind).
				Int64("value", breach.value).
				Int64("threshold", breach.threshold).
				Msg("queue threshold exceeded")

			if m.publisher != nil {
				if err := m.publisher.Publish(ctx, eventbus.TopicOpsAlert, alert); err != nil {
					errs = append(errs, fmt.Errorf("publish %s alert for %s: %w", breach.kind, name, err))
				}
			}
		}
	}
	return alerts, errors.Join(errs...)
}

// Run adapts Check to the cron task signature.
func (m *Monitor) Run(ctx context.Context) error {
	_, err := m.Check(ctx)
	return err
}
