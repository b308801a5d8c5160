// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/logging"
)

// StatsAggregator writes the DailyStats row for the day that just ended.
type StatsAggregator struct {
	store  Store
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

// NewStatsAggregator creates a StatsAggregator whose days start at
// midnight in loc. A nil loc means UTC.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewStatsAggregator(store Store, loc *time.Location, logger zerolog.Logger) *StatsAggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &StatsAggregator{
		store:  store,
		loc:    loc,
		now:    time.Now,
		logger: logger.With().Str("component", "stats-aggregator").Logger(),
	}
}

// DayWindow returns the date key and [from, to) bounds of the calendar day
// containing t in loc.
func DayWindow(t time.Time, loc *time.Location) (date string, from, to time.Time) {
	local := t.In(loc)
	from = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	to = from.AddDate(0, 0, 1)
	return from.Format("2006-01-02"), from, to
}

// Run aggregates yesterday.
func (a *StatsAggregator) Run(ctx context.Context) error {
	yesterday := a.now().In(a.loc).AddDate(0, 0, -1)
	return a.RunFor(ctx, yesterday)
}

// RunFor aggregates the day containing day and overwrites its row. When a
// query fails nothing is written.
func (a *StatsAggregator) RunFor(ctx context.Context, day time.Time) error {
	date, from, to := DayWindow(day, a.loc)
	log := logging.Ctx(ctx, a.logger).With().Str("date", date).Logger()

	stats, err := a.store.ComputeDailyStats(ctx, date, from, to)
	if err != nil {
		log.Error().Err(err).Msg("daily stats aggregation failed")
		return fmt.Errorf("compute stats for %s: %w", date, err)
	}
	stats.Date = date
	stats.UpdatedAt = a.now().UTC()
	if err := a.store.UpsertDailyStats(ctx, stats); err != nil {
		return fmt.Errorf("save stats for %s: %w", date, err)
	}

	log.Info().
		Int64("sent", stats.Sent).
		Int64("failed", stats.Failed).
		Int64("new_subscribers", stats.NewSubscribers).
		Int64("unsubscribed", stats.Unsubscribed).
		Msg("daily stats aggregated")
	return nil
}

// Task adapts Run for RunAll.
func (a *StatsAggregator) Task() Task {
	return Task{Name: "daily-stats", Run: a.Run}
}
