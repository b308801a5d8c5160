// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/campaign"
	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/metrics"
)

// CampaignLauncher starts scheduled campaigns whose time has come.
type CampaignLauncher struct {
	store  Store
	queue  Queue
	now    func() time.Time
	logger zerolog.Logger
}

// NewCampaignLauncher creates a CampaignLauncher.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewCampaignLauncher(store Store, queue Queue, logger zerolog.Logger) *CampaignLauncher {
	return &CampaignLauncher{
		store:  store,
		queue:  queue,
		now:    time.Now,
		logger: logger.With().Str("component", "campaign-launcher").Logger(),
	}
}

// Run moves each due campaign to sending and enqueues its fan-out job.
// A campaign another tick already launched is skipped. It returns the
// number launched.
func (l *CampaignLauncher) Run(ctx context.Context) (int, error) {
	now := l.now().UTC()
	due, err := l.store.DueScheduledCampaigns(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due campaigns: %w", err)
	}

	log := logging.Ctx(ctx, l.logger)
	launched := 0
	var errs []error
	for i := range due {
		c := &due[i]
		won, err := l.store.MarkCampaignSending(ctx, c.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("launch campaign %s: %w", c.ID, err))
			continue
		}
		if !won {
			continue
		}
		// The job ID makes a re-enqueue for the same campaign a no-op.
		_, err = l.queue.Enqueue(ctx, campaign.QueueName, campaign.JobSendCampaign,
			campaign.Payload{CampaignID: c.ID},
			jobs.JobID(campaign.JobID(c.ID)),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue campaign %s: %w", c.ID, err))
			continue
		}
		launched++
		metrics.CampaignsLaunched.Inc()
		log.Info().Str("campaign_id", c.ID).Str("name", c.Name).Msg("campaign launched")
	}
	return launched, errors.Join(errs...)
}

// Task adapts Run for RunAll.
func (l *CampaignLauncher) Task() Task {
	return Task{Name: "campaign-launcher", Run: func(ctx context.Context) error {
		_, err := l.Run(ctx)
		return err
	}}
}
