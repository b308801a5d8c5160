// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/models"
)

// EventHandler receives stored events. automation.Enroller implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *models.IncomingEvent) error
}

// Processor consumes QueueName jobs.
type Processor struct {
	store   Store
	handler EventHandler
	logger  zerolog.Logger
}

// NewProcessor creates a Processor.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewProcessor(store Store, handler EventHandler, logger zerolog.Logger) *Processor {
	return &Processor{
		store:   store,
		handler: handler,
		logger:  logger.With().Str("component", "event-processor").Logger(),
	}
}

// HandleJob is the jobs.Handler for QueueName.
func (p *Processor) HandleJob(ctx context.Context, job *jobs.Job) error {
	var payload ProcessEventPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	event, err := p.store.GetEvent(ctx, payload.EventID)
	if errors.Is(err, models.ErrNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}

	log := logging.Ctx(ctx, p.logger)
	if event.Processed() {
		log.Debug().Str("event_id", event.ID).Msg("event already processed")
		return nil
	}
	log.Debug().Str("event_id", event.ID).Str("event_type", event.EventType).Msg("processing event")

	if err := p.handler.HandleEvent(ctx, event); err != nil {
		return fmt.Errorf("handle event %s: %w", event.ID, err)
	}
	if err := p.store.MarkEventProcessed(ctx, event.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark event %s processed: %w", event.ID, err)
	}
	return nil
}
