// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/metrics"
	"github.com/tomtom215/telegram-engine/internal/models"
)

// Enroller creates enrollments for stored events. It implements
// events.EventHandler.
type Enroller struct {
	store  Store
	queue  Queue
	now    func() time.Time
	logger zerolog.Logger
}

// NewEnroller creates an Enroller.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewEnroller(store Store, queue Queue, logger zerolog.Logger) *Enroller {
	return &Enroller{
		store:  store,
		queue:  queue,
		now:    time.Now,
		logger: logger.With().Str("component", "enroller").Logger(),
	}
}

// HandleEvent enrolls the event's subscriber in every active automation
// whose trigger and conditions match. Events without a known, active
// subscriber are ignored.
func (e *Enroller) HandleEvent(ctx context.Context, event *models.IncomingEvent) error {
	log := logging.Ctx(ctx, e.logger).With().
		Str("event_id", event.ID).
		Str("event_type", event.EventType).
		Logger()

	if event.ExternalUserID == "" {
		log.Debug().Msg("event has no user, nothing to enroll")
		return nil
	}

	sub, err := e.store.FindSubscriberByExternalID(ctx, event.ExternalUserID)
	if errors.Is(err, models.ErrNotFound) {
		log.Info().Str("external_user_id", event.ExternalUserID).Msg("no subscriber for event user")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find subscriber: %w", err)
	}
	if !sub.Deliverable() {
		log.Debug().Str("subscriber_id", sub.ID).Str("status", string(sub.Status)).Msg("subscriber not active, skipping")
		return nil
	}

	automations, err := e.store.ActiveAutomationsForTrigger(ctx, event.EventType)
	if err != nil {
		return fmt.Errorf("load automations for %s: %w", event.EventType, err)
	}

	var errs []error
	for i := range automations {
		a := &automations[i]
		if !Matches(a.Conditions, event.Payload) {
			continue
		}
		if err := e.enroll(ctx, log, a, sub, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func (e *Enroller) enroll(ctx context.Context, log zerolog.Logger, a *models.Automation, sub *models.Subscriber, event *models.IncomingEvent) error {
	now := e.now().UTC()
	enrollment := &models.AutomationEnrollment{
		AutomationID:     a.ID,
		SubscriberID:     sub.ID,
		EventID:          event.ID,
		CurrentStepOrder: 0,
		Status:           models.EnrollmentActive,
		NextExecuteAt:    &now,
	}

	created, err := e.store.CreateEnrollment(ctx, enrollment, a.AllowReenrollment)
	if err != nil {
		return fmt.Errorf("enroll %s in %s: %w", sub.ID, a.ID, err)
	}
	if !created {
		metrics.EnrollmentsSkipped.Inc()
		log.Debug().
			Str("automation_id", a.ID).
			Str("subscriber_id", sub.ID).
			Msg("active enrollment exists, not re-enrolling")
		return nil
	}

	metrics.EnrollmentsCreated.WithLabelValues(a.ID).Inc()
	log.Info().
		Str("automation_id", a.ID).
		Str("subscriber_id", sub.ID).
		Str("enrollment_id", enrollment.ID).
		Msg("subscriber enrolled")

	// The due picker claims the enrollment on its next tick if this fails.
	if err := EnqueueStep(ctx, e.queue, enrollment.ID, 0); err != nil {
		log.Warn().Err(err).Str("enrollment_id", enrollment.ID).Msg("enqueue first step failed")
	}
	return nil
}
