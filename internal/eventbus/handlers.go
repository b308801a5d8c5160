// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/models"
)

// SubscriberStore is what the subscriber status handlers need.
type SubscriberStore interface {
	GetSubscriberByChatID(ctx context.Context, chatID int64) (*models.Subscriber, error)
	MarkSubscriberUnreachable(ctx context.Context, id string, now time.Time) error
	UnsubscribeSubscriber(ctx context.Context, id string, at time.Time) error
}

// RegisterDefaultHandlers wires the engine's own consumers.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func RegisterDefaultHandlers(b *Bus, store SubscriberStore, logger zerolog.Logger) {
	b.Handle("mark-unreachable", TopicSubscriberUnreachable, UnreachableHandler(store, logger))
	b.Handle("mark-unsubscribed", TopicSubscriberUnsubscribed, UnsubscribeHandler(store, logger))
	b.Handle("log-ops-alert", TopicOpsAlert, AlertLogHandler(logger))
}

// UnreachableHandler marks the chat's subscriber unreachable. Unknown chats
// are acknowledged and ignored.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func UnreachableHandler(store SubscriberStore, logger zerolog.Logger) HandlerFunc {
	return func(ctx context.Context, msg *message.Message) error {
		ev, err := Decode[SubscriberUnreachable](msg)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed unreachable event")
			return nil
		}
		sub, err := store.GetSubscriberByChatID(ctx, ev.ChatID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load subscriber for chat %d: %w", ev.ChatID, err)
		}
		if sub.Status != models.SubscriberActive {
			return nil
		}
		if err := store.MarkSubscriberUnreachable(ctx, sub.ID, ev.At); err != nil {
			return fmt.Errorf("mark subscriber %s unreachable: %w", sub.ID, err)
		}
		log := logging.Ctx(ctx, logger)
		log.Info().
			Str("subscriber_id", sub.ID).
			Str("reason", ev.Reason).
			Msg("subscriber marked unreachable")
		return nil
	}
}

// UnsubscribeHandler records a subscriber's opt-out. Active enrollments
// are cancelled by the executor when their next step runs.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func UnsubscribeHandler(store SubscriberStore, logger zerolog.Logger) HandlerFunc {
	return func(ctx context.Context, msg *message.Message) error {
		ev, err := Decode[SubscriberUnsubscribed](msg)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed unsubscribe event")
			return nil
		}
		sub, err := store.GetSubscriberByChatID(ctx, ev.ChatID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load subscriber for chat %d: %w", ev.ChatID, err)
		}
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		if err := store.UnsubscribeSubscriber(ctx, sub.ID, at.UTC()); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", sub.ID, err)
		}
		log := logging.Ctx(ctx, logger)
		log.Info().Str("subscriber_id", sub.ID).Msg("subscriber unsubscribed")
		return nil
	}
}

// AlertLogHandler writes ops alerts to the log.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func AlertLogHandler(logger zerolog.Logger) HandlerFunc {
	return func(_ context.Context, msg *message.Message) error {
		alert, err := Decode[OpsAlert](msg)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed ops alert")
			return nil
		}
		logger.Warn().
			Str("queue", alert.Queue).
			Str("kind", alert.Kind).
			Int64("value", alert.Value).
			Int64("threshold", alert.Threshold).
			Msg("queue health alert")
		return nil
	}
}
