// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package sender is the single path by which the engine talks to chats.
// Every send takes a slot from the shared rate limiter, goes through the
// Bot API client and comes back as a classified Result.
package sender

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/eventbus"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/metrics"
	"github.com/tomtom215/telegram-engine/internal/ratelimit"
	"github.com/tomtom215/telegram-engine/internal/telegram"
)

// Client sends one message. *telegram.Client satisfies it.
type Client interface {
	SendMessage(ctx context.Context, chatID int64, text, parseMode string) (int64, error)
}

// Limiter admits sends. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
	Try(ctx context.Context) error
}

// Publisher emits domain events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Result is the outcome of one send.
type Result struct {
	OK        bool
	MessageID int64
	Err       error

	// Retriable is set when the same send may succeed later.
	Retriable bool
	// Unreachable is set when the chat can never receive messages.
	Unreachable bool
	RetryAfter  time.Duration
}

// Sender sends rate-limited messages.
type Sender struct {
	client    Client
	limiter   Limiter
	publisher Publisher
	origin    string
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a Sender. publisher may be nil.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(client Client, limiter Limiter, publisher Publisher, logger zerolog.Logger) *Sender {
	return &Sender{
		client:    client,
		limiter:   limiter,
		publisher: publisher,
		origin:    "direct",
		now:       time.Now,
		logger:    logger.With().Str("component", "sender").Logger(),
	}
}

// WithOrigin returns a copy that labels its metrics with origin
// (automation, campaign, direct).
func (s *Sender) WithOrigin(origin string) *Sender {
	cp := *s
	cp.origin = origin
	return &cp
}

// Send waits for a rate-limit slot, then sends.
func (s *Sender) Send(ctx context.Context, chatID int64, text, parseMode string) Result {
	if err := s.limiter.Wait(ctx); err != nil {
		// Context ended or the counter store failed; either way try later.
		return Result{Err: err, Retriable: true}
	}
	return s.send(ctx, chatID, text, parseMode)
}

// TrySend sends only if a slot is free right now. A full window yields a
// retriable Result wrapping ratelimit.ErrRateLimited.
func (s *Sender) TrySend(ctx context.Context, chatID int64, text, parseMode string) Result {
	if err := s.limiter.Try(ctx); err != nil {
		res := Result{Err: err, Retriable: true}
		var le *ratelimit.LimitError
		if errors.As(err, &le) {
			res.RetryAfter = le.RetryAfter
		}
		return res
	}
	return s.send(ctx, chatID, text, parseMode)
}

func (s *Sender) send(ctx context.Context, chatID int64, text, parseMode string) Result {
	id, err := s.client.SendMessage(ctx, chatID, text, parseMode)
	metrics.RecordSend(s.origin, err == nil)
	if err == nil {
		return Result{OK: true, MessageID: id}
	}

	class := telegram.Classify(err)
	res := Result{
		Err:         err,
		Retriable:   class.Retriable,
		Unreachable: class.Unreachable,
		RetryAfter:  class.RetryAfter,
	}

	log := logging.Ctx(ctx, s.logger)
	log.Debug().
		Err(err).
		Int64("chat_id", chatID).
		Str("reason", class.Reason).
		Bool("retriable", class.Retriable).
		Msg("send failed")

	if class.Unreachable {
		s.publishUnreachable(ctx, chatID, class.Reason)
	}
	return res
}

func (s *Sender) publishUnreachable(ctx context.Context, chatID int64, reason string) {
	if s.publisher == nil {
		return
	}
	ev := eventbus.SubscriberUnreachable{ChatID: chatID, Reason: reason, At: s.now().UTC()}
	if err := s.publisher.Publish(ctx, eventbus.TopicSubscriberUnreachable, ev); err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("publish unreachable event failed")
	}
}
