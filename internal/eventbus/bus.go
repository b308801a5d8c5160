// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package eventbus carries domain events between engine components over
// Watermill. The default transport is an in-process Go channel; when a
// NATS URL is configured, events go through a JetStream stream so every
// engine instance sees them.
//
// Topics:
//
//	subscriber.unreachable  a send failed permanently for a chat
//	ops.alert               a queue crossed a health threshold
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/telegram-engine/internal/logging"
)

// Topics.
const (
	TopicSubscriberUnreachable  = "subscriber.unreachable"
	TopicSubscriberUnsubscribed = "subscriber.unsubscribed"
	TopicOpsAlert               = "ops.alert"
)

const metadataCorrelationID = "correlation_id"

// SubscriberUnreachable is published when a chat can no longer receive
// messages.
type SubscriberUnreachable struct {
	ChatID int64     `json:"chatId"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// SubscriberUnsubscribed is published by whoever handles the user's
// opt-out (bot /stop command, account settings).
type SubscriberUnsubscribed struct {
	ChatID int64     `json:"chatId"`
	At     time.Time `json:"at"`
}

// OpsAlert is published when a queue metric crosses its threshold.
type OpsAlert struct {
	Queue     string    `json:"queue"`
	Kind      string    `json:"kind"`
	Value     int64     `json:"value"`
	Threshold int64     `json:"threshold"`
	At        time.Time `json:"at"`
}

// Config selects and tunes the transport.
type Config struct {
	// NATSURL enables the JetStream transport when set.
	NATSURL       string
	StreamName    string
	DurablePrefix string
	QueueGroup    string

	CloseTimeout         time.Duration
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
}

// DefaultConfig returns the in-process configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:           "TGE_EVENTS",
		DurablePrefix:        "tge",
		QueueGroup:           "tge",
		CloseTimeout:         10 * time.Second,
		RetryMaxRetries:      3,
		RetryInitialInterval: 500 * time.Millisecond,
	}
}

// Bus publishes domain events and routes them to registered handlers.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	closers    []func() error
	log        zerolog.Logger
}

// New creates a Bus on the configured transport.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Bus, error) {
	def := DefaultConfig()
	if cfg.StreamName == "" {
		cfg.StreamName = def.StreamName
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = def.DurablePrefix
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = def.QueueGroup
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.RetryMaxRetries <= 0 {
		cfg.RetryMaxRetries = def.RetryMaxRetries
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}

	wmLogger := watermill.NewSlogLogger(logging.NewSlogLogger("eventbus"))
	b := &Bus{log: logger.With().Str("component", "eventbus").Logger()}

	if cfg.NATSURL != "" {
		pub, sub, err := newNATSTransport(ctx, cfg, wmLogger)
		if err != nil {
			return nil, err
		}
		b.publisher, b.subscriber = pub, sub
		b.closers = append(b.closers, pub.Close, sub.Close)
	} else {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wmLogger)
		b.publisher, b.subscriber = ch, ch
		b.closers = append(b.closers, ch.Close)
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, wmLogger)
	if err != nil {
		_ = b.closeTransport()
		return nil, fmt.Errorf("create watermill router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Logger:          wmLogger,
	}
	router.AddMiddleware(retry.Middleware)
	b.router = router

	return b, nil
}

// Publish marshals payload to JSON and publishes it on topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	msg := message.NewMessage(uuid.NewString(), data)
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		msg.Metadata.Set(metadataCorrelationID, id)
	}
	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// HandlerFunc handles one decoded message.
type HandlerFunc func(ctx context.Context, msg *message.Message) error

// Handle registers a consumer for topic. Handlers must be registered before
// the bus starts serving.
func (b *Bus) Handle(name, topic string, h HandlerFunc) {
	b.router.AddConsumerHandler(name, topic, b.subscriber, func(msg *message.Message) error {
		ctx := msg.Context()
		if id := msg.Metadata.Get(metadataCorrelationID); id != "" {
			ctx = logging.ContextWithCorrelationID(ctx, id)
		}
		return h(ctx, msg)
	})
}

// Decode unmarshals a message payload.
func Decode[T any](msg *message.Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decode message %s: %w", msg.UUID, err)
	}
	return v, nil
}

// Serve runs the router until ctx ends. It implements suture.Service.
// A Watermill router cannot be restarted, so Serve asks the supervisor not
// to restart it.
func (b *Bus) Serve(ctx context.Context) error {
	err := b.router.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		b.log.Error().Err(err).Msg("event router stopped")
	}
	return suture.ErrDoNotRestart
}

func (b *Bus) String() string { return "eventbus" }

// Running is closed once the router has started its handlers.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

// Close stops the router and the transport.
func (b *Bus) Close() error {
	rerr := b.router.Close()
	return errors.Join(rerr, b.closeTransport())
}

func (b *Bus) closeTransport() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
