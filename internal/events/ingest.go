// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package events accepts inbound events, deduplicates them by signature and
// hands them to the event-processor queue.
//
// An event is stored once. Replays with the same idempotency key, or with
// the same type, user and payload when no key is given, are reported as
// duplicates instead of errors. A duplicate of an event that has not been
// processed yet is queued again under the same job ID, so a replay recovers
// an event whose first enqueue failed. Only the event ID travels through
// the queue; the processor re-reads the event from the store.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/metrics"
	"github.com/tomtom215/telegram-engine/internal/models"
)

const (
	// QueueName is the queue that runs automation matching for new events.
	QueueName = "event-processor"

	// JobProcessEvent is the job name used on QueueName.
	JobProcessEvent = "process-event"
)

// ErrInvalidArgument is returned for requests that can never be accepted.
var ErrInvalidArgument = errors.New("invalid argument")

// Store persists events.
type Store interface {
	CreateEvent(ctx context.Context, e *models.IncomingEvent) error
	GetEvent(ctx context.Context, id string) (*models.IncomingEvent, error)
	GetEventBySignature(ctx context.Context, signature string) (*models.IncomingEvent, error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error
}

// Queue enqueues jobs. *jobs.Registry satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, queue, jobName string, payload any, opts ...jobs.Option) (string, error)
}

// IngestRequest is one inbound event.
type IngestRequest struct {
	EventType      string
	ExternalUserID string
	Payload        map[string]any
	IdempotencyKey string
}

// IngestResult reports the stored event. Duplicate is true when an event
// with the same signature already existed; EventID then names that event.
type IngestResult struct {
	EventID   string
	Duplicate bool
}

// ProcessEventPayload is the job payload placed on QueueName.
type ProcessEventPayload struct {
	EventID string `json:"eventId"`
}

// Ingestor validates, deduplicates and stores inbound events.
type Ingestor struct {
	store  Store
	queue  Queue
	logger zerolog.Logger
}

// NewIngestor creates an Ingestor.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewIngestor(store Store, queue Queue, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		queue:  queue,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Ingest stores req and enqueues it for processing. Unknown event types
// are rejected with ErrInvalidArgument and nothing is stored.
func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if !models.IsAllowedEventType(req.EventType) {
		metrics.EventsIngested.WithLabelValues("unknown", "rejected").Inc()
		return IngestResult{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, req.EventType)
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	sig, err := Signature(req)
	if err != nil {
		metrics.EventsIngested.WithLabelValues(req.EventType, "rejected").Inc()
		return IngestResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	event := &models.IncomingEvent{
		EventType:      req.EventType,
		ExternalUserID: req.ExternalUserID,
		Payload:        models.JSONMap(req.Payload),
		EventSignature: sig,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := i.store.CreateEvent(ctx, event); err != nil {
		if !errors.Is(err, models.ErrDuplicate) {
			return IngestResult{}, fmt.Errorf("store event: %w", err)
		}
		existing, lerr := i.store.GetEventBySignature(ctx, sig)
		if lerr != nil {
			return IngestResult{}, fmt.Errorf("load duplicate event: %w", lerr)
		}
		metrics.EventsIngested.WithLabelValues(req.EventType, "duplicate").Inc()
		res := IngestResult{EventID: existing.ID, Duplicate: true}
		if existing.Processed() {
			i.logger.Debug().
				Str("event_type", req.EventType).
				Str("event_id", existing.ID).
				Msg("duplicate event ignored")
			return res, nil
		}
		if err := i.enqueue(ctx, existing.ID); err != nil {
			return res, err
		}
		i.logger.Debug().
			Str("event_type", req.EventType).
			Str("event_id", existing.ID).
			Msg("duplicate of unprocessed event requeued")
		return res, nil
	}

	metrics.EventsIngested.WithLabelValues(req.EventType, "stored").Inc()

	if err := i.enqueue(ctx, event.ID); err != nil {
		return IngestResult{EventID: event.ID}, err
	}

	i.logger.Info().
		Str("event_type", req.EventType).
		Str("event_id", event.ID).
		Str("external_user_id", req.ExternalUserID).
		Msg("event accepted")
	return IngestResult{EventID: event.ID}, nil
}

// enqueue places a processing job for id. The job ID is derived from the
// event, so repeated calls while a job is pending are no-ops.
func (i *Ingestor) enqueue(ctx context.Context, id string) error {
	if _, err := i.queue.Enqueue(ctx, QueueName, JobProcessEvent,
		ProcessEventPayload{EventID: id},
		jobs.JobID("event:"+id),
	); err != nil {
		i.logger.Error().Err(err).Str("event_id", id).Msg("event stored but not enqueued")
		return fmt.Errorf("enqueue event %s: %w", id, err)
	}
	return nil
}

// Signature returns the dedup signature of req: the SHA-256 of the
// idempotency key when one is given, otherwise of the event type, user and
// canonical JSON payload. Map keys are sorted at every depth, so payloads
// that differ only in key order share a signature.
func Signature(req IngestRequest) (string, error) {
	h := sha256.New()
	if req.IdempotencyKey != "" {
		h.Write([]byte("key:"))
		h.Write([]byte(req.IdempotencyKey))
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("payload is not serializable: %w", err)
	}
	h.Write([]byte(req.EventType))
	h.Write([]byte{0})
	h.Write([]byte(req.ExternalUserID))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
