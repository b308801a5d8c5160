// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/telegram-engine/internal/events"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/validation"
)

// IngestEventRequest is the body of POST /api/v1/events.
type IngestEventRequest struct {
	EventType      string         `json:"eventType" validate:"required,max=64"`
	ExternalUserID string         `json:"externalUserId" validate:"max=128"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotencyKey" validate:"max=255"`
}

// IngestEventResponse is returned with 202 for a new event and 200 for a
// duplicate.
type IngestEventResponse struct {
	EventID   string `json:"eventId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (rt *Router) handleIngest(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context(), rt.logger)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rt.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large", nil)
			return
		}
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "could not read request body", nil)
		return
	}
	var body IngestEventRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "request body must be a JSON object", nil)
		return
	}
	if verr := validation.ValidateStruct(&body); verr != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidationFailed, verr.Error(), verr.Fields())
		return
	}

	res, err := rt.ingest.Ingest(r.Context(), events.IngestRequest{
		EventType:      body.EventType,
		ExternalUserID: body.ExternalUserID,
		Payload:        body.Payload,
		IdempotencyKey: body.IdempotencyKey,
	})
	switch {
	case errors.Is(err, events.ErrInvalidArgument):
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidEvent, err.Error(), nil)
		return
	case err != nil && res.EventID != "":
		// Stored but not queued. Retrying with the same body queues it.
		log.Error().Err(err).Str("event_id", res.EventID).Msg("event accepted without processing job")
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable,
			"event stored but could not be queued", map[string]string{"eventId": res.EventID})
		return
	case err != nil:
		log.Error().Err(err).Str("event_type", body.EventType).Msg("ingest failed")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "could not store event", nil)
		return
	}

	if res.Duplicate {
		respondJSON(w, r, http.StatusOK, IngestEventResponse{Duplicate: true})
		return
	}
	respondJSON(w, r, http.StatusAccepted, IngestEventResponse{EventID: res.EventID})
}
