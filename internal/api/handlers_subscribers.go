// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/telegram-engine/internal/eventbus"
	"github.com/tomtom215/telegram-engine/internal/logging"
)

// handleUnsubscribe records an opt-out for a Telegram chat. The status
// change is applied asynchronously by the event bus consumer.
func (rt *Router) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil || chatID == 0 {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "chatID must be a non-zero integer", nil)
		return
	}

	ev := eventbus.SubscriberUnsubscribed{ChatID: chatID, At: time.Now().UTC()}
	if err := rt.publisher.Publish(r.Context(), eventbus.TopicSubscriberUnsubscribed, ev); err != nil {
		log := logging.Ctx(r.Context(), rt.logger)
		log.Error().Err(err).Int64("chat_id", chatID).Msg("publish unsubscribe failed")
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "could not record unsubscribe", nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
