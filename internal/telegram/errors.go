// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("telegram circuit breaker open")

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method            string
	Code              int
	Description       string
	RetryAfterSeconds int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// RetryAfter returns the delay requested by a 429 response.
func (e *APIError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterSeconds) * time.Second
}

// Classification says what a send failure means for the caller.
type Classification struct {
	// Retriable failures may succeed later; the job should be retried.
	Retriable bool
	// Unreachable failures mean the chat can never receive messages.
	Unreachable bool
	// RetryAfter is the server-requested delay, if any.
	RetryAfter time.Duration
	// Reason is a short label for logs and metrics.
	Reason string
}

// Classify maps a SendMessage error to a Classification. A nil error
// yields the zero value.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	if errors.Is(err, ErrCircuitOpen) {
		return Classification{Retriable: true, Reason: "circuit_open"}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		desc := strings.ToLower(apiErr.Description)
		switch {
		case apiErr.Code == 429 || strings.Contains(desc, "too many requests"):
			return Classification{Retriable: true, RetryAfter: apiErr.RetryAfter(), Reason: "rate_limited"}
		case apiErr.Code >= 500:
			return Classification{Retriable: true, Reason: "server_error"}
		case apiErr.Code == 401:
			return Classification{Reason: "unauthorized"}
		case strings.Contains(desc, "chat not found"):
			return Classification{Unreachable: true, Reason: "chat_not_found"}
		case strings.Contains(desc, "blocked"), strings.Contains(desc, "deactivated"), apiErr.Code == 403:
			return Classification{Unreachable: true, Reason: "blocked"}
		case apiErr.Code == 400:
			return Classification{Unreachable: true, Reason: "bad_request"}
		default:
			return Classification{Reason: "api_error"}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Retriable: true, Reason: "timeout"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Retriable: true, Reason: "timeout"}
	}
	// Remaining transport errors (refused, reset, DNS) are transient.
	return Classification{Retriable: true, Reason: "network"}
}
