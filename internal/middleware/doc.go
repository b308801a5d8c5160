// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package middleware holds the HTTP middleware shared by the API router:
// request ID propagation and Prometheus request instrumentation.
package middleware
