// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package models defines the persistent entities of the Telegram Engine:
// inbound events, automations and their enrollments, subscribers, campaigns,
// delivery records, daily statistics and the durable job queue tables.
//
// Every entity is a gorm model. Map and list columns are stored as JSON text
// so the same schema works on PostgreSQL and SQLite.
package models

import "time"

// ============================================================================
// Event Types
// ============================================================================

// Accepted values for IncomingEvent.EventType.
const (
	EventWelcome           = "welcome"
	EventNewRegistration   = "new_registration"
	EventCallCompleted     = "call_completed"
	EventPaymentReceived   = "payment_received"
	EventDailyReport       = "daily_report"
	EventNewProvider       = "new_provider"
	EventNewContactMessage = "new_contact_message"
	EventNegativeReview    = "negative_review"
	EventSecurityAlert     = "security_alert"
	EventWithdrawalRequest = "withdrawal_request"
)

var allowedEventTypes = map[string]struct{}{
	EventWelcome:           {},
	EventNewRegistration:   {},
	EventCallCompleted:     {},
	EventPaymentReceived:   {},
	EventDailyReport:       {},
	EventNewProvider:       {},
	EventNewContactMessage: {},
	EventNegativeReview:    {},
	EventSecurityAlert:     {},
	EventWithdrawalRequest: {},
}

// IsAllowedEventType reports whether t is one of the accepted event types.
func IsAllowedEventType(t string) bool {
	_, ok := allowedEventTypes[t]
	return ok
}

// ============================================================================
// Incoming Event
// ============================================================================

// IncomingEvent is an external occurrence accepted by the ingestion layer.
// Rows are kept as an audit trail; only ProcessedAt changes after insert.
type IncomingEvent struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	EventType      string    `gorm:"size:64;not null;index" json:"eventType"`
	ExternalUserID string    `gorm:"size:128;index" json:"externalUserId,omitempty"`
	Payload        JSONMap   `gorm:"type:text;not null" json:"payload"`
	EventSignature string    `gorm:"size:64;not null;uniqueIndex" json:"eventSignature"`
	IdempotencyKey string    `gorm:"size:255" json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`

	// ProcessedAt is set once automation matching has run for the event.
	ProcessedAt *time.Time `gorm:"index" json:"processedAt,omitempty"`
}

// Processed reports whether automation matching already ran.
func (e *IncomingEvent) Processed() bool {
	return e.ProcessedAt != nil
}

// TableName implements gorm's tabler interface.
func (IncomingEvent) TableName() string { return "incoming_events" }
