// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package models

import "time"

// SubscriberStatus is the deliverability state of a subscriber.
type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"

	// SubscriberUnreachable is set after a permanent delivery failure
	// (chat not found, bot blocked, bad request).
	SubscriberUnreachable SubscriberStatus = "unreachable"
)

// DefaultLanguage is used when a subscriber's language has no message
// variant, and for subscribers synced without a language.
const DefaultLanguage = "en"

// Subscriber is a delivery target keyed by its Telegram chat ID.
type Subscriber struct {
	ID             string           `gorm:"primaryKey;size:36" json:"id"`
	TelegramChatID int64            `gorm:"not null;uniqueIndex" json:"telegramChatId"`
	ExternalUserID string           `gorm:"size:128;index" json:"externalUserId,omitempty"`
	DisplayName    string           `gorm:"size:255" json:"displayName,omitempty"`
	Role           string           `gorm:"size:32;index" json:"role"`
	Language       string           `gorm:"size:2" json:"language"`
	Country        string           `gorm:"size:3" json:"country,omitempty"`
	Status         SubscriberStatus `gorm:"size:16;not null;index" json:"status"`
	SubscribedAt   time.Time        `gorm:"index" json:"subscribedAt"`
	UnsubscribedAt *time.Time       `gorm:"index" json:"unsubscribedAt,omitempty"`
	LastMessageAt  *time.Time       `json:"lastMessageAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// TableName implements gorm's tabler interface.
func (Subscriber) TableName() string { return "subscribers" }

// Deliverable reports whether messages may be sent to the subscriber.
func (s *Subscriber) Deliverable() bool {
	return s.Status == SubscriberActive
}
