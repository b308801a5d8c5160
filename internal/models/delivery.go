// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package models

import "time"

// DeliveryStatus is the outcome of one send attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// MessageDelivery records one send attempt to one subscriber, originating
// either from a campaign or from an automation step.
type MessageDelivery struct {
	ID                string         `gorm:"primaryKey;size:36" json:"id"`
	SubscriberID      string         `gorm:"size:36;not null;index" json:"subscriberId"`
	CampaignID        string         `gorm:"size:36;index" json:"campaignId,omitempty"`
	EnrollmentID      string         `gorm:"size:36;index" json:"enrollmentId,omitempty"`
	StepOrder         *int           `json:"stepOrder,omitempty"`
	Status            DeliveryStatus `gorm:"size:16;not null;index" json:"status"`
	TelegramMessageID int64          `json:"telegramMessageId,omitempty"`
	Error             string         `gorm:"size:512" json:"error,omitempty"`
	Retriable         bool           `json:"retriable,omitempty"`
	SentAt            *time.Time     `gorm:"index" json:"sentAt,omitempty"`
	CreatedAt         time.Time      `gorm:"index" json:"createdAt"`
}

// TableName implements gorm's tabler interface.
func (MessageDelivery) TableName() string { return "message_deliveries" }

// DailyStats is the per-day delivery summary. Date is YYYY-MM-DD.
type DailyStats struct {
	Date           string    `gorm:"primaryKey;size:10" json:"date"`
	Sent           int64     `json:"sent"`
	Failed         int64     `json:"failed"`
	NewSubscribers int64     `json:"newSubscribers"`
	Unsubscribed   int64     `json:"unsubscribed"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TableName implements gorm's tabler interface.
func (DailyStats) TableName() string { return "daily_stats" }
