// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package models

import "time"

// CampaignStatus is the lifecycle state of a bulk send.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Campaign is a one-off message sent to every subscriber matching its
// targets. An empty target list matches every value.
type Campaign struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	Name            string         `gorm:"size:255;not null" json:"name"`
	Status          CampaignStatus `gorm:"size:16;not null;index:idx_campaign_due,priority:1" json:"status"`
	Messages        Variants       `gorm:"type:text" json:"messages"`
	ParseMode       string         `gorm:"size:16" json:"parseMode,omitempty"`
	TargetRoles     StringList     `gorm:"type:text" json:"targetRoles,omitempty"`
	TargetLanguages StringList     `gorm:"type:text" json:"targetLanguages,omitempty"`
	TargetCountries StringList     `gorm:"type:text" json:"targetCountries,omitempty"`
	ScheduledAt     *time.Time     `gorm:"index:idx_campaign_due,priority:2" json:"scheduledAt,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	TotalRecipients int            `json:"totalRecipients"`
	SentCount       int            `json:"sentCount"`
	FailedCount     int            `json:"failedCount"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// TableName implements gorm's tabler interface.
func (Campaign) TableName() string { return "campaigns" }

// Targets reports whether the subscriber matches the campaign's targets.
func (c *Campaign) Targets(s *Subscriber) bool {
	return c.TargetRoles.Contains(s.Role) &&
		c.TargetLanguages.Contains(s.Language) &&
		c.TargetCountries.Contains(s.Country)
}

// CampaignResult is the final tally written when a fan-out finishes.
type CampaignResult struct {
	Status          CampaignStatus
	TotalRecipients int
	SentCount       int
	FailedCount     int
	CompletedAt     time.Time
}
