// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package models

import "time"

// JobStatus is the state of a queued job. A waiting job whose RunAt is in
// the future is reported as delayed.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a durable unit of work on a named queue.
type Job struct {
	ID               string     `gorm:"primaryKey;size:128" json:"id"`
	Queue            string     `gorm:"size:64;not null;index:idx_jobs_claim,priority:1" json:"queue"`
	Name             string     `gorm:"size:64;not null" json:"name"`
	Payload          []byte     `json:"payload,omitempty"`
	Status           JobStatus  `gorm:"size:16;not null;index:idx_jobs_claim,priority:2" json:"status"`
	RunAt            time.Time  `gorm:"not null;index:idx_jobs_claim,priority:3" json:"runAt"`
	Attempts         int        `gorm:"not null" json:"attempts"`
	MaxAttempts      int        `gorm:"not null" json:"maxAttempts"`
	BackoffMillis    int64      `json:"backoffMillis"`
	MaxBackoffMillis int64      `json:"maxBackoffMillis"`
	LockedUntil      *time.Time `json:"lockedUntil,omitempty"`
	LastError        string     `gorm:"type:text" json:"lastError,omitempty"`
	FinishedAt       *time.Time `gorm:"index" json:"finishedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// TableName implements gorm's tabler interface.
func (Job) TableName() string { return "jobs" }

// RecurringTrigger enqueues JobName on Queue whenever Cron fires.
// Name is the idempotency key for registration.
type RecurringTrigger struct {
	Name      string    `gorm:"primaryKey;size:128" json:"name"`
	Queue     string    `gorm:"size:64;not null" json:"queue"`
	JobName   string    `gorm:"size:64;not null" json:"jobName"`
	Cron      string    `gorm:"size:64;not null" json:"cron"`
	Timezone  string    `gorm:"size:64" json:"timezone,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	NextRunAt time.Time `gorm:"not null;index" json:"nextRunAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName implements gorm's tabler interface.
func (RecurringTrigger) TableName() string { return "recurring_triggers" }

// All returns every model for schema migration.
func All() []any {
	return []any{
		&IncomingEvent{},
		&Automation{},
		&AutomationStep{},
		&AutomationEnrollment{},
		&Subscriber{},
		&Campaign{},
		&MessageDelivery{},
		&DailyStats{},
		&Job{},
		&RecurringTrigger{},
	}
}
