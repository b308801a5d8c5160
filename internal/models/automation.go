// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package models

import (
	"sort"
	"time"
)

// StepType identifies what an automation step does.
type StepType string

const (
	// StepSendMessage sends one message to the enrolled subscriber.
	StepSendMessage StepType = "send_message"

	// StepWait delays the next step by DelayMinutes. It performs no I/O.
	StepWait StepType = "wait"
)

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// Automation is an administrator-defined rule: when TriggerEvent arrives and
// every condition matches the event payload, the subscriber is enrolled.
type Automation struct {
	ID                string           `gorm:"primaryKey;size:36" json:"id"`
	Name              string           `gorm:"size:255;not null" json:"name"`
	TriggerEvent      string           `gorm:"size:64;not null;index" json:"triggerEvent"`
	Conditions        JSONMap          `gorm:"type:text" json:"conditions"`
	IsActive          bool             `gorm:"not null;index" json:"isActive"`
	AllowReenrollment bool             `gorm:"not null" json:"allowReenrollment"`
	Steps             []AutomationStep `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE" json:"steps"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// TableName implements gorm's tabler interface.
func (Automation) TableName() string { return "automations" }

// StepAt returns the step with the given order.
func (a *Automation) StepAt(order int) (*AutomationStep, bool) {
	for i := range a.Steps {
		if a.Steps[i].StepOrder == order {
			return &a.Steps[i], true
		}
	}
	return nil, false
}

// SortSteps orders Steps by StepOrder.
func (a *Automation) SortSteps() {
	sort.Slice(a.Steps, func(i, j int) bool {
		return a.Steps[i].StepOrder < a.Steps[j].StepOrder
	})
}

// AutomationStep is one ordered action within an automation.
type AutomationStep struct {
	ID           string   `gorm:"primaryKey;size:36" json:"id"`
	AutomationID string   `gorm:"size:36;not null;uniqueIndex:idx_step_order,priority:1" json:"automationId"`
	StepOrder    int      `gorm:"not null;uniqueIndex:idx_step_order,priority:2" json:"stepOrder"`
	Type         StepType `gorm:"size:32;not null" json:"type"`

	// send_message
	Messages  Variants `gorm:"type:text" json:"messages,omitempty"`
	ParseMode string   `gorm:"size:16" json:"parseMode,omitempty"`

	// wait
	DelayMinutes int `json:"delayMinutes,omitempty"`
}

// TableName implements gorm's tabler interface.
func (AutomationStep) TableName() string { return "automation_steps" }

// Delay returns the wait duration of a wait step.
func (s *AutomationStep) Delay() time.Duration {
	return time.Duration(s.DelayMinutes) * time.Minute
}

// AutomationEnrollment tracks one subscriber's progress through one automation.
// A nil NextExecuteAt means the enrollment is not scheduled: it is either
// in flight or finished.
type AutomationEnrollment struct {
	ID               string           `gorm:"primaryKey;size:36" json:"id"`
	AutomationID     string           `gorm:"size:36;not null;index:idx_enrollment_member,priority:1" json:"automationId"`
	SubscriberID     string           `gorm:"size:36;not null;index:idx_enrollment_member,priority:2" json:"subscriberId"`
	EventID          string           `gorm:"size:36" json:"eventId,omitempty"`
	CurrentStepOrder int              `gorm:"not null" json:"currentStepOrder"`
	Status           EnrollmentStatus `gorm:"size:16;not null;index:idx_enrollment_due,priority:1" json:"status"`
	NextExecuteAt    *time.Time       `gorm:"index:idx_enrollment_due,priority:2" json:"nextExecuteAt,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// TableName implements gorm's tabler interface.
func (AutomationEnrollment) TableName() string { return "automation_enrollments" }
