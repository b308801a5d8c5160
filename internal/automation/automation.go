// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package automation turns stored events into enrollments and walks each
// enrollment through its automation's steps.
//
// An enrollment advances one step per executor job. A send step performs at
// most one send; a wait step only moves the enrollment's NextExecuteAt
// forward. Work that is due immediately is re-enqueued by the job handler;
// work that is due later is left for the due picker.
//
// Executor jobs are keyed by enrollment and step, so the enroller, the job
// handler and the due picker can all ask for the same step without it
// running twice.
package automation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/models"
	"github.com/tomtom215/telegram-engine/internal/sender"
)

const (
	// QueueName is the queue that runs automation steps.
	QueueName = "automation-executor"

	// JobExecuteStep is the job name used on QueueName.
	JobExecuteStep = "execute-step"
)

// Store is the persistence the automation package needs.
type Store interface {
	FindSubscriberByExternalID(ctx context.Context, externalUserID string) (*models.Subscriber, error)
	GetSubscriber(ctx context.Context, id string) (*models.Subscriber, error)
	MarkSubscriberUnreachable(ctx context.Context, id string, now time.Time) error
	TouchSubscriber(ctx context.Context, id string, at time.Time) error

	ActiveAutomationsForTrigger(ctx context.Context, eventType string) ([]models.Automation, error)
	GetAutomation(ctx context.Context, id string) (*models.Automation, error)

	CreateEnrollment(ctx context.Context, e *models.AutomationEnrollment, allowReenrollment bool) (bool, error)
	GetEnrollment(ctx context.Context, id string) (*models.AutomationEnrollment, error)
	SaveEnrollmentProgress(ctx context.Context, id string, stepOrder int, next *time.Time, now time.Time) error
	CompleteEnrollment(ctx context.Context, id string, now time.Time) error
	CancelEnrollment(ctx context.Context, id string, now time.Time) error

	CreateDelivery(ctx context.Context, d *models.MessageDelivery) error
}

// Queue enqueues jobs. *jobs.Registry satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, queue, jobName string, payload any, opts ...jobs.Option) (string, error)
}

// Sender sends one message. *sender.Sender satisfies it.
type Sender interface {
	Send(ctx context.Context, chatID int64, text, parseMode string) sender.Result
}

// StepPayload is the executor job payload.
type StepPayload struct {
	EnrollmentID string `json:"enrollmentId"`
	StepOrder    int    `json:"stepOrder"`
}

// StepJobID names the executor job for one step of one enrollment.
func StepJobID(enrollmentID string, stepOrder int) string {
	return "enrollment:" + enrollmentID + ":" + strconv.Itoa(stepOrder)
}

// EnqueueStep enqueues the executor job for stepOrder of an enrollment.
// Asking twice for the same step is a no-op.
func EnqueueStep(ctx context.Context, q Queue, enrollmentID string, stepOrder int) error {
	_, err := q.Enqueue(ctx, QueueName, JobExecuteStep,
		StepPayload{EnrollmentID: enrollmentID, StepOrder: stepOrder},
		jobs.JobID(StepJobID(enrollmentID, stepOrder)),
	)
	if err != nil {
		return fmt.Errorf("enqueue step %d of enrollment %s: %w", stepOrder, enrollmentID, err)
	}
	return nil
}
