// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package cron holds the periodic work of the engine and the handler that
// runs it from the cron queue.
//
// Recurring triggers in the jobs registry place one job per occurrence on
// the cron queue. The minute tick runs the due-enrollment picker, the
// campaign launcher and the queue health check; the daily job aggregates
// delivery statistics; the half-hourly job syncs subscribers from the
// user directory.
package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/metrics"
	"github.com/tomtom215/telegram-engine/internal/models"
)

const (
	// QueueName is the queue that runs periodic work.
	QueueName = "cron"

	JobMinuteTick     = "minute-tick"
	JobDailyStats     = "daily-stats"
	JobSubscriberSync = "subscriber-sync"
)

// Store is the persistence the periodic tasks need.
type Store interface {
	ClaimDueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.AutomationEnrollment, error)
	DueScheduledCampaigns(ctx context.Context, now time.Time) ([]models.Campaign, error)
	MarkCampaignSending(ctx context.Context, id string, now time.Time) (bool, error)
	ComputeDailyStats(ctx context.Context, date string, from, to time.Time) (*models.DailyStats, error)
	UpsertDailyStats(ctx context.Context, stats *models.DailyStats) error
}

// Queue enqueues jobs. *jobs.Registry satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, queue, jobName string, payload any, opts ...jobs.Option) (string, error)
}

// Task is one named unit of periodic work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunAll runs every task in order, even after one fails, and returns the
// joined errors. Each run is timed into the cron handler histogram.
func RunAll(ctx context.Context, logger zerolog.Logger, tasks ...Task) error {
	log := logging.Ctx(ctx, logger)
	var errs []error
	for _, t := range tasks {
		start := time.Now()
		err := t.Run(ctx)
		metrics.RecordCronHandler(t.Name, time.Since(start), err)
		if err != nil {
			log.Error().Err(err).Str("task", t.Name).Msg("cron task failed")
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Schedule is the set of cron expressions driving the recurring jobs.
type Schedule struct {
	MinuteTick     string
	DailyStats     string
	SubscriberSync string
	Timezone       string
}

// DefaultSchedule returns the production schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		MinuteTick:     "* * * * *",
		DailyStats:     "5 0 * * *",
		SubscriberSync: "*/30 * * * *",
		Timezone:       "UTC",
	}
}

// Triggers returns the recurring triggers for s. An empty expression
// disables that job.
func (s Schedule) Triggers() []jobs.Trigger {
	entries := []struct{ job, expr string }{
		{JobMinuteTick, s.MinuteTick},
		{JobDailyStats, s.DailyStats},
		{JobSubscriberSync, s.SubscriberSync},
	}
	var out []jobs.Trigger
	for _, e := range entries {
		if e.expr == "" {
			continue
		}
		out = append(out, jobs.Trigger{
			Name:     e.job,
			Queue:    QueueName,
			JobName:  e.job,
			Cron:     e.expr,
			Timezone: s.Timezone,
		})
	}
	return out
}

// Dispatcher routes cron queue jobs to their tasks.
type Dispatcher struct {
	tasks  map[string][]Task
	logger zerolog.Logger
}

// NewDispatcher creates an empty Dispatcher.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:  make(map[string][]Task),
		logger: logger.With().Str("component", "cron").Logger(),
	}
}

// On adds tasks to the job named jobName. Tasks run in the order added.
func (d *Dispatcher) On(jobName string, tasks ...Task) *Dispatcher {
	d.tasks[jobName] = append(d.tasks[jobName], tasks...)
	return d
}

// HandleJob is the jobs.Handler for QueueName.
func (d *Dispatcher) HandleJob(ctx context.Context, job *jobs.Job) error {
	tasks, ok := d.tasks[job.Name]
	if !ok {
		return jobs.Permanent(fmt.Errorf("cron: no tasks for job %q", job.Name))
	}
	return RunAll(ctx, d.logger, tasks...)
}
