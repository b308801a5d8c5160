// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/automation"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/metrics"
)

// DefaultBatchSize bounds the enrollments claimed per tick.
const DefaultBatchSize = 500

// DuePicker hands due enrollments to the automation executor.
type DuePicker struct {
	store  Store
	queue  Queue
	batch  int
	now    func() time.Time
	logger zerolog.Logger
}

// NewDuePicker creates a DuePicker. batch <= 0 uses DefaultBatchSize.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewDuePicker(store Store, queue Queue, batch int, logger zerolog.Logger) *DuePicker {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &DuePicker{
		store:  store,
		queue:  queue,
		batch:  batch,
		now:    time.Now,
		logger: logger.With().Str("component", "due-picker").Logger(),
	}
}

// Run claims one batch of due enrollments and enqueues a step job for
// each. It returns the number claimed. Enqueue failures do not stop the
// batch.
func (p *DuePicker) Run(ctx context.Context) (int, error) {
	claimed, err := p.store.ClaimDueEnrollments(ctx, p.now().UTC(), p.batch)
	if err != nil {
		return 0, fmt.Errorf("claim due enrollments: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	metrics.EnrollmentsClaimed.Add(float64(len(claimed)))

	var errs []error
	for i := range claimed {
		e := &claimed[i]
		if err := automation.EnqueueStep(ctx, p.queue, e.ID, e.CurrentStepOrder); err != nil {
			errs = append(errs, err)
		}
	}

	log := logging.Ctx(ctx, p.logger)
	log.Info().Int("claimed", len(claimed)).Int("enqueue_failures", len(errs)).Msg("due enrollments dispatched")
	return len(claimed), errors.Join(errs...)
}

// Task adapts Run for RunAll.
func (p *DuePicker) Task() Task {
	return Task{Name: "due-picker", Run: func(ctx context.Context) error {
		_, err := p.Run(ctx)
		return err
	}}
}
