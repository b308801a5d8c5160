// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/metrics"
	"github.com/tomtom215/telegram-engine/internal/models"
)

// service adapts a run loop to suture.Service.
type service struct {
	name string
	run  func(ctx context.Context) error
}

func (s *service) Serve(ctx context.Context) error { return s.run(ctx) }
func (s *service) String() string                  { return s.name }

// Services returns one worker per queue with a handler, plus the trigger
// loop and the janitor.
func (r *Registry) Services() []suture.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]suture.Service, 0, len(r.queues)+2)
	for _, q := range r.queues {
		if q.handler == nil {
			continue
		}
		out = append(out, &service{
			name: "jobs-worker-" + q.name,
			run:  func(ctx context.Context) error { return r.work(ctx, q) },
		})
	}
	out = append(out,
		&service{name: "jobs-triggers", run: r.runTriggers},
		&service{name: "jobs-janitor", run: r.runJanitor},
	)
	return out
}

// work claims due jobs for q and runs them with bounded parallelism until
// ctx is cancelled. In-flight jobs finish before it returns.
func (r *Registry) work(ctx context.Context, q *queue) error {
	logger := r.logger.With().Str("queue", q.name).Logger()
	logger.Info().Int("concurrency", q.opts.Concurrency).Msg("queue worker started")

	slots := make(chan struct{}, q.opts.Concurrency)
	freed := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if free := cap(slots) - len(slots); free > 0 {
			claimed, err := r.backend.Claim(ctx, q.name, r.now(), free, r.lease(q))
			if err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("claim failed")
			}
			for _, m := range claimed {
				slots <- struct{}{}
				wg.Add(1)
				go func(m models.Job) {
					defer wg.Done()
					defer func() {
						<-slots
						select {
						case freed <- struct{}{}:
						default:
						}
					}()
					r.process(ctx, q, m)
				}(m)
			}
			if len(claimed) == free {
				continue
			}
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("queue worker stopping")
			return ctx.Err()
		case <-ticker.C:
		case <-q.wake:
		case <-freed:
		}
	}
}

// process runs one claimed job and records the outcome.
func (r *Registry) process(ctx context.Context, q *queue, m models.Job) {
	job := &Job{
		ID:          m.ID,
		Queue:       m.Queue,
		Name:        m.Name,
		Payload:     m.Payload,
		Attempt:     m.Attempts,
		MaxAttempts: m.MaxAttempts,
	}

	jctx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	jctx = logging.ContextWithJobID(jctx, m.ID)
	start := time.Now()
	err := invoke(jctx, q.handler, job)
	cancel()
	took := time.Since(start)

	// Bookkeeping must land even when shutdown cancelled the handler.
	bctx := context.WithoutCancel(ctx)
	now := r.now()
	logger := r.logger.With().
		Str("queue", q.name).
		Str("job", m.Name).
		Str("job_id", m.ID).
		Int("attempt", m.Attempts).
		Logger()

	switch {
	case err == nil:
		if cerr := r.backend.Complete(bctx, m.ID, now); cerr != nil {
			logger.Error().Err(cerr).Msg("mark job completed")
		}
		metrics.RecordJob(q.name, "completed", took)

	case IsPermanent(err) || m.Attempts >= m.MaxAttempts:
		if ferr := r.backend.Fail(bctx, m.ID, err.Error(), now); ferr != nil {
			logger.Error().Err(ferr).Msg("mark job failed")
		}
		metrics.RecordJob(q.name, "failed", took)
		logger.Error().Err(err).Bool("permanent", IsPermanent(err)).Msg("job failed")

	default:
		delay := backoffFor(
			time.Duration(m.BackoffMillis)*time.Millisecond,
			time.Duration(m.MaxBackoffMillis)*time.Millisecond,
			m.Attempts,
		)
		var ra retryAfter
		if errors.As(err, &ra) && ra.RetryAfter() > delay {
			delay = ra.RetryAfter()
		}
		if rerr := r.backend.Retry(bctx, m.ID, now.Add(delay), err.Error(), now); rerr != nil {
			logger.Error().Err(rerr).Msg("schedule job retry")
		}
		metrics.RecordJob(q.name, "retried", took)
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retrying")
	}
}

// invoke calls h and converts a panic into an error so one bad job cannot
// take the worker down.
func invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h(ctx, job)
}

func (r *Registry) runTriggers(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TriggerInterval)
	defer ticker.Stop()
	for {
		if n, err := r.FireTriggers(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("fire triggers")
		} else if n > 0 {
			r.logger.Debug().Int("fired", n).Msg("recurring triggers fired")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Registry) runJanitor(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("job retention sweep")
			}
		}
	}
}
