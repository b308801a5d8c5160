// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package jobs implements named durable job queues with delayed jobs,
// exponential-backoff retries, retention of finished jobs and cron-driven
// recurring triggers.
//
// A Registry is constructed once at startup and passed to producers and
// workers. Producers call Enqueue; consumers register a Handler per queue.
// Services returns the long-running workers for the supervisor tree:
//
//	reg := jobs.NewRegistry(jobs.NewGormBackend(db), jobs.DefaultConfig(), logger)
//	reg.Declare("automation-executor", jobs.QueueOptions{Concurrency: 10, Attempts: 5})
//	reg.Handle("automation-executor", executor.HandleJob)
//	tree.AddQueueServices(reg.Services()...)
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/models"
)

// Config holds registry-wide settings.
type Config struct {
	// PollInterval is how often idle workers look for due jobs.
	PollInterval time.Duration

	// LeaseGrace is added to the queue timeout to form the claim lease.
	LeaseGrace time.Duration

	// TriggerInterval is how often recurring triggers are evaluated.
	TriggerInterval time.Duration

	// JanitorInterval is how often retention and lease reaping run.
	JanitorInterval time.Duration

	// LockTTL bounds how long one instance holds the trigger lock.
	LockTTL time.Duration

	// Clock returns the current time. Defaults to time.Now in UTC.
	Clock func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    500 * time.Millisecond,
		LeaseGrace:      30 * time.Second,
		TriggerInterval: 5 * time.Second,
		JanitorInterval: time.Minute,
		LockTTL:         30 * time.Second,
	}
}

// Trigger describes a recurring job.
type Trigger struct {
	// Name identifies the trigger; registering the same name again
	// replaces the previous definition.
	Name     string
	Queue    string
	JobName  string
	Cron     string
	Timezone string
	Payload  any
}

type queue struct {
	name    string
	opts    QueueOptions
	handler Handler
	wake    chan struct{}
}

// Registry owns the declared queues and their backend.
type Registry struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger

	mu     sync.RWMutex
	queues map[string]*queue
	locker Locker
	closed bool
}

// NewRegistry creates an empty registry.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewRegistry(backend Backend, cfg Config, logger zerolog.Logger) *Registry {
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.LeaseGrace <= 0 {
		cfg.LeaseGrace = d.LeaseGrace
	}
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = d.TriggerInterval
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = d.JanitorInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = d.LockTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With().Str("component", "jobs").Logger(),
		queues:  make(map[string]*queue),
	}
}

// SetLocker installs a distributed lock used around trigger firing.
func (r *Registry) SetLocker(l Locker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locker = l
}

// Declare registers a queue. Zero option fields take their defaults.
// Declaring an existing queue replaces its options.
func (r *Registry) Declare(name string, opts QueueOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		q.opts = opts.withDefaults()
		return
	}
	r.queues[name] = &queue{
		name: name,
		opts: opts.withDefaults(),
		wake: make(chan struct{}, 1),
	}
}

// Handle sets the handler for a declared queue.
func (r *Registry) Handle(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	q.handler = h
	return nil
}

// Queues returns the declared queue names in sorted order.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops accepting new jobs. Running services are stopped by
// cancelling their context.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Registry) lookup(name string) (*queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

func (r *Registry) now() time.Time {
	return r.cfg.Clock().UTC()
}

// Enqueue adds a job to queueName and returns its ID. payload is marshalled
// to JSON unless it is already []byte.
func (r *Registry) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts ...Option) (string, error) {
	q, err := r.lookup(queueName)
	if err != nil {
		return "", err
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	now := r.now()
	runAt := now
	switch {
	case !o.at.IsZero():
		runAt = o.at.UTC()
	case o.delay > 0:
		runAt = now.Add(o.delay)
	}

	attempts := q.opts.Attempts
	if o.attempts > 0 {
		attempts = o.attempts
	}
	backoff := q.opts.Backoff
	if o.backoff > 0 {
		backoff = o.backoff
	}

	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	job := &models.Job{
		ID:               id,
		Queue:            q.name,
		Name:             jobName,
		Payload:          data,
		Status:           models.JobWaiting,
		RunAt:            runAt,
		MaxAttempts:      attempts,
		BackoffMillis:    backoff.Milliseconds(),
		MaxBackoffMillis: q.opts.MaxBackoff.Milliseconds(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.backend.Insert(ctx, job); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			r.logger.Debug().Str("queue", q.name).Str("job_id", id).Msg("job already enqueued")
			return id, nil
		}
		return "", fmt.Errorf("enqueue %s/%s: %w", q.name, jobName, err)
	}

	if !runAt.After(now) {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return id, nil
}

// Repeat registers or replaces a recurring trigger.
func (r *Registry) Repeat(ctx context.Context, t Trigger) error {
	if t.Name == "" {
		return errors.New("jobs: trigger name is required")
	}
	if _, err := r.lookup(t.Queue); err != nil {
		return err
	}
	sched, err := ParseCron(t.Cron)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", t.Name, err)
	}
	loc, err := loadLocation(t.Timezone)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", t.Name, err)
	}
	data, err := marshalPayload(t.Payload)
	if err != nil {
		return err
	}

	now := r.now()
	rt := &models.RecurringTrigger{
		Name:      t.Name,
		Queue:     t.Queue,
		JobName:   t.JobName,
		Cron:      t.Cron,
		Timezone:  t.Timezone,
		Payload:   data,
		NextRunAt: sched.Next(now, loc).UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.backend.SaveTrigger(ctx, rt); err != nil {
		return fmt.Errorf("save trigger %s: %w", t.Name, err)
	}
	r.logger.Info().
		Str("trigger", t.Name).
		Str("cron", t.Cron).
		Time("next_run_at", rt.NextRunAt).
		Msg("recurring trigger registered")
	return nil
}

// FireTriggers enqueues one job for every due trigger and advances it to its
// next occurrence. It returns the number of jobs enqueued.
func (r *Registry) FireTriggers(ctx context.Context) (int, error) {
	r.mu.RLock()
	locker := r.locker
	r.mu.RUnlock()

	if locker != nil {
		lock, err := locker.Obtain(ctx, "tge:jobs:triggers", r.cfg.LockTTL)
		if errors.Is(err, ErrNotLeader) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("obtain trigger lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn().Err(err).Msg("release trigger lock")
			}
		}()
	}

	now := r.now()
	due, err := r.backend.DueTriggers(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due triggers: %w", err)
	}

	fired := 0
	for i := range due {
		t := &due[i]
		sched, err := ParseCron(t.Cron)
		if err != nil {
			r.logger.Error().Err(err).Str("trigger", t.Name).Msg("invalid stored cron expression")
			continue
		}
		loc, err := loadLocation(t.Timezone)
		if err != nil {
			r.logger.Error().Err(err).Str("trigger", t.Name).Msg("invalid stored timezone")
			continue
		}

		won, err := r.backend.AdvanceTrigger(ctx, t.Name, t.NextRunAt, sched.Next(now, loc).UTC())
		if err != nil {
			return fired, fmt.Errorf("advance trigger %s: %w", t.Name, err)
		}
		if !won {
			continue
		}

		id := fmt.Sprintf("%s:%d", t.Name, t.NextRunAt.Unix())
		if _, err := r.Enqueue(ctx, t.Queue, t.JobName, t.Payload, JobID(id)); err != nil {
			return fired, err
		}
		fired++
	}
	return fired, nil
}

// Counts returns the state counts for one queue.
func (r *Registry) Counts(ctx context.Context, queueName string) (Counts, error) {
	q, err := r.lookup(queueName)
	if err != nil {
		return Counts{}, err
	}
	return r.backend.Counts(ctx, q.name, r.now())
}

// AllCounts returns state counts for every declared queue.
func (r *Registry) AllCounts(ctx context.Context) (map[string]Counts, error) {
	out := make(map[string]Counts)
	for _, name := range r.Queues() {
		c, err := r.backend.Counts(ctx, name, r.now())
		if err != nil {
			return nil, fmt.Errorf("counts for %s: %w", name, err)
		}
		out[name] = c
	}
	return out, nil
}

// Sweep purges expired finished jobs and reaps expired leases.
func (r *Registry) Sweep(ctx context.Context) error {
	now := r.now()

	reaped, err := r.backend.Reap(ctx, now)
	if err != nil {
		return fmt.Errorf("reap leases: %w", err)
	}
	if reaped > 0 {
		r.logger.Warn().Int64("jobs", reaped).Msg("recovered jobs with expired leases")
	}

	r.mu.RLock()
	qs := make([]*queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.mu.RUnlock()

	var errs []error
	for _, q := range qs {
		if _, err := r.backend.Purge(ctx, q.name, models.JobCompleted, now.Add(-q.opts.KeepCompleted)); err != nil {
			errs = append(errs, fmt.Errorf("purge completed %s: %w", q.name, err))
		}
		if _, err := r.backend.Purge(ctx, q.name, models.JobFailed, now.Add(-q.opts.KeepFailed)); err != nil {
			errs = append(errs, fmt.Errorf("purge failed %s: %w", q.name, err))
		}
	}
	return errors.Join(errs...)
}

// Drain claims and runs due jobs of queueName one at a time until none are
// due. It returns the number of jobs processed. Workers use the concurrent
// path; Drain exists for tools and tests that need deterministic progress.
func (r *Registry) Drain(ctx context.Context, queueName string) (int, error) {
	q, err := r.lookup(queueName)
	if err != nil {
		return 0, err
	}
	if q.handler == nil {
		return 0, fmt.Errorf("jobs: no handler for queue %s", q.name)
	}

	processed := 0
	for {
		claimed, err := r.backend.Claim(ctx, q.name, r.now(), 1, r.lease(q))
		if err != nil {
			return processed, err
		}
		if len(claimed) == 0 {
			return processed, nil
		}
		r.process(ctx, q, claimed[0])
		processed++
	}
}

func (r *Registry) lease(q *queue) time.Duration {
	return q.opts.Timeout + r.cfg.LeaseGrace
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
