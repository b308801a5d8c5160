// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ErrUnknownQueue is returned when a queue name was never declared.
	ErrUnknownQueue = errors.New("jobs: unknown queue")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("jobs: registry closed")

	// ErrNotLeader is returned by a Locker when another instance holds the lock.
	ErrNotLeader = errors.New("jobs: lock held by another instance")
)

// Job is the handler's view of a claimed job.
type Job struct {
	ID          string
	Queue       string
	Name        string
	Payload     []byte
	Attempt     int
	MaxAttempts int
}

// Decode unmarshals the payload into v. A malformed payload will never
// decode on retry either, so the error is permanent.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Name, err))
	}
	return nil
}

// LastAttempt reports whether a failure now exhausts the retry budget.
func (j *Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Handler processes one job. A nil return completes the job; an error
// schedules a retry until attempts run out.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// retryAfter is implemented by errors that carry a provider-supplied delay,
// such as a Telegram 429 with parameters.retry_after.
type retryAfter interface {
	RetryAfter() time.Duration
}

// Counts is a snapshot of one queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// QueueOptions configure a named queue and the default retry policy of the
// jobs placed on it.
type QueueOptions struct {
	// Concurrency is the number of jobs processed in parallel by one process.
	Concurrency int

	// Attempts is the total number of tries, including the first.
	Attempts int

	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// Timeout bounds a single handler invocation.
	Timeout time.Duration

	// KeepCompleted is how long completed jobs are retained.
	KeepCompleted time.Duration

	// KeepFailed is how long failed jobs are retained for inspection.
	KeepFailed time.Duration
}

// DefaultQueueOptions returns the defaults applied to zero fields.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		Concurrency:   1,
		Attempts:      3,
		Backoff:       5 * time.Second,
		MaxBackoff:    10 * time.Minute,
		Timeout:       5 * time.Minute,
		KeepCompleted: time.Hour,
		KeepFailed:    7 * 24 * time.Hour,
	}
}

func (o QueueOptions) withDefaults() QueueOptions {
	d := DefaultQueueOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = d.KeepCompleted
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = d.KeepFailed
	}
	return o
}

// Option customizes a single Enqueue call.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	id       string
	delay    time.Duration
	at       time.Time
	attempts int
	backoff  time.Duration
}

// Delay makes the job due d from now.
func Delay(d time.Duration) Option {
	return func(o *enqueueOptions) { o.delay = d }
}

// At makes the job due at t. It takes precedence over Delay.
func At(t time.Time) Option {
	return func(o *enqueueOptions) { o.at = t }
}

// Attempts overrides the queue's attempt count for this job.
func Attempts(n int) Option {
	return func(o *enqueueOptions) { o.attempts = n }
}

// Backoff overrides the queue's base retry delay for this job.
func Backoff(d time.Duration) Option {
	return func(o *enqueueOptions) { o.backoff = d }
}

// JobID sets a deterministic job ID. Enqueueing an ID that already exists
// is a no-op, which makes producers idempotent.
func JobID(id string) Option {
	return func(o *enqueueOptions) { o.id = id }
}

// backoffFor returns the delay before retry number attempt (1-based).
func backoffFor(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}
		return b, nil
	}
}
