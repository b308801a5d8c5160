// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package jobs

import (
	"context"
	"time"

	"github.com/tomtom215/telegram-engine/internal/models"
)

// Backend persists jobs and recurring triggers. All times are UTC.
type Backend interface {
	// Insert stores a new job. A duplicate ID returns models.ErrDuplicate.
	Insert(ctx context.Context, job *models.Job) error

	// Claim atomically moves up to limit due waiting jobs of queue to
	// active, increments their attempt counters and leases them until
	// now+lease. Concurrent callers never receive the same job.
	Claim(ctx context.Context, queue string, now time.Time, limit int, lease time.Duration) ([]models.Job, error)

	// Complete marks an active job completed.
	Complete(ctx context.Context, id string, now time.Time) error

	// Retry returns an active job to waiting, due at runAt.
	Retry(ctx context.Context, id string, runAt time.Time, lastErr string, now time.Time) error

	// Fail marks an active job failed. Failed jobs are kept until purged.
	Fail(ctx context.Context, id string, lastErr string, now time.Time) error

	// Counts reports the queue's jobs by state.
	Counts(ctx context.Context, queue string, now time.Time) (Counts, error)

	// Purge deletes finished jobs in status that finished before cutoff.
	Purge(ctx context.Context, queue string, status models.JobStatus, cutoff time.Time) (int64, error)

	// Reap returns active jobs with an expired lease to waiting, or fails
	// them when no attempts remain.
	Reap(ctx context.Context, now time.Time) (int64, error)

	// SaveTrigger inserts or replaces the trigger with the same name.
	SaveTrigger(ctx context.Context, t *models.RecurringTrigger) error

	// DueTriggers lists triggers with NextRunAt <= now.
	DueTriggers(ctx context.Context, now time.Time) ([]models.RecurringTrigger, error)

	// AdvanceTrigger moves NextRunAt from "from" to "to" only if it still
	// equals "from". It reports whether this caller won the update.
	AdvanceTrigger(ctx context.Context, name string, from, to time.Time) (bool, error)
}

// Locker provides a cluster-wide mutex for trigger firing.
type Locker interface {
	// Obtain acquires key for ttl or returns ErrNotLeader.
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is a held Locker key.
type Lock interface {
	Release(ctx context.Context) error
}
