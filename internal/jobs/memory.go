// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/telegram-engine/internal/models"
)

// MemoryBackend keeps jobs in process memory. It is used by tests and by
// single-process development setups without a database.
type MemoryBackend struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	triggers map[string]*models.RecurringTrigger
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:     make(map[string]*models.Job),
		triggers: make(map[string]*models.RecurringTrigger),
	}
}

// Insert implements Backend.
func (b *MemoryBackend) Insert(_ context.Context, job *models.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[job.ID]; ok {
		return models.ErrDuplicate
	}
	cp := *job
	b.jobs[job.ID] = &cp
	return nil
}

// Claim implements Backend.
func (b *MemoryBackend) Claim(_ context.Context, queue string, now time.Time, limit int, lease time.Duration) ([]models.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*models.Job
	for _, j := range b.jobs {
		if j.Queue == queue && j.Status == models.JobWaiting && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].RunAt.Equal(due[k].RunAt) {
			return due[i].CreatedAt.Before(due[k].CreatedAt)
		}
		return due[i].RunAt.Before(due[k].RunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(lease)
	out := make([]models.Job, 0, len(due))
	for _, j := range due {
		j.Status = models.JobActive
		j.Attempts++
		j.LockedUntil = &until
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (b *MemoryBackend) active(id string) (*models.Job, error) {
	j, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return j, nil
}

// Complete implements Backend.
func (b *MemoryBackend) Complete(_ context.Context, id string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, err := b.active(id)
	if err != nil {
		return err
	}
	j.Status = models.JobCompleted
	j.FinishedAt = &now
	j.LockedUntil = nil
	j.LastError = ""
	j.UpdatedAt = now
	return nil
}

// Retry implements Backend.
func (b *MemoryBackend) Retry(_ context.Context, id string, runAt time.Time, lastErr string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, err := b.active(id)
	if err != nil {
		return err
	}
	j.Status = models.JobWaiting
	j.RunAt = runAt
	j.LastError = lastErr
	j.LockedUntil = nil
	j.UpdatedAt = now
	return nil
}

// Fail implements Backend.
func (b *MemoryBackend) Fail(_ context.Context, id string, lastErr string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, err := b.active(id)
	if err != nil {
		return err
	}
	j.Status = models.JobFailed
	j.FinishedAt = &now
	j.LastError = lastErr
	j.LockedUntil = nil
	j.UpdatedAt = now
	return nil
}

// Counts implements Backend.
func (b *MemoryBackend) Counts(_ context.Context, queue string, now time.Time) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var c Counts
	for _, j := range b.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.Status {
		case models.JobWaiting:
			if j.RunAt.After(now) {
				c.Delayed++
			} else {
				c.Waiting++
			}
		case models.JobActive:
			c.Active++
		case models.JobFailed:
			c.Failed++
		case models.JobCompleted:
			c.Completed++
		}
	}
	return c, nil
}

// Purge implements Backend.
func (b *MemoryBackend) Purge(_ context.Context, queue string, status models.JobStatus, cutoff time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for id, j := range b.jobs {
		if j.Queue == queue && j.Status == status && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(b.jobs, id)
			n++
		}
	}
	return n, nil
}

// Reap implements Backend.
func (b *MemoryBackend) Reap(_ context.Context, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, j := range b.jobs {
		if j.Status != models.JobActive || j.LockedUntil == nil || j.LockedUntil.After(now) {
			continue
		}
		j.LockedUntil = nil
		j.UpdatedAt = now
		if j.Attempts >= j.MaxAttempts {
			j.Status = models.JobFailed
			j.LastError = "lease expired"
			finished := now
			j.FinishedAt = &finished
		} else {
			j.Status = models.JobWaiting
			j.RunAt = now
		}
		n++
	}
	return n, nil
}

// SaveTrigger implements Backend.
func (b *MemoryBackend) SaveTrigger(_ context.Context, t *models.RecurringTrigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *t
	if prev, ok := b.triggers[t.Name]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	b.triggers[t.Name] = &cp
	return nil
}

// DueTriggers implements Backend.
func (b *MemoryBackend) DueTriggers(_ context.Context, now time.Time) ([]models.RecurringTrigger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.RecurringTrigger
	for _, t := range b.triggers {
		if !t.NextRunAt.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRunAt.Before(out[k].NextRunAt) })
	return out, nil
}

// AdvanceTrigger implements Backend.
func (b *MemoryBackend) AdvanceTrigger(_ context.Context, name string, from, to time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.triggers[name]
	if !ok || !t.NextRunAt.Equal(from) {
		return false, nil
	}
	t.NextRunAt = to
	return true, nil
}

// Jobs returns copies of the jobs on queue, oldest first.
func (b *MemoryBackend) Jobs(queue string) []models.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Job
	for _, j := range b.jobs {
		if j.Queue == queue {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Triggers returns copies of all registered triggers.
func (b *MemoryBackend) Triggers() []models.RecurringTrigger {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.RecurringTrigger, 0, len(b.triggers))
	for _, t := range b.triggers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
