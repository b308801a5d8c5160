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

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tomtom215/telegram-engine/internal/models"
)

// GormBackend stores jobs in the application database. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED so several processes can consume the
// same queue; on SQLite the locking clause is dropped and the single
// writer serializes claims instead.
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend creates a backend over db. The jobs and recurring_triggers
// tables must already be migrated.
func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

// Insert implements Backend.
func (b *GormBackend) Insert(ctx context.Context, job *models.Job) error {
	err := b.db.WithContext(ctx).Create(job).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ErrDuplicate
	}
	return err
}

// Claim implements Backend.
func (b *GormBackend) Claim(ctx context.Context, queue string, now time.Time, limit int, lease time.Duration) ([]models.Job, error) {
	var claimed []models.Job
	until := now.Add(lease)

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ? AND status = ? AND run_at <= ?", queue, models.JobWaiting, now).
			Order("run_at ASC").
			Limit(limit).
			Find(&claimed).Error; err != nil {
			return fmt.Errorf("select due jobs: %w", err)
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]string, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		if err := tx.Model(&models.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":       models.JobActive,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_until": until,
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("lease jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range claimed {
		claimed[i].Status = models.JobActive
		claimed[i].Attempts++
		claimed[i].LockedUntil = &until
	}
	return claimed, nil
}

// Complete implements Backend.
func (b *GormBackend) Complete(ctx context.Context, id string, now time.Time) error {
	return b.finish(ctx, id, map[string]any{
		"status":       models.JobCompleted,
		"finished_at":  now,
		"locked_until": nil,
		"last_error":   "",
		"updated_at":   now,
	})
}

// Retry implements Backend.
func (b *GormBackend) Retry(ctx context.Context, id string, runAt time.Time, lastErr string, now time.Time) error {
	return b.finish(ctx, id, map[string]any{
		"status":       models.JobWaiting,
		"run_at":       runAt,
		"locked_until": nil,
		"last_error":   lastErr,
		"updated_at":   now,
	})
}

// Fail implements Backend.
func (b *GormBackend) Fail(ctx context.Context, id string, lastErr string, now time.Time) error {
	return b.finish(ctx, id, map[string]any{
		"status":       models.JobFailed,
		"finished_at":  now,
		"locked_until": nil,
		"last_error":   lastErr,
		"updated_at":   now,
	})
}

func (b *GormBackend) finish(ctx context.Context, id string, updates map[string]any) error {
	res := b.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// Counts implements Backend.
func (b *GormBackend) Counts(ctx context.Context, queue string, now time.Time) (Counts, error) {
	var c Counts
	db := b.db.WithContext(ctx).Model(&models.Job{})

	queries := []struct {
		dst   *int64
		where string
		args  []any
	}{
		{&c.Waiting, "queue = ? AND status = ? AND run_at <= ?", []any{queue, models.JobWaiting, now}},
		{&c.Delayed, "queue = ? AND status = ? AND run_at > ?", []any{queue, models.JobWaiting, now}},
		{&c.Active, "queue = ? AND status = ?", []any{queue, models.JobActive}},
		{&c.Failed, "queue = ? AND status = ?", []any{queue, models.JobFailed}},
		{&c.Completed, "queue = ? AND status = ?", []any{queue, models.JobCompleted}},
	}
	for _, q := range queries {
		if err := db.Session(&gorm.Session{}).Where(q.where, q.args...).Count(q.dst).Error; err != nil {
			return Counts{}, err
		}
	}
	return c, nil
}

// Purge implements Backend.
func (b *GormBackend) Purge(ctx context.Context, queue string, status models.JobStatus, cutoff time.Time) (int64, error) {
	res := b.db.WithContext(ctx).
		Where("queue = ? AND status = ? AND finished_at < ?", queue, status, cutoff).
		Delete(&models.Job{})
	return res.RowsAffected, res.Error
}

// Reap implements Backend.
func (b *GormBackend) Reap(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exhausted := tx.Model(&models.Job{}).
			Where("status = ? AND locked_until < ? AND attempts >= max_attempts", models.JobActive, now).
			Updates(map[string]any{
				"status":       models.JobFailed,
				"finished_at":  now,
				"locked_until": nil,
				"last_error":   "lease expired",
				"updated_at":   now,
			})
		if exhausted.Error != nil {
			return exhausted.Error
		}
		requeued := tx.Model(&models.Job{}).
			Where("status = ? AND locked_until < ?", models.JobActive, now).
			Updates(map[string]any{
				"status":       models.JobWaiting,
				"run_at":       now,
				"locked_until": nil,
				"updated_at":   now,
			})
		if requeued.Error != nil {
			return requeued.Error
		}
		total = exhausted.RowsAffected + requeued.RowsAffected
		return nil
	})
	return total, err
}

// SaveTrigger implements Backend.
func (b *GormBackend) SaveTrigger(ctx context.Context, t *models.RecurringTrigger) error {
	return b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"queue", "job_name", "cron", "timezone", "payload", "next_run_at", "updated_at",
			}),
		}).
		Create(t).Error
}

// DueTriggers implements Backend.
func (b *GormBackend) DueTriggers(ctx context.Context, now time.Time) ([]models.RecurringTrigger, error) {
	var out []models.RecurringTrigger
	err := b.db.WithContext(ctx).
		Where("next_run_at <= ?", now).
		Order("next_run_at ASC").
		Find(&out).Error
	return out, err
}

// AdvanceTrigger implements Backend.
func (b *GormBackend) AdvanceTrigger(ctx context.Context, name string, from, to time.Time) (bool, error) {
	res := b.db.WithContext(ctx).Model(&models.RecurringTrigger{}).
		Where("name = ? AND next_run_at = ?", name, from).
		Updates(map[string]any{"next_run_at": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
