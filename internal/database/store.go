// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tomtom215/telegram-engine/internal/models"
)

// Store implements the persistence interfaces of the events, automation,
// campaign, cron and directory packages on top of gorm.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open, migrated connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func isExpected(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrDuplicatedKey)
}

// translate maps gorm sentinels onto the shared model errors.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, models.ErrDuplicate)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// ============================================================================
// Events
// ============================================================================

// CreateEvent inserts an event. A signature collision returns
// models.ErrDuplicate.
func (s *Store) CreateEvent(ctx context.Context, e *models.IncomingEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return translate(s.db.WithContext(ctx).Create(e).Error, "create event")
}

// GetEvent loads an event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.IncomingEvent, error) {
	var e models.IncomingEvent
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, translate(err, "get event "+id)
	}
	return &e, nil
}

// GetEventBySignature loads the event holding a dedup signature.
func (s *Store) GetEventBySignature(ctx context.Context, signature string) (*models.IncomingEvent, error) {
	var e models.IncomingEvent
	if err := s.db.WithContext(ctx).Where("event_signature = ?", signature).First(&e).Error; err != nil {
		return nil, translate(err, "get event by signature")
	}
	return &e, nil
}

// MarkEventProcessed records when automation matching finished for an
// event. The first timestamp wins.
func (s *Store) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.IncomingEvent{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("processed_at", at).Error
	return translate(err, "mark event processed")
}

// ============================================================================
// Subscribers
// ============================================================================

// CreateSubscriber inserts a subscriber.
func (s *Store) CreateSubscriber(ctx context.Context, sub *models.Subscriber) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = models.SubscriberActive
	}
	if sub.SubscribedAt.IsZero() {
		sub.SubscribedAt = time.Now().UTC()
	}
	return translate(s.db.WithContext(ctx).Create(sub).Error, "create subscriber")
}

// GetSubscriber loads a subscriber by ID.
func (s *Store) GetSubscriber(ctx context.Context, id string) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, translate(err, "get subscriber "+id)
	}
	return &sub, nil
}

// GetSubscriberByChatID loads a subscriber by Telegram chat ID.
func (s *Store) GetSubscriberByChatID(ctx context.Context, chatID int64) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := s.db.WithContext(ctx).Where("telegram_chat_id = ?", chatID).First(&sub).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("get subscriber by chat %d", chatID))
	}
	return &sub, nil
}

// FindSubscriberByExternalID loads the subscriber linked to an external
// user ID.
func (s *Store) FindSubscriberByExternalID(ctx context.Context, externalUserID string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.WithContext(ctx).
		Where("external_user_id = ?", externalUserID).
		Order("created_at ASC").
		First(&sub).Error
	if err != nil {
		return nil, translate(err, "find subscriber by external id")
	}
	return &sub, nil
}

// UpsertSubscriber creates or updates the subscriber keyed by
// TelegramChatID. Status is left untouched on update. It reports whether a
// row was created.
func (s *Store) UpsertSubscriber(ctx context.Context, sub *models.Subscriber) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Subscriber
		err := tx.Where("telegram_chat_id = ?", sub.TelegramChatID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if sub.ID == "" {
				sub.ID = uuid.NewString()
			}
			if sub.Status == "" {
				sub.Status = models.SubscriberActive
			}
			if sub.SubscribedAt.IsZero() {
				sub.SubscribedAt = time.Now().UTC()
			}
			created = true
			return tx.Create(sub).Error
		}
		if err != nil {
			return err
		}

		sub.ID = existing.ID
		sub.Status = existing.Status
		sub.SubscribedAt = existing.SubscribedAt
		return tx.Model(&existing).Updates(map[string]any{
			"external_user_id": sub.ExternalUserID,
			"display_name":     sub.DisplayName,
			"role":             sub.Role,
			"language":         sub.Language,
			"country":          sub.Country,
		}).Error
	})
	if err != nil {
		return false, translate(err, fmt.Sprintf("upsert subscriber chat %d", sub.TelegramChatID))
	}
	return created, nil
}

// MarkSubscriberUnreachable flags a subscriber after a permanent delivery
// failure. Unsubscribed subscribers keep their status.
func (s *Store) MarkSubscriberUnreachable(ctx context.Context, id string, _ time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ? AND status = ?", id, models.SubscriberActive).
		Update("status", models.SubscriberUnreachable).Error
	return translate(err, "mark subscriber unreachable")
}

// UnsubscribeSubscriber sets the unsubscribed status and timestamp. A
// subscriber already unsubscribed keeps its original timestamp.
func (s *Store) UnsubscribeSubscriber(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ? AND status <> ?", id, models.SubscriberUnsubscribed).
		Updates(map[string]any{
			"status":          models.SubscriberUnsubscribed,
			"unsubscribed_at": at,
			"updated_at":      at,
		}).Error
	return translate(err, "unsubscribe subscriber")
}

// TouchSubscriber records a successful delivery time.
func (s *Store) TouchSubscriber(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ?", id).
		Update("last_message_at", at).Error
	return translate(err, "touch subscriber")
}

// ============================================================================
// Automations and enrollments
// ============================================================================

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_order ASC")
}

// CreateAutomation inserts an automation together with its steps.
func (s *Store) CreateAutomation(ctx context.Context, a *models.Automation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	for i := range a.Steps {
		if a.Steps[i].ID == "" {
			a.Steps[i].ID = uuid.NewString()
		}
		a.Steps[i].AutomationID = a.ID
	}
	return translate(s.db.WithContext(ctx).Create(a).Error, "create automation")
}

// GetAutomation loads an automation with its steps in order.
func (s *Store) GetAutomation(ctx context.Context, id string) (*models.Automation, error) {
	var a models.Automation
	err := s.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("id = ?", id).
		First(&a).Error
	if err != nil {
		return nil, translate(err, "get automation "+id)
	}
	return &a, nil
}

// ActiveAutomationsForTrigger lists active automations triggered by
// eventType.
func (s *Store) ActiveAutomationsForTrigger(ctx context.Context, eventType string) ([]models.Automation, error) {
	var out []models.Automation
	err := s.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("trigger_event = ? AND is_active = ?", eventType, true).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, translate(err, "list automations for "+eventType)
	}
	return out, nil
}

// CreateEnrollment inserts e unless the subscriber already has an active
// enrollment in the same automation and re-enrollment is not allowed. The
// subscriber row is locked for the duration so concurrent events for the
// same subscriber serialize. It reports whether e was inserted.
func (s *Store) CreateEnrollment(ctx context.Context, e *models.AutomationEnrollment, allowReenrollment bool) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.EnrollmentActive
	}

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscriber
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", e.SubscriberID).
			First(&sub).Error; err != nil {
			return err
		}

		if !allowReenrollment {
			var n int64
			if err := tx.Model(&models.AutomationEnrollment{}).
				Where("automation_id = ? AND subscriber_id = ? AND status = ?",
					e.AutomationID, e.SubscriberID, models.EnrollmentActive).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
		}

		if err := tx.Create(e).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, translate(err, "create enrollment")
	}
	return created, nil
}

// GetEnrollment loads an enrollment by ID.
func (s *Store) GetEnrollment(ctx context.Context, id string) (*models.AutomationEnrollment, error) {
	var e models.AutomationEnrollment
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, translate(err, "get enrollment "+id)
	}
	return &e, nil
}

// SaveEnrollmentProgress moves an active enrollment to stepOrder and sets
// its next execution time. It returns models.ErrNotFound if the enrollment
// is no longer active.
func (s *Store) SaveEnrollmentProgress(ctx context.Context, id string, stepOrder int, next *time.Time, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.AutomationEnrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentActive).
		Updates(map[string]any{
			"current_step_order": stepOrder,
			"next_execute_at":    next,
			"updated_at":         now,
		})
	if res.Error != nil {
		return translate(res.Error, "save enrollment progress")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("active enrollment %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// CompleteEnrollment marks an active enrollment completed.
func (s *Store) CompleteEnrollment(ctx context.Context, id string, now time.Time) error {
	return s.finishEnrollment(ctx, id, models.EnrollmentCompleted, now)
}

// CancelEnrollment marks an active enrollment cancelled.
func (s *Store) CancelEnrollment(ctx context.Context, id string, now time.Time) error {
	return s.finishEnrollment(ctx, id, models.EnrollmentCancelled, now)
}

func (s *Store) finishEnrollment(ctx context.Context, id string, status models.EnrollmentStatus, now time.Time) error {
	updates := map[string]any{
		"status":          status,
		"next_execute_at": nil,
		"updated_at":      now,
	}
	if status == models.EnrollmentCompleted {
		updates["completed_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&models.AutomationEnrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentActive).
		Updates(updates)
	if res.Error != nil {
		return translate(res.Error, "finish enrollment")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("active enrollment %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ClaimDueEnrollments selects up to limit active enrollments due at now,
// oldest first, and clears their NextExecuteAt in the same transaction.
// Rows locked by a concurrent claimer are skipped, so two claimers never
// return the same enrollment. Only ID and CurrentStepOrder are populated.
func (s *Store) ClaimDueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.AutomationEnrollment, error) {
	var claimed []models.AutomationEnrollment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Select("id", "current_step_order").
			Where("status = ? AND next_execute_at IS NOT NULL AND next_execute_at <= ?", models.EnrollmentActive, now).
			Order("next_execute_at ASC").
			Limit(limit).
			Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]string, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		return tx.Model(&models.AutomationEnrollment{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"next_execute_at": nil, "updated_at": now}).Error
	})
	if err != nil {
		return nil, translate(err, "claim due enrollments")
	}
	return claimed, nil
}

// ============================================================================
// Deliveries
// ============================================================================

// CreateDelivery records one send attempt.
func (s *Store) CreateDelivery(ctx context.Context, d *models.MessageDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return translate(s.db.WithContext(ctx).Create(d).Error, "create delivery")
}

// DeliveredSubscriberIDs returns the subscribers that already have a
// delivery record for a campaign.
func (s *Store) DeliveredSubscriberIDs(ctx context.Context, campaignID string) (map[string]struct{}, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.MessageDelivery{}).
		Where("campaign_id = ?", campaignID).
		Distinct().
		Pluck("subscriber_id", &ids).Error; err != nil {
		return nil, translate(err, "list delivered subscribers")
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// CampaignDeliveryCounts tallies a campaign's delivery records by outcome.
func (s *Store) CampaignDeliveryCounts(ctx context.Context, campaignID string) (sent, failed int, err error) {
	var rows []struct {
		Status models.DeliveryStatus
		N      int
	}
	if err := s.db.WithContext(ctx).Model(&models.MessageDelivery{}).
		Select("status, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return 0, 0, translate(err, "count campaign deliveries")
	}
	for _, r := range rows {
		switch r.Status {
		case models.DeliverySent:
			sent = r.N
		case models.DeliveryFailed:
			failed = r.N
		}
	}
	return sent, failed, nil
}

// ============================================================================
// Campaigns
// ============================================================================

// CreateCampaign inserts a campaign.
func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	return translate(s.db.WithContext(ctx).Create(c).Error, "create campaign")
}

// GetCampaign loads a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, translate(err, "get campaign "+id)
	}
	return &c, nil
}

// DueScheduledCampaigns lists scheduled campaigns whose time has come.
func (s *Store) DueScheduledCampaigns(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	var out []models.Campaign
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", models.CampaignScheduled, now).
		Order("scheduled_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, translate(err, "list due campaigns")
	}
	return out, nil
}

// MarkCampaignSending moves a campaign from scheduled to sending. It
// returns false when another launcher got there first.
func (s *Store) MarkCampaignSending(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, models.CampaignScheduled).
		Updates(map[string]any{
			"status":     models.CampaignSending,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, translate(res.Error, "mark campaign sending")
	}
	return res.RowsAffected == 1, nil
}

// CampaignRecipients lists active subscribers matching the campaign's
// targets. Matching is case-insensitive; an empty target list matches all.
func (s *Store) CampaignRecipients(ctx context.Context, c *models.Campaign) ([]models.Subscriber, error) {
	q := s.db.WithContext(ctx).Where("status = ?", models.SubscriberActive)
	q = whereIn(q, "role", c.TargetRoles)
	q = whereIn(q, "language", c.TargetLanguages)
	q = whereIn(q, "country", c.TargetCountries)

	var out []models.Subscriber
	if err := q.Order("subscribed_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, translate(err, "list campaign recipients")
	}
	return out, nil
}

func whereIn(q *gorm.DB, column string, values models.StringList) *gorm.DB {
	if len(values) == 0 {
		return q
	}
	lowered := make([]string, len(values))
	for i, v := range values {
		lowered[i] = strings.ToLower(v)
	}
	return q.Where("LOWER("+column+") IN ?", lowered)
}

// FinishCampaign writes the final tally.
func (s *Store) FinishCampaign(ctx context.Context, id string, r models.CampaignResult) error {
	res := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           r.Status,
			"total_recipients": r.TotalRecipients,
			"sent_count":       r.SentCount,
			"failed_count":     r.FailedCount,
			"completed_at":     r.CompletedAt,
			"updated_at":       r.CompletedAt,
		})
	if res.Error != nil {
		return translate(res.Error, "finish campaign")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("campaign %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ============================================================================
// Daily statistics
// ============================================================================

// ComputeDailyStats counts the activity in [from, to).
func (s *Store) ComputeDailyStats(ctx context.Context, date string, from, to time.Time) (*models.DailyStats, error) {
	stats := &models.DailyStats{Date: date}
	db := s.db.WithContext(ctx)

	counts := []struct {
		name  string
		model any
		dst   *int64
		where string
		args  []any
	}{
		{"sent", &models.MessageDelivery{}, &stats.Sent,
			"status = ? AND sent_at >= ? AND sent_at < ?", []any{models.DeliverySent, from, to}},
		{"failed", &models.MessageDelivery{}, &stats.Failed,
			"status = ? AND created_at >= ? AND created_at < ?", []any{models.DeliveryFailed, from, to}},
		{"new subscribers", &models.Subscriber{}, &stats.NewSubscribers,
			"subscribed_at >= ? AND subscribed_at < ?", []any{from, to}},
		{"unsubscribed", &models.Subscriber{}, &stats.Unsubscribed,
			"status = ? AND unsubscribed_at >= ? AND unsubscribed_at < ?", []any{models.SubscriberUnsubscribed, from, to}},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Where(c.where, c.args...).Count(c.dst).Error; err != nil {
			return nil, translate(err, "count "+c.name)
		}
	}
	return stats, nil
}

// UpsertDailyStats writes the row for stats.Date, replacing any previous
// values.
func (s *Store) UpsertDailyStats(ctx context.Context, stats *models.DailyStats) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"sent", "failed", "new_subscribers", "unsubscribed", "updated_at"}),
		}).
		Create(stats).Error
	return translate(err, "upsert daily stats "+stats.Date)
}

// GetDailyStats loads the row for date.
func (s *Store) GetDailyStats(ctx context.Context, date string) (*models.DailyStats, error) {
	var stats models.DailyStats
	if err := s.db.WithContext(ctx).Where("date = ?", date).First(&stats).Error; err != nil {
		return nil, translate(err, "get daily stats "+date)
	}
	return &stats, nil
}
