// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package memstore is an in-memory implementation of the engine's store
// interfaces. It mirrors the semantics of the gorm store (unique
// signatures, guarded status transitions, atomic claims) and is used by
// component tests and by the development profile without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/telegram-engine/internal/models"
)

// Store keeps every entity in maps guarded by one mutex.
type Store struct {
	mu          sync.Mutex
	events      map[string]*models.IncomingEvent
	signatures  map[string]string
	subscribers map[string]*models.Subscriber
	automations map[string]*models.Automation
	enrollments map[string]*models.AutomationEnrollment
	campaigns   map[string]*models.Campaign
	deliveries  []*models.MessageDelivery
	stats       map[string]*models.DailyStats

	failures map[string]error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		events:      make(map[string]*models.IncomingEvent),
		signatures:  make(map[string]string),
		subscribers: make(map[string]*models.Subscriber),
		automations: make(map[string]*models.Automation),
		enrollments: make(map[string]*models.AutomationEnrollment),
		campaigns:   make(map[string]*models.Campaign),
		stats:       make(map[string]*models.DailyStats),
		failures:    make(map[string]error),
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *Store) injected(method string) error {
	return s.failures[method]
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
}

// ============================================================================
// Events
// ============================================================================

// CreateEvent inserts an event unless its signature is already taken.
func (s *Store) CreateEvent(_ context.Context, e *models.IncomingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateEvent"); err != nil {
		return err
	}
	if _, ok := s.signatures[e.EventSignature]; ok {
		return fmt.Errorf("create event: %w", models.ErrDuplicate)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	s.events[e.ID] = &cp
	s.signatures[e.EventSignature] = e.ID
	return nil
}

// GetEvent loads an event by ID.
func (s *Store) GetEvent(_ context.Context, id string) (*models.IncomingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, notFound("event", id)
	}
	cp := *e
	return &cp, nil
}

// GetEventBySignature loads the event holding a dedup signature.
func (s *Store) GetEventBySignature(_ context.Context, signature string) (*models.IncomingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.signatures[signature]
	if !ok {
		return nil, notFound("event signature", signature)
	}
	cp := *s.events[id]
	return &cp, nil
}

// MarkEventProcessed sets ProcessedAt unless it is already set.
func (s *Store) MarkEventProcessed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("MarkEventProcessed"); err != nil {
		return err
	}
	e, ok := s.events[id]
	if !ok {
		return notFound("event", id)
	}
	if e.ProcessedAt == nil {
		t := at
		e.ProcessedAt = &t
	}
	return nil
}

// Events returns copies of every stored event, oldest first.
func (s *Store) Events() []models.IncomingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.IncomingEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ============================================================================
// Subscribers
// ============================================================================

// CreateSubscriber inserts a subscriber.
func (s *Store) CreateSubscriber(_ context.Context, sub *models.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertSubscriber(sub)
}

func (s *Store) insertSubscriber(sub *models.Subscriber) error {
	for _, existing := range s.subscribers {
		if existing.TelegramChatID == sub.TelegramChatID {
			return fmt.Errorf("create subscriber: %w", models.ErrDuplicate)
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = models.SubscriberActive
	}
	now := time.Now().UTC()
	if sub.SubscribedAt.IsZero() {
		sub.SubscribedAt = now
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	cp := *sub
	s.subscribers[sub.ID] = &cp
	return nil
}

// GetSubscriber loads a subscriber by ID.
func (s *Store) GetSubscriber(_ context.Context, id string) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, notFound("subscriber", id)
	}
	cp := *sub
	return &cp, nil
}

// GetSubscriberByChatID loads a subscriber by Telegram chat ID.
func (s *Store) GetSubscriberByChatID(_ context.Context, chatID int64) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		if sub.TelegramChatID == chatID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, notFound("subscriber with chat id", strconv.FormatInt(chatID, 10))
}

// FindSubscriberByExternalID loads the subscriber linked to an external
// user ID.
func (s *Store) FindSubscriberByExternalID(_ context.Context, externalUserID string) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Subscriber
	for _, sub := range s.subscribers {
		if sub.ExternalUserID != externalUserID {
			continue
		}
		if found == nil || sub.CreatedAt.Before(found.CreatedAt) {
			found = sub
		}
	}
	if found == nil {
		return nil, notFound("subscriber with external id", externalUserID)
	}
	cp := *found
	return &cp, nil
}

// UpsertSubscriber creates or updates the subscriber keyed by
// TelegramChatID. It reports whether a row was created.
func (s *Store) UpsertSubscriber(_ context.Context, sub *models.Subscriber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpsertSubscriber"); err != nil {
		return false, err
	}
	for _, existing := range s.subscribers {
		if existing.TelegramChatID != sub.TelegramChatID {
			continue
		}
		existing.ExternalUserID = sub.ExternalUserID
		existing.DisplayName = sub.DisplayName
		existing.Role = sub.Role
		existing.Language = sub.Language
		existing.Country = sub.Country
		existing.UpdatedAt = time.Now().UTC()
		sub.ID = existing.ID
		sub.Status = existing.Status
		sub.SubscribedAt = existing.SubscribedAt
		return false, nil
	}
	if err := s.insertSubscriber(sub); err != nil {
		return false, err
	}
	return true, nil
}

// MarkSubscriberUnreachable flags an active subscriber as unreachable.
func (s *Store) MarkSubscriberUnreachable(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return nil
	}
	if sub.Status == models.SubscriberActive {
		sub.Status = models.SubscriberUnreachable
		sub.UpdatedAt = now
	}
	return nil
}

// UnsubscribeSubscriber sets the unsubscribed status and timestamp once.
func (s *Store) UnsubscribeSubscriber(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UnsubscribeSubscriber"); err != nil {
		return err
	}
	sub, ok := s.subscribers[id]
	if !ok || sub.Status == models.SubscriberUnsubscribed {
		return nil
	}
	t := at
	sub.Status = models.SubscriberUnsubscribed
	sub.UnsubscribedAt = &t
	sub.UpdatedAt = at
	return nil
}

// TouchSubscriber records a successful delivery time.
func (s *Store) TouchSubscriber(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		t := at
		sub.LastMessageAt = &t
	}
	return nil
}

// ============================================================================
// Automations and enrollments
// ============================================================================

// CreateAutomation inserts an automation with its steps.
func (s *Store) CreateAutomation(_ context.Context, a *models.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	seen := make(map[int]bool, len(a.Steps))
	for i := range a.Steps {
		if seen[a.Steps[i].StepOrder] {
			return fmt.Errorf("create automation: step order %d: %w", a.Steps[i].StepOrder, models.ErrDuplicate)
		}
		seen[a.Steps[i].StepOrder] = true
		if a.Steps[i].ID == "" {
			a.Steps[i].ID = uuid.NewString()
		}
		a.Steps[i].AutomationID = a.ID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.automations[a.ID] = copyAutomation(a)
	return nil
}

func copyAutomation(a *models.Automation) *models.Automation {
	cp := *a
	cp.Steps = append([]models.AutomationStep(nil), a.Steps...)
	cp.SortSteps()
	return &cp
}

// GetAutomation loads an automation with its steps in order.
func (s *Store) GetAutomation(_ context.Context, id string) (*models.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[id]
	if !ok {
		return nil, notFound("automation", id)
	}
	return copyAutomation(a), nil
}

// ActiveAutomationsForTrigger lists active automations triggered by
// eventType, oldest first.
func (s *Store) ActiveAutomationsForTrigger(_ context.Context, eventType string) ([]models.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Automation
	for _, a := range s.automations {
		if a.IsActive && a.TriggerEvent == eventType {
			out = append(out, *copyAutomation(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateEnrollment inserts e unless an active enrollment of the same
// subscriber in the same automation blocks it.
func (s *Store) CreateEnrollment(_ context.Context, e *models.AutomationEnrollment, allowReenrollment bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[e.SubscriberID]; !ok {
		return false, notFound("subscriber", e.SubscriberID)
	}
	if !allowReenrollment {
		for _, other := range s.enrollments {
			if other.AutomationID == e.AutomationID &&
				other.SubscriberID == e.SubscriberID &&
				other.Status == models.EnrollmentActive {
				return false, nil
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.EnrollmentActive
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	s.enrollments[e.ID] = copyEnrollment(e)
	return true, nil
}

func copyEnrollment(e *models.AutomationEnrollment) *models.AutomationEnrollment {
	cp := *e
	if e.NextExecuteAt != nil {
		t := *e.NextExecuteAt
		cp.NextExecuteAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// GetEnrollment loads an enrollment by ID.
func (s *Store) GetEnrollment(_ context.Context, id string) (*models.AutomationEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, notFound("enrollment", id)
	}
	return copyEnrollment(e), nil
}

// Enrollments returns copies of every enrollment, oldest first.
func (s *Store) Enrollments() []models.AutomationEnrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AutomationEnrollment, 0, len(s.enrollments))
	for _, e := range s.enrollments {
		out = append(out, *copyEnrollment(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SaveEnrollmentProgress moves an active enrollment to stepOrder.
func (s *Store) SaveEnrollmentProgress(_ context.Context, id string, stepOrder int, next *time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.Status != models.EnrollmentActive {
		return notFound("active enrollment", id)
	}
	e.CurrentStepOrder = stepOrder
	e.NextExecuteAt = nil
	if next != nil {
		t := *next
		e.NextExecuteAt = &t
	}
	e.UpdatedAt = now
	return nil
}

// CompleteEnrollment marks an active enrollment completed.
func (s *Store) CompleteEnrollment(_ context.Context, id string, now time.Time) error {
	return s.finishEnrollment(id, models.EnrollmentCompleted, now)
}

// CancelEnrollment marks an active enrollment cancelled.
func (s *Store) CancelEnrollment(_ context.Context, id string, now time.Time) error {
	return s.finishEnrollment(id, models.EnrollmentCancelled, now)
}

func (s *Store) finishEnrollment(id string, status models.EnrollmentStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.Status != models.EnrollmentActive {
		return notFound("active enrollment", id)
	}
	e.Status = status
	e.NextExecuteAt = nil
	e.UpdatedAt = now
	if status == models.EnrollmentCompleted {
		t := now
		e.CompletedAt = &t
	}
	return nil
}

// ClaimDueEnrollments returns up to limit due active enrollments, oldest
// first, clearing their NextExecuteAt under the same lock.
func (s *Store) ClaimDueEnrollments(_ context.Context, now time.Time, limit int) ([]models.AutomationEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ClaimDueEnrollments"); err != nil {
		return nil, err
	}
	var due []*models.AutomationEnrollment
	for _, e := range s.enrollments {
		if e.Status == models.EnrollmentActive && e.NextExecuteAt != nil && !e.NextExecuteAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextExecuteAt.Before(*due[j].NextExecuteAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]models.AutomationEnrollment, 0, len(due))
	for _, e := range due {
		e.NextExecuteAt = nil
		e.UpdatedAt = now
		out = append(out, models.AutomationEnrollment{ID: e.ID, CurrentStepOrder: e.CurrentStepOrder})
	}
	return out, nil
}

// ============================================================================
// Deliveries
// ============================================================================

// CreateDelivery records one send attempt.
func (s *Store) CreateDelivery(_ context.Context, d *models.MessageDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateDelivery"); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

// Deliveries returns copies of every delivery record in insertion order.
func (s *Store) Deliveries() []models.MessageDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MessageDelivery, len(s.deliveries))
	for i, d := range s.deliveries {
		out[i] = *d
	}
	return out
}

// DeliveredSubscriberIDs returns the subscribers that already have a
// delivery record for a campaign.
func (s *Store) DeliveredSubscriberIDs(_ context.Context, campaignID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, d := range s.deliveries {
		if d.CampaignID == campaignID {
			out[d.SubscriberID] = struct{}{}
		}
	}
	return out, nil
}

// CampaignDeliveryCounts tallies a campaign's delivery records by outcome.
func (s *Store) CampaignDeliveryCounts(_ context.Context, campaignID string) (sent, failed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.CampaignID != campaignID {
			continue
		}
		switch d.Status {
		case models.DeliverySent:
			sent++
		case models.DeliveryFailed:
			failed++
		}
	}
	return sent, failed, nil
}

// ============================================================================
// Campaigns
// ============================================================================

// CreateCampaign inserts a campaign.
func (s *Store) CreateCampaign(_ context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

// GetCampaign loads a campaign by ID.
func (s *Store) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, notFound("campaign", id)
	}
	cp := *c
	return &cp, nil
}

// DueScheduledCampaigns lists scheduled campaigns whose time has come.
func (s *Store) DueScheduledCampaigns(_ context.Context, now time.Time) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DueScheduledCampaigns"); err != nil {
		return nil, err
	}
	var out []models.Campaign
	for _, c := range s.campaigns {
		if c.Status == models.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return out, nil
}

// MarkCampaignSending moves a campaign from scheduled to sending.
func (s *Store) MarkCampaignSending(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != models.CampaignScheduled {
		return false, nil
	}
	c.Status = models.CampaignSending
	t := now
	c.StartedAt = &t
	c.UpdatedAt = now
	return true, nil
}

// CampaignRecipients lists active subscribers matching the campaign's
// targets, oldest subscription first.
func (s *Store) CampaignRecipients(_ context.Context, c *models.Campaign) ([]models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscriber
	for _, sub := range s.subscribers {
		if sub.Status == models.SubscriberActive && c.Targets(sub) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubscribedAt.Equal(out[j].SubscribedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubscribedAt.Before(out[j].SubscribedAt)
	})
	return out, nil
}

// FinishCampaign writes the final tally.
func (s *Store) FinishCampaign(_ context.Context, id string, r models.CampaignResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return notFound("campaign", id)
	}
	c.Status = r.Status
	c.TotalRecipients = r.TotalRecipients
	c.SentCount = r.SentCount
	c.FailedCount = r.FailedCount
	t := r.CompletedAt
	c.CompletedAt = &t
	c.UpdatedAt = r.CompletedAt
	return nil
}

// ============================================================================
// Daily statistics
// ============================================================================

func within(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

// ComputeDailyStats counts the activity in [from, to).
func (s *Store) ComputeDailyStats(_ context.Context, date string, from, to time.Time) (*models.DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ComputeDailyStats"); err != nil {
		return nil, err
	}
	stats := &models.DailyStats{Date: date}
	for _, d := range s.deliveries {
		switch {
		case d.Status == models.DeliverySent && d.SentAt != nil && within(*d.SentAt, from, to):
			stats.Sent++
		case d.Status == models.DeliveryFailed && within(d.CreatedAt, from, to):
			stats.Failed++
		}
	}
	for _, sub := range s.subscribers {
		if within(sub.SubscribedAt, from, to) {
			stats.NewSubscribers++
		}
		if sub.Status == models.SubscriberUnsubscribed && sub.UnsubscribedAt != nil && within(*sub.UnsubscribedAt, from, to) {
			stats.Unsubscribed++
		}
	}
	return stats, nil
}

// UpsertDailyStats writes the row for stats.Date, replacing any previous
// values.
func (s *Store) UpsertDailyStats(_ context.Context, stats *models.DailyStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *stats
	cp.UpdatedAt = time.Now().UTC()
	s.stats[stats.Date] = &cp
	return nil
}

// GetDailyStats loads the row for date.
func (s *Store) GetDailyStats(_ context.Context, date string) (*models.DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[date]
	if !ok {
		return nil, notFound("daily stats", date)
	}
	cp := *st
	return &cp, nil
}
