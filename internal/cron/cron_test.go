// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package cron

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/automation"
	"github.com/tomtom215/telegram-engine/internal/campaign"
	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/memstore"
	"github.com/tomtom215/telegram-engine/internal/models"
)

var tick = time.Date(2026, 5, 2, 0, 5, 0, 0, time.UTC)

func fixedNow() time.Time { return tick }

func newRegistry(t *testing.T) (*jobs.Registry, *jobs.MemoryBackend) {
	t.Helper()
	backend := jobs.NewMemoryBackend()
	reg := jobs.NewRegistry(backend, jobs.Config{Clock: fixedNow}, zerolog.Nop())
	reg.Declare(automation.QueueName, jobs.QueueOptions{})
	reg.Declare(campaign.QueueName, jobs.QueueOptions{})
	reg.Declare(QueueName, jobs.QueueOptions{})
	return reg, backend
}

func TestRunAll_RunsEveryTask(t *testing.T) {
	errBoom := errors.New("boom")
	var ran []string
	task := func(name string, err error) Task {
		return Task{Name: name, Run: func(context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}

	err := RunAll(context.Background(), zerolog.Nop(),
		task("a", nil),
		task("b", errBoom),
		task("c", nil),
	)
	if !errors.Is(err, errBoom) {
		t.Fatalf("RunAll() error = %v, want boom", err)
	}
	if !strings.Contains(err.Error(), "b:") {
		t.Errorf("error %q does not name the failing task", err)
	}
	if strings.Join(ran, ",") != "a,b,c" {
		t.Errorf("ran = %v, want all three", ran)
	}

	if err := RunAll(context.Background(), zerolog.Nop(), task("d", nil)); err != nil {
		t.Errorf("RunAll() error = %v, want nil", err)
	}
}

func TestDispatcher(t *testing.T) {
	calls := 0
	d := NewDispatcher(zerolog.Nop()).On(JobMinuteTick, Task{Name: "count", Run: func(context.Context) error {
		calls++
		return nil
	}})

	if err := d.HandleJob(context.Background(), &jobs.Job{Name: JobMinuteTick}); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err := d.HandleJob(context.Background(), &jobs.Job{Name: "bogus"}); !jobs.IsPermanent(err) {
		t.Errorf("HandleJob(bogus) error = %v, want permanent", err)
	}
}

func TestSchedule_Triggers(t *testing.T) {
	triggers := DefaultSchedule().Triggers()
	if len(triggers) != 3 {
		t.Fatalf("triggers = %d, want 3", len(triggers))
	}
	reg, backend := newRegistry(t)
	for _, tr := range triggers {
		if err := reg.Repeat(context.Background(), tr); err != nil {
			t.Errorf("Repeat(%s) error = %v", tr.Name, err)
		}
	}
	if got := len(backend.Triggers()); got != 3 {
		t.Errorf("stored triggers = %d, want 3", got)
	}

	s := DefaultSchedule()
	s.SubscriberSync = ""
	if got := len(s.Triggers()); got != 2 {
		t.Errorf("triggers with sync disabled = %d, want 2", got)
	}
}

func enroll(t *testing.T, store *memstore.Store, subID string, step int, next *time.Time) *models.AutomationEnrollment {
	t.Helper()
	e := &models.AutomationEnrollment{AutomationID: "a-" + subID, SubscriberID: subID, CurrentStepOrder: step, NextExecuteAt: next}
	if _, err := store.CreateEnrollment(context.Background(), e, true); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestDuePicker(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	sub := &models.Subscriber{TelegramChatID: 1}
	if err := store.CreateSubscriber(ctx, sub); err != nil {
		t.Fatal(err)
	}
	past := tick.Add(-time.Minute)
	future := tick.Add(time.Hour)
	due1 := enroll(t, store, sub.ID, 2, &past)
	due2 := enroll(t, store, sub.ID, 0, &tick)
	enroll(t, store, sub.ID, 1, &future)
	enroll(t, store, sub.ID, 1, nil)

	reg, backend := newRegistry(t)
	// A step job that is already queued is not duplicated.
	if err := automation.EnqueueStep(ctx, reg, due2.ID, 0); err != nil {
		t.Fatal(err)
	}

	p := NewDuePicker(store, reg, 0, zerolog.Nop())
	p.now = fixedNow
	n, err := p.Run(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Run() = %d, %v, want 2", n, err)
	}

	ids := map[string]bool{}
	for _, j := range backend.Jobs(automation.QueueName) {
		ids[j.ID] = true
	}
	if len(ids) != 2 || !ids[automation.StepJobID(due1.ID, 2)] || !ids[automation.StepJobID(due2.ID, 0)] {
		t.Errorf("queued = %v", ids)
	}

	// Claimed enrollments are not claimed again.
	if n, err := p.Run(ctx); err != nil || n != 0 {
		t.Errorf("second Run() = %d, %v, want 0", n, err)
	}
}

func TestDuePicker_BatchLimit(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	sub := &models.Subscriber{TelegramChatID: 1}
	if err := store.CreateSubscriber(ctx, sub); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		at := tick.Add(-time.Duration(i) * time.Minute)
		enroll(t, store, sub.ID, 0, &at)
	}
	reg, _ := newRegistry(t)
	p := NewDuePicker(store, reg, 3, zerolog.Nop())
	p.now = fixedNow

	if n, _ := p.Run(ctx); n != 3 {
		t.Errorf("first Run() = %d, want 3", n)
	}
	if n, _ := p.Run(ctx); n != 2 {
		t.Errorf("second Run() = %d, want 2", n)
	}
}

func TestDuePicker_ClaimError(t *testing.T) {
	store := memstore.New()
	errDB := errors.New("db down")
	store.FailOn("ClaimDueEnrollments", errDB)
	reg, _ := newRegistry(t)
	p := NewDuePicker(store, reg, 0, zerolog.Nop())

	if _, err := p.Run(context.Background()); !errors.Is(err, errDB) {
		t.Errorf("Run() error = %v, want db down", err)
	}
}

func scheduleCampaign(t *testing.T, store *memstore.Store, at time.Time) *models.Campaign {
	t.Helper()
	c := &models.Campaign{Name: "promo", Status: models.CampaignScheduled, ScheduledAt: &at, Messages: models.Variants{"en": "hi"}}
	if err := store.CreateCampaign(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCampaignLauncher_SecondTick(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	due := scheduleCampaign(t, store, tick.Add(-time.Minute))
	later := scheduleCampaign(t, store, tick.Add(time.Hour))

	reg, backend := newRegistry(t)
	l := NewCampaignLauncher(store, reg, zerolog.Nop())
	l.now = fixedNow

	n, err := l.Run(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Run() = %d, %v, want 1", n, err)
	}
	queued := backend.Jobs(campaign.QueueName)
	if len(queued) != 1 || queued[0].ID != campaign.JobID(due.ID) {
		t.Fatalf("queued = %+v", queued)
	}

	if n, err := l.Run(ctx); err != nil || n != 0 {
		t.Errorf("second tick Run() = %d, %v, want 0", n, err)
	}
	if got := len(backend.Jobs(campaign.QueueName)); got != 1 {
		t.Errorf("jobs after second tick = %d, want 1", got)
	}

	c, _ := store.GetCampaign(ctx, due.ID)
	if c.Status != models.CampaignSending || c.StartedAt == nil {
		t.Errorf("due campaign = %+v", c)
	}
	c, _ = store.GetCampaign(ctx, later.ID)
	if c.Status != models.CampaignScheduled {
		t.Errorf("future campaign status = %s", c.Status)
	}
}

func TestCampaignLauncher_ConcurrentTicks(t *testing.T) {
	store := memstore.New()
	scheduleCampaign(t, store, tick.Add(-time.Minute))
	reg, backend := newRegistry(t)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewCampaignLauncher(store, reg, zerolog.Nop())
			l.now = fixedNow
			n, err := l.Run(context.Background())
			if err != nil {
				t.Error(err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Errorf("launched %d times, want 1", total)
	}
	if got := len(backend.Jobs(campaign.QueueName)); got != 1 {
		t.Errorf("jobs = %d, want 1", got)
	}
}

func TestDayWindow(t *testing.T) {
	plus2 := time.FixedZone("UTC+2", 2*60*60)
	tests := []struct {
		name     string
		t        time.Time
		loc      *time.Location
		wantDate string
		wantFrom time.Time
	}{
		{"utc", time.Date(2026, 5, 1, 15, 0, 0, 0, time.UTC), time.UTC, "2026-05-01", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"late utc is next local day", time.Date(2026, 4, 30, 23, 0, 0, 0, time.UTC), plus2, "2026-05-01", time.Date(2026, 4, 30, 22, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date, from, to := DayWindow(tt.t, tt.loc)
			if date != tt.wantDate || !from.Equal(tt.wantFrom) || !to.Equal(tt.wantFrom.Add(24*time.Hour)) {
				t.Errorf("DayWindow() = %s [%s, %s)", date, from, to)
			}
		})
	}
}

func TestStatsAggregator(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return day.Add(time.Duration(h) * time.Hour) }

	left := at(20)
	for _, sub := range []*models.Subscriber{
		{TelegramChatID: 1, SubscribedAt: at(3)},
		{TelegramChatID: 2, SubscribedAt: at(-5)},
		{TelegramChatID: 3, SubscribedAt: at(-48), Status: models.SubscriberUnsubscribed, UnsubscribedAt: &left},
	} {
		if err := store.CreateSubscriber(ctx, sub); err != nil {
			t.Fatal(err)
		}
	}
	sentIn, sentOut := at(10), at(25)
	for _, d := range []*models.MessageDelivery{
		{SubscriberID: "s", Status: models.DeliverySent, SentAt: &sentIn, CreatedAt: sentIn},
		{SubscriberID: "s", Status: models.DeliverySent, SentAt: &sentIn, CreatedAt: sentIn},
		{SubscriberID: "s", Status: models.DeliverySent, SentAt: &sentOut, CreatedAt: sentOut},
		{SubscriberID: "s", Status: models.DeliveryFailed, CreatedAt: at(1)},
	} {
		if err := store.CreateDelivery(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	a := NewStatsAggregator(store, time.UTC, zerolog.Nop())
	a.now = fixedNow
	// Running twice overwrites with the same values.
	for i := 0; i < 2; i++ {
		if err := a.Run(ctx); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}

	got, err := store.GetDailyStats(ctx, "2026-05-01")
	if err != nil {
		t.Fatalf("GetDailyStats() error = %v", err)
	}
	if got.Sent != 2 || got.Failed != 1 || got.NewSubscribers != 1 || got.Unsubscribed != 1 {
		t.Errorf("stats = %+v, want sent 2 failed 1 new 1 unsubscribed 1", got)
	}
}

func TestStatsAggregator_ErrorWritesNothing(t *testing.T) {
	store := memstore.New()
	errQuery := errors.New("query failed")
	store.FailOn("ComputeDailyStats", errQuery)

	a := NewStatsAggregator(store, nil, zerolog.Nop())
	a.now = fixedNow
	if err := a.Run(context.Background()); !errors.Is(err, errQuery) {
		t.Fatalf("Run() error = %v, want query failed", err)
	}
	if _, err := store.GetDailyStats(context.Background(), "2026-05-01"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetDailyStats() error = %v, want not found", err)
	}
}
