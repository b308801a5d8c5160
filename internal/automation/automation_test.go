// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/memstore"
	"github.com/tomtom215/telegram-engine/internal/models"
	"github.com/tomtom215/telegram-engine/internal/sender"
	"github.com/tomtom215/telegram-engine/internal/telegram"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sent struct {
	chatID int64
	text   string
}

type mockSender struct {
	mu      sync.Mutex
	sent    []sent
	results []sender.Result
}

func (s *mockSender) Send(_ context.Context, chatID int64, text, _ string) sender.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{chatID: chatID, text: text})
	if len(s.results) == 0 {
		return sender.Result{OK: true, MessageID: int64(len(s.sent))}
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res
}

func (s *mockSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.text
	}
	return out
}

type fixture struct {
	store    *memstore.Store
	reg      *jobs.Registry
	backend  *jobs.MemoryBackend
	clock    *testClock
	sender   *mockSender
	enroller *Enroller
	executor *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)}
	backend := jobs.NewMemoryBackend()
	reg := jobs.NewRegistry(backend, jobs.Config{Clock: clock.Now}, zerolog.Nop())
	reg.Declare(QueueName, jobs.QueueOptions{Concurrency: 1})

	store := memstore.New()
	snd := &mockSender{}
	enr := NewEnroller(store, reg, zerolog.Nop())
	enr.now = clock.Now
	exe := NewExecutor(store, snd, reg, zerolog.Nop())
	exe.now = clock.Now
	if err := reg.Handle(QueueName, exe.HandleJob); err != nil {
		t.Fatal(err)
	}
	return &fixture{store: store, reg: reg, backend: backend, clock: clock, sender: snd, enroller: enr, executor: exe}
}

func (f *fixture) subscriber(t *testing.T, chatID int64, externalID, lang string) *models.Subscriber {
	t.Helper()
	sub := &models.Subscriber{TelegramChatID: chatID, ExternalUserID: externalID, Language: lang, Role: "client"}
	if err := f.store.CreateSubscriber(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func (f *fixture) automation(t *testing.T, trigger string, conditions models.JSONMap, steps ...models.AutomationStep) *models.Automation {
	t.Helper()
	for i := range steps {
		steps[i].StepOrder = i
	}
	a := &models.Automation{Name: "test", TriggerEvent: trigger, Conditions: conditions, IsActive: true, Steps: steps}
	if err := f.store.CreateAutomation(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func (f *fixture) event(externalID string, payload models.JSONMap) *models.IncomingEvent {
	return &models.IncomingEvent{ID: "ev-" + externalID, EventType: models.EventWelcome, ExternalUserID: externalID, Payload: payload}
}

func (f *fixture) onlyEnrollment(t *testing.T) models.AutomationEnrollment {
	t.Helper()
	all := f.store.Enrollments()
	if len(all) != 1 {
		t.Fatalf("enrollments = %d, want 1", len(all))
	}
	return all[0]
}

func sendStep(texts models.Variants) models.AutomationStep {
	return models.AutomationStep{Type: models.StepSendMessage, Messages: texts}
}

func waitStep(minutes int) models.AutomationStep {
	return models.AutomationStep{Type: models.StepWait, DelayMinutes: minutes}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name       string
		conditions map[string]any
		payload    map[string]any
		want       bool
	}{
		{"no conditions", nil, map[string]any{"a": 1}, true},
		{"equal strings", map[string]any{"role": "chatter"}, map[string]any{"role": "chatter"}, true},
		{"number vs string", map[string]any{"amount": "5"}, map[string]any{"amount": float64(5)}, true},
		{"int vs float", map[string]any{"amount": 5}, map[string]any{"amount": 5.0}, true},
		{"json number fraction", map[string]any{"amount": 5}, map[string]any{"amount": json.Number("5.0")}, true},
		{"json number vs string", map[string]any{"amount": "12.5"}, map[string]any{"amount": json.Number("12.50")}, true},
		{"json number differs", map[string]any{"amount": 5}, map[string]any{"amount": json.Number("5.5")}, false},
		{"bool", map[string]any{"vip": true}, map[string]any{"vip": "true"}, true},
		{"missing key", map[string]any{"role": "chatter"}, map[string]any{}, false},
		{"different value", map[string]any{"role": "chatter"}, map[string]any{"role": "lawyer"}, false},
		{"any of list", map[string]any{"role": []any{"lawyer", "expat"}}, map[string]any{"role": "expat"}, true},
		{"none of list", map[string]any{"role": []any{"lawyer", "expat"}}, map[string]any{"role": "client"}, false},
		{"all must hold", map[string]any{"role": "client", "country": "FRA"}, map[string]any{"role": "client", "country": "DEU"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.conditions, tt.payload); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnroller_SingleActiveEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriber(t, 100, "u1", "en")
	f.automation(t, models.EventWelcome, nil, sendStep(models.Variants{"en": "hi"}))

	for i := 0; i < 3; i++ {
		if err := f.enroller.HandleEvent(ctx, f.event("u1", nil)); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
	}

	e := f.onlyEnrollment(t)
	if e.CurrentStepOrder != 0 || e.NextExecuteAt == nil || !e.NextExecuteAt.Equal(f.clock.Now()) {
		t.Errorf("enrollment = %+v", e)
	}
	queued := f.backend.Jobs(QueueName)
	if len(queued) != 1 || queued[0].ID != StepJobID(e.ID, 0) {
		t.Fatalf("jobs = %+v, want one step-0 job", queued)
	}
}

func TestEnroller_AllowReenrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriber(t, 100, "u1", "en")
	a := &models.Automation{
		Name:              "repeatable",
		TriggerEvent:      models.EventWelcome,
		IsActive:          true,
		AllowReenrollment: true,
		Steps:             []models.AutomationStep{sendStep(models.Variants{"en": "hi"})},
	}
	if err := f.store.CreateAutomation(ctx, a); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := f.enroller.HandleEvent(ctx, f.event("u1", nil)); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
	}
	if got := len(f.store.Enrollments()); got != 2 {
		t.Errorf("enrollments = %d, want 2", got)
	}
}

func TestEnroller_Skips(t *testing.T) {
	tests := []struct {
		name    string
		event   *models.IncomingEvent
		prepare func(t *testing.T, f *fixture)
	}{
		{
			name:  "no user",
			event: &models.IncomingEvent{ID: "e", EventType: models.EventWelcome},
		},
		{
			name:  "unknown user",
			event: &models.IncomingEvent{ID: "e", EventType: models.EventWelcome, ExternalUserID: "ghost"},
		},
		{
			name:  "conditions do not match",
			event: &models.IncomingEvent{ID: "e", EventType: models.EventWelcome, ExternalUserID: "u1", Payload: models.JSONMap{"role": "client"}},
		},
		{
			name:  "other trigger",
			event: &models.IncomingEvent{ID: "e", EventType: models.EventPaymentReceived, ExternalUserID: "u1", Payload: models.JSONMap{"role": "lawyer"}},
		},
		{
			name:  "unsubscribed user",
			event: &models.IncomingEvent{ID: "e", EventType: models.EventWelcome, ExternalUserID: "u2", Payload: models.JSONMap{"role": "lawyer"}},
			prepare: func(t *testing.T, f *fixture) {
				sub := &models.Subscriber{TelegramChatID: 200, ExternalUserID: "u2", Status: models.SubscriberUnsubscribed}
				if err := f.store.CreateSubscriber(context.Background(), sub); err != nil {
					t.Fatal(err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.subscriber(t, 100, "u1", "en")
			f.automation(t, models.EventWelcome, models.JSONMap{"role": "lawyer"}, sendStep(models.Variants{"en": "hi"}))
			if tt.prepare != nil {
				tt.prepare(t, f)
			}

			if err := f.enroller.HandleEvent(context.Background(), tt.event); err != nil {
				t.Fatalf("HandleEvent() error = %v", err)
			}
			if got := len(f.store.Enrollments()); got != 0 {
				t.Errorf("enrollments = %d, want 0", got)
			}
		})
	}
}

func TestEnroller_EnqueueFailureStillEnrolls(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	if err := store.CreateSubscriber(ctx, &models.Subscriber{TelegramChatID: 1, ExternalUserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	a := &models.Automation{TriggerEvent: models.EventWelcome, IsActive: true, Steps: []models.AutomationStep{sendStep(models.Variants{"en": "hi"})}}
	if err := store.CreateAutomation(ctx, a); err != nil {
		t.Fatal(err)
	}

	// No queues declared: every Enqueue fails with ErrUnknownQueue.
	reg := jobs.NewRegistry(jobs.NewMemoryBackend(), jobs.Config{}, zerolog.Nop())
	enr := NewEnroller(store, reg, zerolog.Nop())
	if err := enr.HandleEvent(ctx, &models.IncomingEvent{ID: "e", EventType: models.EventWelcome, ExternalUserID: "u1"}); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	all := store.Enrollments()
	if len(all) != 1 || all[0].NextExecuteAt == nil {
		t.Fatalf("enrollments = %+v, want one due enrollment for the picker", all)
	}
}

func TestStepOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriber(t, 100, "u1", "en")
	f.automation(t, models.EventWelcome, nil,
		sendStep(models.Variants{"en": "one"}),
		sendStep(models.Variants{"en": "two"}),
		sendStep(models.Variants{"en": "three"}),
	)

	if err := f.enroller.HandleEvent(ctx, f.event("u1", nil)); err != nil {
		t.Fatal(err)
	}
	n, err := f.reg.Drain(ctx, QueueName)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 3 {
		t.Errorf("jobs processed = %d, want 3", n)
	}

	got := f.sender.texts()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if e := f.onlyEnrollment(t); e.Status != models.EnrollmentCompleted || e.CompletedAt == nil {
		t.Errorf("enrollment = %+v, want completed", e)
	}

	deliveries := f.store.Deliveries()
	if len(deliveries) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(deliveries))
	}
	for i, d := range deliveries {
		if d.Status != models.DeliverySent || d.StepOrder == nil || *d.StepOrder != i {
			t.Errorf("delivery %d = %+v", i, d)
		}
	}
}

func TestDripScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriber(t, 100, "u1", "fr")
	f.automation(t, models.EventWelcome, models.JSONMap{"role": "chatter"},
		sendStep(models.Variants{"en": "Welcome", "fr": "Bienvenue"}),
		waitStep(60),
		sendStep(models.Variants{"en": "Follow up"}),
	)

	if err := f.enroller.HandleEvent(ctx, f.event("u1", models.JSONMap{"role": "chatter"})); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.Drain(ctx, QueueName); err != nil {
		t.Fatal(err)
	}

	start := f.clock.Now()
	e := f.onlyEnrollment(t)
	if e.CurrentStepOrder != 2 || e.NextExecuteAt == nil || !e.NextExecuteAt.Equal(start.Add(time.Hour)) {
		t.Fatalf("after first send enrollment = %+v, want step 2 due in 1h", e)
	}

	// Not due yet.
	f.clock.Advance(59 * time.Minute)
	if claimed, _ := f.store.ClaimDueEnrollments(ctx, f.clock.Now(), 500); len(claimed) != 0 {
		t.Fatalf("claimed %d enrollments before the wait elapsed", len(claimed))
	}

	f.clock.Advance(time.Minute)
	claimed, err := f.store.ClaimDueEnrollments(ctx, f.clock.Now(), 500)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDueEnrollments() = %v, %v", claimed, err)
	}
	if err := EnqueueStep(ctx, f.reg, claimed[0].ID, claimed[0].CurrentStepOrder); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.Drain(ctx, QueueName); err != nil {
		t.Fatal(err)
	}

	got := f.sender.texts()
	if len(got) != 2 || got[0] != "Bienvenue" || got[1] != "Follow up" {
		t.Errorf("sent = %v, want [Bienvenue Follow up]", got)
	}
	if e := f.onlyEnrollment(t); e.Status != models.EnrollmentCompleted {
		t.Errorf("status = %s, want completed", e.Status)
	}
}

func TestExecuteStep_LeadingWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriber(t, 100, "u1", "en")
	f.automation(t, models.EventWelcome, nil, waitStep(30), sendStep(models.Variants{"en": "later"}))
	if err := f.enroller.HandleEvent(ctx, f.event("u1", nil)); err != nil {
		t.Fatal(err)
	}
	e := f.onlyEnrollment(t)

	d, err := f.executor.ExecuteStep(ctx, e.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != Reschedule || !d.At.Equal(f.clock.Now().Add(30*time.Minute)) {
		t.Errorf("Disposition = %+v, want reschedule in 30m", d)
	}
	if e := f.onlyEnrollment(t); e.CurrentStepOrder != 1 {
		t.Errorf("step = %d, want 1", e.CurrentStepOrder)
	}
	if len(f.sender.texts()) != 0 {
		t.Error("wait step must not send")
	}
}

func TestExecuteStep_Stale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriber(t, 100, "u1", "en")
	f.automation(t, models.EventWelcome, nil, sendStep(models.Variants{"en": "a"}), sendStep(models.Variants{"en": "b"}))
	if err := f.enroller.HandleEvent(ctx, f.event("u1", nil)); err != nil {
		t.Fatal(err)
	}
	e := f.onlyEnrollment(t)

	if _, err := f.executor.ExecuteStep(ctx, e.ID, 0); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		id   string
		step int
	}{
		{"replayed step", e.ID, 0},
		{"future step", e.ID, 5},
		{"unknown enrollment", "missing", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.executor.ExecuteStep(ctx, tt.id, tt.step)
			if err != nil || d.Kind != Terminate {
				t.Errorf("ExecuteStep() = %+v, %v, want terminate", d, err)
			}
		})
	}
	if got := f.sender.texts(); len(got) != 1 {
		t.Errorf("sent = %v, want only the first message", got)
	}

	if err := f.store.CancelEnrollment(ctx, e.ID, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if d, err := f.executor.ExecuteStep(ctx, e.ID, 1); err != nil || d.Kind != Terminate {
		t.Errorf("cancelled ExecuteStep() = %+v, %v", d, err)
	}
	if got := f.sender.texts(); len(got) != 1 {
		t.Errorf("cancelled enrollment sent: %v", got)
	}
}

func TestExecuteStep_UnsubscribedCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	left := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	sub := &models.Subscriber{TelegramChatID: 100, Status: models.SubscriberUnsubscribed, UnsubscribedAt: &left}
	if err := f.store.CreateSubscriber(ctx, sub); err != nil {
		t.Fatal(err)
	}
	a := f.automation(t, models.EventWelcome, nil, sendStep(models.Variants{"en": "hi"}))
	e := &models.AutomationEnrollment{AutomationID: a.ID, SubscriberID: sub.ID}
	if _, err := f.store.CreateEnrollment(ctx, e, false); err != nil {
		t.Fatal(err)
	}

	d, err := f.executor.ExecuteStep(ctx, e.ID, 0)
	if err != nil || d.Kind != Terminate {
		t.Fatalf("ExecuteStep() = %+v, %v", d, err)
	}
	if got := f.onlyEnrollment(t); got.Status != models.EnrollmentCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if len(f.sender.texts()) != 0 || len(f.store.Deliveries()) != 0 {
		t.Error("unsubscribed subscriber must not be sent to")
	}
}

func TestExecuteStep_SendFailures(t *testing.T) {
	blocked := &telegram.APIError{Method: "sendMessage", Code: 403, Description: "Forbidden: bot was blocked by the user"}
	badParse := &telegram.APIError{Method: "sendMessage", Code: 400, Description: "Bad Request: can't parse entities"}

	tests := []struct {
		name            string
		result          sender.Result
		wantErr         bool
		wantStep        int
		wantStatus      models.EnrollmentStatus
		wantUnreachable bool
	}{
		{
			name:            "unreachable advances",
			result:          sender.Result{Err: blocked, Unreachable: true},
			wantStep:        1,
			wantStatus:      models.EnrollmentActive,
			wantUnreachable: true,
		},
		{
			name:       "permanent failure advances",
			result:     sender.Result{Err: badParse},
			wantStep:   1,
			wantStatus: models.EnrollmentActive,
		},
		{
			name:       "retriable failure stays",
			result:     sender.Result{Err: telegram.ErrCircuitOpen, Retriable: true},
			wantErr:    true,
			wantStep:   0,
			wantStatus: models.EnrollmentActive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			sub := f.subscriber(t, 100, "u1", "en")
			f.automation(t, models.EventWelcome, nil, sendStep(models.Variants{"en": "a"}), sendStep(models.Variants{"en": "b"}))
			if err := f.enroller.HandleEvent(ctx, f.event("u1", nil)); err != nil {
				t.Fatal(err)
			}
			e := f.onlyEnrollment(t)
			f.sender.results = []sender.Result{tt.result}

			d, err := f.executor.ExecuteStep(ctx, e.ID, 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExecuteStep() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, tt.result.Err) {
				t.Errorf("error = %v, want wrapping %v", err, tt.result.Err)
			}
			if !tt.wantErr && (d.Kind != RequeueNow || d.Step != 1) {
				t.Errorf("Disposition = %+v, want requeue of step 1", d)
			}

			got := f.onlyEnrollment(t)
			if got.CurrentStepOrder != tt.wantStep || got.Status != tt.wantStatus {
				t.Errorf("enrollment step = %d status = %s", got.CurrentStepOrder, got.Status)
			}

			deliveries := f.store.Deliveries()
			if len(deliveries) != 1 || deliveries[0].Status != models.DeliveryFailed {
				t.Fatalf("deliveries = %+v, want one failed", deliveries)
			}
			if deliveries[0].Retriable != tt.result.Retriable {
				t.Errorf("delivery retriable = %v", deliveries[0].Retriable)
			}

			s, _ := f.store.GetSubscriber(ctx, sub.ID)
			if (s.Status == models.SubscriberUnreachable) != tt.wantUnreachable {
				t.Errorf("subscriber status = %s", s.Status)
			}
		})
	}
}

func TestHandleJob_RetriesExhaustedAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscriber(t, 100, "u1", "en")
	f.automation(t, models.EventWelcome, nil,
		sendStep(models.Variants{"en": "first"}),
		sendStep(models.Variants{"en": "second"}),
	)
	retriable := sender.Result{Err: telegram.ErrCircuitOpen, Retriable: true}
	f.sender.results = []sender.Result{retriable, retriable, retriable}

	if err := f.enroller.HandleEvent(ctx, f.event("u1", nil)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if _, err := f.reg.Drain(ctx, QueueName); err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		f.clock.Advance(time.Hour)
	}

	got := f.sender.texts()
	want := []string{"first", "first", "first", "second"}
	if len(got) != len(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if e := f.onlyEnrollment(t); e.Status != models.EnrollmentCompleted {
		t.Errorf("enrollment status = %s step = %d, want completed", e.Status, e.CurrentStepOrder)
	}
	for _, j := range f.backend.Jobs(QueueName) {
		if j.Status == models.JobFailed {
			t.Errorf("job %s failed, want every step job completed", j.ID)
		}
	}

	var failed, sentCount int
	for _, d := range f.store.Deliveries() {
		if d.Status == models.DeliverySent {
			sentCount++
		} else {
			failed++
		}
	}
	if failed != 3 || sentCount != 1 {
		t.Errorf("deliveries failed = %d sent = %d, want 3 and 1", failed, sentCount)
	}

	// The finished enrollment no longer blocks a new one.
	second := f.event("u1", nil)
	second.ID = "ev-u1-again"
	if err := f.enroller.HandleEvent(ctx, second); err != nil {
		t.Fatal(err)
	}
	if n := len(f.store.Enrollments()); n != 2 {
		t.Errorf("enrollments = %d, want 2", n)
	}
}

func TestExecuteStep_UnreachableSubscriberSkipsSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscriber(t, 100, "u1", "en")
	f.automation(t, models.EventWelcome, nil, sendStep(models.Variants{"en": "a"}))
	if err := f.enroller.HandleEvent(ctx, f.event("u1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkSubscriberUnreachable(ctx, sub.ID, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	e := f.onlyEnrollment(t)

	d, err := f.executor.ExecuteStep(ctx, e.ID, 0)
	if err != nil || d.Kind != Terminate {
		t.Fatalf("ExecuteStep() = %+v, %v", d, err)
	}
	if len(f.sender.texts()) != 0 {
		t.Error("unreachable subscriber must not be sent to")
	}
	if got := f.onlyEnrollment(t); got.Status != models.EnrollmentCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestExecuteStep_DeletedAutomationCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscriber(t, 100, "u1", "en")
	e := &models.AutomationEnrollment{AutomationID: "gone", SubscriberID: sub.ID}
	if _, err := f.store.CreateEnrollment(ctx, e, false); err != nil {
		t.Fatal(err)
	}

	d, err := f.executor.ExecuteStep(ctx, e.ID, 0)
	if err != nil || d.Kind != Terminate {
		t.Fatalf("ExecuteStep() = %+v, %v", d, err)
	}
	if got := f.onlyEnrollment(t); got.Status != models.EnrollmentCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestHandleJob_MalformedPayload(t *testing.T) {
	f := newFixture(t)
	err := f.executor.HandleJob(context.Background(), &jobs.Job{Name: JobExecuteStep, Payload: []byte("{")})
	if !jobs.IsPermanent(err) {
		t.Errorf("HandleJob() error = %v, want permanent", err)
	}
	err = f.executor.HandleJob(context.Background(), &jobs.Job{Name: JobExecuteStep, Payload: []byte(`{"stepOrder":1}`)})
	if !jobs.IsPermanent(err) {
		t.Errorf("HandleJob() error = %v, want permanent", err)
	}
}
