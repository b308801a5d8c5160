// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package events

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
)

type enqueued struct {
	queue   string
	jobName string
	payload any
}

type mockQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *mockQueue) Enqueue(_ context.Context, queue, jobName string, payload any, _ ...jobs.Option) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, enqueued{queue: queue, jobName: jobName, payload: payload})
	return "job", nil
}

func TestIngest_IdempotencyKey(t *testing.T) {
	store := memstore.New()
	queue := &mockQueue{}
	ing := NewIngestor(store, queue, zerolog.Nop())
	ctx := context.Background()

	var results []IngestResult
	for i := 0; i < 3; i++ {
		res, err := ing.Ingest(ctx, IngestRequest{
			EventType:      models.EventPaymentReceived,
			ExternalUserID: "u1",
			// Payload changes between retries; the key alone decides.
			Payload:        map[string]any{"amount": 10 + i},
			IdempotencyKey: "pay-123",
		})
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		results = append(results, res)
	}

	if results[0].Duplicate {
		t.Error("first ingest reported duplicate")
	}
	for _, r := range results[1:] {
		if !r.Duplicate || r.EventID != results[0].EventID {
			t.Errorf("replay = %+v, want duplicate of %s", r, results[0].EventID)
		}
	}
	if n := len(store.Events()); n != 1 {
		t.Errorf("stored events = %d, want 1", n)
	}
	// Replays of an unprocessed event are queued again under the same
	// job ID; the registry collapses them.
	if len(queue.jobs) != 3 {
		t.Fatalf("enqueued = %d, want 3", len(queue.jobs))
	}
	for _, job := range queue.jobs {
		if job.queue != QueueName || job.jobName != JobProcessEvent {
			t.Errorf("job = %s/%s", job.queue, job.jobName)
		}
		if p, ok := job.payload.(ProcessEventPayload); !ok || p.EventID != results[0].EventID {
			t.Errorf("payload = %#v, want only the event id", job.payload)
		}
	}
}

func TestIngest_DedupWithoutKey(t *testing.T) {
	store := memstore.New()
	ing := NewIngestor(store, &mockQueue{}, zerolog.Nop())
	ctx := context.Background()

	first, err := ing.Ingest(ctx, IngestRequest{
		EventType:      models.EventCallCompleted,
		ExternalUserID: "u1",
		Payload:        map[string]any{"callId": "c1", "meta": map[string]any{"b": 2, "a": 1}},
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	// Same content, keys in a different order.
	var reordered map[string]any
	if err := json.Unmarshal([]byte(`{"meta":{"a":1,"b":2},"callId":"c1"}`), &reordered); err != nil {
		t.Fatal(err)
	}
	second, err := ing.Ingest(ctx, IngestRequest{
		EventType:      models.EventCallCompleted,
		ExternalUserID: "u1",
		Payload:        reordered,
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !second.Duplicate || second.EventID != first.EventID {
		t.Errorf("second = %+v, want duplicate of %s", second, first.EventID)
	}

	other, err := ing.Ingest(ctx, IngestRequest{
		EventType:      models.EventCallCompleted,
		ExternalUserID: "u2",
		Payload:        map[string]any{"callId": "c1", "meta": map[string]any{"b": 2, "a": 1}},
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if other.Duplicate {
		t.Error("different user must not be a duplicate")
	}
	if n := len(store.Events()); n != 2 {
		t.Errorf("stored events = %d, want 2", n)
	}
}

func TestIngest_UnknownEventType(t *testing.T) {
	store := memstore.New()
	queue := &mockQueue{}
	ing := NewIngestor(store, queue, zerolog.Nop())

	_, err := ing.Ingest(context.Background(), IngestRequest{EventType: "not_a_real_type", Payload: map[string]any{}})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("error = %v, want ErrInvalidArgument", err)
	}
	if n := len(store.Events()); n != 0 {
		t.Errorf("stored events = %d, want 0", n)
	}
	if len(queue.jobs) != 0 {
		t.Errorf("enqueued = %d, want 0", len(queue.jobs))
	}
}

func TestIngest_NilPayload(t *testing.T) {
	store := memstore.New()
	ing := NewIngestor(store, &mockQueue{}, zerolog.Nop())

	res, err := ing.Ingest(context.Background(), IngestRequest{EventType: models.EventDailyReport})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	ev, err := store.GetEvent(context.Background(), res.EventID)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if ev.Payload == nil {
		t.Error("payload should be stored as an empty object")
	}
}

func TestIngest_EnqueueFailure(t *testing.T) {
	store := memstore.New()
	ing := NewIngestor(store, &mockQueue{err: errors.New("queue down")}, zerolog.Nop())

	res, err := ing.Ingest(context.Background(), IngestRequest{EventType: models.EventWelcome, ExternalUserID: "u1"})
	if err == nil {
		t.Fatal("expected error when the job cannot be enqueued")
	}
	if res.EventID == "" {
		t.Error("result should still name the stored event")
	}
}

func TestSignature(t *testing.T) {
	base := IngestRequest{EventType: models.EventWelcome, ExternalUserID: "u", Payload: map[string]any{"a": 1}}

	tests := []struct {
		name  string
		other IngestRequest
		same  bool
	}{
		{"identical", base, true},
		{"rebuilt request", IngestRequest{EventType: models.EventWelcome, ExternalUserID: "u", Payload: map[string]any{"a": 1}}, true},
		{"different type", IngestRequest{EventType: models.EventNewProvider, ExternalUserID: "u", Payload: map[string]any{"a": 1}}, false},
		{"different payload", IngestRequest{EventType: models.EventWelcome, ExternalUserID: "u", Payload: map[string]any{"a": 2}}, false},
		{"field boundary", IngestRequest{EventType: models.EventWelcome + "u", Payload: map[string]any{"a": 1}}, false},
		{"keyed", IngestRequest{EventType: models.EventWelcome, ExternalUserID: "u", Payload: map[string]any{"a": 1}, IdempotencyKey: "k"}, false},
	}

	want, err := Signature(base)
	if err != nil {
		t.Fatalf("Signature() error = %v", err)
	}
	if len(want) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(want))
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Signature(tt.other)
			if err != nil {
				t.Fatalf("Signature() error = %v", err)
			}
			if (got == want) != tt.same {
				t.Errorf("same = %v, want %v", got == want, tt.same)
			}
		})
	}

	a, _ := Signature(IngestRequest{EventType: models.EventWelcome})
	b, _ := Signature(IngestRequest{EventType: models.EventWelcome, Payload: map[string]any{}})
	if a != b {
		t.Error("nil and empty payloads should share a signature")
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (h *recordingHandler) HandleEvent(_ context.Context, e *models.IncomingEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e.ID)
	return h.err
}

func TestProcessor_HandleJob(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	ev := &models.IncomingEvent{EventType: models.EventWelcome, EventSignature: "s"}
	failing := &models.IncomingEvent{EventType: models.EventWelcome, EventSignature: "s2"}
	for _, e := range []*models.IncomingEvent{ev, failing} {
		if err := store.CreateEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	handler := &recordingHandler{}
	p := NewProcessor(store, handler, zerolog.Nop())

	payload, _ := json.Marshal(ProcessEventPayload{EventID: ev.ID})
	if err := p.HandleJob(ctx, &jobs.Job{Name: JobProcessEvent, Payload: payload}); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if len(handler.events) != 1 || handler.events[0] != ev.ID {
		t.Errorf("handled = %v", handler.events)
	}
	if got, _ := store.GetEvent(ctx, ev.ID); !got.Processed() {
		t.Error("event not marked processed")
	}

	// A processed event is not handed to the handler again.
	if err := p.HandleJob(ctx, &jobs.Job{Name: JobProcessEvent, Payload: payload}); err != nil {
		t.Fatalf("second HandleJob() error = %v", err)
	}
	if len(handler.events) != 1 {
		t.Errorf("handled = %v, want one call", handler.events)
	}

	handler.err = errors.New("db down")
	failPayload, _ := json.Marshal(ProcessEventPayload{EventID: failing.ID})
	if err := p.HandleJob(ctx, &jobs.Job{Name: JobProcessEvent, Payload: failPayload}); err == nil || jobs.IsPermanent(err) {
		t.Errorf("handler failure should be retriable, got %v", err)
	}
	if got, _ := store.GetEvent(ctx, failing.ID); got.Processed() {
		t.Error("failed event marked processed")
	}

	missing, _ := json.Marshal(ProcessEventPayload{EventID: "gone"})
	err := p.HandleJob(ctx, &jobs.Job{Name: JobProcessEvent, Payload: missing})
	if !jobs.IsPermanent(err) {
		t.Errorf("missing event error = %v, want permanent", err)
	}
}

// flakyQueue fails the first n enqueues and then delegates.
type flakyQueue struct {
	Queue
	n int
}

func (q *flakyQueue) Enqueue(ctx context.Context, queue, jobName string, payload any, opts ...jobs.Option) (string, error) {
	if q.n > 0 {
		q.n--
		return "", errors.New("queue down")
	}
	return q.Queue.Enqueue(ctx, queue, jobName, payload, opts...)
}

func TestIngest_RequeuesUnprocessedDuplicate(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	backend := jobs.NewMemoryBackend()
	reg := jobs.NewRegistry(backend, jobs.Config{}, zerolog.Nop())
	reg.Declare(QueueName, jobs.QueueOptions{Concurrency: 1})
	handler := &recordingHandler{}
	if err := reg.Handle(QueueName, NewProcessor(store, handler, zerolog.Nop()).HandleJob); err != nil {
		t.Fatal(err)
	}
	ing := NewIngestor(store, &flakyQueue{Queue: reg, n: 2}, zerolog.Nop())
	req := IngestRequest{EventType: models.EventWelcome, ExternalUserID: "u1", IdempotencyKey: "welcome-u1"}

	tests := []struct {
		name      string
		wantErr   bool
		wantDup   bool
		wantJobs  int
		drain     bool
		wantCalls int
	}{
		{"stored, queue down", true, false, 0, false, 0},
		{"replay, queue still down", true, true, 0, false, 0},
		{"replay requeues", false, true, 1, false, 0},
		{"replay while pending", false, true, 1, true, 1},
		{"replay after processing", false, true, 1, true, 1},
	}

	var eventID string
	for _, tt := range tests {
		res, err := ing.Ingest(ctx, req)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: Ingest() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if res.Duplicate != tt.wantDup {
			t.Errorf("%s: Duplicate = %v, want %v", tt.name, res.Duplicate, tt.wantDup)
		}
		if eventID == "" {
			eventID = res.EventID
		}
		if res.EventID != eventID {
			t.Errorf("%s: EventID = %q, want %q", tt.name, res.EventID, eventID)
		}
		if got := len(backend.Jobs(QueueName)); got != tt.wantJobs {
			t.Errorf("%s: jobs = %d, want %d", tt.name, got, tt.wantJobs)
		}
		if tt.drain {
			if _, err := reg.Drain(ctx, QueueName); err != nil {
				t.Fatalf("%s: Drain() error = %v", tt.name, err)
			}
		}
		if len(handler.events) != tt.wantCalls {
			t.Errorf("%s: handled = %v, want %d calls", tt.name, handler.events, tt.wantCalls)
		}
	}

	// Once processed, purging the finished job must not let a replay run
	// the event again.
	if _, err := backend.Purge(ctx, QueueName, models.JobCompleted, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	res, err := ing.Ingest(ctx, req)
	if err != nil || !res.Duplicate {
		t.Fatalf("Ingest() = %+v, %v", res, err)
	}
	if got := len(backend.Jobs(QueueName)); got != 0 {
		t.Errorf("jobs after purge and replay = %d, want 0", got)
	}
	if n := len(store.Events()); n != 1 {
		t.Errorf("stored events = %d, want 1", n)
	}
}
