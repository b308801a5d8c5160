// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/eventbus"
	"github.com/tomtom215/telegram-engine/internal/events"
	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/memstore"
	"github.com/tomtom215/telegram-engine/internal/models"
)

type mockQueue struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (q *mockQueue) Enqueue(_ context.Context, queue, jobName string, _ any, _ ...jobs.Option) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, queue+"/"+jobName)
	return "job", nil
}

type stubIngester struct {
	res events.IngestResult
	err error
}

func (s stubIngester) Ingest(context.Context, events.IngestRequest) (events.IngestResult, error) {
	return s.res, s.err
}

func newTestServer(t *testing.T, ing Ingester, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(ing, nil, cfg, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/v1/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestIngestEvent_AcceptThenDuplicate(t *testing.T) {
	store := memstore.New()
	queue := &mockQueue{}
	srv := newTestServer(t, events.NewIngestor(store, queue, zerolog.Nop()), Config{})

	body := `{"eventType":"welcome","externalUserId":"u1","payload":{"plan":"pro"},"idempotencyKey":"k-1"}`

	resp, out := post(t, srv, body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d, body %v", resp.StatusCode, out)
	}
	id, _ := out["eventId"].(string)
	if id == "" {
		t.Fatalf("response %v has no eventId", out)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	resp, out = post(t, srv, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second status = %d", resp.StatusCode)
	}
	if dup, _ := out["duplicate"].(bool); !dup {
		t.Errorf("second response = %v, want duplicate", out)
	}

	if got := len(store.Events()); got != 1 {
		t.Errorf("stored events = %d, want 1", got)
	}
	// The duplicate of a still unprocessed event is queued again; the
	// registry collapses both onto one job ID.
	want := events.QueueName + "/" + events.JobProcessEvent
	if len(queue.jobs) != 2 || queue.jobs[0] != want || queue.jobs[1] != want {
		t.Errorf("enqueued = %v", queue.jobs)
	}
	ev, err := store.GetEvent(context.Background(), id)
	if err != nil || ev.EventType != models.EventWelcome {
		t.Errorf("GetEvent() = %+v, %v", ev, err)
	}
}

func TestIngestEvent_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"malformed json", `{"eventType":`, http.StatusBadRequest, ErrCodeBadRequest},
		{"not an object", `[1,2]`, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing type", `{"externalUserId":"u1"}`, http.StatusBadRequest, ErrCodeValidationFailed},
		{"type too long", `{"eventType":"` + strings.Repeat("x", 65) + `"}`, http.StatusBadRequest, ErrCodeValidationFailed},
		{"unknown type", `{"eventType":"launch_rocket"}`, http.StatusBadRequest, ErrCodeInvalidEvent},
		{"too large", `{"eventType":"welcome","payload":{"x":"` + strings.Repeat("a", 2048) + `"}}`, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge},
	}
	store := memstore.New()
	queue := &mockQueue{}
	srv := newTestServer(t, events.NewIngestor(store, queue, zerolog.Nop()), Config{MaxBodyBytes: 1024})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := post(t, srv, tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.wantCode, out)
			}
			e, _ := out["error"].(map[string]any)
			if e["code"] != tt.wantErr {
				t.Errorf("error code = %v, want %s", e["code"], tt.wantErr)
			}
			if e["requestId"] == "" || e["requestId"] == nil {
				t.Error("error envelope has no requestId")
			}
		})
	}
	if n := len(store.Events()); n != 0 {
		t.Errorf("rejected requests stored %d events", n)
	}
	if n := len(queue.jobs); n != 0 {
		t.Errorf("rejected requests enqueued %d jobs", n)
	}
}

func TestIngestEvent_StoreErrors(t *testing.T) {
	tests := []struct {
		name     string
		ing      stubIngester
		wantCode int
	}{
		{"stored not queued", stubIngester{res: events.IngestResult{EventID: "e1"}, err: errors.New("queue down")}, http.StatusServiceUnavailable},
		{"store failure", stubIngester{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.ing, Config{})
			resp, _ := post(t, srv, `{"eventType":"welcome"}`)
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, stubIngester{res: events.IngestResult{EventID: "e"}}, Config{
		RateLimitRequests: 2,
		RateLimitWindow:   time.Minute,
	})
	var codes []int
	for i := 0; i < 3; i++ {
		resp, _ := post(t, srv, `{"eventType":"welcome"}`)
		codes = append(codes, resp.StatusCode)
	}
	want := []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("status codes = %v, want %v", codes, want)
		}
	}

	disabled := newTestServer(t, stubIngester{res: events.IngestResult{EventID: "e"}}, Config{
		RateLimitRequests: 1,
		RateLimitDisabled: true,
	})
	for i := 0; i < 3; i++ {
		if resp, _ := post(t, disabled, `{"eventType":"welcome"}`); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("disabled limiter: request %d status = %d", i, resp.StatusCode)
		}
	}
}

func TestMetricsAndRouting(t *testing.T) {
	srv := newTestServer(t, stubIngester{}, Config{})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/v1/events", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, srv.URL+tt.path, nil)
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		r.Body.Close()
		if r.StatusCode != tt.want {
			t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, r.StatusCode, tt.want)
		}
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	events []eventbus.SubscriberUnsubscribed
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	if ev, ok := payload.(eventbus.SubscriberUnsubscribed); ok {
		p.events = append(p.events, ev)
	}
	return nil
}

func TestUnsubscribe(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		pubErr   error
		wantCode int
		wantChat int64
	}{
		{"accepted", "/api/v1/subscribers/4242/unsubscribe", nil, http.StatusAccepted, 4242},
		{"negative chat id", "/api/v1/subscribers/-1001/unsubscribe", nil, http.StatusAccepted, -1001},
		{"not a number", "/api/v1/subscribers/abc/unsubscribe", nil, http.StatusBadRequest, 0},
		{"zero", "/api/v1/subscribers/0/unsubscribe", nil, http.StatusBadRequest, 0},
		{"bus down", "/api/v1/subscribers/7/unsubscribe", errors.New("nats down"), http.StatusServiceUnavailable, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &capturePublisher{err: tt.pubErr}
			srv := httptest.NewServer(NewRouter(stubIngester{}, pub, Config{}, zerolog.Nop()).Handler())
			defer srv.Close()

			resp, err := http.Post(srv.URL+tt.path, "application/json", nil)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.wantChat == 0 {
				if len(pub.events) != 0 {
					t.Errorf("published %v, want nothing", pub.events)
				}
				return
			}
			if len(pub.events) != 1 || pub.events[0].ChatID != tt.wantChat || pub.events[0].At.IsZero() {
				t.Fatalf("published %+v", pub.events)
			}
			if pub.topics[0] != eventbus.TopicSubscriberUnsubscribed {
				t.Errorf("topic = %s", pub.topics[0])
			}
		})
	}
}

func TestUnsubscribe_NoPublisher(t *testing.T) {
	srv := newTestServer(t, stubIngester{}, Config{})
	resp, err := http.Post(srv.URL+"/api/v1/subscribers/1/unsubscribe", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
