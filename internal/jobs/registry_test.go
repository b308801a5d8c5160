// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/models"
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

func newTestRegistry(t *testing.T) (*Registry, *MemoryBackend, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackend()
	reg := NewRegistry(backend, Config{Clock: clock.Now}, zerolog.Nop())
	return reg, backend, clock
}

type retryAfterError struct{ d time.Duration }

func (e *retryAfterError) Error() string             { return "slow down" }
func (e *retryAfterError) RetryAfter() time.Duration { return e.d }

func TestEnqueue_ImmediateAndDelayed(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("q", QueueOptions{})

	var got []string
	if err := reg.Handle("q", func(_ context.Context, job *Job) error {
		var p struct{ N string }
		if err := job.Decode(&p); err != nil {
			return err
		}
		got = append(got, p.N)
		return nil
	}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if _, err := reg.Enqueue(ctx, "q", "j", map[string]string{"N": "now"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := reg.Enqueue(ctx, "q", "j", map[string]string{"N": "later"}, Delay(time.Minute)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := reg.Enqueue(ctx, "q", "j", map[string]string{"N": "at"}, At(clock.Now().Add(2*time.Minute))); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	counts, err := reg.Counts(ctx, "q")
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Waiting != 1 || counts.Delayed != 2 {
		t.Errorf("counts = %+v, want 1 waiting and 2 delayed", counts)
	}

	for _, step := range []struct {
		advance time.Duration
		want    int
	}{{0, 1}, {time.Minute, 1}, {time.Minute, 1}, {time.Hour, 0}} {
		clock.Advance(step.advance)
		n, err := reg.Drain(ctx, "q")
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		if n != step.want {
			t.Errorf("Drain() after %s = %d, want %d", step.advance, n, step.want)
		}
	}

	if strings.Join(got, ",") != "now,later,at" {
		t.Errorf("order = %v", got)
	}
}

func TestEnqueue_Errors(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Enqueue(ctx, "missing", "j", nil); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("unknown queue error = %v", err)
	}
	if err := reg.Handle("missing", nil); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("Handle() on unknown queue error = %v", err)
	}

	reg.Declare("q", QueueOptions{})
	reg.Close()
	if _, err := reg.Enqueue(ctx, "q", "j", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("closed registry error = %v", err)
	}
}

func TestEnqueue_JobIDIsIdempotent(t *testing.T) {
	reg, backend, _ := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("send-campaign", QueueOptions{})

	for i := 0; i < 3; i++ {
		id, err := reg.Enqueue(ctx, "send-campaign", "send", map[string]string{"campaignId": "c1"}, JobID("campaign:c1"))
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if id != "campaign:c1" {
			t.Errorf("id = %s", id)
		}
	}
	if n := len(backend.Jobs("send-campaign")); n != 1 {
		t.Errorf("jobs = %d, want 1", n)
	}
}

func TestRetry_BackoffThenFailed(t *testing.T) {
	reg, backend, clock := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("q", QueueOptions{Attempts: 3, Backoff: time.Second, MaxBackoff: time.Minute})

	var calls int
	_ = reg.Handle("q", func(context.Context, *Job) error {
		calls++
		return fmt.Errorf("attempt %d failed", calls)
	})
	if _, err := reg.Enqueue(ctx, "q", "j", nil); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// attempt 1 now, attempt 2 after 1s, attempt 3 after a further 2s
	steps := []struct {
		advance time.Duration
		want    int
	}{
		{0, 1},
		{999 * time.Millisecond, 0},
		{time.Millisecond, 1},
		{time.Second, 0},
		{time.Second, 1},
		{time.Hour, 0},
	}
	for i, s := range steps {
		clock.Advance(s.advance)
		n, err := reg.Drain(ctx, "q")
		if err != nil {
			t.Fatalf("step %d: Drain() error = %v", i, err)
		}
		if n != s.want {
			t.Fatalf("step %d: Drain() = %d, want %d", i, n, s.want)
		}
	}

	jobs := backend.Jobs("q")
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1 retained", len(jobs))
	}
	if jobs[0].Status != models.JobFailed || jobs[0].Attempts != 3 {
		t.Errorf("job = %s after %d attempts, want failed after 3", jobs[0].Status, jobs[0].Attempts)
	}
	if jobs[0].LastError != "attempt 3 failed" {
		t.Errorf("LastError = %q", jobs[0].LastError)
	}
}

func TestRetry_PermanentFailsImmediately(t *testing.T) {
	reg, backend, _ := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("q", QueueOptions{Attempts: 5})
	_ = reg.Handle("q", func(context.Context, *Job) error {
		return Permanent(errors.New("bad input"))
	})
	_, _ = reg.Enqueue(ctx, "q", "j", nil)

	if _, err := reg.Drain(ctx, "q"); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	jobs := backend.Jobs("q")
	if jobs[0].Status != models.JobFailed || jobs[0].Attempts != 1 {
		t.Errorf("job = %s after %d attempts, want failed after 1", jobs[0].Status, jobs[0].Attempts)
	}
}

func TestRetry_MalformedPayloadIsPermanent(t *testing.T) {
	reg, backend, _ := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("q", QueueOptions{Attempts: 5})
	_ = reg.Handle("q", func(_ context.Context, job *Job) error {
		var v struct{ ID string }
		return job.Decode(&v)
	})
	_, _ = reg.Enqueue(ctx, "q", "j", []byte("{not json"))

	_, _ = reg.Drain(ctx, "q")
	if got := backend.Jobs("q")[0].Status; got != models.JobFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestRetry_HonoursRetryAfter(t *testing.T) {
	reg, backend, clock := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("q", QueueOptions{Attempts: 3, Backoff: time.Second})
	_ = reg.Handle("q", func(context.Context, *Job) error {
		return fmt.Errorf("send: %w", &retryAfterError{d: 30 * time.Second})
	})
	_, _ = reg.Enqueue(ctx, "q", "j", nil)

	start := clock.Now()
	_, _ = reg.Drain(ctx, "q")

	job := backend.Jobs("q")[0]
	if job.Status != models.JobWaiting {
		t.Fatalf("status = %s, want waiting", job.Status)
	}
	if want := start.Add(30 * time.Second); !job.RunAt.Equal(want) {
		t.Errorf("RunAt = %s, want %s", job.RunAt, want)
	}
}

func TestProcess_RecoversPanic(t *testing.T) {
	reg, backend, _ := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("q", QueueOptions{Attempts: 2})
	_ = reg.Handle("q", func(context.Context, *Job) error { panic("boom") })
	_, _ = reg.Enqueue(ctx, "q", "j", nil)

	if _, err := reg.Drain(ctx, "q"); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	job := backend.Jobs("q")[0]
	if job.Status != models.JobWaiting || !strings.Contains(job.LastError, "handler panic: boom") {
		t.Errorf("job = %s %q, want waiting with panic error", job.Status, job.LastError)
	}
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffFor(time.Second, 10*time.Second, tt.attempt); got != tt.want {
			t.Errorf("backoffFor(attempt=%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestRepeat_IdempotentByName(t *testing.T) {
	reg, backend, _ := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("cron", QueueOptions{})

	for _, expr := range []string{"* * * * *", "*/5 * * * *"} {
		if err := reg.Repeat(ctx, Trigger{Name: "tick", Queue: "cron", JobName: "minute-tick", Cron: expr}); err != nil {
			t.Fatalf("Repeat() error = %v", err)
		}
	}

	triggers := backend.Triggers()
	if len(triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(triggers))
	}
	if triggers[0].Cron != "*/5 * * * *" {
		t.Errorf("Cron = %q, want the replacement", triggers[0].Cron)
	}
	if want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC); !triggers[0].NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %s, want %s", triggers[0].NextRunAt, want)
	}
}

func TestRepeat_Invalid(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("cron", QueueOptions{})

	tests := []struct {
		name string
		trig Trigger
	}{
		{"missing name", Trigger{Queue: "cron", Cron: "* * * * *"}},
		{"unknown queue", Trigger{Name: "x", Queue: "nope", Cron: "* * * * *"}},
		{"bad cron", Trigger{Name: "x", Queue: "cron", Cron: "every minute"}},
		{"bad timezone", Trigger{Name: "x", Queue: "cron", Cron: "* * * * *", Timezone: "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.Repeat(ctx, tt.trig); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFireTriggers_OncePerOccurrence(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackend()
	a := NewRegistry(backend, Config{Clock: clock.Now}, zerolog.Nop())
	b := NewRegistry(backend, Config{Clock: clock.Now}, zerolog.Nop())
	ctx := context.Background()

	for _, reg := range []*Registry{a, b} {
		reg.Declare("cron", QueueOptions{})
		if err := reg.Repeat(ctx, Trigger{Name: "tick", Queue: "cron", JobName: "minute-tick", Cron: "* * * * *"}); err != nil {
			t.Fatalf("Repeat() error = %v", err)
		}
	}

	if n, _ := a.FireTriggers(ctx); n != 0 {
		t.Fatalf("fired %d before due", n)
	}

	clock.Advance(time.Minute)
	var total int
	for _, reg := range []*Registry{a, b, a} {
		n, err := reg.FireTriggers(ctx)
		if err != nil {
			t.Fatalf("FireTriggers() error = %v", err)
		}
		total += n
	}
	if total != 1 {
		t.Errorf("fired %d times for one occurrence, want 1", total)
	}

	jobs := backend.Jobs("cron")
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	wantID := fmt.Sprintf("tick:%d", time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC).Unix())
	if jobs[0].ID != wantID || jobs[0].Name != "minute-tick" {
		t.Errorf("job = %s/%s, want %s/minute-tick", jobs[0].ID, jobs[0].Name, wantID)
	}

	clock.Advance(time.Minute)
	if n, _ := b.FireTriggers(ctx); n != 1 {
		t.Errorf("second occurrence fired %d, want 1", n)
	}
}

type stubLocker struct {
	err      error
	obtained atomic.Int32
	released atomic.Int32
}

type stubLock struct{ l *stubLocker }

func (s stubLock) Release(context.Context) error {
	s.l.released.Add(1)
	return nil
}

func (l *stubLocker) Obtain(context.Context, string, time.Duration) (Lock, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.obtained.Add(1)
	return stubLock{l: l}, nil
}

func TestFireTriggers_Locker(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("cron", QueueOptions{})
	_ = reg.Repeat(ctx, Trigger{Name: "tick", Queue: "cron", JobName: "minute-tick", Cron: "* * * * *"})
	clock.Advance(time.Minute)

	follower := &stubLocker{err: ErrNotLeader}
	reg.SetLocker(follower)
	if n, err := reg.FireTriggers(ctx); n != 0 || err != nil {
		t.Errorf("follower FireTriggers() = %d, %v; want 0, nil", n, err)
	}

	leader := &stubLocker{}
	reg.SetLocker(leader)
	if n, err := reg.FireTriggers(ctx); n != 1 || err != nil {
		t.Errorf("leader FireTriggers() = %d, %v; want 1, nil", n, err)
	}
	if leader.obtained.Load() != 1 || leader.released.Load() != 1 {
		t.Errorf("lock obtained %d released %d", leader.obtained.Load(), leader.released.Load())
	}
}

func TestSweep_RetentionAndReap(t *testing.T) {
	reg, backend, clock := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("q", QueueOptions{Attempts: 1})
	_ = reg.Handle("q", func(_ context.Context, job *Job) error {
		if job.Name == "bad" {
			return errors.New("nope")
		}
		return nil
	})

	_, _ = reg.Enqueue(ctx, "q", "good", nil)
	_, _ = reg.Enqueue(ctx, "q", "bad", nil)
	if n, _ := reg.Drain(ctx, "q"); n != 2 {
		t.Fatalf("Drain() = %d, want 2", n)
	}

	clock.Advance(61 * time.Minute)
	if err := reg.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	c, _ := reg.Counts(ctx, "q")
	if c.Completed != 0 || c.Failed != 1 {
		t.Errorf("after 1h counts = %+v, want completed purged and failed kept", c)
	}

	clock.Advance(7 * 24 * time.Hour)
	_ = reg.Sweep(ctx)
	c, _ = reg.Counts(ctx, "q")
	if c.Failed != 0 {
		t.Errorf("after 7d failed = %d, want purged", c.Failed)
	}

	// A job claimed by a worker that died is returned to waiting once its
	// lease expires.
	_, _ = reg.Enqueue(ctx, "q", "good", nil, Attempts(2))
	claimed, _ := backend.Claim(ctx, "q", clock.Now(), 1, time.Second)
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d", len(claimed))
	}

	clock.Advance(2 * time.Second)
	_ = reg.Sweep(ctx)
	c, _ = reg.Counts(ctx, "q")
	if c.Waiting != 1 || c.Active != 0 {
		t.Errorf("after reap counts = %+v, want the job waiting again", c)
	}
}

func TestServices_ProcessConcurrently(t *testing.T) {
	backend := NewMemoryBackend()
	reg := NewRegistry(backend, Config{PollInterval: 10 * time.Millisecond, JanitorInterval: time.Hour}, zerolog.Nop())
	reg.Declare("q", QueueOptions{Concurrency: 4})
	reg.Declare("idle", QueueOptions{})

	var (
		running  atomic.Int32
		peak     atomic.Int32
		finished atomic.Int32
	)
	_ = reg.Handle("q", func(context.Context, *Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		finished.Add(1)
		return nil
	})

	services := reg.Services()
	var names []string
	for _, s := range services {
		names = append(names, fmt.Sprint(s))
	}
	if got := strings.Join(names, ","); got != "jobs-worker-q,jobs-triggers,jobs-janitor" {
		t.Fatalf("services = %s", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, s := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Serve(ctx)
		}()
	}

	const total = 12
	for i := 0; i < total; i++ {
		if _, err := reg.Enqueue(ctx, "q", "j", nil); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for finished.Load() < total && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	if finished.Load() != total {
		t.Fatalf("finished = %d, want %d", finished.Load(), total)
	}
	if p := peak.Load(); p > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", p)
	}
	c, _ := reg.Counts(context.Background(), "q")
	if c.Completed != total {
		t.Errorf("completed = %d, want %d", c.Completed, total)
	}
}

func TestAllCounts(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	reg.Declare("a", QueueOptions{})
	reg.Declare("b", QueueOptions{})
	_, _ = reg.Enqueue(ctx, "a", "j", nil)
	_, _ = reg.Enqueue(ctx, "b", "j", nil, Delay(time.Hour))

	all, err := reg.AllCounts(ctx)
	if err != nil {
		t.Fatalf("AllCounts() error = %v", err)
	}
	if all["a"].Waiting != 1 || all["b"].Delayed != 1 {
		t.Errorf("AllCounts() = %+v", all)
	}
}
