// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package ratelimit enforces the Bot API send caps across every process
// that shares a Counter.
//
// Each cap is a fixed window: a counter keyed by the window's start is
// incremented once per send. A send is admitted only when every window
// stays within its limit; otherwise the increments already made are rolled
// back and the caller is told how long until the fullest window resets.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tomtom215/telegram-engine/internal/metrics"
)

// ErrRateLimited is returned by Try when a cap is reached.
var ErrRateLimited = errors.New("rate limited")

// LimitError carries the time until a slot frees up. It wraps ErrRateLimited.
type LimitError struct {
	Window     string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited: %s window full, retry after %s", e.Window, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Window is one fixed-window cap.
type Window struct {
	Name  string
	Size  time.Duration
	Limit int64
}

// Config configures a Limiter. Zero limits fall back to the Bot API
// broadcast defaults.
type Config struct {
	// Prefix namespaces the counter keys, e.g. per bot.
	Prefix    string
	PerSecond int64
	PerMinute int64
	PerDay    int64

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Defaults used when Config leaves a limit at zero.
const (
	DefaultPerSecond = 30
	DefaultPerMinute = 1500
	DefaultPerDay    = 50000
)

// Limiter admits sends against a set of windows backed by a Counter.
type Limiter struct {
	counter Counter
	prefix  string
	windows []Window
	now     func() time.Time
}

// NewLimiter creates a Limiter over counter.
func NewLimiter(counter Counter, cfg Config) *Limiter {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = DefaultPerSecond
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.PerDay <= 0 {
		cfg.PerDay = DefaultPerDay
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "tge:ratelimit"
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		counter: counter,
		prefix:  cfg.Prefix,
		now:     now,
		windows: []Window{
			{Name: "second", Size: time.Second, Limit: cfg.PerSecond},
			{Name: "minute", Size: time.Minute, Limit: cfg.PerMinute},
			{Name: "day", Size: 24 * time.Hour, Limit: cfg.PerDay},
		},
	}
}

// Windows returns the configured caps.
func (l *Limiter) Windows() []Window {
	out := make([]Window, len(l.windows))
	copy(out, l.windows)
	return out
}

// Reserve takes one slot in every window. When a window is full, nothing
// is taken and wait reports how long until that window rolls over.
func (l *Limiter) Reserve(ctx context.Context) (ok bool, wait time.Duration, err error) {
	now := l.now().UTC()

	type taken struct {
		key string
		ttl time.Duration
	}
	done := make([]taken, 0, len(l.windows))

	rollback := func() {
		// Use a fresh context: a cancelled caller must not leak slots.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		for _, t := range done {
			_, _ = l.counter.Incr(rctx, t.key, -1, t.ttl)
		}
	}

	for _, w := range l.windows {
		start := now.Truncate(w.Size)
		key := l.prefix + ":" + w.Name + ":" + strconv.FormatInt(start.Unix(), 10)
		ttl := 2 * w.Size

		n, err := l.counter.Incr(ctx, key, 1, ttl)
		if err != nil {
			rollback()
			return false, 0, fmt.Errorf("increment %s window: %w", w.Name, err)
		}
		done = append(done, taken{key: key, ttl: ttl})

		if n > w.Limit {
			rollback()
			wait = start.Add(w.Size).Sub(now)
			if wait <= 0 {
				wait = time.Millisecond
			}
			return false, wait, &LimitError{Window: w.Name, RetryAfter: wait}
		}
	}
	return true, 0, nil
}

// Try admits one send or fails immediately with a *LimitError.
func (l *Limiter) Try(ctx context.Context) error {
	ok, _, err := l.Reserve(ctx)
	if ok {
		return nil
	}
	var le *LimitError
	if errors.As(err, &le) {
		metrics.RateLimitRejected.Inc()
	}
	return err
}

// Wait blocks until one send is admitted or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	started := time.Now()
	defer func() { metrics.RateLimitWait.Observe(time.Since(started).Seconds()) }()

	for {
		ok, wait, err := l.Reserve(ctx)
		if ok {
			return nil
		}
		var le *LimitError
		if !errors.As(err, &le) {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
