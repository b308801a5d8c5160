// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter is an atomic integer store with per-key expiry.
type Counter interface {
	// Incr adds delta to key and returns the new value. A missing or
	// expired key starts at zero and expires ttl after creation.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
}

type memoryEntry struct {
	value   int64
	expires time.Time
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]*memoryEntry), now: time.Now}
}

// Incr implements Counter.
func (c *MemoryCounter) Incr(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}

	e, ok := c.entries[key]
	if !ok {
		e = &memoryEntry{expires: now.Add(ttl)}
		c.entries[key] = e
	}
	e.value += delta
	return e.value, nil
}
