// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package ratelimit

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerMaxRetries = 64

// BadgerCounter keeps counters in an embedded BadgerDB, so a single node
// keeps its daily budget across restarts.
type BadgerCounter struct {
	db *badger.DB
}

// NewBadgerCounter wraps an open database.
func NewBadgerCounter(db *badger.DB) *BadgerCounter {
	return &BadgerCounter{db: db}
}

// Incr implements Counter. Conflicting transactions are retried.
func (c *BadgerCounter) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var value int64
	for attempt := 0; attempt < badgerMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		err := c.db.Update(func(txn *badger.Txn) error {
			k := []byte(key)
			var (
				current   int64
				expiresAt uint64
			)
			item, err := txn.Get(k)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				expiresAt = item.ExpiresAt()
				if err := item.Value(func(val []byte) error {
					if len(val) != 8 {
						return fmt.Errorf("corrupt counter %s", key)
					}
					current = int64(binary.BigEndian.Uint64(val))
					return nil
				}); err != nil {
					return err
				}
			}

			value = current + delta
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(value))
			entry := badger.NewEntry(k, buf)
			if expiresAt == 0 {
				entry = entry.WithTTL(ttl)
			} else {
				entry.ExpiresAt = expiresAt
			}
			return txn.SetEntry(entry)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("badger incr %s: %w", key, err)
		}
		return value, nil
	}
	return 0, fmt.Errorf("badger incr %s: %w", key, badger.ErrConflict)
}
