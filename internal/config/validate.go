// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/telegram-engine/internal/validation"
)

// Validate checks struct tags first, then rules that span fields.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return verr
	}

	var errs []error
	if c.RateLimit.Backend == "redis" && !c.Redis.Enabled() {
		errs = append(errs, errors.New("ratelimit.backend=redis requires redis.addr"))
	}
	if c.RateLimit.Backend == "badger" && c.RateLimit.BadgerPath == "" {
		errs = append(errs, errors.New("ratelimit.backend=badger requires ratelimit.badger_path"))
	}
	if c.RateLimit.PerSecond > c.RateLimit.PerMinute || c.RateLimit.PerMinute > c.RateLimit.PerDay {
		errs = append(errs, errors.New("ratelimit caps must satisfy per_second <= per_minute <= per_day"))
	}
	if c.Directory.Enabled {
		if c.Directory.MongoURI == "" {
			errs = append(errs, errors.New("directory.enabled requires directory.mongo_uri"))
		}
		if c.Directory.Database == "" {
			errs = append(errs, errors.New("directory.enabled requires directory.database"))
		}
	}
	if _, err := time.LoadLocation(c.Cron.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("cron.timezone: %w", err))
	}
	if c.Server.RateLimitWindow <= 0 && !c.Server.RateLimitDisabled {
		errs = append(errs, errors.New("server.rate_limit_window must be positive"))
	}
	return errors.Join(errs...)
}

// Location returns the cron timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Cron.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Addr is the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
