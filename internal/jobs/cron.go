// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package jobs

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week.
//
// Each field is kept as a bitmask of allowed values.
type Schedule struct {
	minute uint64 // bits 0-59
	hour   uint64 // bits 0-23
	dom    uint64 // bits 1-31
	month  uint64 // bits 1-12
	dow    uint64 // bits 0-6, Sunday = 0

	domStar bool
	dowStar bool
}

type fieldBounds struct {
	name     string
	min, max int
}

var (
	minuteBounds = fieldBounds{"minute", 0, 59}
	hourBounds   = fieldBounds{"hour", 0, 23}
	domBounds    = fieldBounds{"day-of-month", 1, 31}
	monthBounds  = fieldBounds{"month", 1, 12}
	dowBounds    = fieldBounds{"day-of-week", 0, 7}
)

// ParseCron parses a standard 5-field cron expression.
//
// Supported syntax per field: "*", "n", "n-m", "a,b,c", "*/s", "n-m/s", "n/s".
// Day-of-week accepts 0-7 with both 0 and 7 meaning Sunday.
//
//	"* * * * *"    every minute
//	"5 0 * * *"    daily at 00:05
//	"*/30 * * * *" every 30 minutes
func ParseCron(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q must have 5 fields, got %d", expr, len(fields))
	}

	s := &Schedule{}
	var err error
	if s.minute, err = parseCronField(fields[0], minuteBounds); err != nil {
		return nil, err
	}
	if s.hour, err = parseCronField(fields[1], hourBounds); err != nil {
		return nil, err
	}
	if s.dom, err = parseCronField(fields[2], domBounds); err != nil {
		return nil, err
	}
	if s.month, err = parseCronField(fields[3], monthBounds); err != nil {
		return nil, err
	}
	if s.dow, err = parseCronField(fields[4], dowBounds); err != nil {
		return nil, err
	}
	if s.dow&(1<<7) != 0 {
		s.dow = (s.dow &^ (1 << 7)) | 1
	}
	s.domStar = strings.HasPrefix(fields[2], "*")
	s.dowStar = strings.HasPrefix(fields[4], "*")
	return s, nil
}

// Next returns the first minute strictly after t that matches the schedule,
// evaluated in loc (UTC when nil). The zero time is returned when nothing
// matches within four years, which only happens for impossible dates such
// as "0 0 31 2 *".
func (s *Schedule) Next(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if s.month&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if s.hour&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if s.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// dayMatches applies the usual cron rule: when both day fields are
// restricted, either one matching is enough.
func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := s.dom&(1<<uint(t.Day())) != 0
	dowOK := s.dow&(1<<uint(t.Weekday())) != 0
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}

func parseCronField(field string, b fieldBounds) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		m, err := parseCronPart(part, b)
		if err != nil {
			return 0, fmt.Errorf("invalid %s field %q: %w", b.name, field, err)
		}
		mask |= m
	}
	if bits.OnesCount64(mask) == 0 {
		return 0, fmt.Errorf("invalid %s field %q: matches nothing", b.name, field)
	}
	return mask, nil
}

func parseCronPart(part string, b fieldBounds) (uint64, error) {
	lo, hi, step := b.min, b.max, 1

	rangePart := part
	if i := strings.IndexByte(part, '/'); i >= 0 {
		n, err := strconv.Atoi(part[i+1:])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad step %q", part[i+1:])
		}
		step = n
		rangePart = part[:i]
	}

	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		bounds := strings.SplitN(rangePart, "-", 2)
		var err error
		if lo, err = strconv.Atoi(bounds[0]); err != nil {
			return 0, fmt.Errorf("bad range start %q", bounds[0])
		}
		if hi, err = strconv.Atoi(bounds[1]); err != nil {
			return 0, fmt.Errorf("bad range end %q", bounds[1])
		}
	default:
		n, err := strconv.Atoi(rangePart)
		if err != nil {
			return 0, fmt.Errorf("bad value %q", rangePart)
		}
		lo = n
		if step == 1 {
			hi = n
		}
	}

	if lo < b.min || hi > b.max || lo > hi {
		return 0, fmt.Errorf("%d-%d outside %d-%d", lo, hi, b.min, b.max)
	}

	var mask uint64
	for v := lo; v <= hi; v += step {
		mask |= 1 << uint(v)
	}
	return mask, nil
}
