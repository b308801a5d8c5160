// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package directory imports subscribers from the external user directory.
//
// The directory is the source of truth for who a user is (role, language,
// country); the engine owns delivery state (status, timestamps). A sync
// upserts by Telegram chat ID and never changes a subscriber's status.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/metrics"
	"github.com/tomtom215/telegram-engine/internal/models"
)

// DefaultRole is assigned to users whose directory role is not recognized.
const DefaultRole = "client"

var roles = map[string]string{
	"chatter":         "chatter",
	"captainchatter":  "captainChatter",
	"captain_chatter": "captainChatter",
	"lawyer":          "lawyer",
	"avocat":          "lawyer",
	"expat":           "expat",
	"client":          "client",
	"influencer":      "influencer",
	"blogger":         "blogger",
	"groupadmin":      "groupAdmin",
	"group_admin":     "groupAdmin",
	"admin":           "admin",
}

// Record is one directory user as read from a Source.
type Record struct {
	ExternalID     string
	TelegramChatID int64
	DisplayName    string
	Role           string
	Language       string
	Country        string
}

// Source streams directory users that have a Telegram chat ID. fn receives
// each record, or the error that prevented reading one; the stream goes on
// after a per-record error.
type Source interface {
	Each(ctx context.Context, fn func(rec Record, err error)) error
}

// Store upserts subscribers.
type Store interface {
	UpsertSubscriber(ctx context.Context, sub *models.Subscriber) (bool, error)
}

// Result counts the outcome of one sync.
type Result struct {
	Processed int
	Created   int
	Updated   int
	Failed    int
}

// Syncer copies directory users into the subscriber table.
type Syncer struct {
	source Source
	store  Store
	logger zerolog.Logger
}

// NewSyncer creates a Syncer.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewSyncer(source Source, store Store, logger zerolog.Logger) *Syncer {
	return &Syncer{
		source: source,
		store:  store,
		logger: logger.With().Str("component", "directory-sync").Logger(),
	}
}

// Sync runs one full pass. A failing record is counted and skipped; only
// a failure of the source itself aborts the pass.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	log := logging.Ctx(ctx, s.logger)
	start := time.Now()
	var res Result

	err := s.source.Each(ctx, func(rec Record, recErr error) {
		res.Processed++
		if recErr != nil {
			res.Failed++
			metrics.SubscribersSynced.WithLabelValues("failed").Inc()
			log.Warn().Err(recErr).Msg("unreadable directory record")
			return
		}
		created, err := s.upsert(ctx, rec)
		switch {
		case err != nil:
			res.Failed++
			metrics.SubscribersSynced.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("external_id", rec.ExternalID).Msg("subscriber upsert failed")
		case created:
			res.Created++
			metrics.SubscribersSynced.WithLabelValues("created").Inc()
		default:
			res.Updated++
			metrics.SubscribersSynced.WithLabelValues("updated").Inc()
		}
	})
	if err != nil {
		return res, fmt.Errorf("read directory: %w", err)
	}

	log.Info().
		Int("processed", res.Processed).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("failed", res.Failed).
		Dur("took", time.Since(start)).
		Msg("subscriber sync finished")
	return res, nil
}

// Run adapts Sync to the cron task signature.
func (s *Syncer) Run(ctx context.Context) error {
	_, err := s.Sync(ctx)
	return err
}

var errNoChatID = errors.New("record has no telegram chat id")

func (s *Syncer) upsert(ctx context.Context, rec Record) (bool, error) {
	if rec.TelegramChatID == 0 {
		return false, errNoChatID
	}
	sub := &models.Subscriber{
		TelegramChatID: rec.TelegramChatID,
		ExternalUserID: rec.ExternalID,
		DisplayName:    strings.TrimSpace(rec.DisplayName),
		Role:           NormalizeRole(rec.Role),
		Language:       NormalizeLanguage(rec.Language),
		Country:        NormalizeCountry(rec.Country),
	}
	return s.store.UpsertSubscriber(ctx, sub)
}

// NormalizeRole maps a directory role onto the engine's role set.
func NormalizeRole(role string) string {
	key := strings.ToLower(strings.TrimSpace(role))
	if r, ok := roles[key]; ok {
		return r
	}
	return DefaultRole
}

// NormalizeLanguage reduces a language tag such as "pt-BR" to its
// lowercase two-letter code, defaulting to English.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if len(lang) < 2 || !isLetters(lang[:2]) {
		return models.DefaultLanguage
	}
	if len(lang) > 2 && lang[2] != '-' && lang[2] != '_' {
		return models.DefaultLanguage
	}
	return lang[:2]
}

// NormalizeCountry returns an uppercase three-letter country code, or ""
// when country is not one.
func NormalizeCountry(country string) string {
	country = strings.ToUpper(strings.TrimSpace(country))
	if len(country) != 3 || !isLetters(country) {
		return ""
	}
	return country
}

func isLetters(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
