// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package directory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig locates the users collection.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string

	// ConnectTimeout bounds Connect and the initial ping.
	ConnectTimeout time.Duration
	BatchSize      int32
}

// MongoSource reads users from a MongoDB collection.
type MongoSource struct {
	client     *mongo.Client
	collection *mongo.Collection
	batchSize  int32
}

// NewMongoSource connects and pings the server.
func NewMongoSource(ctx context.Context, cfg MongoConfig) (*MongoSource, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "users"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to directory: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping directory: %w", err)
	}
	return &MongoSource{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		batchSize:  cfg.BatchSize,
	}, nil
}

// userFilter selects users with a chat ID set to something other than an
// empty string.
var userFilter = bson.M{
	"telegramChatId": bson.M{"$exists": true, "$nin": bson.A{nil, ""}},
}

var userProjection = bson.M{
	"_id":               1,
	"telegramChatId":    1,
	"role":              1,
	"language":          1,
	"preferredLanguage": 1,
	"country":           1,
	"displayName":       1,
	"firstName":         1,
	"lastName":          1,
}

// Each implements Source.
func (m *MongoSource) Each(ctx context.Context, fn func(rec Record, err error)) error {
	opts := options.Find().SetProjection(userProjection).SetBatchSize(m.batchSize)
	cur, err := m.collection.Find(ctx, userFilter, opts)
	if err != nil {
		return fmt.Errorf("query users: %w", err)
	}
	defer cur.Close(context.WithoutCancel(ctx))

	for cur.Next(ctx) {
		fn(recordFromRaw(cur.Current))
	}
	return cur.Err()
}

// Close disconnects from the server.
func (m *MongoSource) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

var errBadChatID = errors.New("telegramChatId is not an integer")

func recordFromRaw(doc bson.Raw) (Record, error) {
	var rec Record
	rec.ExternalID = idString(doc.Lookup("_id"))

	chatID, err := chatIDFromValue(doc.Lookup("telegramChatId"))
	if err != nil {
		return rec, fmt.Errorf("user %s: %w", rec.ExternalID, err)
	}
	rec.TelegramChatID = chatID

	rec.Role = stringField(doc, "role")
	rec.Language = stringField(doc, "language")
	if rec.Language == "" {
		rec.Language = stringField(doc, "preferredLanguage")
	}
	rec.Country = stringField(doc, "country")
	rec.DisplayName = stringField(doc, "displayName")
	if rec.DisplayName == "" {
		rec.DisplayName = strings.TrimSpace(stringField(doc, "firstName") + " " + stringField(doc, "lastName"))
	}
	return rec, nil
}

func idString(v bson.RawValue) string {
	if oid, ok := v.ObjectIDOK(); ok {
		return oid.Hex()
	}
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	return ""
}

func stringField(doc bson.Raw, key string) string {
	s, _ := doc.Lookup(key).StringValueOK()
	return s
}

// chatIDFromValue accepts the chat ID stored as a number or a numeric string.
func chatIDFromValue(v bson.RawValue) (int64, error) {
	if n, ok := v.Int64OK(); ok {
		return n, nil
	}
	if n, ok := v.Int32OK(); ok {
		return int64(n), nil
	}
	if f, ok := v.DoubleOK(); ok {
		if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return 0, errBadChatID
		}
		return int64(f), nil
	}
	if s, ok := v.StringValueOK(); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, errBadChatID
		}
		return n, nil
	}
	return 0, errBadChatID
}
