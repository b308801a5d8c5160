// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package main runs the Telegram Engine server.
//
// One process hosts every part of the pipeline under a supervisor tree:
// the HTTP ingestion API, the queue workers (event-processor,
// automation-executor, send-campaign, cron), the trigger loop that fires the
// recurring cron jobs, and the domain event router.
//
// Configuration is layered (defaults, config.yaml, environment; see
// internal/config). A .env file in the working directory is loaded first.
//
//	DATABASE_URL=postgres://tge@localhost/tge \
//	TELEGRAM_BOT_TOKEN=123:abc \
//	REDIS_ADDR=localhost:6379 RATELIMIT_BACKEND=redis \
//	./telegram-engine
//
// Flags:
//
//	-check-bot   validate the bot token, print recent updates and exit
//	-migrate     apply the schema and exit
//
// SIGINT and SIGTERM stop the tree. In-flight jobs finish or are handed
// back to the queue when their lease expires.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/telegram-engine/internal/config"
	"github.com/tomtom215/telegram-engine/internal/database"
	"github.com/tomtom215/telegram-engine/internal/logging"
)

func main() {
	checkBot := flag.Bool("check-bot", false, "validate the bot token, list recent updates and exit")
	migrateOnly := flag.Bool("migrate", false, "apply the database schema and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *checkBot:
		err = runCheckBot(ctx, cfg, os.Stdout)
	case *migrateOnly:
		err = runMigrate(ctx, cfg)
	default:
		err = run(ctx, cfg)
	}
	if err != nil {
		stop()
		logging.Fatal().Err(err).Msg("Telegram Engine exited with error")
	}
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(ctx, databaseConfig(cfg), logging.Logger())
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logging.Info().Msg("Schema is up to date")
	return nil
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectRetries:  cfg.Database.ConnectRetries,
		SlowQuery:       cfg.Database.SlowQuery,
	}
}
