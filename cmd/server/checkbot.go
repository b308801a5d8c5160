// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tomtom215/telegram-engine/internal/config"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/telegram"
)

// checkBotUpdates is how many recent updates -check-bot lists.
const checkBotUpdates = 20

// runCheckBot prints the bot identity and the chats that recently wrote
// to it. Operators use it to find chat IDs while onboarding subscribers.
func runCheckBot(ctx context.Context, cfg *config.Config, out io.Writer) error {
	client := telegram.NewClient(telegramConfig(cfg), logging.Logger())

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	me, err := client.ValidateBot(ctx)
	if err != nil {
		return fmt.Errorf("validate bot: %w", err)
	}
	fmt.Fprintf(out, "bot: @%s (id %d, %s)\n", me.Username, me.ID, me.FirstName)

	updates, err := client.GetUpdates(ctx, 0, checkBotUpdates)
	if err != nil {
		return fmt.Errorf("get updates: %w", err)
	}
	if len(updates) == 0 {
		fmt.Fprintln(out, "no pending updates")
		return nil
	}
	for _, u := range updates {
		if u.Message == nil {
			continue
		}
		c := u.Message.Chat
		fmt.Fprintf(out, "update %d: chat %d (%s) @%s\n", u.UpdateID, c.ID, c.Type, c.Username)
	}
	return nil
}

func telegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:              cfg.Telegram.BotToken,
		BaseURL:            cfg.Telegram.BaseURL,
		Timeout:            cfg.Telegram.Timeout,
		BreakerMinRequests: cfg.Telegram.BreakerMinRequests,
		BreakerFailureRate: cfg.Telegram.BreakerFailureRate,
		BreakerOpenTimeout: cfg.Telegram.BreakerOpenTimeout,
	}
}
