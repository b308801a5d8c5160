// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tomtom215/telegram-engine/internal/api"
	"github.com/tomtom215/telegram-engine/internal/automation"
	"github.com/tomtom215/telegram-engine/internal/campaign"
	"github.com/tomtom215/telegram-engine/internal/config"
	"github.com/tomtom215/telegram-engine/internal/cron"
	"github.com/tomtom215/telegram-engine/internal/database"
	"github.com/tomtom215/telegram-engine/internal/directory"
	"github.com/tomtom215/telegram-engine/internal/eventbus"
	"github.com/tomtom215/telegram-engine/internal/events"
	"github.com/tomtom215/telegram-engine/internal/health"
	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/ratelimit"
	"github.com/tomtom215/telegram-engine/internal/sender"
	"github.com/tomtom215/telegram-engine/internal/supervisor"
	"github.com/tomtom215/telegram-engine/internal/supervisor/services"
	"github.com/tomtom215/telegram-engine/internal/telegram"
)

// closers runs cleanup functions in reverse registration order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// run builds every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.Logger()
	var cleanup closers
	defer cleanup.run()

	logger.Info().
		Str("database", cfg.Database.Driver).
		Str("queues", cfg.Queues.Backend).
		Str("ratelimit", cfg.RateLimit.Backend).
		Bool("redis", cfg.Redis.Enabled()).
		Bool("nats", cfg.EventBus.NATSURL != "").
		Msg("Starting Telegram Engine")

	db, err := database.Open(ctx, databaseConfig(cfg), logger)
	if err != nil {
		return err
	}
	cleanup.add(func() {
		if err := database.Close(db); err != nil {
			logger.Error().Err(err).Msg("Error closing database")
		}
	})
	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	store := database.NewStore(db)

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup.add(func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	registry := newRegistry(cfg, db, rdb, logger)
	cleanup.add(registry.Close)

	counter, closeCounter, err := newCounter(cfg, rdb)
	if err != nil {
		return err
	}
	cleanup.add(closeCounter)
	limiter := ratelimit.NewLimiter(counter, ratelimit.Config{
		Prefix:    cfg.RateLimit.Prefix,
		PerSecond: cfg.RateLimit.PerSecond,
		PerMinute: cfg.RateLimit.PerMinute,
		PerDay:    cfg.RateLimit.PerDay,
	})

	bus, err := eventbus.New(ctx, eventbus.Config{
		NATSURL:       cfg.EventBus.NATSURL,
		StreamName:    cfg.EventBus.StreamName,
		DurablePrefix: cfg.EventBus.DurablePrefix,
		QueueGroup:    cfg.EventBus.QueueGroup,
		CloseTimeout:  cfg.EventBus.CloseTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	cleanup.add(func() {
		if err := bus.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing event bus")
		}
	})
	eventbus.RegisterDefaultHandlers(bus, store, logger)

	bot := telegramClient(cfg, logger)
	snd := sender.New(bot, limiter, bus, logger)

	ingestor := events.NewIngestor(store, registry, logger)
	enroller := automation.NewEnroller(store, registry, logger)
	processor := events.NewProcessor(store, enroller, logger)
	executor := automation.NewExecutor(store, snd.WithOrigin("automation"), registry, logger)
	campaigns := campaign.NewWorker(store, snd.WithOrigin("campaign"), campaign.Config{
		Parallelism: cfg.Campaign.Parallelism,
		PerSecond:   cfg.Campaign.PerSecond,
		Burst:       cfg.Campaign.Burst,
	}, logger)

	loc := cfg.Location()
	monitor := health.NewMonitor(registry, bus, health.Thresholds{
		Failed:  cfg.Health.FailedThreshold,
		Waiting: cfg.Health.WaitingThreshold,
	}, logger)
	dispatcher := cron.NewDispatcher(logger).
		On(cron.JobMinuteTick,
			cron.NewDuePicker(store, registry, cfg.Cron.DueBatchSize, logger).Task(),
			cron.NewCampaignLauncher(store, registry, logger).Task(),
			cron.Task{Name: "queue-health", Run: monitor.Run},
		).
		On(cron.JobDailyStats, cron.NewStatsAggregator(store, loc, logger).Task())

	schedule := cron.Schedule{
		MinuteTick:     cfg.Cron.MinuteTick,
		DailyStats:     cfg.Cron.DailyStats,
		SubscriberSync: cfg.Cron.SubscriberSync,
		Timezone:       cfg.Cron.Timezone,
	}
	if cfg.Directory.Enabled {
		src, err := directory.NewMongoSource(ctx, directory.MongoConfig{
			URI:            cfg.Directory.MongoURI,
			Database:       cfg.Directory.Database,
			Collection:     cfg.Directory.Collection,
			ConnectTimeout: cfg.Directory.ConnectTimeout,
			BatchSize:      cfg.Directory.BatchSize,
		})
		if err != nil {
			return err
		}
		cleanup.add(func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = src.Close(dctx)
		})
		syncer := directory.NewSyncer(src, store, logger)
		dispatcher.On(cron.JobSubscriberSync, cron.Task{Name: "directory-sync", Run: syncer.Run})
	} else {
		// A trigger stored by an earlier run may still fire.
		dispatcher.On(cron.JobSubscriberSync, cron.Task{Name: "directory-sync", Run: func(context.Context) error {
			logger.Debug().Msg("Directory sync disabled, skipping")
			return nil
		}})
	}

	if err := registerQueues(registry, cfg, map[string]jobs.Handler{
		events.QueueName:     processor.HandleJob,
		automation.QueueName: executor.HandleJob,
		campaign.QueueName:   campaigns.HandleJob,
		cron.QueueName:       dispatcher.HandleJob,
	}); err != nil {
		return err
	}
	for _, t := range schedule.Triggers() {
		if err := registry.Repeat(ctx, t); err != nil {
			return fmt.Errorf("register trigger %s: %w", t.Name, err)
		}
	}

	tree := supervisor.NewTree(logging.NewSlogLogger("supervisor"), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddQueueServices(registry.Services()...)
	tree.AddMessagingService(bus)

	router := api.NewRouter(ingestor, bus, api.Config{
		RateLimitRequests:  cfg.Server.RateLimitRequests,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
		RateLimitDisabled:  cfg.Server.RateLimitDisabled,
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
	}, logger)
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, server.Addr, cfg.Server.ShutdownTimeout, logger))

	logger.Info().Msg("Telegram Engine ready")
	err = tree.Serve(ctx)

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logger.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Telegram Engine stopped")
	return nil
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func newRegistry(cfg *config.Config, db *gorm.DB, rdb *redis.Client, logger zerolog.Logger) *jobs.Registry {
	var backend jobs.Backend
	switch cfg.Queues.Backend {
	case "memory":
		logger.Warn().Msg("Using the in-memory job backend; jobs are lost on restart")
		backend = jobs.NewMemoryBackend()
	default:
		backend = jobs.NewGormBackend(db)
	}
	registry := jobs.NewRegistry(backend, jobs.Config{
		PollInterval:    cfg.Queues.PollInterval,
		LeaseGrace:      cfg.Queues.LeaseGrace,
		TriggerInterval: cfg.Queues.TriggerInterval,
		JanitorInterval: cfg.Queues.JanitorInterval,
		LockTTL:         cfg.Queues.LockTTL,
	}, logger)
	if rdb != nil {
		registry.SetLocker(jobs.NewRedisLocker(rdb))
	}
	return registry
}

// queueOptions derives the per-queue policy from the shared queue config.
func queueOptions(cfg *config.Config) map[string]jobs.QueueOptions {
	q := cfg.Queues
	base := jobs.QueueOptions{
		Attempts:      q.Attempts,
		Backoff:       q.Backoff,
		KeepCompleted: q.KeepCompleted,
		KeepFailed:    q.KeepFailed,
	}
	with := func(concurrency int, timeout time.Duration) jobs.QueueOptions {
		o := base
		o.Concurrency = concurrency
		o.Timeout = timeout
		return o
	}
	return map[string]jobs.QueueOptions{
		events.QueueName:     with(q.EventConcurrency, time.Minute),
		automation.QueueName: with(q.AutomationConcurrency, 2*time.Minute),
		campaign.QueueName:   with(q.CampaignConcurrency, 2*time.Hour),
		cron.QueueName:       with(1, 10*time.Minute),
	}
}

func registerQueues(registry *jobs.Registry, cfg *config.Config, handlers map[string]jobs.Handler) error {
	for name, opts := range queueOptions(cfg) {
		registry.Declare(name, opts)
		h, ok := handlers[name]
		if !ok {
			return fmt.Errorf("no handler for queue %s", name)
		}
		if err := registry.Handle(name, h); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

// newCounter opens the rate limit store. The returned func releases it.
func newCounter(cfg *config.Config, rdb *redis.Client) (ratelimit.Counter, func(), error) {
	switch cfg.RateLimit.Backend {
	case "redis":
		if rdb == nil {
			return nil, nil, errors.New("ratelimit backend redis requires redis.addr")
		}
		return ratelimit.NewRedisCounter(rdb), func() {}, nil
	case "badger":
		opts := badger.DefaultOptions(cfg.RateLimit.BadgerPath).WithLogger(nil)
		bdb, err := badger.Open(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger at %s: %w", cfg.RateLimit.BadgerPath, err)
		}
		return ratelimit.NewBadgerCounter(bdb), func() { _ = bdb.Close() }, nil
	default:
		return ratelimit.NewMemoryCounter(), func() {}, nil
	}
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func telegramClient(cfg *config.Config, logger zerolog.Logger) *telegram.Client {
	return telegram.NewClient(telegramConfig(cfg), logger)
}
