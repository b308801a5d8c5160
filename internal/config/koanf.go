// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/telegram-engine/config.yaml",
	"/etc/telegram-engine/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DotEnvFile is loaded into the environment before env vars are read.
// Variables already set in the process win.
var DotEnvFile = ".env"

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectRetries:  5,
			SlowQuery:       500 * time.Millisecond,
		},
		Telegram: TelegramConfig{
			BaseURL:            "https://api.telegram.org",
			Timeout:            5 * time.Second,
			BreakerMinRequests: 10,
			BreakerFailureRate: 0.6,
			BreakerOpenTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Backend:    "memory",
			BadgerPath: "/data/ratelimit",
			Prefix:     "tg",
			PerSecond:  30,
			PerMinute:  1500,
			PerDay:     50000,
		},
		Queues: QueuesConfig{
			Backend:               "gorm",
			PollInterval:          500 * time.Millisecond,
			LeaseGrace:            30 * time.Second,
			TriggerInterval:       5 * time.Second,
			JanitorInterval:       time.Minute,
			LockTTL:               30 * time.Second,
			EventConcurrency:      10,
			AutomationConcurrency: 10,
			CampaignConcurrency:   2,
			Attempts:              3,
			Backoff:               5 * time.Second,
			KeepCompleted:         time.Hour,
			KeepFailed:            7 * 24 * time.Hour,
		},
		Campaign: CampaignConfig{
			Parallelism: 4,
			PerSecond:   20,
			Burst:       5,
		},
		Cron: CronConfig{
			MinuteTick:     "* * * * *",
			DailyStats:     "5 0 * * *",
			SubscriberSync: "*/30 * * * *",
			Timezone:       "UTC",
			DueBatchSize:   500,
		},
		Directory: DirectoryConfig{
			Database:       "app",
			Collection:     "users",
			ConnectTimeout: 10 * time.Second,
			BatchSize:      500,
		},
		EventBus: EventBusConfig{
			StreamName:    "TGE_EVENTS",
			DurablePrefix: "tge",
			QueueGroup:    "tge",
			CloseTimeout:  10 * time.Second,
		},
		Health: HealthConfig{
			FailedThreshold:  50,
			WaitingThreshold: 1000,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      15 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
			CORSOrigins:       []string{},
			MaxBodyBytes:      1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads DotEnvFile when present. A missing file is fine.
func loadDotEnv() error {
	if DotEnvFile == "" {
		return nil
	}
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", DotEnvFile, err)
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths are split on commas when they arrive as a string.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variables (lowercased) to koanf paths.
var envMappings = map[string]string{
	"database_driver":            "database.driver",
	"database_url":               "database.dsn",
	"database_max_open_conns":    "database.max_open_conns",
	"database_max_idle_conns":    "database.max_idle_conns",
	"database_conn_max_lifetime": "database.conn_max_lifetime",
	"database_connect_retries":   "database.connect_retries",
	"database_slow_query":        "database.slow_query",

	"redis_addr":     "redis.addr",
	"redis_password": "redis.password",
	"redis_db":       "redis.db",

	"telegram_bot_token":            "telegram.bot_token",
	"telegram_api_url":              "telegram.base_url",
	"telegram_timeout":              "telegram.timeout",
	"telegram_breaker_min_requests": "telegram.breaker_min_requests",
	"telegram_breaker_failure_rate": "telegram.breaker_failure_rate",
	"telegram_breaker_open_timeout": "telegram.breaker_open_timeout",

	"ratelimit_backend":     "ratelimit.backend",
	"ratelimit_badger_path": "ratelimit.badger_path",
	"ratelimit_prefix":      "ratelimit.prefix",
	"ratelimit_per_second":  "ratelimit.per_second",
	"ratelimit_per_minute":  "ratelimit.per_minute",
	"ratelimit_per_day":     "ratelimit.per_day",

	"queue_backend":                "queues.backend",
	"queue_poll_interval":          "queues.poll_interval",
	"queue_lease_grace":            "queues.lease_grace",
	"queue_trigger_interval":       "queues.trigger_interval",
	"queue_janitor_interval":       "queues.janitor_interval",
	"queue_lock_ttl":               "queues.lock_ttl",
	"queue_event_concurrency":      "queues.event_concurrency",
	"queue_automation_concurrency": "queues.automation_concurrency",
	"queue_campaign_concurrency":   "queues.campaign_concurrency",
	"queue_attempts":               "queues.attempts",
	"queue_backoff":                "queues.backoff",
	"queue_keep_completed":         "queues.keep_completed",
	"queue_keep_failed":            "queues.keep_failed",

	"campaign_parallelism": "campaign.parallelism",
	"campaign_per_second":  "campaign.per_second",
	"campaign_burst":       "campaign.burst",

	"cron_minute_tick":     "cron.minute_tick",
	"cron_daily_stats":     "cron.daily_stats",
	"cron_subscriber_sync": "cron.subscriber_sync",
	"cron_timezone":        "cron.timezone",
	"cron_due_batch_size":  "cron.due_batch_size",

	"directory_enabled":         "directory.enabled",
	"directory_mongo_uri":       "directory.mongo_uri",
	"directory_database":        "directory.database",
	"directory_collection":      "directory.collection",
	"directory_connect_timeout": "directory.connect_timeout",
	"directory_batch_size":      "directory.batch_size",

	"nats_url":               "eventbus.nats_url",
	"nats_stream":            "eventbus.stream_name",
	"nats_durable_prefix":    "eventbus.durable_prefix",
	"nats_queue_group":       "eventbus.queue_group",
	"eventbus_close_timeout": "eventbus.close_timeout",

	"health_failed_threshold":  "health.failed_threshold",
	"health_waiting_threshold": "health.waiting_threshold",

	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_read_timeout":     "server.read_timeout",
	"http_write_timeout":    "server.write_timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"rate_limit_requests":   "server.rate_limit_requests",
	"rate_limit_window":     "server.rate_limit_window",
	"disable_rate_limit":    "server.rate_limit_disabled",
	"cors_origins":          "server.cors_origins",
	"http_max_body_bytes":   "server.max_body_bytes",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps a variable name to its koanf path. Unknown
// variables map to "" and are skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
