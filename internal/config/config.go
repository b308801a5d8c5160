// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package config loads the engine configuration.
//
// Sources are layered, later ones winning:
//  1. built-in defaults
//  2. an optional YAML file (CONFIG_PATH, ./config.yaml, /etc/telegram-engine/config.yaml)
//  3. environment variables, after .env has been loaded into the process
//
// Only the variables listed in envMappings are read.
package config

import "time"

// Config is the full engine configuration.
type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Telegram  TelegramConfig  `koanf:"telegram"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Queues    QueuesConfig    `koanf:"queues"`
	Campaign  CampaignConfig  `koanf:"campaign"`
	Cron      CronConfig      `koanf:"cron"`
	Directory DirectoryConfig `koanf:"directory"`
	EventBus  EventBusConfig  `koanf:"eventbus"`
	Health    HealthConfig    `koanf:"health"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// DatabaseConfig selects the gorm dialect.
type DatabaseConfig struct {
	// Driver is postgres or sqlite.
	Driver          string        `koanf:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `koanf:"dsn" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectRetries  int           `koanf:"connect_retries" validate:"gte=0"`
	SlowQuery       time.Duration `koanf:"slow_query"`
}

// RedisConfig is used by the redis rate-limit counter and the trigger
// lock. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `koanf:"addr" validate:"omitempty,hostname_port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// TelegramConfig configures the Bot API client.
type TelegramConfig struct {
	BotToken           string        `koanf:"bot_token" validate:"required"`
	BaseURL            string        `koanf:"base_url" validate:"required,url"`
	Timeout            time.Duration `koanf:"timeout"`
	BreakerMinRequests uint32        `koanf:"breaker_min_requests"`
	BreakerFailureRate float64       `koanf:"breaker_failure_rate" validate:"gte=0,lte=1"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`
}

// RateLimitConfig caps Bot API sends.
type RateLimitConfig struct {
	// Backend is where window counters live: memory, redis or badger.
	Backend    string `koanf:"backend" validate:"oneof=memory redis badger"`
	BadgerPath string `koanf:"badger_path"`
	Prefix     string `koanf:"prefix"`
	PerSecond  int64  `koanf:"per_second" validate:"gte=1"`
	PerMinute  int64  `koanf:"per_minute" validate:"gte=1"`
	PerDay     int64  `koanf:"per_day" validate:"gte=1"`
}

// QueuesConfig tunes the job registry and per-queue workers.
type QueuesConfig struct {
	// Backend is gorm (durable) or memory (single process, tests).
	Backend         string        `koanf:"backend" validate:"oneof=gorm memory"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	LeaseGrace      time.Duration `koanf:"lease_grace"`
	TriggerInterval time.Duration `koanf:"trigger_interval"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
	LockTTL         time.Duration `koanf:"lock_ttl"`

	EventConcurrency      int `koanf:"event_concurrency" validate:"gte=1"`
	AutomationConcurrency int `koanf:"automation_concurrency" validate:"gte=1"`
	CampaignConcurrency   int `koanf:"campaign_concurrency" validate:"gte=1"`

	Attempts      int           `koanf:"attempts" validate:"gte=1"`
	Backoff       time.Duration `koanf:"backoff"`
	KeepCompleted time.Duration `koanf:"keep_completed"`
	KeepFailed    time.Duration `koanf:"keep_failed"`
}

// CampaignConfig paces campaign fan-out inside one job.
type CampaignConfig struct {
	Parallelism int     `koanf:"parallelism" validate:"gte=1"`
	PerSecond   float64 `koanf:"per_second" validate:"gt=0"`
	Burst       int     `koanf:"burst" validate:"gte=1"`
}

// CronConfig holds the recurring schedules. An empty expression disables
// that tick.
type CronConfig struct {
	MinuteTick     string `koanf:"minute_tick"`
	DailyStats     string `koanf:"daily_stats"`
	SubscriberSync string `koanf:"subscriber_sync"`
	Timezone       string `koanf:"timezone" validate:"required"`
	DueBatchSize   int    `koanf:"due_batch_size" validate:"gte=1"`
}

// DirectoryConfig points at the external user directory.
type DirectoryConfig struct {
	Enabled        bool          `koanf:"enabled"`
	MongoURI       string        `koanf:"mongo_uri"`
	Database       string        `koanf:"database"`
	Collection     string        `koanf:"collection"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	BatchSize      int32         `koanf:"batch_size" validate:"gte=0"`
}

// EventBusConfig selects the domain event transport. An empty NATSURL keeps
// events in process.
type EventBusConfig struct {
	NATSURL       string        `koanf:"nats_url" validate:"omitempty,url"`
	StreamName    string        `koanf:"stream_name"`
	DurablePrefix string        `koanf:"durable_prefix"`
	QueueGroup    string        `koanf:"queue_group"`
	CloseTimeout  time.Duration `koanf:"close_timeout"`
}

// HealthConfig holds queue alert thresholds. Zero disables a check.
type HealthConfig struct {
	FailedThreshold  int64 `koanf:"failed_threshold" validate:"gte=0"`
	WaitingThreshold int64 `koanf:"waiting_threshold" validate:"gte=0"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"gte=1,lte=65535"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes" validate:"gte=1"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}
