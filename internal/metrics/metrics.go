// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package metrics holds the Prometheus collectors for the engine. They are
// exposed on /metrics by the api package.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tge_events_ingested_total",
			Help: "Inbound events by type and outcome (stored, duplicate, rejected)",
		},
		[]string{"event_type", "outcome"},
	)

	// Job queue
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tge_jobs_processed_total",
			Help: "Jobs finished by queue and outcome (completed, retried, failed)",
		},
		[]string{"queue", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tge_job_duration_seconds",
			Help:    "Handler execution time by queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	QueueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tge_queue_jobs",
			Help: "Jobs per queue and state (waiting, active, delayed, failed)",
		},
		[]string{"queue", "state"},
	)

	QueueAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tge_queue_alerts_total",
			Help: "Threshold alerts raised by the queue health monitor",
		},
		[]string{"queue", "kind"},
	)

	// Delivery
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tge_messages_total",
			Help: "Bot API send attempts by origin and result",
		},
		[]string{"origin", "result"},
	)

	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tge_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a send slot",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		},
	)

	RateLimitRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tge_rate_limit_rejected_total",
			Help: "Sends refused immediately because a cap was reached",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tge_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Automations
	EnrollmentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tge_enrollments_created_total",
			Help: "Enrollments created per automation",
		},
		[]string{"automation_id"},
	)

	EnrollmentsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tge_enrollments_blocked_total",
			Help: "Enrollments not created because an active one exists",
		},
	)

	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tge_steps_executed_total",
			Help: "Automation steps executed by type and disposition",
		},
		[]string{"step_type", "disposition"},
	)

	EnrollmentsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tge_enrollments_claimed_total",
			Help: "Due enrollments claimed by the picker",
		},
	)

	// Campaigns and sync
	CampaignsLaunched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tge_campaigns_launched_total",
			Help: "Scheduled campaigns moved to sending",
		},
	)

	SubscribersSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tge_subscribers_synced_total",
			Help: "Directory sync records by outcome (created, updated, failed)",
		},
		[]string{"outcome"},
	)

	CronHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tge_cron_handler_duration_seconds",
			Help:    "Duration of individual cron handlers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "status"},
	)

	// HTTP
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tge_api_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tge_api_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tge_api_active_requests",
			Help: "HTTP requests currently being served",
		},
	)
)

// RecordJob records a finished job.
func RecordJob(queue, outcome string, took time.Duration) {
	JobsProcessed.WithLabelValues(queue, outcome).Inc()
	JobDuration.WithLabelValues(queue).Observe(took.Seconds())
}

// RecordSend records one Bot API send attempt.
func RecordSend(origin string, ok bool) {
	result := "sent"
	if !ok {
		result = "failed"
	}
	MessagesSent.WithLabelValues(origin, result).Inc()
}

// RecordCronHandler records one handler run inside a cron tick.
func RecordCronHandler(name string, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	CronHandlerDuration.WithLabelValues(name, status).Observe(took.Seconds())
}

// RecordAPIRequest records one served HTTP request.
func RecordAPIRequest(method, route, status string, took time.Duration) {
	APIRequests.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
