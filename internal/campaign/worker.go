// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

// Package campaign fans a campaign out to its recipients.
//
// A send-campaign job delivers to every matching active subscriber once.
// Every attempt leaves a delivery record, and a retried job skips the
// subscribers that already have one, so a crash or timeout resumes the
// fan-out instead of starting it over.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/models"
	"github.com/tomtom215/telegram-engine/internal/sender"
)

const (
	// QueueName is the queue that runs campaign fan-outs.
	QueueName = "send-campaign"

	// JobSendCampaign is the job name used on QueueName.
	JobSendCampaign = "send-campaign"
)

// Store is the persistence the worker needs.
type Store interface {
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	CampaignRecipients(ctx context.Context, c *models.Campaign) ([]models.Subscriber, error)
	DeliveredSubscriberIDs(ctx context.Context, campaignID string) (map[string]struct{}, error)
	CampaignDeliveryCounts(ctx context.Context, campaignID string) (sent, failed int, err error)
	CreateDelivery(ctx context.Context, d *models.MessageDelivery) error
	MarkSubscriberUnreachable(ctx context.Context, id string, now time.Time) error
	TouchSubscriber(ctx context.Context, id string, at time.Time) error
	FinishCampaign(ctx context.Context, id string, r models.CampaignResult) error
}

// Sender sends one message. *sender.Sender satisfies it.
type Sender interface {
	Send(ctx context.Context, chatID int64, text, parseMode string) sender.Result
}

// Payload is the send-campaign job payload.
type Payload struct {
	CampaignID string `json:"campaignId"`
}

// JobID is the deterministic ID of a campaign's fan-out job.
func JobID(campaignID string) string {
	return "campaign:" + campaignID
}

// Config tunes the fan-out.
type Config struct {
	// Parallelism is the number of concurrent senders per campaign.
	Parallelism int

	// PerSecond paces this worker below the shared limiter so one campaign
	// leaves room for automation traffic. Zero disables local pacing.
	PerSecond float64
	Burst     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Parallelism: 4, PerSecond: 20, Burst: 5}
}

// Report summarizes one Run.
type Report struct {
	CampaignID string
	Skipped    int
	Attempted  int
	Sent       int
	Failed     int
	Status     models.CampaignStatus
}

// Worker handles send-campaign jobs.
type Worker struct {
	store  Store
	sender Sender
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewWorker creates a Worker.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewWorker(store Store, snd Sender, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Worker{
		store:  store,
		sender: snd,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "campaign-worker").Logger(),
	}
}

// HandleJob is the jobs.Handler for QueueName.
func (w *Worker) HandleJob(ctx context.Context, job *jobs.Job) error {
	var p Payload
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := w.Run(ctx, p.CampaignID)
	if errors.Is(err, models.ErrNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil && (job.LastAttempt() || jobs.IsPermanent(err)) {
		w.abandon(ctx, p.CampaignID, err)
	}
	return err
}

// abandon closes a campaign whose fan-out will not be retried. Deliveries
// already recorded are kept in the tally.
func (w *Worker) abandon(ctx context.Context, campaignID string, cause error) {
	log := logging.Ctx(ctx, w.logger).With().Str("campaign_id", campaignID).Logger()
	rctx := context.WithoutCancel(ctx)

	sent, failed, err := w.store.CampaignDeliveryCounts(rctx, campaignID)
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("tally abandoned campaign failed")
		return
	}
	result := models.CampaignResult{
		Status:          models.CampaignFailed,
		TotalRecipients: sent + failed,
		SentCount:       sent,
		FailedCount:     failed,
		CompletedAt:     w.now().UTC(),
	}
	if err := w.store.FinishCampaign(rctx, campaignID, result); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("finish abandoned campaign failed")
		return
	}
	log.Error().Err(cause).Int("sent", sent).Int("failed", failed).Msg("campaign retries exhausted, marked failed")
}

// Run delivers campaignID to every recipient without a delivery record
// and writes the final tally. A campaign that is not sending is left
// alone and yields a nil Report.
func (w *Worker) Run(ctx context.Context, campaignID string) (*Report, error) {
	log := logging.Ctx(ctx, w.logger).With().Str("campaign_id", campaignID).Logger()

	c, err := w.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if c.Status != models.CampaignSending {
		log.Debug().Str("status", string(c.Status)).Msg("campaign not sending, skipping")
		return nil, nil
	}

	recipients, err := w.store.CampaignRecipients(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	done, err := w.store.DeliveredSubscriberIDs(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load delivered recipients: %w", err)
	}

	pending := make([]models.Subscriber, 0, len(recipients))
	for i := range recipients {
		if _, ok := done[recipients[i].ID]; !ok {
			pending = append(pending, recipients[i])
		}
	}
	report := &Report{CampaignID: c.ID, Skipped: len(recipients) - len(pending)}

	log.Info().
		Int("recipients", len(recipients)).
		Int("pending", len(pending)).
		Int("parallelism", w.cfg.Parallelism).
		Msg("starting campaign fan-out")

	if err := w.fanOut(ctx, log, c, pending, report); err != nil {
		// Records written so far let the retry resume.
		return report, err
	}

	sent, failed, err := w.store.CampaignDeliveryCounts(ctx, c.ID)
	if err != nil {
		return report, fmt.Errorf("tally deliveries: %w", err)
	}
	status := models.CampaignCompleted
	if sent == 0 && failed > 0 {
		status = models.CampaignFailed
	}
	result := models.CampaignResult{
		Status:          status,
		TotalRecipients: sent + failed,
		SentCount:       sent,
		FailedCount:     failed,
		CompletedAt:     w.now().UTC(),
	}
	if err := w.store.FinishCampaign(ctx, c.ID, result); err != nil {
		return report, fmt.Errorf("finish campaign: %w", err)
	}
	report.Status = status

	log.Info().
		Str("status", string(status)).
		Int("sent", sent).
		Int("failed", failed).
		Int("skipped", report.Skipped).
		Msg("campaign finished")
	return report, nil
}

type outcome struct {
	sent bool
	err  error
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func (w *Worker) fanOut(ctx context.Context, log zerolog.Logger, c *models.Campaign, pending []models.Subscriber, report *Report) error {
	if len(pending) == 0 {
		return nil
	}

	var pace *rate.Limiter
	if w.cfg.PerSecond > 0 {
		pace = rate.NewLimiter(rate.Limit(w.cfg.PerSecond), w.cfg.Burst)
	}

	work := make(chan *models.Subscriber)
	results := make(chan outcome, len(pending))
	var wg sync.WaitGroup

	workers := w.cfg.Parallelism
	if workers > len(pending) {
		workers = len(pending)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range work {
				results <- w.deliver(ctx, log, c, sub, pace)
			}
		}()
	}

feed:
	for i := range pending {
		select {
		case work <- &pending[i]:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()
	close(results)

	var errs []error
	for r := range results {
		switch {
		case r.err != nil:
			errs = append(errs, r.err)
		case r.sent:
			report.Attempted++
			report.Sent++
		default:
			report.Attempted++
			report.Failed++
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("campaign %s interrupted after %d sends: %w", c.ID, report.Attempted, errors.Join(errs...))
	}
	return nil
}

// deliver sends to one subscriber and records the outcome. An error means
// nothing was recorded and the subscriber is retried on resume.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func (w *Worker) deliver(ctx context.Context, log zerolog.Logger, c *models.Campaign, sub *models.Subscriber, pace *rate.Limiter) outcome {
	if pace != nil {
		if err := pace.Wait(ctx); err != nil {
			return outcome{err: err}
		}
	}

	delivery := &models.MessageDelivery{
		SubscriberID: sub.ID,
		CampaignID:   c.ID,
		Status:       models.DeliveryFailed,
	}

	text, _, ok := c.Messages.Pick(sub.Language, models.DefaultLanguage)
	if !ok {
		delivery.Error = "no message variant"
		if err := w.store.CreateDelivery(ctx, delivery); err != nil {
			return outcome{err: fmt.Errorf("record delivery: %w", err)}
		}
		return outcome{}
	}

	res := w.sender.Send(ctx, sub.TelegramChatID, text, c.ParseMode)
	if !res.OK && ctx.Err() != nil {
		// Shutdown, not a delivery outcome.
		return outcome{err: ctx.Err()}
	}

	now := w.now().UTC()
	if res.OK {
		delivery.Status = models.DeliverySent
		delivery.TelegramMessageID = res.MessageID
		delivery.SentAt = &now
	} else {
		delivery.Error = res.Err.Error()
		if len(delivery.Error) > 512 {
			delivery.Error = delivery.Error[:512]
		}
		delivery.Retriable = res.Retriable
	}
	// Record without the job's deadline so a finished send is never lost.
	rctx := context.WithoutCancel(ctx)
	if err := w.store.CreateDelivery(rctx, delivery); err != nil {
		return outcome{err: fmt.Errorf("record delivery for %s: %w", sub.ID, err)}
	}

	switch {
	case res.OK:
		if err := w.store.TouchSubscriber(rctx, sub.ID, now); err != nil {
			log.Warn().Err(err).Str("subscriber_id", sub.ID).Msg("touch subscriber failed")
		}
	case res.Unreachable:
		if err := w.store.MarkSubscriberUnreachable(rctx, sub.ID, now); err != nil {
			log.Warn().Err(err).Str("subscriber_id", sub.ID).Msg("mark unreachable failed")
		}
	default:
		log.Debug().Err(res.Err).Str("subscriber_id", sub.ID).Msg("campaign send failed")
	}
	return outcome{sent: res.OK}
}
