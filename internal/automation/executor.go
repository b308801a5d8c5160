// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/telegram-engine/internal/jobs"
	"github.com/tomtom215/telegram-engine/internal/logging"
	"github.com/tomtom215/telegram-engine/internal/metrics"
	"github.com/tomtom215/telegram-engine/internal/models"
)

// DispositionKind says what happens to an enrollment after a step.
type DispositionKind int

const (
	// Terminate means no further job is needed: the enrollment finished,
	// was cancelled or the job was stale.
	Terminate DispositionKind = iota

	// Reschedule means the enrollment waits until At. The due picker
	// resumes it.
	Reschedule

	// RequeueNow means Step is due immediately and the caller should
	// enqueue it.
	RequeueNow
)

func (k DispositionKind) String() string {
	switch k {
	case Terminate:
		return "terminate"
	case Reschedule:
		return "reschedule"
	case RequeueNow:
		return "requeue"
	default:
		return "unknown"
	}
}

// Disposition is the result of one ExecuteStep call.
type Disposition struct {
	Kind DispositionKind
	At   time.Time
	Step int
}

// Executor runs one automation step per call.
type Executor struct {
	store  Store
	sender Sender
	queue  Queue
	now    func() time.Time
	logger zerolog.Logger
}

// NewExecutor creates an Executor. queue is used by HandleJob to enqueue
// follow-up steps.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewExecutor(store Store, sender Sender, queue Queue, logger zerolog.Logger) *Executor {
	return &Executor{
		store:  store,
		sender: sender,
		queue:  queue,
		now:    time.Now,
		logger: logger.With().Str("component", "automation-executor").Logger(),
	}
}

// HandleJob is the jobs.Handler for QueueName.
func (x *Executor) HandleJob(ctx context.Context, job *jobs.Job) error {
	var payload StepPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if payload.EnrollmentID == "" {
		return jobs.Permanent(errors.New("execute step: empty enrollment id"))
	}

	d, err := x.execute(ctx, payload.EnrollmentID, payload.StepOrder, job.LastAttempt())
	if err != nil {
		return err
	}
	if d.Kind == RequeueNow {
		// The enrollment also carries NextExecuteAt=now, so the due picker
		// recovers the step if this enqueue is lost.
		if err := EnqueueStep(ctx, x.queue, payload.EnrollmentID, d.Step); err != nil {
			log := logging.Ctx(ctx, x.logger)
			log.Warn().Err(err).Str("enrollment_id", payload.EnrollmentID).Msg("requeue failed")
		}
	}
	return nil
}

// ExecuteStep runs step expectedStep of an enrollment. A job whose step no
// longer matches the enrollment is stale and terminates without effect.
// A returned error means the step should be retried; the enrollment has
// not moved.
func (x *Executor) ExecuteStep(ctx context.Context, enrollmentID string, expectedStep int) (Disposition, error) {
	return x.execute(ctx, enrollmentID, expectedStep, false)
}

// execute runs one step. On the final attempt a retriable send failure is
// recorded and the enrollment advances like after a permanent failure.
func (x *Executor) execute(ctx context.Context, enrollmentID string, expectedStep int, final bool) (Disposition, error) {
	log := logging.Ctx(ctx, x.logger).With().Str("enrollment_id", enrollmentID).Logger()

	enrollment, err := x.store.GetEnrollment(ctx, enrollmentID)
	if errors.Is(err, models.ErrNotFound) {
		log.Debug().Msg("enrollment gone, dropping job")
		return Disposition{Kind: Terminate}, nil
	}
	if err != nil {
		return Disposition{}, fmt.Errorf("load enrollment: %w", err)
	}
	if enrollment.Status != models.EnrollmentActive {
		log.Debug().Str("status", string(enrollment.Status)).Msg("enrollment not active, dropping job")
		return Disposition{Kind: Terminate}, nil
	}
	if enrollment.CurrentStepOrder != expectedStep {
		log.Debug().
			Int("job_step", expectedStep).
			Int("current_step", enrollment.CurrentStepOrder).
			Msg("stale step job")
		return Disposition{Kind: Terminate}, nil
	}

	automation, err := x.store.GetAutomation(ctx, enrollment.AutomationID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn().Str("automation_id", enrollment.AutomationID).Msg("automation deleted, cancelling enrollment")
		return x.finish(ctx, enrollment, models.EnrollmentCancelled)
	}
	if err != nil {
		return Disposition{}, fmt.Errorf("load automation: %w", err)
	}

	step, ok := automation.StepAt(enrollment.CurrentStepOrder)
	if !ok {
		return x.finish(ctx, enrollment, models.EnrollmentCompleted)
	}

	var d Disposition
	switch step.Type {
	case models.StepWait:
		d, err = x.wait(ctx, enrollment, step)
	case models.StepSendMessage:
		d, err = x.send(ctx, log, enrollment, automation, step, final)
	default:
		log.Warn().Str("step_type", string(step.Type)).Int("step", step.StepOrder).Msg("unknown step type, skipping")
		d, err = x.advance(ctx, enrollment, automation, step.StepOrder)
	}
	if err != nil {
		metrics.StepsExecuted.WithLabelValues(string(step.Type), "retry").Inc()
		return Disposition{}, err
	}
	metrics.StepsExecuted.WithLabelValues(string(step.Type), d.Kind.String()).Inc()
	return d, nil
}

func (x *Executor) wait(ctx context.Context, enrollment *models.AutomationEnrollment, step *models.AutomationStep) (Disposition, error) {
	now := x.now().UTC()
	at := now.Add(step.Delay())
	return x.save(ctx, enrollment, step.StepOrder+1, at, Disposition{Kind: Reschedule, At: at})
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func (x *Executor) send(ctx context.Context, log zerolog.Logger, enrollment *models.AutomationEnrollment, automation *models.Automation, step *models.AutomationStep, final bool) (Disposition, error) {
	sub, err := x.store.GetSubscriber(ctx, enrollment.SubscriberID)
	if errors.Is(err, models.ErrNotFound) {
		log.Info().Str("subscriber_id", enrollment.SubscriberID).Msg("subscriber gone, cancelling enrollment")
		return x.finish(ctx, enrollment, models.EnrollmentCancelled)
	}
	if err != nil {
		return Disposition{}, fmt.Errorf("load subscriber: %w", err)
	}
	if sub.Status == models.SubscriberUnsubscribed || sub.UnsubscribedAt != nil {
		log.Info().Str("subscriber_id", sub.ID).Msg("subscriber unsubscribed, cancelling enrollment")
		return x.finish(ctx, enrollment, models.EnrollmentCancelled)
	}

	order := step.StepOrder
	delivery := &models.MessageDelivery{
		SubscriberID: sub.ID,
		EnrollmentID: enrollment.ID,
		StepOrder:    &order,
		Status:       models.DeliveryFailed,
	}

	if sub.Status == models.SubscriberUnreachable {
		delivery.Error = "subscriber unreachable"
		if err := x.store.CreateDelivery(ctx, delivery); err != nil {
			return Disposition{}, fmt.Errorf("record delivery: %w", err)
		}
		return x.advance(ctx, enrollment, automation, step.StepOrder)
	}

	text, lang, ok := step.Messages.Pick(sub.Language, models.DefaultLanguage)
	if !ok {
		log.Warn().Int("step", step.StepOrder).Str("automation_id", automation.ID).Msg("step has no message text")
		delivery.Error = "no message variant"
		if err := x.store.CreateDelivery(ctx, delivery); err != nil {
			return Disposition{}, fmt.Errorf("record delivery: %w", err)
		}
		return x.advance(ctx, enrollment, automation, step.StepOrder)
	}

	res := x.sender.Send(ctx, sub.TelegramChatID, text, step.ParseMode)
	now := x.now().UTC()
	if res.OK {
		delivery.Status = models.DeliverySent
		delivery.TelegramMessageID = res.MessageID
		delivery.SentAt = &now
	} else {
		delivery.Error = truncateError(res.Err)
		delivery.Retriable = res.Retriable
	}
	if err := x.store.CreateDelivery(ctx, delivery); err != nil {
		// The message may already be out. A retry re-sends it, which is
		// within at-least-once delivery.
		return Disposition{}, fmt.Errorf("record delivery: %w", err)
	}

	switch {
	case res.OK:
		if err := x.store.TouchSubscriber(ctx, sub.ID, now); err != nil {
			log.Warn().Err(err).Str("subscriber_id", sub.ID).Msg("touch subscriber failed")
		}
		log.Debug().Int("step", step.StepOrder).Str("lang", lang).Msg("step message sent")
	case res.Retriable && !final:
		return Disposition{}, fmt.Errorf("send step %d: %w", step.StepOrder, res.Err)
	case res.Retriable:
		log.Warn().Err(res.Err).Int("step", step.StepOrder).Msg("step retries exhausted, moving on")
	case res.Unreachable:
		if err := x.store.MarkSubscriberUnreachable(ctx, sub.ID, now); err != nil {
			log.Warn().Err(err).Str("subscriber_id", sub.ID).Msg("mark unreachable failed")
		}
		log.Info().Err(res.Err).Str("subscriber_id", sub.ID).Msg("subscriber unreachable")
	default:
		log.Warn().Err(res.Err).Int("step", step.StepOrder).Msg("step send failed permanently")
	}

	return x.advance(ctx, enrollment, automation, step.StepOrder)
}

// advance moves past a finished step. A following wait step is consumed
// here so the wait starts counting from the send.
func (x *Executor) advance(ctx context.Context, enrollment *models.AutomationEnrollment, automation *models.Automation, done int) (Disposition, error) {
	now := x.now().UTC()
	next, ok := automation.StepAt(done + 1)
	if !ok {
		return x.finish(ctx, enrollment, models.EnrollmentCompleted)
	}
	if next.Type == models.StepWait {
		at := now.Add(next.Delay())
		return x.save(ctx, enrollment, next.StepOrder+1, at, Disposition{Kind: Reschedule, At: at})
	}
	return x.save(ctx, enrollment, next.StepOrder, now, Disposition{Kind: RequeueNow, At: now, Step: next.StepOrder})
}

func (x *Executor) save(ctx context.Context, enrollment *models.AutomationEnrollment, step int, at time.Time, d Disposition) (Disposition, error) {
	err := x.store.SaveEnrollmentProgress(ctx, enrollment.ID, step, &at, x.now().UTC())
	if errors.Is(err, models.ErrNotFound) {
		// Cancelled while the step ran.
		return Disposition{Kind: Terminate}, nil
	}
	if err != nil {
		return Disposition{}, fmt.Errorf("save progress: %w", err)
	}
	return d, nil
}

func (x *Executor) finish(ctx context.Context, enrollment *models.AutomationEnrollment, status models.EnrollmentStatus) (Disposition, error) {
	now := x.now().UTC()
	var err error
	if status == models.EnrollmentCompleted {
		err = x.store.CompleteEnrollment(ctx, enrollment.ID, now)
	} else {
		err = x.store.CancelEnrollment(ctx, enrollment.ID, now)
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return Disposition{}, fmt.Errorf("%s enrollment: %w", status, err)
	}
	return Disposition{Kind: Terminate}, nil
}

const maxDeliveryError = 512

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > maxDeliveryError {
		s = s[:maxDeliveryError]
	}
	return s
}
