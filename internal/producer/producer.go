// Package producer turns domain events into delivery tasks, one per interested subscriber.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
	"booking-webhook-pipeline/internal/queue"
	"booking-webhook-pipeline/internal/telemetry"
)

// ErrInvalidParams is returned when an event lacks its required correlation fields.
var ErrInvalidParams = errors.New("invalid webhook params")

// SubscriberResolver finds the active subscriptions of a trigger within an ownership scope.
type SubscriberResolver interface {
	ResolveSubscribers(ctx context.Context, trigger payloads.TriggerEvent, scope models.Scope) ([]models.Subscriber, error)
}

// Params pairs an event payload with the ids used to find its subscribers.
type Params[T any] struct {
	Scope   models.Scope
	Payload T
}

// WebhookProducer queues webhook deliveries and billing usage increments. Apart from parameter
// validation it never returns an error: resolution and submission failures are logged, counted
// and dropped so the calling business operation is never blocked by notification plumbing.
type WebhookProducer struct {
	resolver SubscriberResolver
	backend  DeliveryBackend
	log      *zap.Logger
	now      func() time.Time
}

// New constructs a producer.
func New(resolver SubscriberResolver, backend DeliveryBackend, log *zap.Logger) *WebhookProducer {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookProducer{
		resolver: resolver,
		backend:  backend,
		log:      log.Named("producer"),
		now:      time.Now,
	}
}

func (p *WebhookProducer) QueueBookingCreatedWebhook(ctx context.Context, params Params[payloads.BookingPayload]) error {
	return queueWebhook(ctx, p, payloads.BookingCreated, params)
}

func (p *WebhookProducer) QueueBookingCancelledWebhook(ctx context.Context, params Params[payloads.BookingCancelledPayload]) error {
	return queueWebhook(ctx, p, payloads.BookingCancelled, params)
}

func (p *WebhookProducer) QueueBookingRescheduledWebhook(ctx context.Context, params Params[payloads.BookingRescheduledPayload]) error {
	return queueWebhook(ctx, p, payloads.BookingRescheduled, params)
}

func (p *WebhookProducer) QueueBookingRequestedWebhook(ctx context.Context, params Params[payloads.BookingPayload]) error {
	return queueWebhook(ctx, p, payloads.BookingRequested, params)
}

func (p *WebhookProducer) QueueBookingRejectedWebhook(ctx context.Context, params Params[payloads.BookingRejectedPayload]) error {
	return queueWebhook(ctx, p, payloads.BookingRejected, params)
}

func (p *WebhookProducer) QueueBookingPaymentInitiatedWebhook(ctx context.Context, params Params[payloads.BookingPaymentInitiatedPayload]) error {
	return queueWebhook(ctx, p, payloads.BookingPaymentInitiated, params)
}

func (p *WebhookProducer) QueueBookingPaidWebhook(ctx context.Context, params Params[payloads.BookingPaymentInitiatedPayload]) error {
	return queueWebhook(ctx, p, payloads.BookingPaid, params)
}

func (p *WebhookProducer) QueueBookingNoShowUpdatedWebhook(ctx context.Context, params Params[payloads.BookingNoShowUpdatedPayload]) error {
	return queueWebhook(ctx, p, payloads.BookingNoShowUpdated, params)
}

func (p *WebhookProducer) QueueFormSubmittedWebhook(ctx context.Context, params Params[payloads.FormSubmittedPayload]) error {
	return queueWebhook(ctx, p, payloads.FormSubmitted, params)
}

func (p *WebhookProducer) QueueRecordingReadyWebhook(ctx context.Context, params Params[payloads.RecordingReadyPayload]) error {
	return queueWebhook(ctx, p, payloads.RecordingReady, params)
}

func (p *WebhookProducer) QueueOOOCreatedWebhook(ctx context.Context, params Params[payloads.OOOCreatedPayload]) error {
	return queueWebhook(ctx, p, payloads.OOOCreated, params)
}

func queueWebhook[T any](ctx context.Context, p *WebhookProducer, trigger payloads.TriggerEvent, params Params[T]) error {
	if err := payloads.Validate(params.Payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, trigger, err)
	}

	log := p.log.With(zap.String("trigger", trigger.String()))
	subscribers, err := p.resolver.ResolveSubscribers(ctx, trigger, params.Scope)
	if err != nil {
		log.Error("resolve subscribers", zap.Error(err))
		telemetry.ProducerErrors.WithLabelValues(trigger.String(), "resolve").Inc()
		return nil
	}
	if len(subscribers) == 0 {
		log.Debug("no subscribers")
		return nil
	}

	createdAt := p.now()
	for _, sub := range subscribers {
		body, err := payloads.Render(trigger, sub.PayloadVersion, createdAt, params.Payload)
		if err != nil {
			log.Error("render payload", zap.String("subscriber_id", sub.ID), zap.Error(err))
			telemetry.ProducerErrors.WithLabelValues(trigger.String(), "render").Inc()
			continue
		}
		task, err := p.backend.Submit(ctx, Submission{
			Queue:        queue.WebhookDelivery,
			Type:         models.TaskTypeWebhookDelivery,
			Trigger:      trigger,
			SubscriberID: sub.ID,
			Payload:      body,
		})
		if err != nil {
			log.Error("submit delivery task", zap.String("subscriber_id", sub.ID), zap.Error(err))
			telemetry.ProducerErrors.WithLabelValues(trigger.String(), "submit").Inc()
			continue
		}
		telemetry.TasksSubmitted.WithLabelValues(queue.WebhookDelivery, trigger.String()).Inc()
		log.Debug("delivery task submitted", zap.String("task_id", task.ID), zap.String("subscriber_id", sub.ID))
	}
	return nil
}

// QueueUsageIncrement submits one billing-queue task that adds usage to a metered item.
// Submission failures are logged and swallowed like webhook deliveries.
func (p *WebhookProducer) QueueUsageIncrement(ctx context.Context, usage payloads.UsageIncrementPayload) error {
	err := p.SubmitUsageIncrement(ctx, usage)
	if err != nil && !errors.Is(err, ErrInvalidParams) {
		return nil
	}
	return err
}

// SubmitUsageIncrement is QueueUsageIncrement for callers that must not record the usage as
// reported unless the task exists, such as billing reconciliation. It returns submission errors.
func (p *WebhookProducer) SubmitUsageIncrement(ctx context.Context, usage payloads.UsageIncrementPayload) error {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = p.now().UTC()
	}
	if err := payloads.Validate(usage); err != nil {
		return fmt.Errorf("%w: usage increment: %v", ErrInvalidParams, err)
	}
	body, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("%w: usage increment: %v", ErrInvalidParams, err)
	}
	task, err := p.backend.Submit(ctx, Submission{
		Queue:          queue.Billing,
		Type:           models.TaskTypeUsageIncrement,
		Payload:        body,
		IdempotencyKey: usage.IdempotencyKey,
	})
	if err != nil {
		p.log.Error("submit usage increment",
			zap.String("subscription_id", usage.SubscriptionID),
			zap.Error(err))
		telemetry.ProducerErrors.WithLabelValues("USAGE_INCREMENT", "submit").Inc()
		return fmt.Errorf("submit usage increment: %w", err)
	}
	telemetry.TasksSubmitted.WithLabelValues(queue.Billing, "USAGE_INCREMENT").Inc()
	p.log.Debug("usage increment submitted",
		zap.String("task_id", task.ID),
		zap.String("subscription_id", usage.SubscriptionID),
		zap.Int64("quantity", usage.Quantity))
	return nil
}
