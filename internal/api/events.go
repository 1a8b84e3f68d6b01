package api

import (
	"context"
	"encoding/json"
	"fmt"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
	"booking-webhook-pipeline/internal/producer"
)

type eventFunc func(ctx context.Context, p *producer.WebhookProducer, scope models.Scope, raw json.RawMessage) error

func submit[T any](queue func(*producer.WebhookProducer, context.Context, producer.Params[T]) error) eventFunc {
	return func(ctx context.Context, p *producer.WebhookProducer, scope models.Scope, raw json.RawMessage) error {
		var payload T
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("%w: %v", producer.ErrInvalidParams, err)
		}
		return queue(p, ctx, producer.Params[T]{Scope: scope, Payload: payload})
	}
}

// eventTable maps each submittable trigger to its producer operation. Invoice triggers come
// from the billing provider and are not accepted here.
func eventTable() map[payloads.TriggerEvent]eventFunc {
	return map[payloads.TriggerEvent]eventFunc{
		payloads.BookingCreated:          submit((*producer.WebhookProducer).QueueBookingCreatedWebhook),
		payloads.BookingCancelled:        submit((*producer.WebhookProducer).QueueBookingCancelledWebhook),
		payloads.BookingRescheduled:      submit((*producer.WebhookProducer).QueueBookingRescheduledWebhook),
		payloads.BookingRequested:        submit((*producer.WebhookProducer).QueueBookingRequestedWebhook),
		payloads.BookingRejected:         submit((*producer.WebhookProducer).QueueBookingRejectedWebhook),
		payloads.BookingPaymentInitiated: submit((*producer.WebhookProducer).QueueBookingPaymentInitiatedWebhook),
		payloads.BookingPaid:             submit((*producer.WebhookProducer).QueueBookingPaidWebhook),
		payloads.BookingNoShowUpdated:    submit((*producer.WebhookProducer).QueueBookingNoShowUpdatedWebhook),
		payloads.FormSubmitted:           submit((*producer.WebhookProducer).QueueFormSubmittedWebhook),
		payloads.RecordingReady:          submit((*producer.WebhookProducer).QueueRecordingReadyWebhook),
		payloads.OOOCreated:              submit((*producer.WebhookProducer).QueueOOOCreatedWebhook),
	}
}
