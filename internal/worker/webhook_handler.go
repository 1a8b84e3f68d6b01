package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature-256"

// SubscriberLookup loads the subscription a delivery task targets.
type SubscriberLookup interface {
	GetSubscriber(ctx context.Context, id string) (models.Subscriber, error)
}

// WebhookDeliverer POSTs rendered payloads to subscriber URLs.
type WebhookDeliverer struct {
	subscribers SubscriberLookup
	httpClient  *http.Client
}

// NewWebhookDeliverer builds a deliverer with the given per-request timeout.
func NewWebhookDeliverer(subscribers SubscriberLookup, timeout time.Duration) *WebhookDeliverer {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDeliverer{
		subscribers: subscribers,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Handle delivers one webhook. Any non-2xx answer or transport error is retryable; a
// subscription that is gone, disabled or unsubscribed from the trigger fails permanently.
func (d *WebhookDeliverer) Handle(ctx context.Context, task models.Task) error {
	sub, err := d.subscribers.GetSubscriber(ctx, task.SubscriberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Permanent(fmt.Errorf("subscriber %s removed", task.SubscriberID))
		}
		return fmt.Errorf("load subscriber: %w", err)
	}
	if !sub.Active {
		return Permanent(fmt.Errorf("subscriber %s inactive", sub.ID))
	}
	if task.Trigger != "" && !sub.Listens(task.Trigger) {
		return Permanent(fmt.Errorf("subscriber %s no longer listens to %s", sub.ID, task.Trigger))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.SubscriberURL, bytes.NewReader(task.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "booking-webhook-pipeline")
	if task.Trigger != "" {
		req.Header.Set("X-Webhook-Event", task.Trigger)
	}
	req.Header.Set("X-Webhook-Delivery", task.ID)
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.Secret, task.Payload))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver webhook: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
