package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"booking-webhook-pipeline/internal/payloads"
	"booking-webhook-pipeline/internal/worker"
)

// ErrProviderNotConfigured is returned when no API key is set.
var ErrProviderNotConfigured = errors.New("billing provider not configured")

type providerError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type paymentIntent struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

// StripeClient talks to the billing provider's REST API with form-encoded requests.
type StripeClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewStripeClient builds a client against baseURL (https://api.stripe.com in production).
func NewStripeClient(baseURL, apiKey string, timeout time.Duration) *StripeClient {
	if timeout == 0 {
		timeout = 12 * time.Second
	}
	return &StripeClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: timeout},
	}
}

// PaymentIntentFailureReason returns the decline code of the intent's last payment error,
// falling back to its error code and then its message. It is empty when the intent has no error.
func (c *StripeClient) PaymentIntentFailureReason(ctx context.Context, intentID string) (string, error) {
	var intent paymentIntent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, "", &intent); err != nil {
		return "", err
	}
	if intent.LastPaymentError == nil {
		return "", nil
	}
	for _, v := range []string{intent.LastPaymentError.DeclineCode, intent.LastPaymentError.Code, intent.LastPaymentError.Message} {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", nil
}

// IncrementUsage adds a usage record to a metered subscription item.
func (c *StripeClient) IncrementUsage(ctx context.Context, usage payloads.UsageIncrementPayload) error {
	values := url.Values{}
	values.Set("quantity", strconv.FormatInt(usage.Quantity, 10))
	values.Set("action", "increment")
	ts := usage.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	values.Set("timestamp", strconv.FormatInt(ts.Unix(), 10))

	path := "/v1/subscription_items/" + url.PathEscape(usage.SubscriptionItemID) + "/usage_records"
	return c.do(ctx, http.MethodPost, path, values, usage.IdempotencyKey, nil)
}

func (c *StripeClient) do(ctx context.Context, method, path string, values url.Values, idempotencyKey string, out any) error {
	if c.apiKey == "" {
		return worker.Permanent(ErrProviderNotConfigured)
	}
	var body io.Reader
	if values != nil {
		body = strings.NewReader(values.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("stripe %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var perr providerError
		message := "stripe_request_failed"
		if err := json.NewDecoder(resp.Body).Decode(&perr); err == nil && strings.TrimSpace(perr.Error.Message) != "" {
			message = strings.TrimSpace(perr.Error.Message)
		}
		err := fmt.Errorf("stripe: status %d: %s", resp.StatusCode, message)
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusConflict {
			return worker.Permanent(err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode stripe response: %w", err)
	}
	return nil
}
