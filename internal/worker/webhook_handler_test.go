package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
	"booking-webhook-pipeline/internal/store"
)

type subscriberMap map[string]models.Subscriber

func (m subscriberMap) GetSubscriber(_ context.Context, id string) (models.Subscriber, error) {
	sub, ok := m[id]
	if !ok {
		return models.Subscriber{}, fmt.Errorf("subscriber %s: %w", id, store.ErrNotFound)
	}
	return sub, nil
}

var listensToBookings = []string{string(payloads.BookingCreated)}

func deliveryTask(subscriberID string, body []byte) models.Task {
	return models.Task{
		ID:           "task-1",
		Type:         models.TaskTypeWebhookDelivery,
		Trigger:      string(payloads.BookingCreated),
		SubscriberID: subscriberID,
		Payload:      body,
	}
}

func TestWebhookDelivererPostsSignedPayload(t *testing.T) {
	body := []byte(`{"triggerEvent":"BOOKING_CREATED","payload":{"uid":"bk_1"}}`)
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(subscriberMap{
		"sub-1": {ID: "sub-1", SubscriberURL: srv.URL, Secret: "s3cret", Active: true, EventTriggers: listensToBookings},
	}, time.Second)

	require.NoError(t, d.Handle(context.Background(), deliveryTask("sub-1", body)))

	assert.JSONEq(t, string(body), string(gotBody))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, Sign("s3cret", body), gotHeaders.Get(SignatureHeader))
	assert.Equal(t, "BOOKING_CREATED", gotHeaders.Get("X-Webhook-Event"))
	assert.Len(t, gotHeaders.Get(SignatureHeader), 64)
}

func TestWebhookDelivererOmitsSignatureWithoutSecret(t *testing.T) {
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(subscriberMap{"sub-1": {ID: "sub-1", SubscriberURL: srv.URL, Active: true, EventTriggers: listensToBookings}}, time.Second)
	require.NoError(t, d.Handle(context.Background(), deliveryTask("sub-1", []byte(`{}`))))
	assert.Empty(t, signature)
}

func TestWebhookDelivererNon2xxIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "maintenance"})
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(subscriberMap{"sub-1": {ID: "sub-1", SubscriberURL: srv.URL, Active: true, EventTriggers: listensToBookings}}, time.Second)
	err := d.Handle(context.Background(), deliveryTask("sub-1", []byte(`{}`)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Equal(t, failureRetryable, classify(err))
}

func TestWebhookDelivererTimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(subscriberMap{"sub-1": {ID: "sub-1", SubscriberURL: srv.URL, Active: true, EventTriggers: listensToBookings}}, 20*time.Millisecond)
	err := d.Handle(context.Background(), deliveryTask("sub-1", []byte(`{}`)))
	require.Error(t, err)
	assert.Equal(t, failureRetryable, classify(err))
}

func TestWebhookDelivererMissingOrInactiveSubscriberIsPermanent(t *testing.T) {
	d := NewWebhookDeliverer(subscriberMap{
		"off": {ID: "off", SubscriberURL: "http://127.0.0.1:1", Active: false},
	}, time.Second)

	err := d.Handle(context.Background(), deliveryTask("gone", []byte(`{}`)))
	assert.True(t, IsPermanent(err))

	err = d.Handle(context.Background(), deliveryTask("off", []byte(`{}`)))
	assert.True(t, IsPermanent(err))
}

func TestWebhookDelivererSkipsSubscriberThatDroppedTrigger(t *testing.T) {
	posted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posted = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(subscriberMap{
		"sub-1": {ID: "sub-1", SubscriberURL: srv.URL, Active: true, EventTriggers: []string{string(payloads.FormSubmitted)}},
	}, time.Second)

	err := d.Handle(context.Background(), deliveryTask("sub-1", []byte(`{}`)))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "no longer listens to BOOKING_CREATED")
	assert.False(t, posted)
}

type usageRecorder struct {
	got []payloads.UsageIncrementPayload
	err error
}

func (u *usageRecorder) IncrementUsage(_ context.Context, usage payloads.UsageIncrementPayload) error {
	u.got = append(u.got, usage)
	return u.err
}

func TestUsageHandler(t *testing.T) {
	rec := &usageRecorder{}
	h := NewUsageHandler(rec)

	body, _ := json.Marshal(payloads.UsageIncrementPayload{SubscriptionID: "sub_1", SubscriptionItemID: "si_1", Quantity: 2})
	require.NoError(t, h.Handle(context.Background(), models.Task{ID: "t-9", Payload: body}))
	require.Len(t, rec.got, 1)
	assert.Equal(t, "t-9", rec.got[0].IdempotencyKey)

	err := h.Handle(context.Background(), models.Task{ID: "t-10", Payload: []byte(`not json`)})
	assert.True(t, IsPermanent(err))

	rec.err = fmt.Errorf("stripe: No such subscription: 'sub_sandbox_1'")
	err = h.Handle(context.Background(), models.Task{ID: "t-11", Payload: body})
	assert.Equal(t, failureExpected, classify(err))
}
