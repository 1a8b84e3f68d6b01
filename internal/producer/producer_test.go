package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"booking-webhook-pipeline/internal/config"
	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
	"booking-webhook-pipeline/internal/queue"
	"booking-webhook-pipeline/internal/store"
)

type fakeResolver struct {
	subs []models.Subscriber
	err  error

	gotTrigger payloads.TriggerEvent
	gotScope   models.Scope
}

func (f *fakeResolver) ResolveSubscribers(_ context.Context, trigger payloads.TriggerEvent, scope models.Scope) ([]models.Subscriber, error) {
	f.gotTrigger = trigger
	f.gotScope = scope
	return f.subs, f.err
}

type recordingBackend struct {
	mu      sync.Mutex
	got     []Submission
	failFor map[string]bool
}

func (b *recordingBackend) Submit(_ context.Context, s Submission) (models.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFor[s.SubscriberID] {
		return models.Task{}, errors.New("redis unavailable")
	}
	b.got = append(b.got, s)
	return models.Task{ID: "task-" + s.SubscriberID, Queue: s.Queue}, nil
}

func int64p(v int64) *int64 { return &v }

func newProducer(r SubscriberResolver, b DeliveryBackend) *WebhookProducer {
	p := New(r, b, zap.NewNop())
	p.now = func() time.Time { return time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC) }
	return p
}

func bookingParams() Params[payloads.BookingPayload] {
	return Params[payloads.BookingPayload]{
		Scope: models.Scope{UserID: int64p(7), EventTypeID: int64p(42)},
		Payload: payloads.BookingPayload{
			BookingUID: "bk_123",
			Title:      "Intro call",
			AssignmentReason: []payloads.AssignmentReason{
				{ReasonEnum: "ROUTING_FORM_ROUTING", ReasonString: "first"},
				{ReasonEnum: "REASSIGNED", ReasonString: "second"},
			},
		},
	}
}

func TestQueueBookingCreatedSubmitsOneTaskPerSubscriber(t *testing.T) {
	resolver := &fakeResolver{subs: []models.Subscriber{
		{ID: "sub-current", PayloadVersion: payloads.VersionCurrent, Active: true},
		{ID: "sub-legacy", PayloadVersion: payloads.VersionLegacy, Active: true},
	}}
	backend := &recordingBackend{}

	err := newProducer(resolver, backend).QueueBookingCreatedWebhook(context.Background(), bookingParams())
	require.NoError(t, err)

	assert.Equal(t, payloads.BookingCreated, resolver.gotTrigger)
	assert.EqualValues(t, 7, *resolver.gotScope.UserID)
	require.Len(t, backend.got, 2)

	for _, s := range backend.got {
		assert.Equal(t, queue.WebhookDelivery, s.Queue)
		assert.Equal(t, models.TaskTypeWebhookDelivery, s.Type)
		assert.Equal(t, payloads.BookingCreated, s.Trigger)
	}

	var current struct {
		TriggerEvent string `json:"triggerEvent"`
		Payload      struct {
			UID              string                      `json:"uid"`
			AssignmentReason []payloads.AssignmentReason `json:"assignmentReason"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(backend.got[0].Payload, &current))
	assert.Equal(t, "BOOKING_CREATED", current.TriggerEvent)
	assert.Equal(t, "bk_123", current.Payload.UID)
	assert.Len(t, current.Payload.AssignmentReason, 2)

	var legacy struct {
		Payload struct {
			AssignmentReason string `json:"assignmentReason"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(backend.got[1].Payload, &legacy))
	assert.Equal(t, "second", legacy.Payload.AssignmentReason)
}

func TestQueueWebhookWithoutSubscribersSubmitsNothing(t *testing.T) {
	backend := &recordingBackend{}
	err := newProducer(&fakeResolver{}, backend).QueueBookingCancelledWebhook(context.Background(), Params[payloads.BookingCancelledPayload]{
		Scope:   models.Scope{UserID: int64p(1)},
		Payload: payloads.BookingCancelledPayload{BookingPayload: payloads.BookingPayload{BookingUID: "bk_1"}},
	})
	require.NoError(t, err)
	assert.Empty(t, backend.got)
}

func TestQueueWebhookRejectsMissingCorrelationFields(t *testing.T) {
	resolver := &fakeResolver{subs: []models.Subscriber{{ID: "sub-1"}}}
	backend := &recordingBackend{}
	p := newProducer(resolver, backend)

	err := p.QueueBookingCreatedWebhook(context.Background(), Params[payloads.BookingPayload]{})
	require.ErrorIs(t, err, ErrInvalidParams)

	err = p.QueueFormSubmittedWebhook(context.Background(), Params[payloads.FormSubmittedPayload]{
		Payload: payloads.FormSubmittedPayload{FormID: "form-1"},
	})
	require.ErrorIs(t, err, ErrInvalidParams)

	err = p.QueueOOOCreatedWebhook(context.Background(), Params[payloads.OOOCreatedPayload]{})
	require.ErrorIs(t, err, ErrInvalidParams)

	assert.Empty(t, backend.got)
	assert.Empty(t, resolver.gotTrigger, "resolver must not be consulted for invalid params")
}

func TestQueueWebhookSwallowsResolverErrors(t *testing.T) {
	backend := &recordingBackend{}
	err := newProducer(&fakeResolver{err: errors.New("db down")}, backend).
		QueueBookingRequestedWebhook(context.Background(), bookingParams())
	require.NoError(t, err)
	assert.Empty(t, backend.got)
}

func TestQueueWebhookContinuesAfterSubmitFailure(t *testing.T) {
	resolver := &fakeResolver{subs: []models.Subscriber{{ID: "bad"}, {ID: "good"}}}
	backend := &recordingBackend{failFor: map[string]bool{"bad": true}}

	err := newProducer(resolver, backend).QueueRecordingReadyWebhook(context.Background(), Params[payloads.RecordingReadyPayload]{
		Scope:   models.Scope{TeamIDs: []int64{3}},
		Payload: payloads.RecordingReadyPayload{BookingUID: "bk_9", DownloadLink: "https://cdn.example.com/rec.mp4"},
	})
	require.NoError(t, err)
	require.Len(t, backend.got, 1)
	assert.Equal(t, "good", backend.got[0].SubscriberID)
}

func TestQueueUsageIncrement(t *testing.T) {
	backend := &recordingBackend{}
	p := newProducer(&fakeResolver{}, backend)

	err := p.QueueUsageIncrement(context.Background(), payloads.UsageIncrementPayload{
		SubscriptionID:     "sub_1",
		SubscriptionItemID: "si_1",
		Quantity:           3,
		IdempotencyKey:     "upcoming:sub_1:1700000000",
	})
	require.NoError(t, err)
	require.Len(t, backend.got, 1)

	got := backend.got[0]
	assert.Equal(t, queue.Billing, got.Queue)
	assert.Equal(t, models.TaskTypeUsageIncrement, got.Type)
	assert.Equal(t, "upcoming:sub_1:1700000000", got.IdempotencyKey)

	var usage payloads.UsageIncrementPayload
	require.NoError(t, json.Unmarshal(got.Payload, &usage))
	assert.EqualValues(t, 3, usage.Quantity)
	assert.False(t, usage.Timestamp.IsZero())

	err = p.QueueUsageIncrement(context.Background(), payloads.UsageIncrementPayload{SubscriptionID: "sub_1"})
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestSubmitUsageIncrementReturnsBackendErrors(t *testing.T) {
	backend := &recordingBackend{failFor: map[string]bool{"": true}}
	p := newProducer(&fakeResolver{}, backend)
	usage := payloads.UsageIncrementPayload{
		SubscriptionID:     "sub_1",
		SubscriptionItemID: "si_1",
		Quantity:           3,
		IdempotencyKey:     "upcoming:sub_1:1700000000:5",
	}

	err := p.SubmitUsageIncrement(context.Background(), usage)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidParams)

	require.NoError(t, p.QueueUsageIncrement(context.Background(), usage), "business callers never see submission failures")
	assert.Empty(t, backend.got)
}

type fakeTaskStore struct {
	byKey   map[string]models.Task
	created []store.CreateTaskParams
	audit   []string
}

func (f *fakeTaskStore) CreateTask(_ context.Context, p store.CreateTaskParams) (models.Task, bool, error) {
	if t, ok := f.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return t, true, nil
	}
	f.created = append(f.created, p)
	t := models.Task{
		ID:        fmt.Sprintf("t-%d", len(f.created)),
		Queue:     p.Queue,
		Machine:   p.Machine,
		Status:    models.StatusQueued,
		NextRunAt: p.RunAt,
	}
	if p.IdempotencyKey != "" {
		if f.byKey == nil {
			f.byKey = make(map[string]models.Task)
		}
		f.byKey[p.IdempotencyKey] = t
	}
	return t, false, nil
}

func (f *fakeTaskStore) setStatus(key, status string) {
	t := f.byKey[key]
	t.Status = status
	f.byKey[key] = t
}

func (f *fakeTaskStore) AppendAudit(_ context.Context, _, event, _ string) error {
	f.audit = append(f.audit, event)
	return nil
}

// fakeEnqueuer tracks which task ids Redis would hold, like the meta hash of RedisQueue.
type fakeEnqueuer struct {
	refs     []queue.TaskRef
	present  map[string]bool
	failNext error
}

func (f *fakeEnqueuer) place(ref queue.TaskRef) {
	if f.present == nil {
		f.present = make(map[string]bool)
	}
	f.present[ref.ID] = true
	f.refs = append(f.refs, ref)
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, ref queue.TaskRef, _ time.Time) error {
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.place(ref)
	return nil
}

func (f *fakeEnqueuer) EnqueueIfAbsent(_ context.Context, ref queue.TaskRef, _ time.Time) (bool, error) {
	if f.present[ref.ID] {
		return false, nil
	}
	f.place(ref)
	return true, nil
}

func testRegistry(t *testing.T) *queue.Registry {
	t.Helper()
	reg, err := queue.DefaultRegistry(config.Config{
		WebhookConcurrency:   25,
		CalendarsConcurrency: 10,
		BillingConcurrency:   10,
		RetryMaxAttempts:     3,
		RetryFactor:          2,
		RetryMinTimeout:      time.Second,
		RetryMaxTimeout:      10 * time.Second,
	})
	require.NoError(t, err)
	return reg
}

func TestAsyncBackendPersistsThenEnqueues(t *testing.T) {
	st := &fakeTaskStore{}
	q := &fakeEnqueuer{}
	backend := NewAsyncBackend(st, q, testRegistry(t), time.Hour)

	task, err := backend.Submit(context.Background(), Submission{
		Queue:        queue.WebhookDelivery,
		Type:         models.TaskTypeWebhookDelivery,
		SubscriberID: "sub-1",
		Payload:      json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", task.ID)

	require.Len(t, st.created, 1)
	assert.Equal(t, 3, st.created[0].MaxAttempts)
	assert.Equal(t, queue.DefaultMachine, st.created[0].Machine)
	require.Len(t, q.refs, 1)
	assert.Equal(t, queue.TaskRef{ID: "t-1", Queue: queue.WebhookDelivery, Machine: queue.DefaultMachine}, q.refs[0])
	assert.Equal(t, []string{"enqueued"}, st.audit)
}

func TestAsyncBackendSkipsEnqueueForIdempotentReplay(t *testing.T) {
	st := &fakeTaskStore{}
	q := &fakeEnqueuer{}
	backend := NewAsyncBackend(st, q, testRegistry(t), time.Hour)
	sub := Submission{Queue: queue.Billing, Type: models.TaskTypeUsageIncrement, IdempotencyKey: "k"}

	first, err := backend.Submit(context.Background(), sub)
	require.NoError(t, err)
	second, err := backend.Submit(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, st.created, 1)
	assert.Len(t, q.refs, 1)

	st.setStatus("k", models.StatusSucceeded)
	q.present = nil
	_, err = backend.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Len(t, q.refs, 1, "finished tasks are never enqueued again")
}

func TestAsyncBackendReenqueuesTaskLostAfterFailedEnqueue(t *testing.T) {
	st := &fakeTaskStore{}
	q := &fakeEnqueuer{failNext: errors.New("redis: connection refused")}
	backend := NewAsyncBackend(st, q, testRegistry(t), time.Hour)
	sub := Submission{Queue: queue.Billing, Type: models.TaskTypeUsageIncrement, IdempotencyKey: "upcoming:sub_1:1700000000:5"}

	_, err := backend.Submit(context.Background(), sub)
	require.Error(t, err)
	assert.Empty(t, q.refs)

	task, err := backend.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Len(t, st.created, 1)
	require.Len(t, q.refs, 1)
	assert.Equal(t, task.ID, q.refs[0].ID)
	assert.Equal(t, []string{"enqueue_failed", "re_enqueued"}, st.audit)
}

func TestAsyncBackendUnknownQueue(t *testing.T) {
	backend := NewAsyncBackend(&fakeTaskStore{}, &fakeEnqueuer{}, testRegistry(t), time.Hour)
	_, err := backend.Submit(context.Background(), Submission{Queue: "video"})
	require.Error(t, err)
}

type executorFunc func(ctx context.Context, task models.Task) error

func (f executorFunc) Execute(ctx context.Context, task models.Task) error { return f(ctx, task) }

func TestSyncBackendExecutesInline(t *testing.T) {
	var ran models.Task
	backend := NewSyncBackend(executorFunc(func(_ context.Context, task models.Task) error {
		ran = task
		return nil
	}))

	task, err := backend.Submit(context.Background(), Submission{Queue: queue.WebhookDelivery, Type: models.TaskTypeWebhookDelivery, SubscriberID: "s"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, task.Status)
	assert.Equal(t, task.ID, ran.ID)

	failing := NewSyncBackend(executorFunc(func(context.Context, models.Task) error { return errors.New("boom") }))
	_, err = failing.Submit(context.Background(), Submission{Queue: queue.WebhookDelivery})
	require.Error(t, err)
}

func TestEveryKindSubmitsOneTaskPerSubscriber(t *testing.T) {
	booking := payloads.BookingPayload{BookingUID: "bk_1"}
	start := time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC)
	scope := models.Scope{TeamIDs: []int64{3}}

	cases := map[payloads.TriggerEvent]func(p *WebhookProducer) error{
		payloads.BookingCreated: func(p *WebhookProducer) error {
			return p.QueueBookingCreatedWebhook(context.Background(), Params[payloads.BookingPayload]{Scope: scope, Payload: booking})
		},
		payloads.BookingCancelled: func(p *WebhookProducer) error {
			return p.QueueBookingCancelledWebhook(context.Background(), Params[payloads.BookingCancelledPayload]{Scope: scope, Payload: payloads.BookingCancelledPayload{BookingPayload: booking}})
		},
		payloads.BookingRescheduled: func(p *WebhookProducer) error {
			return p.QueueBookingRescheduledWebhook(context.Background(), Params[payloads.BookingRescheduledPayload]{Scope: scope, Payload: payloads.BookingRescheduledPayload{BookingPayload: booking, RescheduleUID: "bk_0"}})
		},
		payloads.BookingRequested: func(p *WebhookProducer) error {
			return p.QueueBookingRequestedWebhook(context.Background(), Params[payloads.BookingPayload]{Scope: scope, Payload: booking})
		},
		payloads.BookingRejected: func(p *WebhookProducer) error {
			return p.QueueBookingRejectedWebhook(context.Background(), Params[payloads.BookingRejectedPayload]{Scope: scope, Payload: payloads.BookingRejectedPayload{BookingPayload: booking}})
		},
		payloads.BookingPaymentInitiated: func(p *WebhookProducer) error {
			return p.QueueBookingPaymentInitiatedWebhook(context.Background(), Params[payloads.BookingPaymentInitiatedPayload]{Scope: scope, Payload: payloads.BookingPaymentInitiatedPayload{BookingPayload: booking}})
		},
		payloads.BookingPaid: func(p *WebhookProducer) error {
			return p.QueueBookingPaidWebhook(context.Background(), Params[payloads.BookingPaymentInitiatedPayload]{Scope: scope, Payload: payloads.BookingPaymentInitiatedPayload{BookingPayload: booking}})
		},
		payloads.BookingNoShowUpdated: func(p *WebhookProducer) error {
			return p.QueueBookingNoShowUpdatedWebhook(context.Background(), Params[payloads.BookingNoShowUpdatedPayload]{Scope: scope, Payload: payloads.BookingNoShowUpdatedPayload{BookingUID: "bk_1"}})
		},
		payloads.FormSubmitted: func(p *WebhookProducer) error {
			return p.QueueFormSubmittedWebhook(context.Background(), Params[payloads.FormSubmittedPayload]{Scope: scope, Payload: payloads.FormSubmittedPayload{FormID: "form_1", ResponseID: 9}})
		},
		payloads.RecordingReady: func(p *WebhookProducer) error {
			return p.QueueRecordingReadyWebhook(context.Background(), Params[payloads.RecordingReadyPayload]{Scope: scope, Payload: payloads.RecordingReadyPayload{BookingUID: "bk_1", DownloadLink: "https://example.test/rec.mp4"}})
		},
		payloads.OOOCreated: func(p *WebhookProducer) error {
			return p.QueueOOOCreatedWebhook(context.Background(), Params[payloads.OOOCreatedPayload]{Scope: scope, Payload: payloads.OOOCreatedPayload{OOOEntry: payloads.OOOEntry{ID: 5, Start: start, End: start.Add(48 * time.Hour)}}})
		},
	}

	for trigger, queueIt := range cases {
		t.Run(string(trigger), func(t *testing.T) {
			resolver := &fakeResolver{subs: []models.Subscriber{{ID: "a", Active: true}, {ID: "b", Active: true}}}
			backend := &recordingBackend{}
			require.NoError(t, queueIt(newProducer(resolver, backend)))
			assert.Equal(t, trigger, resolver.gotTrigger)
			require.Len(t, backend.got, 2)
			for _, s := range backend.got {
				assert.Equal(t, trigger, s.Trigger)
			}

			empty := &recordingBackend{}
			require.NoError(t, queueIt(newProducer(&fakeResolver{}, empty)))
			assert.Empty(t, empty.got)
		})
	}
}
