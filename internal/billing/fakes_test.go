package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
	"booking-webhook-pipeline/internal/store"
)

type memBilling struct {
	mu         sync.Mutex
	subs       map[string]models.SubscriptionBillingState
	prorations map[string]models.ProrationEntry
	modeCalls  int
	err        error
}

func newMemBilling() *memBilling {
	return &memBilling{
		subs:       make(map[string]models.SubscriptionBillingState),
		prorations: make(map[string]models.ProrationEntry),
	}
}

func (m *memBilling) put(st models.SubscriptionBillingState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[st.SubscriptionID] = st
}

func (m *memBilling) addProration(id, sub string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prorations[id] = models.ProrationEntry{ID: id, SubscriptionID: sub, SeatDelta: delta, Status: models.ProrationPending}
}

func (m *memBilling) state(id string) models.SubscriptionBillingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id]
}

func (m *memBilling) proration(id string) models.ProrationEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prorations[id]
}

func (m *memBilling) BillingMode(_ context.Context, id string) (models.BillingMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeCalls++
	if m.err != nil {
		return "", m.err
	}
	st, ok := m.subs[id]
	if !ok {
		return "", fmt.Errorf("subscription %s: %w", id, store.ErrNotFound)
	}
	return st.Mode, nil
}

func (m *memBilling) GetBillingState(_ context.Context, id string) (models.SubscriptionBillingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.SubscriptionBillingState{}, m.err
	}
	st, ok := m.subs[id]
	if !ok {
		return models.SubscriptionBillingState{}, fmt.Errorf("subscription %s: %w", id, store.ErrNotFound)
	}
	return st, nil
}

func (m *memBilling) ChargeProration(_ context.Context, prorationID, invoiceID string, applySeats bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	p, ok := m.prorations[prorationID]
	if !ok || p.Status == models.ProrationCharged {
		return false, nil
	}
	p.Status = models.ProrationCharged
	p.InvoiceID = &invoiceID
	p.FailureReason = nil
	m.prorations[prorationID] = p
	if applySeats {
		st := m.subs[p.SubscriptionID]
		st.SeatsPaid += p.SeatDelta
		m.subs[p.SubscriptionID] = st
	}
	return true, nil
}

func (m *memBilling) FailProration(_ context.Context, prorationID, invoiceID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	p, ok := m.prorations[prorationID]
	if !ok || p.Status != models.ProrationPending {
		return false, nil
	}
	p.Status = models.ProrationFailed
	p.InvoiceID = &invoiceID
	p.FailureReason = &reason
	m.prorations[prorationID] = p
	return true, nil
}

func (m *memBilling) AdvancePeriod(_ context.Context, id string, start, end time.Time, seatsPaid *int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	st, ok := m.subs[id]
	if !ok {
		return false, nil
	}
	if st.PeriodStart != nil && !st.PeriodStart.Before(start) {
		return false, nil
	}
	st.PeriodStart = &start
	st.PeriodEnd = &end
	if seatsPaid != nil {
		st.SeatsPaid = *seatsPaid
	}
	m.subs[id] = st
	return true, nil
}

func (m *memBilling) RecordReportedUsers(_ context.Context, id string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.subs[id]
	st.ReportedUsers = count
	m.subs[id] = st
	return nil
}

type fixedCounter struct {
	n    int
	err  error
	from time.Time
	to   time.Time
}

func (c *fixedCounter) CountActiveUsers(_ context.Context, _ *int64, from, to time.Time) (int, error) {
	c.from, c.to = from, to
	return c.n, c.err
}

// recordingReporter drops increments whose idempotency key it has seen, as the task store does.
type recordingReporter struct {
	usages []payloads.UsageIncrementPayload
	seen   map[string]bool
	err    error
}

func (r *recordingReporter) SubmitUsageIncrement(_ context.Context, u payloads.UsageIncrementPayload) error {
	if r.err != nil {
		return r.err
	}
	if r.seen[u.IdempotencyKey] {
		return nil
	}
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	r.seen[u.IdempotencyKey] = true
	r.usages = append(r.usages, u)
	return nil
}

func (r *recordingReporter) billed() int64 {
	var total int64
	for _, u := range r.usages {
		total += u.Quantity
	}
	return total
}

func prorationLine(id string) payloads.InvoiceLine {
	return payloads.InvoiceLine{ID: "il_" + id, Metadata: map[string]string{payloads.ProrationMetadataKey: id}}
}

func timePtr(t time.Time) *time.Time { return &t }
