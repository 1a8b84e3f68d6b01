package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
	"booking-webhook-pipeline/internal/store"
)

// Result reports whether a reconciliation callback changed any state.
type Result struct {
	Handled bool
	Message string
}

// Strategy reconciles provider invoice events for one billing mode.
type Strategy interface {
	OnPaymentSucceeded(ctx context.Context, invoiceID string, lines []payloads.InvoiceLine) (Result, error)
	OnPaymentFailed(ctx context.Context, invoiceID string, lines []payloads.InvoiceLine, reason string) (Result, error)
	OnRenewalPaid(ctx context.Context, subscriptionID string, periodStart time.Time) (Result, error)
	OnInvoiceUpcoming(ctx context.Context, invoice payloads.InvoicePayload) (Result, error)
}

// StateStore is the billing persistence the strategies need.
type StateStore interface {
	BillingMode(ctx context.Context, subscriptionID string) (models.BillingMode, error)
	GetBillingState(ctx context.Context, subscriptionID string) (models.SubscriptionBillingState, error)
	ChargeProration(ctx context.Context, prorationID, invoiceID string, applySeats bool) (bool, error)
	FailProration(ctx context.Context, prorationID, invoiceID, reason string) (bool, error)
	AdvancePeriod(ctx context.Context, subscriptionID string, start, end time.Time, seatsPaid *int) (bool, error)
	RecordReportedUsers(ctx context.Context, subscriptionID string, count int) error
}

// ActiveUserCounter counts the users of a team that were active within a billing window.
type ActiveUserCounter interface {
	CountActiveUsers(ctx context.Context, teamID *int64, from, to time.Time) (int, error)
}

// UsageReporter submits a metered usage increment and fails when no task could be created.
type UsageReporter interface {
	SubmitUsageIncrement(ctx context.Context, usage payloads.UsageIncrementPayload) error
}

// prorations applies proration state transitions shared by both billing modes.
type prorations struct {
	store      StateStore
	applySeats bool
}

func (p prorations) charge(ctx context.Context, invoiceID string, lines []payloads.InvoiceLine) (Result, error) {
	charged := 0
	for _, line := range lines {
		id, ok := line.ProrationID()
		if !ok {
			continue
		}
		changed, err := p.store.ChargeProration(ctx, id, invoiceID, p.applySeats)
		if err != nil {
			return Result{}, fmt.Errorf("charge proration %s: %w", id, err)
		}
		if changed {
			charged++
		}
	}
	if charged == 0 {
		return Result{Handled: false, Message: "no pending proration on invoice"}, nil
	}
	return Result{Handled: true, Message: fmt.Sprintf("charged %d proration(s)", charged)}, nil
}

func (p prorations) fail(ctx context.Context, invoiceID string, lines []payloads.InvoiceLine, reason string) (Result, error) {
	failed := 0
	for _, line := range lines {
		id, ok := line.ProrationID()
		if !ok {
			continue
		}
		changed, err := p.store.FailProration(ctx, id, invoiceID, reason)
		if err != nil {
			return Result{}, fmt.Errorf("fail proration %s: %w", id, err)
		}
		if changed {
			failed++
		}
	}
	if failed == 0 {
		return Result{Handled: false, Message: "no pending proration on invoice"}, nil
	}
	return Result{Handled: true, Message: fmt.Sprintf("marked %d proration(s) failed: %s", failed, reason)}, nil
}

// advance moves the billing window forward. A nil seatsPaid keeps the stored seat count.
func advance(ctx context.Context, st StateStore, subscriptionID string, periodStart time.Time, seatsPaid func(models.SubscriptionBillingState) *int) (Result, error) {
	state, err := st.GetBillingState(ctx, subscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Handled: false, Message: "unknown subscription"}, nil
	}
	if err != nil {
		return Result{}, err
	}
	start := periodStart.UTC()
	moved, err := st.AdvancePeriod(ctx, subscriptionID, start, state.NextPeriodEnd(start), seatsPaid(state))
	if err != nil {
		return Result{}, err
	}
	if !moved {
		return Result{Handled: false, Message: "billing period already current"}, nil
	}
	return Result{Handled: true, Message: "billing period advanced to " + start.Format(time.RFC3339)}, nil
}

// SeatStrategy reconciles flat per-seat subscriptions.
type SeatStrategy struct {
	store StateStore
	prorations
}

func NewSeatStrategy(st StateStore) *SeatStrategy {
	return &SeatStrategy{store: st, prorations: prorations{store: st, applySeats: true}}
}

func (s *SeatStrategy) OnPaymentSucceeded(ctx context.Context, invoiceID string, lines []payloads.InvoiceLine) (Result, error) {
	return s.charge(ctx, invoiceID, lines)
}

func (s *SeatStrategy) OnPaymentFailed(ctx context.Context, invoiceID string, lines []payloads.InvoiceLine, reason string) (Result, error) {
	return s.fail(ctx, invoiceID, lines, reason)
}

func (s *SeatStrategy) OnRenewalPaid(ctx context.Context, subscriptionID string, periodStart time.Time) (Result, error) {
	return advance(ctx, s.store, subscriptionID, periodStart, func(models.SubscriptionBillingState) *int { return nil })
}

func (s *SeatStrategy) OnInvoiceUpcoming(context.Context, payloads.InvoicePayload) (Result, error) {
	return Result{Handled: false, Message: "seat subscriptions are not metered"}, nil
}

// ActiveUserStrategy reconciles subscriptions billed by active users per period.
type ActiveUserStrategy struct {
	store    StateStore
	counter  ActiveUserCounter
	reporter UsageReporter
	prorations
}

func NewActiveUserStrategy(st StateStore, counter ActiveUserCounter, reporter UsageReporter) *ActiveUserStrategy {
	return &ActiveUserStrategy{
		store:      st,
		counter:    counter,
		reporter:   reporter,
		prorations: prorations{store: st, applySeats: false},
	}
}

func (s *ActiveUserStrategy) OnPaymentSucceeded(ctx context.Context, invoiceID string, lines []payloads.InvoiceLine) (Result, error) {
	return s.charge(ctx, invoiceID, lines)
}

func (s *ActiveUserStrategy) OnPaymentFailed(ctx context.Context, invoiceID string, lines []payloads.InvoiceLine, reason string) (Result, error) {
	return s.fail(ctx, invoiceID, lines, reason)
}

// OnRenewalPaid advances the window and carries the last reported active-user count over as
// the paid seat baseline of the new period.
func (s *ActiveUserStrategy) OnRenewalPaid(ctx context.Context, subscriptionID string, periodStart time.Time) (Result, error) {
	return advance(ctx, s.store, subscriptionID, periodStart, func(st models.SubscriptionBillingState) *int {
		if st.ReportedUsers <= 0 {
			return nil
		}
		n := st.ReportedUsers
		return &n
	})
}

// OnInvoiceUpcoming reports active users above the paid baseline before the invoice finalizes.
func (s *ActiveUserStrategy) OnInvoiceUpcoming(ctx context.Context, invoice payloads.InvoicePayload) (Result, error) {
	state, err := s.store.GetBillingState(ctx, invoice.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Handled: false, Message: "unknown subscription"}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if state.PeriodStart == nil {
		return Result{Handled: false, Message: "subscription has no billing period"}, nil
	}
	if state.UsageItemID == "" {
		return Result{Handled: false, Message: "subscription has no metered item"}, nil
	}
	from := *state.PeriodStart
	to := state.NextPeriodEnd(from)
	if state.PeriodEnd != nil {
		to = *state.PeriodEnd
	}

	active, err := s.counter.CountActiveUsers(ctx, state.TeamID, from, to)
	if err != nil {
		return Result{}, fmt.Errorf("count active users: %w", err)
	}
	baseline := state.SeatsPaid
	if state.ReportedUsers > baseline {
		baseline = state.ReportedUsers
	}
	delta := active - baseline
	if delta <= 0 {
		return Result{Handled: false, Message: fmt.Sprintf("%d active users within paid baseline %d", active, baseline)}, nil
	}

	// The baseline in the key dedupes replays of one report while letting later growth in the
	// same period through as a new increment.
	err = s.reporter.SubmitUsageIncrement(ctx, payloads.UsageIncrementPayload{
		SubscriptionID:     state.SubscriptionID,
		SubscriptionItemID: state.UsageItemID,
		Metric:             "active_users",
		Quantity:           int64(delta),
		Timestamp:          from.UTC(),
		IdempotencyKey:     fmt.Sprintf("upcoming:%s:%d:%d", state.SubscriptionID, from.Unix(), baseline),
	})
	if err != nil {
		return Result{}, fmt.Errorf("report usage: %w", err)
	}
	if err := s.store.RecordReportedUsers(ctx, state.SubscriptionID, active); err != nil {
		return Result{}, err
	}
	return Result{Handled: true, Message: fmt.Sprintf("reported %d active user(s) above baseline", delta)}, nil
}
