package models

import "time"

// BillingMode classifies how a subscription is metered.
type BillingMode string

const (
	BillingModeSeats       BillingMode = "SEATS"
	BillingModeActiveUsers BillingMode = "ACTIVE_USERS"
)

// Billing intervals used to advance the period window on renewal.
const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// SubscriptionBillingState is the reconciled billing record of one provider subscription.
type SubscriptionBillingState struct {
	SubscriptionID string      `json:"subscription_id"`
	TeamID         *int64      `json:"team_id,omitempty"`
	Mode           BillingMode `json:"mode"`
	SeatsPaid      int         `json:"seats_paid"`
	PricePerSeat   int64       `json:"price_per_seat"`
	Currency       string      `json:"currency"`
	Interval       string      `json:"interval"`
	PeriodStart    *time.Time  `json:"period_start,omitempty"`
	PeriodEnd      *time.Time  `json:"period_end,omitempty"`
	UsageItemID    string      `json:"usage_item_id,omitempty"`
	ReportedUsers  int         `json:"reported_users"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NextPeriodEnd returns the end of a period starting at start.
func (s SubscriptionBillingState) NextPeriodEnd(start time.Time) time.Time {
	if s.Interval == IntervalYear {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// ProrationStatus is the state of a proration entry.
type ProrationStatus string

const (
	ProrationPending ProrationStatus = "pending"
	ProrationCharged ProrationStatus = "charged"
	ProrationFailed  ProrationStatus = "failed"
)

// ProrationEntry is a mid-cycle seat adjustment correlated with invoice line-item metadata.
type ProrationEntry struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	SeatDelta      int             `json:"seat_delta"`
	Amount         int64           `json:"amount"`
	Status         ProrationStatus `json:"status"`
	InvoiceID      *string         `json:"invoice_id,omitempty"`
	FailureReason  *string         `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
