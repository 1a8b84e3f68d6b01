package payloads

import "time"

// ProrationMetadataKey is the line-item metadata key carrying a proration correlation id.
const ProrationMetadataKey = "prorationId"

// InvoiceLine is one line item of a provider invoice.
type InvoiceLine struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Quantity    int64             `json:"quantity,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	PeriodStart *time.Time        `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time        `json:"periodEnd,omitempty"`
}

// ProrationID returns the proration correlation id of the line, if any.
func (l InvoiceLine) ProrationID() (string, bool) {
	id, ok := l.Metadata[ProrationMetadataKey]
	return id, ok && id != ""
}

// InvoicePayload is shared by the INVOICE_* trigger events.
type InvoicePayload struct {
	InvoiceID      string        `json:"invoiceId"`
	SubscriptionID string        `json:"subscriptionId" validate:"required"`
	CustomerID     string        `json:"customerId,omitempty"`
	Status         string        `json:"status,omitempty"`
	BillingReason  string        `json:"billingReason,omitempty"`
	PaymentIntent  string        `json:"paymentIntent,omitempty"`
	AmountDue      int64         `json:"amountDue,omitempty"`
	Currency       string        `json:"currency,omitempty"`
	Lines          []InvoiceLine `json:"lines"`
}

// UsageIncrementPayload is a billing-queue task body: add Quantity units to a metered item.
type UsageIncrementPayload struct {
	SubscriptionID     string    `json:"subscriptionId" validate:"required"`
	SubscriptionItemID string    `json:"subscriptionItemId" validate:"required"`
	Metric             string    `json:"metric,omitempty"`
	Quantity           int64     `json:"quantity" validate:"gt=0"`
	Timestamp          time.Time `json:"timestamp"`
	IdempotencyKey     string    `json:"idempotencyKey,omitempty"`
}
