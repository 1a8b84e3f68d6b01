// Package payloads defines the versioned data contracts of every webhook trigger event.
package payloads

// TriggerEvent identifies which domain occurrence a payload represents.
type TriggerEvent string

const (
	BookingCreated          TriggerEvent = "BOOKING_CREATED"
	BookingCancelled        TriggerEvent = "BOOKING_CANCELLED"
	BookingRescheduled      TriggerEvent = "BOOKING_RESCHEDULED"
	BookingRequested        TriggerEvent = "BOOKING_REQUESTED"
	BookingRejected         TriggerEvent = "BOOKING_REJECTED"
	BookingPaymentInitiated TriggerEvent = "BOOKING_PAYMENT_INITIATED"
	BookingPaid             TriggerEvent = "BOOKING_PAID"
	BookingNoShowUpdated    TriggerEvent = "BOOKING_NO_SHOW_UPDATED"
	FormSubmitted           TriggerEvent = "FORM_SUBMITTED"
	RecordingReady          TriggerEvent = "RECORDING_READY"
	OOOCreated              TriggerEvent = "OOO_CREATED"
	InvoicePaid             TriggerEvent = "INVOICE_PAID"
	InvoicePaymentFailed    TriggerEvent = "INVOICE_PAYMENT_FAILED"
	InvoicePaymentSucceeded TriggerEvent = "INVOICE_PAYMENT_SUCCEEDED"
	InvoiceUpcoming         TriggerEvent = "INVOICE_UPCOMING"
)

var allTriggers = []TriggerEvent{
	BookingCreated,
	BookingCancelled,
	BookingRescheduled,
	BookingRequested,
	BookingRejected,
	BookingPaymentInitiated,
	BookingPaid,
	BookingNoShowUpdated,
	FormSubmitted,
	RecordingReady,
	OOOCreated,
	InvoicePaid,
	InvoicePaymentFailed,
	InvoicePaymentSucceeded,
	InvoiceUpcoming,
}

// AllTriggers returns every known trigger event.
func AllTriggers() []TriggerEvent {
	out := make([]TriggerEvent, len(allTriggers))
	copy(out, allTriggers)
	return out
}

// Valid reports whether t is a known trigger event.
func (t TriggerEvent) Valid() bool {
	for _, known := range allTriggers {
		if t == known {
			return true
		}
	}
	return false
}

func (t TriggerEvent) String() string { return string(t) }
