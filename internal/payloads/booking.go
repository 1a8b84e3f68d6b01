package payloads

import "time"

// Person is an organizer or attendee of a booking.
type Person struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone,omitempty"`
}

// AssignmentReason explains why a host was assigned to a round-robin booking.
type AssignmentReason struct {
	ReasonEnum   string `json:"reasonEnum"`
	ReasonString string `json:"reasonString"`
}

// BookingPayload is shared by BOOKING_CREATED, BOOKING_REQUESTED and BOOKING_PAID.
type BookingPayload struct {
	BookingUID       string             `json:"uid" validate:"required"`
	BookingID        int64              `json:"bookingId,omitempty"`
	EventTypeID      *int64             `json:"eventTypeId,omitempty"`
	Title            string             `json:"title,omitempty"`
	Description      string             `json:"description,omitempty"`
	StartTime        *time.Time         `json:"startTime,omitempty"`
	EndTime          *time.Time         `json:"endTime,omitempty"`
	Status           string             `json:"status,omitempty"`
	Location         string             `json:"location,omitempty"`
	Organizer        *Person            `json:"organizer,omitempty"`
	Attendees        []Person           `json:"attendees,omitempty"`
	Responses        map[string]any     `json:"responses,omitempty"`
	AssignmentReason []AssignmentReason `json:"assignmentReason,omitempty"`
}

// BookingCancelledPayload adds the cancellation details.
type BookingCancelledPayload struct {
	BookingPayload
	CancellationReason string `json:"cancellationReason,omitempty"`
	CancelledBy        string `json:"cancelledBy,omitempty"`
}

// BookingRescheduledPayload adds the identity and window of the booking being replaced.
type BookingRescheduledPayload struct {
	BookingPayload
	RescheduleUID       string     `json:"rescheduleUid" validate:"required"`
	RescheduleStartTime *time.Time `json:"rescheduleStartTime,omitempty"`
	RescheduleEndTime   *time.Time `json:"rescheduleEndTime,omitempty"`
	RescheduledBy       string     `json:"rescheduledBy,omitempty"`
}

// BookingRejectedPayload adds the organizer's rejection reason.
type BookingRejectedPayload struct {
	BookingPayload
	RejectionReason string `json:"rejectionReason,omitempty"`
}

// Payment describes the payment attached to a booking.
type Payment struct {
	ID       int64  `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	AppID    string `json:"appId,omitempty"`
}

// BookingPaymentInitiatedPayload is sent once a payment flow has been started.
type BookingPaymentInitiatedPayload struct {
	BookingPayload
	Payment Payment `json:"paymentData"`
}

// NoShowAttendee is a single attendee whose no-show flag changed.
type NoShowAttendee struct {
	Email  string `json:"email" validate:"required"`
	NoShow bool   `json:"noShow"`
}

// BookingNoShowUpdatedPayload carries only the no-show change set.
type BookingNoShowUpdatedPayload struct {
	BookingUID string           `json:"bookingUid" validate:"required"`
	BookingID  int64            `json:"bookingId,omitempty"`
	Message    string           `json:"message,omitempty"`
	Attendees  []NoShowAttendee `json:"attendees" validate:"dive"`
}
