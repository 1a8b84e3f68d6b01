package payloads

import "time"

// FormResponse is one answered field of a routing form.
type FormResponse struct {
	Label string `json:"label"`
	Value any    `json:"value"`
}

// FormSubmittedPayload is sent when a routing form response is recorded.
type FormSubmittedPayload struct {
	FormID     string                  `json:"formId" validate:"required"`
	FormName   string                  `json:"formName,omitempty"`
	ResponseID int64                   `json:"responseId" validate:"required"`
	TeamID     *int64                  `json:"teamId,omitempty"`
	Responses  map[string]FormResponse `json:"responses"`
}

// RecordingReadyPayload is sent when a meeting recording becomes downloadable.
type RecordingReadyPayload struct {
	BookingUID   string `json:"bookingUid" validate:"required"`
	DownloadLink string `json:"downloadLink" validate:"required,url"`
}

// OOOUser identifies the owner or the delegate of an out-of-office entry.
type OOOUser struct {
	ID       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// OOOEntry is an out-of-office window.
type OOOEntry struct {
	ID     int64     `json:"id" validate:"required"`
	UUID   string    `json:"uuid,omitempty"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end" validate:"gtfield=Start"`
	Reason string    `json:"reason,omitempty"`
	Notes  string    `json:"notes,omitempty"`
	User   OOOUser   `json:"user"`
	ToUser *OOOUser  `json:"toUser,omitempty"`
}

// OOOCreatedPayload is sent when a user creates an out-of-office entry.
type OOOCreatedPayload struct {
	OOOEntry OOOEntry `json:"oooEntry"`
}
