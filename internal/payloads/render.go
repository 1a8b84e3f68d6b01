package payloads

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload versions a subscriber can pin.
const (
	VersionLegacy  = "2021-10-20"
	VersionCurrent = "2024-08-13"
)

// Envelope is the JSON body delivered to subscribers.
type Envelope struct {
	TriggerEvent TriggerEvent    `json:"triggerEvent"`
	CreatedAt    time.Time       `json:"createdAt"`
	Payload      json.RawMessage `json:"payload"`
}

// NormalizeVersion maps an empty or unknown version to the current one.
func NormalizeVersion(version string) string {
	switch version {
	case VersionLegacy:
		return VersionLegacy
	default:
		return VersionCurrent
	}
}

// Render serializes payload inside an envelope using the field set of version.
func Render(trigger TriggerEvent, version string, createdAt time.Time, payload any) ([]byte, error) {
	if !trigger.Valid() {
		return nil, fmt.Errorf("unknown trigger event %q", trigger)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if NormalizeVersion(version) == VersionLegacy {
		body, err = toLegacy(body)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{
		TriggerEvent: trigger,
		CreatedAt:    createdAt.UTC(),
		Payload:      body,
	})
}

// toLegacy flattens assignmentReason to the single reason string legacy consumers expect.
func toLegacy(body []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode payload for legacy rendering: %w", err)
	}
	raw, ok := fields["assignmentReason"]
	if !ok {
		return body, nil
	}
	var reasons []AssignmentReason
	if err := json.Unmarshal(raw, &reasons); err != nil {
		return nil, fmt.Errorf("decode assignmentReason: %w", err)
	}
	if len(reasons) == 0 {
		delete(fields, "assignmentReason")
	} else {
		latest, _ := json.Marshal(reasons[len(reasons)-1].ReasonString)
		fields["assignmentReason"] = latest
	}
	return json.Marshal(fields)
}
