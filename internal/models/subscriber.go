package models

import "time"

// Subscriber is a registered webhook endpoint interested in one or more trigger events.
type Subscriber struct {
	ID             string    `json:"id"`
	SubscriberURL  string    `json:"subscriber_url"`
	Secret         string    `json:"-"`
	PayloadVersion string    `json:"payload_version"`
	Active         bool      `json:"active"`
	EventTriggers  []string  `json:"event_triggers"`
	UserID         *int64    `json:"user_id,omitempty"`
	EventTypeID    *int64    `json:"event_type_id,omitempty"`
	TeamID         *int64    `json:"team_id,omitempty"`
	OrgID          *int64    `json:"org_id,omitempty"`
	OAuthClientID  *string   `json:"oauth_client_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Listens reports whether the subscriber is active and subscribed to trigger.
func (s Subscriber) Listens(trigger string) bool {
	if !s.Active {
		return false
	}
	for _, t := range s.EventTriggers {
		if t == trigger {
			return true
		}
	}
	return false
}

// Scope carries the ownership ids of an event, used to find interested subscribers.
type Scope struct {
	UserID        *int64  `json:"userId,omitempty"`
	EventTypeID   *int64  `json:"eventTypeId,omitempty"`
	TeamIDs       []int64 `json:"teamIds,omitempty"`
	OrgID         *int64  `json:"orgId,omitempty"`
	OAuthClientID *string `json:"oAuthClientId,omitempty"`
}

// Empty reports whether no scope id is set.
func (s Scope) Empty() bool {
	return s.UserID == nil && s.EventTypeID == nil && len(s.TeamIDs) == 0 && s.OrgID == nil && s.OAuthClientID == nil
}
