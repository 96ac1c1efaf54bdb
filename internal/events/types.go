// Package events defines the typed envelopes broadcast to hub listeners.
package events

import "time"

// Event types delivered to /api/events subscribers.
const (
	TypeSnapshot        = "snapshot"
	TypeStateChanged    = "state_changed"
	TypeAuthChanged     = "auth_changed"
	TypeAccountSession  = "openai_account_session"
	TypeProjectBuildLog = "project_build_log"
)

// TimeLayout is the wire format for envelope timestamps: UTC, second resolution.
const TimeLayout = "2006-01-02T15:04:05Z"

// Envelope is the frame every listener receives.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	SentAt  string `json:"sent_at"`
}

// New builds an envelope stamped with the current UTC time.
func New(eventType string, payload any) Envelope {
	return NewAt(eventType, payload, time.Now())
}

// NewAt builds an envelope stamped with an explicit time.
func NewAt(eventType string, payload any, at time.Time) Envelope {
	return Envelope{
		Type:    eventType,
		Payload: payload,
		SentAt:  at.UTC().Format(TimeLayout),
	}
}

// StateChangedPayload carries the mutation reason the UI filters on.
type StateChangedPayload struct {
	Reason string `json:"reason"`
}

// AuthChangedPayload signals a credential change.
type AuthChangedPayload struct {
	Reason string `json:"reason"`
}

// BuildLogPayload is one chunk of streaming build output. Replace=true tells
// the UI to reset its build log pane before appending.
type BuildLogPayload struct {
	ProjectID string `json:"project_id"`
	Text      string `json:"text"`
	Replace   bool   `json:"replace"`
}

// MirrorSubject returns the NATS subject an envelope type is mirrored to.
func MirrorSubject(eventType string) string {
	return "agenthub.events." + eventType
}
