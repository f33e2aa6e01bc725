package domain

import "time"

// EventKind identifies the entity an event refers to.
type EventKind string

const (
	EventMessage     EventKind = "message"
	EventTransaction EventKind = "transaction"
	EventParticipant EventKind = "participant"
	EventRuleSet     EventKind = "ruleset"
)

// Event is a state change published for live dashboards.
type Event struct {
	Kind      EventKind `json:"kind"`
	EntityID  string    `json:"entity_id"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
