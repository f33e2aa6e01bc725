package domain

import (
	"encoding/json"
	"time"
)

// MessageState is the delivery state of a message.
type MessageState string

const (
	MessageReceived         MessageState = "RECEIVED"
	MessageValidated        MessageState = "VALIDATED"
	MessageMapped           MessageState = "MAPPED"
	MessageSent             MessageState = "SENT"
	MessageCallbackReceived MessageState = "CALLBACK_RECEIVED"
	MessageConfirmed        MessageState = "CONFIRMED"
	MessageFailed           MessageState = "FAILED"
	MessageRetrying         MessageState = "RETRYING"
	MessageManualReview     MessageState = "MANUAL_REVIEW"
)

// AllMessageStates lists every message state in lifecycle order.
var AllMessageStates = []MessageState{
	MessageReceived,
	MessageValidated,
	MessageMapped,
	MessageSent,
	MessageCallbackReceived,
	MessageConfirmed,
	MessageFailed,
	MessageRetrying,
	MessageManualReview,
}

// TimelineEntry records one applied transition.
type TimelineEntry struct {
	At    time.Time    `json:"at"`
	Event string       `json:"event"`
	State MessageState `json:"state"`
}

// Message is a single integration message moving through the delivery pipeline.
type Message struct {
	TraceID       string    `json:"trace_id"`
	IntegrationID string    `json:"integration_id"`
	CreatedAt     time.Time `json:"created_at"`

	State      MessageState `json:"state"`
	RetryCount int          `json:"retry_count"`
	MaxRetries int          `json:"max_retries"`
	LastError  *ErrorDetail `json:"last_error,omitempty"`

	// Terminal is set once no further automatic or operator transition can occur.
	Terminal bool `json:"terminal"`

	// IdempotencyToken is reused for every send of this message.
	IdempotencyToken string `json:"idempotency_token"`
	TransactionID    string `json:"transaction_id,omitempty"`

	SourcePayload  json.RawMessage `json:"source_payload,omitempty"`
	MappedPayload  json.RawMessage `json:"mapped_payload,omitempty"`
	TargetResponse json.RawMessage `json:"target_response,omitempty"`

	Evaluation *Evaluation     `json:"evaluation,omitempty"`
	Timeline   []TimelineEntry `json:"timeline"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewMessage creates a message in RECEIVED state with its first timeline entry.
func NewMessage(traceID, integrationID string, payload []byte, maxRetries int, now time.Time) *Message {
	m := &Message{
		TraceID:          traceID,
		IntegrationID:    integrationID,
		CreatedAt:        now,
		State:            MessageReceived,
		MaxRetries:       maxRetries,
		IdempotencyToken: traceID,
		SourcePayload:    append(json.RawMessage(nil), payload...),
		UpdatedAt:        now,
	}
	m.Timeline = []TimelineEntry{{At: now, Event: "Message received from source", State: MessageReceived}}
	return m
}

// Record appends a timeline entry and moves the message to state.
// Callers validate the transition first.
func (m *Message) Record(state MessageState, event string, at time.Time) {
	m.State = state
	m.UpdatedAt = at
	m.Timeline = append(m.Timeline, TimelineEntry{At: at, Event: event, State: state})
}

// Clone returns a deep copy safe to hand to readers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.SourcePayload = cloneRaw(m.SourcePayload)
	c.MappedPayload = cloneRaw(m.MappedPayload)
	c.TargetResponse = cloneRaw(m.TargetResponse)
	c.Timeline = append([]TimelineEntry(nil), m.Timeline...)
	if m.LastError != nil {
		e := *m.LastError
		c.LastError = &e
	}
	if m.Evaluation != nil {
		ev := *m.Evaluation
		ev.Triggered = append([]string(nil), m.Evaluation.Triggered...)
		ev.Findings = append([]Finding(nil), m.Evaluation.Findings...)
		c.Evaluation = &ev
	}
	return &c
}

// Summary is the list view of a message.
type Summary struct {
	TraceID       string       `json:"trace_id"`
	IntegrationID string       `json:"integration_id"`
	State         MessageState `json:"state"`
	RetryCount    int          `json:"retry_count"`
	MaxRetries    int          `json:"max_retries"`
	ErrorCategory Category     `json:"error_category,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Summarize builds the list view of m.
func (m *Message) Summarize() Summary {
	s := Summary{
		TraceID:       m.TraceID,
		IntegrationID: m.IntegrationID,
		State:         m.State,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.LastError != nil {
		s.ErrorCategory = m.LastError.Category
	}
	return s
}

// MessageFilter selects messages for listing.
type MessageFilter struct {
	IntegrationID string
	States        []MessageState
	From          time.Time
	To            time.Time
	Text          string
	Offset        int
	Limit         int
}

// MessagePage is one page of message summaries.
type MessagePage struct {
	Items []Summary `json:"items"`
	Total int       `json:"total"`
}

// ReviewDecision is an operator verdict on a message in MANUAL_REVIEW.
type ReviewDecision string

const (
	ReviewConfirm ReviewDecision = "confirm"
	ReviewReject  ReviewDecision = "reject"
)

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
