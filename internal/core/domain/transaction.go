package domain

import (
	"encoding/json"
	"time"
)

// Phase is the overall phase of a TCC transaction.
type Phase string

const (
	PhaseTrying     Phase = "TRYING"
	PhaseConfirming Phase = "CONFIRMING"
	PhaseCancelling Phase = "CANCELLING"
	PhaseCompleted  Phase = "COMPLETED"
	PhaseRolledBack Phase = "ROLLED_BACK"
)

// ParticipantState is the per-participant TCC state.
type ParticipantState string

const (
	ParticipantPending    ParticipantState = "PENDING"
	ParticipantTrying     ParticipantState = "TRYING"
	ParticipantTried      ParticipantState = "TRIED"
	ParticipantTryFailed  ParticipantState = "TRY_FAILED"
	ParticipantConfirming ParticipantState = "CONFIRMING"
	ParticipantConfirmed  ParticipantState = "CONFIRMED"
	ParticipantCancelling ParticipantState = "CANCELLING"
	ParticipantCancelled  ParticipantState = "CANCELLED"
)

// Participant is one resource owner inside a transaction.
type Participant struct {
	Name     string           `json:"name"`
	Resource string           `json:"resource"`
	State    ParticipantState `json:"state"`
	Token    string           `json:"token"`
	Attempts int              `json:"attempts"`
	Error    string           `json:"error,omitempty"`
}

// Transaction is a multi-participant Try/Confirm/Cancel transaction.
type Transaction struct {
	ID           string          `json:"id"`
	TraceID      string          `json:"trace_id,omitempty"`
	FlowID       string          `json:"flow_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Participants []*Participant  `json:"participants"`
	Phase        Phase           `json:"phase"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Error        *ErrorDetail    `json:"error,omitempty"`
}

// NewTransaction builds a transaction in TRYING phase with every participant PENDING.
// Participant tokens are derived from the transaction ID so repeated calls are idempotent.
func NewTransaction(id, traceID string, flow Flow, payload []byte, now time.Time) *Transaction {
	tx := &Transaction{
		ID:        id,
		TraceID:   traceID,
		FlowID:    flow.ID,
		Payload:   cloneRaw(payload),
		Phase:     PhaseTrying,
		CreatedAt: now,
	}
	for _, ps := range flow.Participants {
		tx.Participants = append(tx.Participants, &Participant{
			Name:     ps.Name,
			Resource: ps.Resource,
			State:    ParticipantPending,
			Token:    id + ":" + ps.Name,
		})
	}
	return tx
}

// Terminal reports whether the transaction reached COMPLETED or ROLLED_BACK.
func (t *Transaction) Terminal() bool {
	return t.Phase == PhaseCompleted || t.Phase == PhaseRolledBack
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = cloneRaw(t.Payload)
	c.Participants = make([]*Participant, len(t.Participants))
	for i, p := range t.Participants {
		cp := *p
		c.Participants[i] = &cp
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}
