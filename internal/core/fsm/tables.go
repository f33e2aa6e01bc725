package fsm

import "github.com/vietddude/controltower/internal/core/domain"

// MessageTable is the delivery state machine of a single message.
var MessageTable = MustValidate(Table[domain.MessageState]{
	Name:    "message",
	Initial: domain.MessageReceived,
	Transitions: map[domain.MessageState][]domain.MessageState{
		domain.MessageReceived:         {domain.MessageValidated, domain.MessageFailed},
		domain.MessageValidated:        {domain.MessageMapped, domain.MessageFailed},
		domain.MessageMapped:           {domain.MessageSent, domain.MessageFailed},
		domain.MessageSent:             {domain.MessageCallbackReceived, domain.MessageFailed},
		domain.MessageCallbackReceived: {domain.MessageConfirmed},
		domain.MessageFailed:           {domain.MessageRetrying, domain.MessageManualReview},
		domain.MessageRetrying:         {domain.MessageSent, domain.MessageFailed},
		domain.MessageManualReview:     {domain.MessageConfirmed, domain.MessageFailed},
		domain.MessageConfirmed:        {},
	},
})

// ParticipantTable is the per-participant TCC state machine.
// Confirm and Cancel branches never join: a participant that entered one
// can not reach the other.
var ParticipantTable = MustValidate(Table[domain.ParticipantState]{
	Name:    "participant",
	Initial: domain.ParticipantPending,
	Transitions: map[domain.ParticipantState][]domain.ParticipantState{
		domain.ParticipantPending: {domain.ParticipantTrying},
		domain.ParticipantTrying: {
			domain.ParticipantTried,
			domain.ParticipantTryFailed,
			domain.ParticipantCancelling,
		},
		domain.ParticipantTried:      {domain.ParticipantConfirming, domain.ParticipantCancelling},
		domain.ParticipantTryFailed:  {domain.ParticipantCancelling},
		domain.ParticipantConfirming: {domain.ParticipantConfirmed},
		domain.ParticipantCancelling: {domain.ParticipantCancelled},
		domain.ParticipantConfirmed:  {},
		domain.ParticipantCancelled:  {},
	},
})

// PhaseTable is the overall phase machine of a TCC transaction.
var PhaseTable = MustValidate(Table[domain.Phase]{
	Name:    "transaction",
	Initial: domain.PhaseTrying,
	Transitions: map[domain.Phase][]domain.Phase{
		domain.PhaseTrying:     {domain.PhaseConfirming, domain.PhaseCancelling},
		domain.PhaseConfirming: {domain.PhaseCompleted},
		domain.PhaseCancelling: {domain.PhaseRolledBack},
		domain.PhaseCompleted:  {},
		domain.PhaseRolledBack: {},
	},
})

// MessageStateDescription returns a human-readable description of a message state.
func MessageStateDescription(s domain.MessageState) string {
	switch s {
	case domain.MessageReceived:
		return "Received - accepted from the source, not yet validated"
	case domain.MessageValidated:
		return "Validated - governance rules passed"
	case domain.MessageMapped:
		return "Mapped - payload transformed for the target"
	case domain.MessageSent:
		return "Sent - delivered to the target, awaiting response"
	case domain.MessageCallbackReceived:
		return "Callback - target acknowledged the request"
	case domain.MessageConfirmed:
		return "Confirmed - delivery complete"
	case domain.MessageFailed:
		return "Failed - last step failed, see error detail"
	case domain.MessageRetrying:
		return "Retrying - waiting to resend with the same token"
	case domain.MessageManualReview:
		return "Manual review - waiting for an operator decision"
	default:
		return "Unknown state"
	}
}
