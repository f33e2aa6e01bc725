package fsm

import (
	"errors"
	"testing"

	"github.com/vietddude/controltower/internal/core/domain"
)

func TestMessageTable_CanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     domain.MessageState
		to       domain.MessageState
		expected bool
	}{
		{"received to validated", domain.MessageReceived, domain.MessageValidated, true},
		{"received to failed", domain.MessageReceived, domain.MessageFailed, true},
		{"received to sent", domain.MessageReceived, domain.MessageSent, false},
		{"validated to mapped", domain.MessageValidated, domain.MessageMapped, true},
		{"mapped to sent", domain.MessageMapped, domain.MessageSent, true},
		{"sent to callback", domain.MessageSent, domain.MessageCallbackReceived, true},
		{"sent to confirmed skips callback", domain.MessageSent, domain.MessageConfirmed, false},
		{"callback to confirmed", domain.MessageCallbackReceived, domain.MessageConfirmed, true},
		{"failed to retrying", domain.MessageFailed, domain.MessageRetrying, true},
		{"failed to review", domain.MessageFailed, domain.MessageManualReview, true},
		{"retrying to sent", domain.MessageRetrying, domain.MessageSent, true},
		{"review to confirmed", domain.MessageManualReview, domain.MessageConfirmed, true},
		{"review to failed", domain.MessageManualReview, domain.MessageFailed, true},
		{"confirmed is final", domain.MessageConfirmed, domain.MessageFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := MessageTable.CanTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestParticipantTable_ConfirmAndCancelExclusive(t *testing.T) {
	if ParticipantTable.CanTransition(domain.ParticipantCancelling, domain.ParticipantConfirming) {
		t.Error("cancelling participant must never be confirmed")
	}
	if ParticipantTable.CanTransition(domain.ParticipantConfirming, domain.ParticipantCancelling) {
		t.Error("confirming participant must never be cancelled")
	}
	if ParticipantTable.CanTransition(domain.ParticipantTryFailed, domain.ParticipantConfirming) {
		t.Error("try-failed participant must never be confirmed")
	}
	if ParticipantTable.CanTransition(domain.ParticipantPending, domain.ParticipantCancelling) {
		t.Error("pending participant needs no compensation")
	}
}

func TestTables_Validate(t *testing.T) {
	if err := MessageTable.Validate(); err != nil {
		t.Errorf("message table: %v", err)
	}
	if err := ParticipantTable.Validate(); err != nil {
		t.Errorf("participant table: %v", err)
	}
	if err := PhaseTable.Validate(); err != nil {
		t.Errorf("phase table: %v", err)
	}
}

func TestValidate_UndeclaredTarget(t *testing.T) {
	table := Table[string]{
		Name:    "broken",
		Initial: "a",
		Transitions: map[string][]string{
			"a": {"b"},
			"b": {"c"},
		},
	}
	err := table.Validate()
	if !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
}

func TestValidate_Unreachable(t *testing.T) {
	table := Table[string]{
		Name:    "island",
		Initial: "a",
		Transitions: map[string][]string{
			"a": {"b"},
			"b": {},
			"c": {"b"},
		},
	}
	if err := table.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected unreachable state to be rejected, got %v", err)
	}
}

func TestMustValidate_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid table")
		}
	}()
	MustValidate(Table[string]{Name: "empty", Initial: "x"})
}

func TestCheck_WrapsSentinel(t *testing.T) {
	err := PhaseTable.Check(domain.PhaseCancelling, domain.PhaseConfirming)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if PhaseTable.Check(domain.PhaseTrying, domain.PhaseConfirming) != nil {
		t.Error("trying -> confirming should be allowed")
	}
}

func TestIsFinal(t *testing.T) {
	if !MessageTable.IsFinal(domain.MessageConfirmed) {
		t.Error("confirmed should be final")
	}
	if MessageTable.IsFinal(domain.MessageFailed) {
		t.Error("failed has outgoing transitions")
	}
}
