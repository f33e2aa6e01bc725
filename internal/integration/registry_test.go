package integration

import (
	"errors"
	"testing"

	"github.com/vietddude/controltower/internal/core/domain"
)

func testFlows() []domain.Flow {
	return []domain.Flow{{
		ID: "order",
		Participants: []domain.ParticipantSpec{
			{Name: "inventory"},
			{Name: "payment"},
		},
	}}
}

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name         string
		integrations []domain.Integration
		flows        []domain.Flow
		wantErr      error
	}{
		{
			name:         "valid",
			integrations: []domain.Integration{{ID: "a"}, {ID: "b", MultiResource: true, FlowID: "order"}},
			flows:        testFlows(),
		},
		{
			name:         "duplicate integration",
			integrations: []domain.Integration{{ID: "a"}, {ID: "a"}},
			wantErr:      ErrInvalidIntegration,
		},
		{
			name:         "unknown flow",
			integrations: []domain.Integration{{ID: "a", MultiResource: true, FlowID: "missing"}},
			wantErr:      ErrUnknownFlow,
		},
		{
			name:         "negative retries",
			integrations: []domain.Integration{{ID: "a", MaxRetries: domain.Retries(-1)}},
			wantErr:      ErrInvalidIntegration,
		},
		{
			name: "shared participant name across flows",
			flows: []domain.Flow{
				{ID: "order", Participants: []domain.ParticipantSpec{{Name: "payment", Resource: "ledger", Endpoint: "http://a/tcc"}}},
				{ID: "refund", Participants: []domain.ParticipantSpec{{Name: "payment", Resource: "ledger", Endpoint: "http://b/tcc"}}},
			},
		},
		{
			name: "conflicting endpoints in one flow",
			flows: []domain.Flow{{
				ID: "bad",
				Participants: []domain.ParticipantSpec{
					{Name: "debit", Resource: "ledger", Endpoint: "http://a/tcc"},
					{Name: "credit", Resource: "ledger", Endpoint: "http://a/tcc/"},
				},
			}},
			wantErr: ErrInvalidIntegration,
		},
		{
			name: "duplicate participant",
			flows: []domain.Flow{{
				ID:           "bad",
				Participants: []domain.ParticipantSpec{{Name: "x"}, {Name: "x"}},
			}},
			wantErr: ErrInvalidIntegration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.integrations, tt.flows)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegistry_SetPaused(t *testing.T) {
	r, err := NewRegistry([]domain.Integration{{ID: "b"}, {ID: "a"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	in, err := r.SetPaused("a", true)
	if err != nil || !in.Paused {
		t.Fatalf("expected paused integration, got %+v %v", in, err)
	}
	got, _ := r.Integration("a")
	if !got.Paused {
		t.Error("pause was not stored")
	}
	if _, err := r.SetPaused("zzz", true); !errors.Is(err, ErrUnknownIntegration) {
		t.Errorf("expected ErrUnknownIntegration, got %v", err)
	}

	list := r.Integrations()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("expected sorted integrations, got %+v", list)
	}
}
