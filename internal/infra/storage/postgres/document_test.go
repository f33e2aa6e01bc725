package postgres

import (
	"database/sql"
	"testing"
	"time"

	"github.com/vietddude/controltower/internal/core/domain"
)

func testMessage() *domain.Message {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	msg := domain.NewMessage("TRC-1001", "shopify-sap", []byte(`{"order_id":"SO-1"}`), 3, at)
	msg.State = domain.MessageManualReview
	msg.RetryCount = 2
	msg.MappedPayload = []byte(`{"VBELN":"SO-1"}`)
	msg.TargetResponse = []byte(`{"document":"4500001"}`)
	msg.LastError = &domain.ErrorDetail{
		Category: domain.CategoryTarget,
		Code:     "HTTP_503",
		Message:  "target returned status 503",
	}
	msg.Evaluation = &domain.Evaluation{
		Verdict:        domain.VerdictWarn,
		Triggered:      []string{"email"},
		Flagged:        true,
		RuleSetVersion: 4,
	}
	msg.Timeline = append(msg.Timeline,
		domain.TimelineEntry{At: at.Add(time.Second), Event: "Validated", State: domain.MessageValidated},
		domain.TimelineEntry{At: at.Add(2 * time.Second), Event: "Escalated", State: domain.MessageManualReview},
	)
	msg.UpdatedAt = at.Add(2 * time.Second)
	return msg
}

func TestMessageDocument_RoundTrip(t *testing.T) {
	msg := testMessage()

	data, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.TraceID != msg.TraceID || got.IntegrationID != msg.IntegrationID {
		t.Errorf("identity lost: %s/%s", got.TraceID, got.IntegrationID)
	}
	if got.State != domain.MessageManualReview || got.RetryCount != 2 || got.MaxRetries != 3 {
		t.Errorf("unexpected state %s retries %d/%d", got.State, got.RetryCount, got.MaxRetries)
	}
	if got.IdempotencyToken != msg.IdempotencyToken {
		t.Errorf("expected token %q, got %q", msg.IdempotencyToken, got.IdempotencyToken)
	}
	if string(got.SourcePayload) != `{"order_id":"SO-1"}` ||
		string(got.MappedPayload) != `{"VBELN":"SO-1"}` ||
		string(got.TargetResponse) != `{"document":"4500001"}` {
		t.Errorf("payloads changed: %s %s %s", got.SourcePayload, got.MappedPayload, got.TargetResponse)
	}
	if got.LastError == nil || *got.LastError != *msg.LastError {
		t.Errorf("expected error %+v, got %+v", msg.LastError, got.LastError)
	}
	if got.Evaluation == nil || !got.Evaluation.Flagged || got.Evaluation.RuleSetVersion != 4 {
		t.Errorf("unexpected evaluation %+v", got.Evaluation)
	}
	if len(got.Timeline) != len(msg.Timeline) {
		t.Fatalf("expected %d timeline entries, got %d", len(msg.Timeline), len(got.Timeline))
	}
	for i, e := range got.Timeline {
		want := msg.Timeline[i]
		if !e.At.Equal(want.At) || e.Event != want.Event || e.State != want.State {
			t.Errorf("timeline[%d]: expected %+v, got %+v", i, want, e)
		}
	}
	if !got.CreatedAt.Equal(msg.CreatedAt) || !got.UpdatedAt.Equal(msg.UpdatedAt) {
		t.Errorf("timestamps changed: %v %v", got.CreatedAt, got.UpdatedAt)
	}
}

// JSONB returns documents with reordered keys and its own spacing.
func TestDecodeMessage_NormalizedDocument(t *testing.T) {
	data := []byte(`{"state": "SENT", "timeline": [{"at": "2026-03-02T10:00:00Z", "event": "Received", "state": "RECEIVED"},
		{"at": "2026-03-02T10:00:01Z", "event": "Sent", "state": "SENT"}], "trace_id": "TRC-7",
		"max_retries": 0, "retry_count": 0, "integration_id": "audit", "source_payload": {"id": 1}}`)

	got, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TraceID != "TRC-7" || got.State != domain.MessageSent || got.MaxRetries != 0 {
		t.Errorf("unexpected message %+v", got)
	}
	if last := got.Timeline[len(got.Timeline)-1]; last.State != got.State {
		t.Errorf("timeline ends in %s, message is %s", last.State, got.State)
	}
	if string(got.SourcePayload) != `{"id": 1}` {
		t.Errorf("unexpected payload %s", got.SourcePayload)
	}

	if _, err := decodeMessage([]byte(`{"trace_id":`)); err == nil {
		t.Error("expected error for truncated document")
	}
}

func TestTransactionDocument_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	flow := domain.Flow{
		ID: "order",
		Participants: []domain.ParticipantSpec{
			{Name: "inventory", Resource: "stock"},
			{Name: "payment", Resource: "ledger"},
		},
	}
	tx := domain.NewTransaction("tx-1", "TRC-1", flow, []byte(`{"sku":"A-1"}`), at)
	tx.Phase = domain.PhaseConfirming
	tx.Participants[0].State = domain.ParticipantConfirmed
	tx.Participants[0].Attempts = 1
	tx.Participants[1].State = domain.ParticipantConfirming
	tx.Participants[1].Attempts = 3
	tx.Participants[1].Error = "ledger unavailable"
	tx.Error = &domain.ErrorDetail{
		Category:     domain.CategoryTarget,
		Code:         "CONFIRM_NOT_CONVERGED",
		Message:      "payment did not confirm",
		Inconsistent: true,
	}

	data, err := encodeTransaction(tx)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeTransaction(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.ID != "tx-1" || got.TraceID != "TRC-1" || got.FlowID != "order" || got.Phase != domain.PhaseConfirming {
		t.Errorf("unexpected transaction %+v", got)
	}
	if string(got.Payload) != `{"sku":"A-1"}` {
		t.Errorf("unexpected payload %s", got.Payload)
	}
	if !got.CreatedAt.Equal(at) || got.CompletedAt != nil {
		t.Errorf("unexpected times %v %v", got.CreatedAt, got.CompletedAt)
	}
	if got.Error == nil || !got.Error.Inconsistent {
		t.Errorf("inconsistency lost: %+v", got.Error)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(got.Participants))
	}
	for i, p := range got.Participants {
		if *p != *tx.Participants[i] {
			t.Errorf("participant %d: expected %+v, got %+v", i, *tx.Participants[i], *p)
		}
	}

	done := at.Add(time.Minute)
	tx.Phase, tx.CompletedAt, tx.Error = domain.PhaseCompleted, &done, nil
	data, _ = encodeTransaction(tx)
	got, err = decodeTransaction(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) || got.Error != nil {
		t.Errorf("expected completion at %v without error, got %v %+v", done, got.CompletedAt, got.Error)
	}
}

func TestSummaryRow_ToDomain(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	row := summaryRow{
		TraceID:       "TRC-9",
		IntegrationID: "shopify-sap",
		State:         string(domain.MessageFailed),
		RetryCount:    1,
		MaxRetries:    3,
		ErrorCategory: sql.NullString{String: string(domain.CategoryConnection), Valid: true},
		CreatedAt:     at,
		UpdatedAt:     at,
	}

	s := row.toDomain()
	if s.State != domain.MessageFailed || s.ErrorCategory != domain.CategoryConnection || s.MaxRetries != 3 {
		t.Errorf("unexpected summary %+v", s)
	}

	row.ErrorCategory = sql.NullString{}
	if s := row.toDomain(); s.ErrorCategory != "" {
		t.Errorf("expected empty category, got %q", s.ErrorCategory)
	}
}
