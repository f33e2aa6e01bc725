package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/infra/storage"
)

var (
	_ storage.MessageRepository     = (*MessageRepo)(nil)
	_ storage.TransactionRepository = (*TxRepo)(nil)
	_ storage.ArchiveSink           = (*ArchiveSink)(nil)
)

func seed(t *testing.T, repo *MessageRepo, base time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := range 5 {
		integration := "shopify-sap"
		if i%2 == 1 {
			integration = "stripe-netsuite"
		}
		m := domain.NewMessage(fmt.Sprintf("TRC-%d", i), integration, []byte(`{}`), 3, base.Add(time.Duration(i)*time.Minute))
		if i == 3 {
			m.LastError = &domain.ErrorDetail{Category: domain.CategoryConnection, Message: "i/o timeout"}
			m.Record(domain.MessageFailed, "failed", m.CreatedAt)
		}
		if err := repo.Save(ctx, m); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
}

func TestMessageRepo_List(t *testing.T) {
	repo := NewMessageRepo(NewMemoryStorage())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, repo, base)
	ctx := context.Background()

	tests := []struct {
		name      string
		filter    domain.MessageFilter
		wantTotal int
		wantFirst string
	}{
		{"all newest first", domain.MessageFilter{}, 5, "TRC-4"},
		{"by integration", domain.MessageFilter{IntegrationID: "stripe-netsuite"}, 2, "TRC-3"},
		{"by state", domain.MessageFilter{States: []domain.MessageState{domain.MessageFailed}}, 1, "TRC-3"},
		{"text is case insensitive", domain.MessageFilter{Text: "trc-2"}, 1, "TRC-2"},
		{"text matches integration", domain.MessageFilter{Text: "NETSUITE"}, 2, "TRC-3"},
		{"time window", domain.MessageFilter{From: base.Add(time.Minute), To: base.Add(3 * time.Minute)}, 2, "TRC-2"},
		{"paged", domain.MessageFilter{Offset: 3, Limit: 1}, 5, "TRC-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if page.Total != tt.wantTotal {
				t.Errorf("expected total %d, got %d", tt.wantTotal, page.Total)
			}
			if len(page.Items) == 0 || page.Items[0].TraceID != tt.wantFirst {
				t.Errorf("expected first %s, got %+v", tt.wantFirst, page.Items)
			}
		})
	}

	page, _ := repo.List(ctx, domain.MessageFilter{Offset: 10})
	if page.Total != 5 || len(page.Items) != 0 {
		t.Errorf("offset past the end should return an empty page, got %+v", page)
	}
}

func TestMessageRepo_ReturnsCopies(t *testing.T) {
	repo := NewMessageRepo(NewMemoryStorage())
	ctx := context.Background()
	m := domain.NewMessage("TRC-1", "shopify-sap", []byte(`{}`), 3, time.Now())
	if err := repo.Save(ctx, m); err != nil {
		t.Fatal(err)
	}

	m.Record(domain.MessageValidated, "validated", time.Now())
	got, _ := repo.Get(ctx, "TRC-1")
	if got.State != domain.MessageReceived {
		t.Error("caller mutation leaked into the store")
	}

	got.Timeline[0].Event = "changed"
	again, _ := repo.Get(ctx, "TRC-1")
	if again.Timeline[0].Event == "changed" {
		t.Error("returned message shares its timeline with the store")
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageRepo_Counts(t *testing.T) {
	repo := NewMessageRepo(NewMemoryStorage())
	seed(t, repo, time.Now())
	ctx := context.Background()

	states, _ := repo.CountByState(ctx)
	if states[domain.MessageReceived] != 4 || states[domain.MessageFailed] != 1 {
		t.Errorf("unexpected state counts %v", states)
	}
	categories, _ := repo.CountByErrorCategory(ctx)
	if categories[domain.CategoryConnection] != 1 || len(categories) != 1 {
		t.Errorf("unexpected category counts %v", categories)
	}
}

func TestArchiveFlow(t *testing.T) {
	store := NewMemoryStorage()
	repo := NewMessageRepo(store)
	sink := NewArchiveSink(store)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	done := domain.NewMessage("TRC-done", "shopify-sap", nil, 3, old)
	done.Record(domain.MessageConfirmed, "confirmed", old)
	done.Terminal = true
	open := domain.NewMessage("TRC-open", "shopify-sap", nil, 3, old)
	for _, m := range []*domain.Message{done, open} {
		if err := repo.Save(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	due, err := repo.ListTerminalBefore(ctx, time.Now().Add(-24*time.Hour), 10)
	if err != nil || len(due) != 1 || due[0].TraceID != "TRC-done" {
		t.Fatalf("expected only the terminal message, got %v %v", due, err)
	}
	if err := sink.Archive(ctx, due); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, []string{"TRC-done"}); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.Get(ctx, "TRC-done"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("archived message still in hot store")
	}
	if archived := sink.Archived(); len(archived) != 1 || archived[0].TraceID != "TRC-done" {
		t.Errorf("unexpected archive %v", archived)
	}
}

func TestTxRepo_List(t *testing.T) {
	repo := NewTxRepo(NewMemoryStorage())
	ctx := context.Background()
	flow := domain.Flow{ID: "order", Participants: []domain.ParticipantSpec{{Name: "inventory"}}}
	base := time.Now()

	for i, phase := range []domain.Phase{domain.PhaseCompleted, domain.PhaseRolledBack, domain.PhaseCompleted} {
		tx := domain.NewTransaction(fmt.Sprintf("tx-%d", i), "", flow, nil, base.Add(time.Duration(i)*time.Second))
		tx.Phase = phase
		if err := repo.Save(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.List(ctx, storage.TransactionFilter{FlowID: "order", Phases: []domain.Phase{domain.PhaseCompleted}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "tx-2" {
		t.Errorf("expected completed transactions newest first, got %d", len(got))
	}

	limited, _ := repo.List(ctx, storage.TransactionFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}
