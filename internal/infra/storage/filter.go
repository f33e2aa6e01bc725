package storage

import (
	"slices"
	"strings"

	"github.com/vietddude/controltower/internal/core/domain"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// NormalizeFilter applies paging defaults and bounds.
func NormalizeFilter(f domain.MessageFilter) domain.MessageFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Text = strings.TrimSpace(f.Text)
	return f
}

// MatchMessage reports whether m satisfies every criterion of f except paging.
// Text matches case-insensitively against trace ID and integration ID.
func MatchMessage(f domain.MessageFilter, m *domain.Message) bool {
	if f.IntegrationID != "" && m.IntegrationID != f.IntegrationID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, m.State) {
		return false
	}
	if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !m.CreatedAt.Before(f.To) {
		return false
	}
	if f.Text != "" {
		q := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(m.TraceID), q) &&
			!strings.Contains(strings.ToLower(m.IntegrationID), q) {
			return false
		}
	}
	return true
}

// MatchTransaction reports whether tx satisfies f.
func MatchTransaction(f TransactionFilter, tx *domain.Transaction) bool {
	if f.FlowID != "" && tx.FlowID != f.FlowID {
		return false
	}
	return len(f.Phases) == 0 || slices.Contains(f.Phases, tx.Phase)
}
