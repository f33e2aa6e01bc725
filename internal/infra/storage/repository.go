package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/controltower/internal/core/domain"
)

var (
	// ErrNotFound is returned when a message or transaction doesn't exist
	ErrNotFound = errors.New("not found")
)

// MessageRepository handles the hot store of messages
type MessageRepository interface {
	// Save inserts or replaces a message
	Save(ctx context.Context, msg *domain.Message) error

	// Get retrieves a message by trace ID
	Get(ctx context.Context, traceID string) (*domain.Message, error)

	// List returns one page of messages matching the filter, newest first
	List(ctx context.Context, filter domain.MessageFilter) (domain.MessagePage, error)

	// CountByState returns message counts per state
	CountByState(ctx context.Context) (map[domain.MessageState]int, error)

	// CountByErrorCategory returns counts of messages whose last error has each category
	CountByErrorCategory(ctx context.Context) (map[domain.Category]int, error)

	// ListTerminalBefore returns terminal messages last updated before the cutoff
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Message, error)

	// Delete removes messages by trace ID
	Delete(ctx context.Context, traceIDs []string) error
}

// TransactionFilter selects transactions for listing.
type TransactionFilter struct {
	FlowID string
	Phases []domain.Phase
	Limit  int
}

// TransactionRepository handles TCC transaction storage
type TransactionRepository interface {
	// Save inserts or replaces a transaction
	Save(ctx context.Context, tx *domain.Transaction) error

	// Get retrieves a transaction by ID
	Get(ctx context.Context, id string) (*domain.Transaction, error)

	// List returns transactions matching the filter, newest first
	List(ctx context.Context, filter TransactionFilter) ([]*domain.Transaction, error)
}

// ArchiveSink receives terminal messages leaving the hot store
type ArchiveSink interface {
	Archive(ctx context.Context, msgs []*domain.Message) error
}
