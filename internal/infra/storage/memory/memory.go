package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/infra/storage"
)

type MemoryStorage struct {
	messages map[string]*domain.Message
	txs      map[string]*domain.Transaction
	archive  []*domain.Message
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string]*domain.Message),
		txs:      make(map[string]*domain.Transaction),
	}
}

// -----------------------------------------------------------------------------
// Message Repository
// -----------------------------------------------------------------------------

type MessageRepo struct {
	store *MemoryStorage
}

func NewMessageRepo(store *MemoryStorage) *MessageRepo {
	return &MessageRepo{store: store}
}

func (r *MessageRepo) Save(ctx context.Context, msg *domain.Message) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.messages[msg.TraceID] = msg.Clone()
	return nil
}

func (r *MessageRepo) Get(ctx context.Context, traceID string) (*domain.Message, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	m, ok := r.store.messages[traceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

func (r *MessageRepo) List(ctx context.Context, filter domain.MessageFilter) (domain.MessagePage, error) {
	filter = storage.NormalizeFilter(filter)

	r.store.mu.RLock()
	var matched []*domain.Message
	for _, m := range r.store.messages {
		if storage.MatchMessage(filter, m) {
			matched = append(matched, m)
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].TraceID < matched[j].TraceID
	})

	page := domain.MessagePage{Total: len(matched), Items: []domain.Summary{}}
	if filter.Offset >= len(matched) {
		return page, nil
	}
	end := min(filter.Offset+filter.Limit, len(matched))
	for _, m := range matched[filter.Offset:end] {
		page.Items = append(page.Items, m.Summarize())
	}
	return page, nil
}

func (r *MessageRepo) CountByState(ctx context.Context) (map[domain.MessageState]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.MessageState]int)
	for _, m := range r.store.messages {
		counts[m.State]++
	}
	return counts, nil
}

func (r *MessageRepo) CountByErrorCategory(ctx context.Context) (map[domain.Category]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.Category]int)
	for _, m := range r.store.messages {
		if m.LastError != nil {
			counts[m.LastError.Category]++
		}
	}
	return counts, nil
}

func (r *MessageRepo) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Message, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Message
	for _, m := range r.store.messages {
		if m.Terminal && m.UpdatedAt.Before(cutoff) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MessageRepo) Delete(ctx context.Context, traceIDs []string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, id := range traceIDs {
		delete(r.store.messages, id)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Transaction Repository
// -----------------------------------------------------------------------------

type TxRepo struct {
	store *MemoryStorage
}

func NewTxRepo(store *MemoryStorage) *TxRepo {
	return &TxRepo{store: store}
}

func (r *TxRepo) Save(ctx context.Context, tx *domain.Transaction) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.txs[tx.ID] = tx.Clone()
	return nil
}

func (r *TxRepo) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	tx, ok := r.store.txs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return tx.Clone(), nil
}

func (r *TxRepo) List(ctx context.Context, filter storage.TransactionFilter) ([]*domain.Transaction, error) {
	r.store.mu.RLock()
	var out []*domain.Transaction
	for _, tx := range r.store.txs {
		if storage.MatchTransaction(filter, tx) {
			out = append(out, tx.Clone())
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Archive Sink
// -----------------------------------------------------------------------------

type ArchiveSink struct {
	store *MemoryStorage
}

func NewArchiveSink(store *MemoryStorage) *ArchiveSink {
	return &ArchiveSink{store: store}
}

func (s *ArchiveSink) Archive(ctx context.Context, msgs []*domain.Message) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for _, m := range msgs {
		s.store.archive = append(s.store.archive, m.Clone())
	}
	return nil
}

// Archived returns the archived messages in arrival order.
func (s *ArchiveSink) Archived() []*domain.Message {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	out := make([]*domain.Message, len(s.store.archive))
	for i, m := range s.store.archive {
		out[i] = m.Clone()
	}
	return out
}
