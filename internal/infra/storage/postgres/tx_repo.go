package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/infra/storage"
)

// TxRepo implements storage.TransactionRepository using PostgreSQL.
type TxRepo struct {
	db *DB
}

// NewTxRepo creates a new PostgreSQL transaction repository.
func NewTxRepo(db *DB) *TxRepo {
	return &TxRepo{db: db}
}

// Save upserts a transaction.
func (r *TxRepo) Save(ctx context.Context, tx *domain.Transaction) error {
	data, err := encodeTransaction(tx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (id, trace_id, flow_id, phase, created_at, completed_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			completed_at = EXCLUDED.completed_at,
			data = EXCLUDED.data
	`
	_, err = r.db.ExecContext(ctx, query,
		tx.ID, tx.TraceID, tx.FlowID, string(tx.Phase), tx.CreatedAt, tx.CompletedAt, data,
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

// Get returns a transaction by ID.
func (r *TxRepo) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	var data []byte
	err := r.db.GetContext(ctx, &data, `SELECT data FROM transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return decodeTransaction(data)
}

func encodeTransaction(tx *domain.Transaction) ([]byte, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction %s: %w", tx.ID, err)
	}
	return data, nil
}

func decodeTransaction(data []byte) (*domain.Transaction, error) {
	var tx domain.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// List returns transactions matching filter, newest first.
func (r *TxRepo) List(ctx context.Context, filter storage.TransactionFilter) ([]*domain.Transaction, error) {
	phases := make([]string, len(filter.Phases))
	for i, p := range filter.Phases {
		phases[i] = string(p)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = storage.MaxPageSize
	}

	var rows [][]byte
	err := r.db.SelectContext(ctx, &rows, `
		SELECT data FROM transactions
		WHERE ($1 = '' OR flow_id = $1)
		  AND (cardinality($2::text[]) = 0 OR phase = ANY($2))
		ORDER BY created_at DESC
		LIMIT $3`, filter.FlowID, pq.Array(phases), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	out := make([]*domain.Transaction, 0, len(rows))
	for _, data := range rows {
		tx, err := decodeTransaction(data)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}
