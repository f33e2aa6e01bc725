package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/infra/storage"
)

// MessageRepo implements storage.MessageRepository using PostgreSQL.
// The full message is kept as JSONB; filterable fields are mirrored in columns.
type MessageRepo struct {
	db *DB
}

// NewMessageRepo creates a new PostgreSQL message repository.
func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Save upserts a message.
func (r *MessageRepo) Save(ctx context.Context, msg *domain.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	var category sql.NullString
	if msg.LastError != nil {
		category = sql.NullString{String: string(msg.LastError.Category), Valid: true}
	}

	query := `
		INSERT INTO messages (
			trace_id, integration_id, state, retry_count, max_retries, terminal,
			error_category, created_at, updated_at, data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trace_id) DO UPDATE SET
			state = EXCLUDED.state,
			retry_count = EXCLUDED.retry_count,
			terminal = EXCLUDED.terminal,
			error_category = EXCLUDED.error_category,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data
	`
	_, err = r.db.ExecContext(ctx, query,
		msg.TraceID, msg.IntegrationID, string(msg.State), msg.RetryCount, msg.MaxRetries,
		msg.Terminal, category, msg.CreatedAt, msg.UpdatedAt, data,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// Get returns a message by trace ID.
func (r *MessageRepo) Get(ctx context.Context, traceID string) (*domain.Message, error) {
	var data []byte
	err := r.db.GetContext(ctx, &data, `SELECT data FROM messages WHERE trace_id = $1`, traceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return decodeMessage(data)
}

// encodeMessage renders the JSONB document stored in the data column.
func encodeMessage(msg *domain.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", msg.TraceID, err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*domain.Message, error) {
	var m domain.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

type summaryRow struct {
	TraceID       string         `db:"trace_id"`
	IntegrationID string         `db:"integration_id"`
	State         string         `db:"state"`
	RetryCount    int            `db:"retry_count"`
	MaxRetries    int            `db:"max_retries"`
	ErrorCategory sql.NullString `db:"error_category"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (s *summaryRow) toDomain() domain.Summary {
	return domain.Summary{
		TraceID:       s.TraceID,
		IntegrationID: s.IntegrationID,
		State:         domain.MessageState(s.State),
		RetryCount:    s.RetryCount,
		MaxRetries:    s.MaxRetries,
		ErrorCategory: domain.Category(s.ErrorCategory.String),
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// messageWhere builds the WHERE clause of a filter, starting at placeholder $1.
func messageWhere(f domain.MessageFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.IntegrationID != "" {
		add("integration_id = $%d", f.IntegrationID)
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		add("state = ANY($%d)", pq.Array(states))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	if f.Text != "" {
		args = append(args, "%"+escapeLike(strings.ToLower(f.Text))+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(lower(trace_id) LIKE $%d OR lower(integration_id) LIKE $%d)", n, n))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// List returns one page of message summaries, newest first.
func (r *MessageRepo) List(ctx context.Context, filter domain.MessageFilter) (domain.MessagePage, error) {
	filter = storage.NormalizeFilter(filter)
	where, args := messageWhere(filter)

	page := domain.MessagePage{Items: []domain.Summary{}}
	if err := r.db.GetContext(ctx, &page.Total, `SELECT COUNT(*) FROM messages`+where, args...); err != nil {
		return page, fmt.Errorf("failed to count messages: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT trace_id, integration_id, state, retry_count, max_retries, error_category, created_at, updated_at
		FROM messages%s
		ORDER BY created_at DESC, trace_id
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)

	var rows []summaryRow
	if err := r.db.SelectContext(ctx, &rows, query, append(args, filter.Limit, filter.Offset)...); err != nil {
		return page, fmt.Errorf("failed to list messages: %w", err)
	}
	for i := range rows {
		page.Items = append(page.Items, rows[i].toDomain())
	}
	return page, nil
}

type countRow struct {
	Key   string `db:"key"`
	Count int    `db:"count"`
}

// CountByState returns the number of stored messages per state.
func (r *MessageRepo) CountByState(ctx context.Context) (map[domain.MessageState]int, error) {
	var rows []countRow
	err := r.db.SelectContext(ctx, &rows, `SELECT state AS key, COUNT(*) AS count FROM messages GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by state: %w", err)
	}
	out := make(map[domain.MessageState]int, len(rows))
	for _, row := range rows {
		out[domain.MessageState(row.Key)] = row.Count
	}
	return out, nil
}

// CountByErrorCategory returns the number of messages per last error category.
func (r *MessageRepo) CountByErrorCategory(ctx context.Context) (map[domain.Category]int, error) {
	var rows []countRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT error_category AS key, COUNT(*) AS count
		FROM messages
		WHERE error_category IS NOT NULL
		GROUP BY error_category`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by error category: %w", err)
	}
	out := make(map[domain.Category]int, len(rows))
	for _, row := range rows {
		out[domain.Category(row.Key)] = row.Count
	}
	return out, nil
}

// ListTerminalBefore returns up to limit terminal messages last updated before cutoff, oldest first.
func (r *MessageRepo) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Message, error) {
	var rows [][]byte
	err := r.db.SelectContext(ctx, &rows, `
		SELECT data FROM messages
		WHERE terminal AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal messages: %w", err)
	}
	out := make([]*domain.Message, 0, len(rows))
	for _, data := range rows {
		m, err := decodeMessage(data)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes messages by trace ID.
func (r *MessageRepo) Delete(ctx context.Context, traceIDs []string) error {
	if len(traceIDs) == 0 {
		return nil
	}
	return r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE trace_id = ANY($1)`, pq.Array(traceIDs)); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		return nil
	})
}
