package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/controltower/internal/core/domain"
)

// ArchiveRepo implements storage.ArchiveSink with the messages_archive table.
type ArchiveRepo struct {
	db *DB
}

// NewArchiveRepo creates a new PostgreSQL archive sink.
func NewArchiveRepo(db *DB) *ArchiveRepo {
	return &ArchiveRepo{db: db}
}

// Archive inserts msgs in one transaction. Already archived messages are skipped.
func (r *ArchiveRepo) Archive(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	return r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO messages_archive (trace_id, integration_id, state, data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (trace_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare archive insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range msgs {
			data, err := encodeMessage(m)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, m.TraceID, m.IntegrationID, string(m.State), data); err != nil {
				return fmt.Errorf("failed to archive message %s: %w", m.TraceID, err)
			}
		}
		return nil
	})
}
