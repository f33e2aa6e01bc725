package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/infra/storage"
)

// ArchiveSink keeps terminal messages in Redis for a retention period so an
// external aggregator can pick them up. Each message is stored under its own
// key and indexed in a sorted set by completion time.
type ArchiveSink struct {
	client    *Client
	retention time.Duration
}

// NewArchiveSink creates a sink whose entries expire after retention.
func NewArchiveSink(client *Client, retention time.Duration) *ArchiveSink {
	return &ArchiveSink{client: client, retention: retention}
}

// Key helpers
func (s *ArchiveSink) indexKey() string {
	return s.client.key("archive")
}

func (s *ArchiveSink) messageKey(traceID string) string {
	return s.client.key("archive", traceID)
}

// Archive stores msgs in a single transaction.
func (s *ArchiveSink) Archive(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	_, err := s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range msgs {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to marshal message %s: %w", m.TraceID, err)
			}
			pipe.Set(ctx, s.messageKey(m.TraceID), data, s.retention)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{
				Score:  float64(m.UpdatedAt.UnixMilli()),
				Member: m.TraceID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive messages: %w", err)
	}
	return nil
}

// Get returns an archived message.
func (s *ArchiveSink) Get(ctx context.Context, traceID string) (*domain.Message, error) {
	data, err := s.client.rdb.Get(ctx, s.messageKey(traceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived message: %w", err)
	}
	var m domain.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived message: %w", err)
	}
	return &m, nil
}

// Recent returns up to limit archived messages, newest first. Index entries
// whose data has expired are removed.
func (s *ArchiveSink) Recent(ctx context.Context, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = storage.DefaultPageSize
	}
	ids, err := s.client.rdb.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	out := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			// Data expired but ID still indexed, remove it
			s.client.rdb.ZRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Count returns the number of indexed archive entries.
func (s *ArchiveSink) Count(ctx context.Context) (int, error) {
	n, err := s.client.rdb.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}
