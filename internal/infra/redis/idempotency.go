package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimAttempts bounds the SetNX/Get loop when a claim expires in between.
const claimAttempts = 3

// IdempotencyStore is a dedup.Store shared between processes. Claims are
// written with SET NX, so exactly one writer wins each key.
type IdempotencyStore struct {
	client *Client
	ttl    time.Duration
}

// NewIdempotencyStore creates a store whose claims expire after ttl.
// A zero ttl keeps claims forever.
func NewIdempotencyStore(client *Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

func (s *IdempotencyStore) claimKey(key string) string {
	return s.client.key("claim", key)
}

// Claim records value under key unless another owner holds it.
func (s *IdempotencyStore) Claim(ctx context.Context, key, value string) (string, bool, error) {
	k := s.claimKey(key)
	for range claimAttempts {
		ok, err := s.client.rdb.SetNX(ctx, k, value, s.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("setnx failed: %w", err)
		}
		if ok {
			return value, true, nil
		}

		owner, err := s.client.rdb.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET, try again.
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("get failed: %w", err)
		}
		return owner, false, nil
	}
	return "", false, fmt.Errorf("claim %s: key kept expiring", key)
}

// Get returns the current owner of key.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (string, bool, error) {
	owner, err := s.client.rdb.Get(ctx, s.claimKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get failed: %w", err)
	}
	return owner, true, nil
}

// Release drops the claim on key.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.rdb.Del(ctx, s.claimKey(key)).Err()
}
