// ABOUTME: Redis credential slot for shared terminals and kiosk deployments
// ABOUTME: Stores the raw credential under one key with an optional TTL

package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key used when none is configured.
const DefaultRedisKey = "spendsense:credential"

// RedisStore keeps the credential in a single Redis key.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl stores without expiry.
func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

func (r *RedisStore) Set(ctx context.Context, raw string) error {
	if raw == "" {
		return ErrEmptyCredential
	}
	if err := r.client.Set(ctx, r.key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context) (string, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading credential: %w", err)
	}
	return raw, raw != "", nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
