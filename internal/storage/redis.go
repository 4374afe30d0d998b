package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drzln/curupira/internal/common/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBackend implements Backend on top of Redis. Values are stored as JSON
// and carry a native Redis expiry matching their ExpiresAt.
type RedisBackend struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a new Redis-based backend
func NewRedisBackend(ctx context.Context, logger *zap.Logger, cfg config.StorageRedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBackend{
		logger: logger.Named("storage.redis"),
		client: client,
		prefix: cfg.Prefix,
	}, nil
}

// Get implements Backend.Get
func (b *RedisBackend) Get(ctx context.Context, key string) (*Value, bool, error) {
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get value from Redis: %w", err)
	}

	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return &v, true, nil
}

// Set implements Backend.Set
func (b *RedisBackend) Set(ctx context.Context, key string, value *Value) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	var ttl time.Duration
	if value.ExpiresAt != nil {
		ttl = time.Until(*value.ExpiresAt)
		if ttl <= 0 {
			// already expired, keep it absent
			return b.client.Del(ctx, b.prefix+key).Err()
		}
	}

	if err := b.client.Set(ctx, b.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store value in Redis: %w", err)
	}
	return nil
}

// Delete implements Backend.Delete
func (b *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Del(ctx, b.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete value from Redis: %w", err)
	}
	return n > 0, nil
}

// Keys implements Backend.Keys
func (b *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), b.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// Clear implements Backend.Clear
func (b *RedisBackend) Clear(ctx context.Context) error {
	keys, err := b.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.prefix + k
	}
	if err := b.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to clear keys: %w", err)
	}
	return nil
}

// Close implements Backend.Close
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
