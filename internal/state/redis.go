// internal/state/redis.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/wealthflow/internal/types"
)

// DefaultSnapshotTTL bounds how long an abandoned snapshot lives in Redis.
// The Complete-transition clear remains the primary cleanup path; the TTL
// covers sessions nobody ever finishes.
const DefaultSnapshotTTL = 72 * time.Hour

// RedisStore is a Redis-backed snapshot store for deployments where the
// daemon itself is replaceable and snapshots must outlive its filesystem.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis using the given URL and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func redisKey(key types.UserKey) string {
	return fmt.Sprintf("wealthflow:snapshot:%s", key)
}

// Load reads the snapshot for the given key. Missing or corrupt records
// yield (nil, nil).
func (s *RedisStore) Load(ctx context.Context, key types.UserKey) (*types.Snapshot, error) {
	data, err := s.client.Get(ctx, redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		slog.Warn("discarding corrupt snapshot", "key", string(key), "error", err)
		return nil, nil
	}
	if snap.Stage == "" {
		return nil, nil
	}
	return &snap, nil
}

// Save writes the snapshot with the retention TTL. The SET is a single
// command, so no partial state is observable.
func (s *RedisStore) Save(ctx context.Context, key types.UserKey, snap *types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// Clear removes the snapshot. Clearing an absent snapshot is not an error.
func (s *RedisStore) Clear(ctx context.Context, key types.UserKey) error {
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
