// Package checkpoint provides the seen-set backends that make catalog
// rebuilds idempotent and resumable across process restarts.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSet implements a rebuild seen set on a Redis set keyed by rebuild
// name. Entries expire so an abandoned rebuild does not pin memory
// forever; a finished rebuild clears its own key.
type RedisSet struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisSet connects to Redis and scopes a seen set under the given
// rebuild name.
func NewRedisSet(redisURL, name string, ttl time.Duration) (*RedisSet, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisSetWithClient(client, name, ttl), nil
}

// NewRedisSetWithClient wraps an existing Redis client.
func NewRedisSetWithClient(client *redis.Client, name string, ttl time.Duration) *RedisSet {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSet{
		client: client,
		key:    "rebuild-seen:" + name,
		ttl:    ttl,
	}
}

// Contains reports whether the rebuild already visited the record id.
func (s *RedisSet) Contains(ctx context.Context, id string) (bool, error) {
	found, err := s.client.SIsMember(ctx, s.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("check seen set: %w", err)
	}
	return found, nil
}

// Add marks a record id as visited and refreshes the set's expiry.
func (s *RedisSet) Add(ctx context.Context, id string) error {
	if err := s.client.SAdd(ctx, s.key, id).Err(); err != nil {
		return fmt.Errorf("add to seen set: %w", err)
	}
	if err := s.client.Expire(ctx, s.key, s.ttl).Err(); err != nil {
		return fmt.Errorf("expire seen set: %w", err)
	}
	return nil
}

// Clear drops the seen set, typically after a rebuild completes.
func (s *RedisSet) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear seen set: %w", err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (s *RedisSet) Close() error {
	return s.client.Close()
}
