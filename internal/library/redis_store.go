// Package library stores each writer's local stories. The whole
// collection for a writer lives under one Redis key as a JSON array,
// and every mutation flows through a single read-modify-write path.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"evotales/api/internal/story"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists writer libraries in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed library store.
func NewRedisStore(redisURL string) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "library:",
	}
}

func (s *RedisStore) key(writerID string) string {
	return s.prefix + writerID
}

// Load returns a writer's stories. A writer with no key has an empty library.
func (s *RedisStore) Load(ctx context.Context, writerID string) ([]story.Story, error) {
	jsonData, err := s.client.Get(ctx, s.key(writerID)).Result()
	if err == redis.Nil {
		return []story.Story{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load library: %w", err)
	}

	var stories []story.Story
	if err := json.Unmarshal([]byte(jsonData), &stories); err != nil {
		return nil, fmt.Errorf("unmarshal library: %w", err)
	}
	return stories, nil
}

// Save replaces a writer's whole library.
func (s *RedisStore) Save(ctx context.Context, writerID string, stories []story.Story) error {
	jsonData, err := json.Marshal(stories)
	if err != nil {
		return fmt.Errorf("marshal library: %w", err)
	}
	if err := s.client.Set(ctx, s.key(writerID), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("save library: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
