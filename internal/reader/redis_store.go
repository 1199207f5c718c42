// Package reader persists per-reader chapter progress for published
// stories. Progress is keyed by reader and catalog entry, so the same
// account tracks each story it reads independently.
package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"evotales/api/internal/story"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps reader progress records in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

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

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "progress:",
	}
}

func (s *RedisStore) key(readerID, publishedID string) string {
	return s.prefix + readerID + ":" + publishedID
}

// Get returns the reader's progress for one catalog entry. A reader with
// no record yet starts with only the first chapter unlocked.
func (s *RedisStore) Get(ctx context.Context, readerID, publishedID string) (story.ReaderProgress, error) {
	data, err := s.client.Get(ctx, s.key(readerID, publishedID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return story.NewReaderProgress(), nil
	}
	if err != nil {
		return story.ReaderProgress{}, fmt.Errorf("load reader progress: %w", err)
	}

	var progress story.ReaderProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return story.ReaderProgress{}, fmt.Errorf("decode reader progress: %w", err)
	}
	if len(progress.Unlocked) == 0 {
		progress = story.NewReaderProgress()
	}
	return progress, nil
}

// Save overwrites the reader's progress for one catalog entry.
func (s *RedisStore) Save(ctx context.Context, readerID, publishedID string, progress story.ReaderProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode reader progress: %w", err)
	}
	if err := s.client.Set(ctx, s.key(readerID, publishedID), data, 0).Err(); err != nil {
		return fmt.Errorf("save reader progress: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
