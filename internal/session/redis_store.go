// Package session persists refresh tokens in Redis, keyed by token
// hash. The plaintext token never reaches the store; expiry rides on
// the Redis TTL so revocation and expiration need no sweeper.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"evotales/api/internal/store"

	"github.com/redis/go-redis/v9"
)

// TokenData is the record behind one refresh token hash.
type TokenData struct {
	WriterID  string    `json:"writer_id"`
	PenName   string    `json:"pen_name"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps refresh sessions in Redis.
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
		prefix: "refresh:",
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveRefreshSession stores a token record that expires with the Redis
// TTL. A past expiry falls back to 30 days rather than writing a key
// that never expires.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, writerID, penName string, expiresAt time.Time) error {
	data, err := json.Marshal(TokenData{
		WriterID:  writerID,
		PenName:   penName,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("encode refresh session: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.key(tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession resolves a token hash to the writer behind it.
// Expired tokens are gone from Redis, so they look the same as tokens
// that never existed.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.Writer, error) {
	data, err := s.client.Get(ctx, s.key(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Writer{}, fmt.Errorf("refresh session not found or expired")
	}
	if err != nil {
		return store.Writer{}, fmt.Errorf("lookup refresh session: %w", err)
	}

	var record TokenData
	if err := json.Unmarshal(data, &record); err != nil {
		return store.Writer{}, fmt.Errorf("decode refresh session: %w", err)
	}

	return store.Writer{
		ID:      record.WriterID,
		PenName: record.PenName,
	}, nil
}

// RevokeRefreshSession deletes a token. Revoking a token that is
// already gone is not an error.
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
