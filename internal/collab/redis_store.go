package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned when a session ID or code resolves to nothing.
var ErrSessionNotFound = errors.New("session not found")

// RedisStore persists collab sessions in Redis. Each session lives under
// one key, with secondary keys mapping invite codes and member IDs back
// to session IDs.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed session store.
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
		prefix: "collab:",
	}
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) codeKey(code string) string {
	return s.prefix + "code:" + strings.ToUpper(code)
}

func (s *RedisStore) memberKey(writerID string) string {
	return s.prefix + "member:" + writerID
}

// Save writes a session and refreshes its code and member indexes.
func (s *RedisStore) Save(ctx context.Context, session Session) error {
	jsonData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.ID), jsonData, 0)
	pipe.Set(ctx, s.codeKey(session.Code), session.ID, 0)
	for writerID := range session.Members {
		pipe.SAdd(ctx, s.memberKey(writerID), session.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns a session by ID.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (Session, error) {
	jsonData, err := s.client.Get(ctx, s.sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(jsonData), &session); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

// LoadByCode resolves an invite code to its session.
func (s *RedisStore) LoadByCode(ctx context.Context, code string) (Session, error) {
	sessionID, err := s.client.Get(ctx, s.codeKey(code)).Result()
	if err == redis.Nil {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("resolve invite code: %w", err)
	}
	return s.Load(ctx, sessionID)
}

// ListFor returns every session a writer belongs to, skipping any that
// were deleted out from under the member index.
func (s *RedisStore) ListFor(ctx context.Context, writerID string) ([]Session, error) {
	ids, err := s.client.SMembers(ctx, s.memberKey(writerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list member sessions: %w", err)
	}

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.Load(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			s.client.SRem(ctx, s.memberKey(writerID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Delete removes a session and its indexes.
func (s *RedisStore) Delete(ctx context.Context, session Session) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(session.ID))
	pipe.Del(ctx, s.codeKey(session.Code))
	for writerID := range session.Members {
		pipe.SRem(ctx, s.memberKey(writerID), session.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// RemoveMemberIndex drops one writer's back-pointer to a session.
func (s *RedisStore) RemoveMemberIndex(ctx context.Context, writerID, sessionID string) error {
	return s.client.SRem(ctx, s.memberKey(writerID), sessionID).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
