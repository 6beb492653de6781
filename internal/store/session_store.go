/**
 * @description
 * This file implements the USSD session store. Sessions are short-lived
 * conversation state keyed by (gateway session id + phone); Redis holds them
 * with a TTL so abandoned sessions expire without a background sweep. An
 * in-memory implementation backs tests and degraded boot when Redis is
 * unavailable.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client for the primary implementation.
 * - internal/domain: The UssdSession model.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/umoja/lending-service/internal/domain"
)

var ErrSessionNotFound = errors.New("ussd session not found")

// SessionStore is the contract the USSD engine uses for conversation state.
// Put always rewrites the TTL so the idle clock restarts on every callback.
type SessionStore interface {
	Get(ctx context.Context, sessionKey string) (*domain.UssdSession, error)
	Put(ctx context.Context, session *domain.UssdSession, ttl time.Duration) error
	Delete(ctx context.Context, sessionKey string) error
}

// RedisSessionStore keeps sessions as JSON values under a namespaced key.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "lending:ussd_session"
	}
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (s *RedisSessionStore) key(sessionKey string) string {
	return fmt.Sprintf("%s:%s", s.prefix, sessionKey)
}

func (s *RedisSessionStore) Get(ctx context.Context, sessionKey string) (*domain.UssdSession, error) {
	raw, err := s.client.Get(ctx, s.key(sessionKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("session get: %w", err)
	}
	var session domain.UssdSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("session decode: %w", err)
	}
	return &session, nil
}

func (s *RedisSessionStore) Put(ctx context.Context, session *domain.UssdSession, ttl time.Duration) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key(session.SessionKey), raw, ttl).Err(); err != nil {
		return fmt.Errorf("session put: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, sessionKey string) error {
	if err := s.client.Del(ctx, s.key(sessionKey)).Err(); err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

// MemorySessionStore is a map-backed store. TTL is honored lazily on Get
// since the engine re-checks ExpiresAt anyway.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
}

type memorySession struct {
	session  domain.UssdSession
	deadline time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]memorySession)}
}

func (s *MemorySessionStore) Get(ctx context.Context, sessionKey string) (*domain.UssdSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionKey]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if time.Now().After(entry.deadline) {
		delete(s.sessions, sessionKey)
		return nil, ErrSessionNotFound
	}
	copied := entry.session
	copied.Inputs = append([]string(nil), entry.session.Inputs...)
	return &copied, nil
}

func (s *MemorySessionStore) Put(ctx context.Context, session *domain.UssdSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	copied.Inputs = append([]string(nil), session.Inputs...)
	s.sessions[session.SessionKey] = memorySession{session: copied, deadline: time.Now().Add(ttl)}
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey)
	return nil
}
