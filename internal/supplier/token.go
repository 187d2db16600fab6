package supplier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token is a supplier access token and its expiry.
type Token struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Fresh reports whether the token stays valid for at least skew past now.
func (t Token) Fresh(now time.Time, skew time.Duration) bool {
	return t.AccessToken != "" && now.Add(skew).Before(t.ExpiresAt)
}

// TokenStore caches the access token between runs.
type TokenStore interface {
	Get(ctx context.Context) (Token, bool, error)
	Set(ctx context.Context, token Token) error
	Delete(ctx context.Context) error
}

// MemoryTokenStore keeps the token in process memory.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token Token
	ok    bool
}

// NewMemoryTokenStore returns an empty in-process store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Get(context.Context) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.ok, nil
}

func (s *MemoryTokenStore) Set(_ context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.ok = token, true
	return nil
}

func (s *MemoryTokenStore) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.ok = Token{}, false
	return nil
}

// RedisTokenStore shares the token across processes. The key expires with
// the token.
type RedisTokenStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisTokenStore builds a store under key.
func NewRedisTokenStore(client redis.UniversalClient, key string) *RedisTokenStore {
	if key == "" {
		key = "pawsy:supplier:cj:token"
	}
	return &RedisTokenStore{client: client, key: key}
}

func (s *RedisTokenStore) Get(ctx context.Context) (Token, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("supplier: token get: %w", err)
	}
	var token Token
	if err := json.Unmarshal(raw, &token); err != nil {
		// Unreadable entries are treated as a miss and overwritten on refresh.
		return Token{}, false, nil
	}
	return token, true, nil
}

func (s *RedisTokenStore) Set(ctx context.Context, token Token) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("supplier: token encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("supplier: token set: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("supplier: token delete: %w", err)
	}
	return nil
}
