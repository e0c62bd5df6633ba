package pesapal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// Token — bearer-токен Pesapal и момент его истечения.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt сообщает, что токен пригоден с запасом skew.
func (t Token) ValidAt(now time.Time, skew time.Duration) bool {
	return t.Value != "" && now.Add(skew).Before(t.ExpiresAt)
}

// TokenStore хранит текущий токен. Redis-реализация позволяет репликам
// делить один токен и не упираться в лимиты Auth/RequestToken.
type TokenStore interface {
	Get(ctx context.Context) (Token, bool, error)
	Put(ctx context.Context, token Token) error
	Invalidate(ctx context.Context) error
}

type memoryTokenStore struct {
	mu    sync.Mutex
	token Token
}

// NewMemoryTokenStore создаёт хранилище токена в памяти процесса.
func NewMemoryTokenStore() TokenStore {
	return &memoryTokenStore{}
}

func (s *memoryTokenStore) Get(context.Context) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token.Value != "", nil
}

func (s *memoryTokenStore) Put(_ context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *memoryTokenStore) Invalidate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = Token{}
	return nil
}

// RedisTokenStore хранит токен в Redis под ключом с TTL до истечения токена.
type RedisTokenStore struct {
	client *redis.Client
	key    string
}

// NewRedisTokenStore создаёт Redis-хранилище токена.
func NewRedisTokenStore(client *redis.Client, key string) *RedisTokenStore {
	if key == "" {
		key = "paycoord:pesapal:token"
	}
	return &RedisTokenStore{client: client, key: key}
}

func (s *RedisTokenStore) Get(ctx context.Context) (Token, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("redis get token: %w", err)
	}

	var token Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return Token{}, false, fmt.Errorf("decode cached token: %w", err)
	}
	return token, token.Value != "", nil
}

func (s *RedisTokenStore) Put(ctx context.Context, token Token) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set token: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Invalidate(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del token: %w", err)
	}
	return nil
}

// tokenExpiry определяет срок жизни токена: claim exp из JWT, затем поле
// expiryDate ответа, затем fallback.
func tokenExpiry(value, expiryDate string, now time.Time, fallback time.Duration) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.UTC()
		}
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if ts, err := time.Parse(layout, expiryDate); err == nil {
			return ts.UTC()
		}
	}
	return now.Add(fallback)
}
