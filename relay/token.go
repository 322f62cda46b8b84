// Package relay implements the rendezvous server that authenticates peers
// and forwards virtual-network frames between their sessions.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// tokenKeyPrefix namespaces relay tokens in a shared redis instance.
const tokenKeyPrefix = "ldn:token:"

// DefaultTokenTTL bounds how long an issued token stays valid.
const DefaultTokenTTL = 10 * time.Minute

// TokenStore issues and validates the opaque registration tokens carried in
// the handshake. Tokens expire; validation after expiry fails closed.
type TokenStore interface {
	Issue(ctx context.Context) ([16]byte, error)
	Validate(ctx context.Context, token [16]byte) (bool, error)
	Revoke(ctx context.Context, token [16]byte) error
	Close() error
}

// NewTokenStore selects a backend: redis when an address is configured so
// several relay instances can share tokens, in-process memory otherwise.
func NewTokenStore(redisAddr string, ttl time.Duration) TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if redisAddr != "" {
		return newRedisTokenStore(redisAddr, ttl)
	}
	return newMemoryTokenStore(ttl)
}

// memoryTokenStore keeps tokens in-process with a periodic expiry sweep.
type memoryTokenStore struct {
	mu     sync.Mutex
	tokens map[[16]byte]time.Time
	ttl    time.Duration
	done   chan struct{}
	once   sync.Once
}

func newMemoryTokenStore(ttl time.Duration) *memoryTokenStore {
	s := &memoryTokenStore{
		tokens: make(map[[16]byte]time.Time),
		ttl:    ttl,
		done:   make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *memoryTokenStore) Issue(_ context.Context) ([16]byte, error) {
	token := [16]byte(uuid.New())
	s.mu.Lock()
	s.tokens[token] = time.Now().Add(s.ttl)
	s.mu.Unlock()
	return token, nil
}

func (s *memoryTokenStore) Validate(_ context.Context, token [16]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.tokens[token]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.tokens, token)
		return false, nil
	}
	return true, nil
}

func (s *memoryTokenStore) Revoke(_ context.Context, token [16]byte) error {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return nil
}

func (s *memoryTokenStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *memoryTokenStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for token, expiry := range s.tokens {
				if now.After(expiry) {
					delete(s.tokens, token)
				}
			}
			s.mu.Unlock()
		}
	}
}

// redisTokenStore stores tokens with a server-side TTL so every relay
// instance pointed at the same redis sees the same token set.
type redisTokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisTokenStore(addr string, ttl time.Duration) *redisTokenStore {
	client := redis.NewClient(&redis.Options{Addr: addr})
	logrus.WithFields(logrus.Fields{
		"function": "newRedisTokenStore",
		"address":  addr,
	}).Info("Using redis token store")
	return &redisTokenStore{client: client, ttl: ttl}
}

func tokenKey(token [16]byte) string {
	return tokenKeyPrefix + uuid.UUID(token).String()
}

func (s *redisTokenStore) Issue(ctx context.Context) ([16]byte, error) {
	token := [16]byte(uuid.New())
	if err := s.client.Set(ctx, tokenKey(token), 1, s.ttl).Err(); err != nil {
		return [16]byte{}, err
	}
	return token, nil
}

func (s *redisTokenStore) Validate(ctx context.Context, token [16]byte) (bool, error) {
	n, err := s.client.Exists(ctx, tokenKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisTokenStore) Revoke(ctx context.Context, token [16]byte) error {
	return s.client.Del(ctx, tokenKey(token)).Err()
}

func (s *redisTokenStore) Close() error {
	return s.client.Close()
}
