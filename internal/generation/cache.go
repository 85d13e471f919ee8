package generation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonathan/apply-agent/internal/types"
)

// Cache stores previously generated answers keyed by question and context.
// A Get miss returns ("", false, nil); errors are reserved for backend
// failures, which callers treat as a miss.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, answer string) error
}

// Key derives the cache key for a question asked against a context digest.
// The same wording with a different kind is a different key, as is the
// same question after the user's facts change.
func Key(questionText string, kind types.QuestionKind, contextDigest string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%s", questionText, kind, contextDigest))
	return "answer:" + hex.EncodeToString(sum[:])
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	answers map[string]string
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{answers: make(map[string]string)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	answer, ok := c.answers[key]
	return answer, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key, answer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[key] = answer
	return nil
}

// RedisCache shares answers across processes through Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps a Redis client. A zero ttl stores answers without
// expiry.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	answer, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return answer, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, answer string) error {
	if err := c.client.Set(ctx, key, answer, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
