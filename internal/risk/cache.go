package risk

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores computed scores per subject. Staleness is handled only by
// explicit invalidation; there is no silent refresh.
type Cache interface {
	Get(ctx context.Context, subject string) (*Score, bool, error)
	Set(ctx context.Context, score *Score) error
	Invalidate(ctx context.Context, subject string) error
}

// MemoryCache is an in-process score cache.
type MemoryCache struct {
	mu     sync.RWMutex
	scores map[string]*Score
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{scores: make(map[string]*Score)}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, subject string) (*Score, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.scores[subject]
	if !ok {
		return nil, false, nil
	}
	copied := *s
	return &copied, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(ctx context.Context, score *Score) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := *score
	c.scores[score.Subject] = &copied
	return nil
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(ctx context.Context, subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.scores, subject)
	return nil
}

// RedisConfig holds Redis connection configuration for the score cache.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	TTL          time.Duration `yaml:"ttl"`
}

// DefaultRedisConfig returns the default Redis cache configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		TTL:          time.Hour,
	}
}

// RedisCache stores scores in Redis for sharing across instances. The TTL
// is a backstop only; correctness relies on explicit invalidation.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed score cache and verifies the
// connection.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("risk: failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: cfg.TTL}, nil
}

func cacheKey(subject string) string {
	return "risk:score:" + subject
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, subject string) (*Score, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(subject)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var score Score
	if err := json.Unmarshal([]byte(val), &score); err != nil {
		return nil, false, err
	}
	return &score, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, score *Score) error {
	data, err := json.Marshal(score)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(score.Subject), data, c.ttl).Err()
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context, subject string) error {
	return c.client.Del(ctx, cacheKey(subject)).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
