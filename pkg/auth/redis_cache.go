package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisCache shares tokens between worker replicas through Redis
type RedisCache struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCache creates a cache on client; keys are namespaced by prefix
func NewRedisCache(client redis.Cmdable, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "yepcode:token:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*AccessToken, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var token AccessToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, false, fmt.Errorf("decode cached token: %w", err)
	}
	return &token, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, token *AccessToken, ttl time.Duration) error {
	if token == nil || ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
