package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"dukapos/backend/internal/domain"
)

type RedisTokenCache struct {
	client *redis.Client
}

func NewRedisTokenCache(addr string, password string, db int) *RedisTokenCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisTokenCache{client: client}
}

func (c *RedisTokenCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTokenCache) Close() error {
	return c.client.Close()
}

func (c *RedisTokenCache) Put(ctx context.Context, token *domain.FullSyncToken, ttl time.Duration) error {
	if token == nil {
		return nil
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, tokenKey(token.Token), payload, ttl).Err()
}

func (c *RedisTokenCache) Take(ctx context.Context, token string) (*domain.FullSyncToken, bool, error) {
	val, err := c.client.GetDel(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var stored domain.FullSyncToken
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return nil, false, err
	}
	return &stored, true, nil
}

func tokenKey(token string) string {
	return "fullsync:" + token
}
