package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"invoicehub/backend/internal/domain"
)

const schemeKeyPrefix = "invoicehub:schemes:active:"

type RedisSchemeCache struct {
	client redis.UniversalClient
}

func NewRedisSchemeCache(addr string, password string, db int) *RedisSchemeCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSchemeCache{client: client}
}

func (c *RedisSchemeCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSchemeCache) Close() error {
	return c.client.Close()
}

func (c *RedisSchemeCache) Get(ctx context.Context, accountID string) ([]domain.ProductScheme, bool, error) {
	val, err := c.client.Get(ctx, schemeKeyPrefix+accountID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var schemes []domain.ProductScheme
	if err := json.Unmarshal(val, &schemes); err != nil {
		return nil, false, err
	}
	return schemes, true, nil
}

func (c *RedisSchemeCache) Set(ctx context.Context, accountID string, schemes []domain.ProductScheme, ttl time.Duration) error {
	if schemes == nil {
		schemes = []domain.ProductScheme{}
	}
	payload, err := json.Marshal(schemes)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, schemeKeyPrefix+accountID, payload, ttl).Err()
}
