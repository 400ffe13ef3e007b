package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// redisCacher is a Redis-based implementation of the Cacher interface. Values
// are stored as JSON. Stampede protection is process-local via singleflight;
// a single-node cache does not need a cross-process lock.
type redisCacher[T any] struct {
	client *redis.Client
	group  singleflight.Group
}

// NewRedisCacher creates a new Redis-based cacher instance.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	cacher := NewRedisCacher[store.User](client)
func NewRedisCacher[T any](client *redis.Client) Cacher[T] {
	return &redisCacher[T]{
		client: client,
	}
}

// GetOrFetch implements Cacher. On a miss the value is fetched, marshaled to
// JSON, and stored with the given TTL.
func (c *redisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var result T
		if err := json.Unmarshal([]byte(val), &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal cached value: %w", err)
		}

		return result, nil
	}

	if !errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("redis get error: %w", err)
	}

	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		result, err := fetchFn(ctx)
		if err != nil {
			return zero, fmt.Errorf("fetch function failed: %w", err)
		}

		data, err := json.Marshal(result)
		if err != nil {
			return zero, fmt.Errorf("failed to marshal result: %w", err)
		}

		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return zero, fmt.Errorf("failed to cache result: %w", err)
		}

		return result, nil
	})
	if err != nil {
		return zero, err
	}

	typedVal, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in cache for key %s", key)
	}

	return typedVal, nil
}

// Delete implements Cacher.
func (c *redisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

// Clear implements Cacher.
func (c *redisCacher[T]) Clear(ctx context.Context) error {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	return nil
}
