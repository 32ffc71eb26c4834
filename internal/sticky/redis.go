package sticky

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "codexlb:sticky:"

// Redis is the shared backend for multi-process deployments. Each mapping is
// a plain key with a TTL; counts are computed with a prefix scan.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	accountID, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sticky redis get: %w", err)
	}
	return accountID, true, nil
}

func (r *Redis) Upsert(ctx context.Context, key, accountID string) error {
	if err := r.client.Set(ctx, redisKeyPrefix+key, accountID, r.ttl).Err(); err != nil {
		return fmt.Errorf("sticky redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("sticky redis del: %w", err)
	}
	return nil
}

func (r *Redis) CountByAccount(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		accountID, err := r.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sticky redis count: %w", err)
		}
		counts[accountID]++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("sticky redis scan: %w", err)
	}
	return counts, nil
}

func (r *Redis) DeleteAccount(ctx context.Context, accountID string) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		target, err := r.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sticky redis get: %w", err)
		}
		if target == accountID {
			if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("sticky redis del: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("sticky redis scan: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
